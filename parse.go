package conductor

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// LLM responses are parsed leniently: models wrap JSON in prose, reasoning
// blocks, and markdown fences, and emit Python literals and trailing commas.
// ExtractJSON recovers the first decodable JSON value or returns ErrParse
// with a raw-text preview.

var thinkBlockRe = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)

// StripThinking removes chain-of-thought wrappers from a response and
// returns (visible, thinking). Unclosed blocks drop everything from the
// opening tag.
func StripThinking(s string) (string, string) {
	var thinking strings.Builder
	for _, m := range thinkBlockRe.FindAllString(s, -1) {
		inner := m[strings.Index(m, ">")+1:]
		inner = inner[:strings.LastIndex(inner, "<")]
		thinking.WriteString(strings.TrimSpace(inner))
		thinking.WriteString("\n")
	}
	visible := thinkBlockRe.ReplaceAllString(s, "")
	if i := strings.Index(visible, "<think>"); i >= 0 {
		thinking.WriteString(strings.TrimSpace(visible[i+len("<think>"):]))
		visible = visible[:i]
	}
	return strings.TrimSpace(visible), strings.TrimSpace(thinking.String())
}

// ExtractJSON locates and decodes the first JSON object or array in an LLM
// response, applying the recovery ladder: direct parse, fenced code blocks,
// first balanced {…}/[…] region, then light repairs (trailing commas,
// True/False/None, bare newlines in strings) via jsonrepair.
func ExtractJSON(raw string, v any) error {
	s, _ := StripThinking(raw)
	s = strings.TrimSpace(s)
	if s == "" {
		return &ErrParse{Preview: raw, Cause: errEmptyResponse}
	}

	candidates := []string{s}
	candidates = append(candidates, fencedBlocks(s)...)
	if b := firstBalanced(s); b != "" && b != s {
		candidates = append(candidates, b)
	}

	var lastErr error
	for _, c := range candidates {
		if err := json.Unmarshal([]byte(c), v); err == nil {
			return nil
		} else {
			lastErr = err
		}
		repaired, err := jsonrepair.JSONRepair(c)
		if err != nil {
			repaired = pythonLiteralFix(c)
		}
		if err := json.Unmarshal([]byte(repaired), v); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return &ErrParse{Preview: truncateStr(s, 300), Cause: lastErr}
}

var errEmptyResponse = &ErrHTTP{Status: 0, Body: "empty response"}

// fencedBlocks extracts the content of fenced code blocks using the
// markdown parser, preferring json-tagged fences.
func fencedBlocks(s string) []string {
	src := []byte(s)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var tagged, untagged []string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		for i := 0; i < fc.Lines().Len(); i++ {
			line := fc.Lines().At(i)
			b.Write(line.Value(src))
		}
		body := strings.TrimSpace(b.String())
		if body == "" {
			return ast.WalkContinue, nil
		}
		if lang := string(fc.Language(src)); lang == "json" {
			tagged = append(tagged, body)
		} else {
			untagged = append(untagged, body)
		}
		return ast.WalkContinue, nil
	})
	return append(tagged, untagged...)
}

// firstBalanced returns the first balanced {…} or […] region, tracking
// string literals so braces inside values don't confuse the scan.
func firstBalanced(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if s[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	pyTrueRe        = regexp.MustCompile(`\bTrue\b`)
	pyFalseRe       = regexp.MustCompile(`\bFalse\b`)
	pyNoneRe        = regexp.MustCompile(`\bNone\b`)
)

// pythonLiteralFix is the conservative fallback when jsonrepair itself
// fails: trailing commas, Python literals, bare newlines inside strings.
func pythonLiteralFix(s string) string {
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = pyTrueRe.ReplaceAllString(s, "true")
	s = pyFalseRe.ReplaceAllString(s, "false")
	s = pyNoneRe.ReplaceAllString(s, "null")
	return escapeBareNewlines(s)
}

// escapeBareNewlines replaces literal newlines inside string values with \n.
func escapeBareNewlines(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c == '\n':
				b.WriteString(`\n`)
				continue
			}
		} else if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}
