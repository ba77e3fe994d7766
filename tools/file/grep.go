package file

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kestrelworks/conductor"
)

// grepMatch is one hit in grep output.
type grepMatch struct {
	File    string   `json:"file"`
	Line    int      `json:"line"`
	Content string   `json:"content"`
	Start   int      `json:"start"`
	End     int      `json:"end"`
	Before  []string `json:"before,omitempty"`
	After   []string `json:"after,omitempty"`
}

func (t *SearchTool) grep(ctx context.Context, args json.RawMessage) conductor.ToolResult {
	var params struct {
		Pattern       string `json:"pattern"`
		FileGlob      string `json:"file_glob"`
		CaseSensitive bool   `json:"case_sensitive"`
		Regex         bool   `json:"regex"`
		MaxMatches    int    `json:"max_matches"`
		ContextLines  int    `json:"context_lines"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.Fail("invalid args: " + err.Error())
	}
	if params.Pattern == "" {
		return conductor.Fail("pattern is required")
	}
	if params.MaxMatches <= 0 {
		params.MaxMatches = 100
	}

	pattern := params.Pattern
	if !params.Regex {
		pattern = regexp.QuoteMeta(pattern)
	}
	if !params.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return conductor.Fail("bad pattern: " + err.Error())
	}

	root, gateErr := t.gate.CheckFileAccess(".", conductor.AccessRead)
	if gateErr != nil {
		return conductor.Fail(gateErr.Error())
	}

	var matches []grepMatch
	truncated := false
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if params.FileGlob != "" {
			if ok, _ := filepath.Match(params.FileGlob, d.Name()); !ok {
				return nil
			}
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if grepFile(path, rel, re, params.ContextLines, params.MaxMatches, &matches) {
			truncated = true
			return filepath.SkipAll
		}
		return nil
	})

	raw, err := json.MarshalIndent(matches, "", "  ")
	if err != nil {
		return conductor.Fail("marshal: " + err.Error())
	}
	res := conductor.Ok(string(raw))
	res.Metadata = map[string]any{"count": len(matches), "truncated": truncated}
	return res
}

// grepFile scans one file, appending matches. Returns true when the match
// cap was hit. Unreadable and binary files are skipped silently.
func grepFile(path, rel string, re *regexp.Regexp, contextLines, maxMatches int, matches *[]grepMatch) bool {
	data, err := os.ReadFile(path)
	if err != nil || !utf8.Valid(data) {
		return false
	}
	lines := splitLines(string(data))
	for i, line := range lines {
		loc := re.FindStringIndex(line)
		if loc == nil {
			continue
		}
		m := grepMatch{
			File:    rel,
			Line:    i + 1,
			Content: line,
			Start:   loc[0],
			End:     loc[1],
		}
		if contextLines > 0 {
			for j := max(0, i-contextLines); j < i; j++ {
				m.Before = append(m.Before, lines[j])
			}
			for j := i + 1; j <= min(len(lines)-1, i+contextLines); j++ {
				m.After = append(m.After, lines[j])
			}
		}
		*matches = append(*matches, m)
		if len(*matches) >= maxMatches {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
