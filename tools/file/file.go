// Package file provides workspace-confined filesystem tools: reading
// (including PDF text extraction), writing, directory listing, glob search,
// and grep. All paths pass through the safety gate.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kestrelworks/conductor"
)

const (
	defaultMaxReadSize = 10 << 20 // 10 MiB
	readPreviewLimit   = 64 << 10 // content returned to the model
)

// Tool implements read_file, write_file, and list_directory.
type Tool struct {
	gate *conductor.Gate
}

// New creates the file tool over a gate.
func New(gate *conductor.Gate) *Tool {
	return &Tool{gate: gate}
}

func (t *Tool) Category() conductor.ToolCategory { return conductor.CategoryFile }
func (t *Tool) Network() conductor.NetworkTag    { return conductor.NetworkLocal }

func (t *Tool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a text file from the workspace. PDF files are converted to plain text. Refuses binary files and files over the size limit.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Path relative to workspace"},"max_size":{"type":"integer","description":"Maximum size in bytes (default 10485760)"}},"required":["file_path"]}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the workspace.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string"},"content":{"type":"string"},"create_dirs":{"type":"boolean","description":"Create parent directories if missing"}},"required":["file_path","content"]}`),
		},
		{
			Name:        "list_directory",
			Description: "List directory entries with type and size. Optionally recursive up to max_depth.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory relative to workspace (default .)"},"recursive":{"type":"boolean"},"max_depth":{"type":"integer","description":"Recursion depth (default 3)"}}}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (conductor.ToolResult, error) {
	switch name {
	case "read_file":
		return t.read(args), nil
	case "write_file":
		return t.write(args), nil
	case "list_directory":
		return t.list(args), nil
	default:
		return conductor.Fail("unknown file tool: " + name), nil
	}
}

func (t *Tool) read(args json.RawMessage) conductor.ToolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"` // accepted alias
		MaxSize  int64  `json:"max_size"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.Fail("invalid args: " + err.Error())
	}
	if params.FilePath == "" {
		params.FilePath = params.Path
	}
	if params.FilePath == "" {
		return conductor.Fail("file_path is required")
	}
	if params.MaxSize <= 0 {
		params.MaxSize = defaultMaxReadSize
	}

	resolved, err := t.gate.CheckFileAccess(params.FilePath, conductor.AccessRead)
	if err != nil {
		return conductor.Fail(err.Error())
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return conductor.Fail("stat: " + err.Error())
	}
	if info.IsDir() {
		return conductor.Fail(params.FilePath + " is a directory")
	}
	if info.Size() > params.MaxSize {
		return conductor.Fail(fmt.Sprintf("file is %d bytes, over the %d byte limit", info.Size(), params.MaxSize))
	}

	if strings.EqualFold(filepath.Ext(resolved), ".pdf") {
		return readPDF(resolved)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return conductor.Fail("read: " + err.Error())
	}
	if !utf8.Valid(data) {
		return conductor.Fail(params.FilePath + " is not valid UTF-8 text (binary file?)")
	}
	content := string(data)
	truncated := false
	if len(content) > readPreviewLimit {
		content = content[:readPreviewLimit]
		truncated = true
	}
	res := conductor.Ok(content)
	res.Metadata = map[string]any{"size": info.Size(), "truncated": truncated}
	return res
}

// readPDF extracts plain text from a PDF, page by page.
func readPDF(path string) conductor.ToolResult {
	f, r, err := pdf.Open(path)
	if err != nil {
		return conductor.Fail("open pdf: " + err.Error())
	}
	defer f.Close()

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	content := strings.TrimSpace(b.String())
	if content == "" {
		return conductor.Fail("pdf contains no extractable text")
	}
	if len(content) > readPreviewLimit {
		content = content[:readPreviewLimit]
	}
	res := conductor.Ok(content)
	res.Metadata = map[string]any{"pages": r.NumPage(), "format": "pdf"}
	return res
}

func (t *Tool) write(args json.RawMessage) conductor.ToolResult {
	var params struct {
		FilePath   string `json:"file_path"`
		Path       string `json:"path"`
		Content    string `json:"content"`
		CreateDirs bool   `json:"create_dirs"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.Fail("invalid args: " + err.Error())
	}
	if params.FilePath == "" {
		params.FilePath = params.Path
	}
	if params.FilePath == "" {
		return conductor.Fail("file_path is required")
	}

	resolved, err := t.gate.CheckFileAccess(params.FilePath, conductor.AccessWrite)
	if err != nil {
		return conductor.Fail(err.Error())
	}
	dir := filepath.Dir(resolved)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if !params.CreateDirs {
			return conductor.Fail("parent directory does not exist (set create_dirs to create it): " + dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return conductor.Fail("mkdir: " + err.Error())
		}
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0o644); err != nil {
		return conductor.Fail("write: " + err.Error())
	}
	return conductor.Ok(fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.FilePath))
}

func (t *Tool) list(args json.RawMessage) conductor.ToolResult {
	var params struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
		MaxDepth  int    `json:"max_depth"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.Fail("invalid args: " + err.Error())
	}
	if params.Path == "" {
		params.Path = "."
	}
	if params.MaxDepth <= 0 {
		params.MaxDepth = 3
	}
	if !params.Recursive {
		params.MaxDepth = 1
	}

	resolved, err := t.gate.CheckFileAccess(params.Path, conductor.AccessRead)
	if err != nil {
		return conductor.Fail(err.Error())
	}

	type entry struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	}
	var entries []entry
	var walk func(dir, prefix string, depth int)
	walk = func(dir, prefix string, depth int) {
		if depth > params.MaxDepth {
			return
		}
		items, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, it := range items {
			// Entries whose stat fails are skipped, not fatal.
			info, err := it.Info()
			if err != nil {
				continue
			}
			kind := "file"
			if it.IsDir() {
				kind = "dir"
			}
			entries = append(entries, entry{
				Name: filepath.Join(prefix, it.Name()),
				Type: kind,
				Size: info.Size(),
			})
			if it.IsDir() {
				walk(filepath.Join(dir, it.Name()), filepath.Join(prefix, it.Name()), depth+1)
			}
		}
	}
	walk(resolved, "", 1)

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return conductor.Fail("marshal: " + err.Error())
	}
	res := conductor.Ok(string(raw))
	res.Metadata = map[string]any{"count": len(entries)}
	return res
}

// SearchTool implements search_files (glob) and grep.
type SearchTool struct {
	gate *conductor.Gate
}

// NewSearch creates the search tool over a gate.
func NewSearch(gate *conductor.Gate) *SearchTool {
	return &SearchTool{gate: gate}
}

func (t *SearchTool) Category() conductor.ToolCategory { return conductor.CategorySearch }
func (t *SearchTool) Network() conductor.NetworkTag    { return conductor.NetworkLocal }

func (t *SearchTool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{
		{
			Name:        "search_files",
			Description: "Find files matching a glob pattern under a directory.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string","description":"Glob pattern, e.g. *.go"},"path":{"type":"string","description":"Directory relative to workspace (default .)"},"max_results":{"type":"integer","description":"Cap on results (default 100)"}},"required":["pattern"]}`),
		},
		{
			Name:        "grep",
			Description: "Search file contents for a pattern. Literal by default; set regex for regular expressions.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"file_glob":{"type":"string","description":"Restrict to files matching this glob"},"case_sensitive":{"type":"boolean"},"regex":{"type":"boolean"},"max_matches":{"type":"integer","description":"Default 100"},"context_lines":{"type":"integer"}},"required":["pattern"]}`),
		},
	}
}

func (t *SearchTool) Execute(ctx context.Context, name string, args json.RawMessage) (conductor.ToolResult, error) {
	switch name {
	case "search_files":
		return t.searchFiles(args), nil
	case "grep":
		return t.grep(ctx, args), nil
	default:
		return conductor.Fail("unknown search tool: " + name), nil
	}
}

func (t *SearchTool) searchFiles(args json.RawMessage) conductor.ToolResult {
	var params struct {
		Pattern    string `json:"pattern"`
		Path       string `json:"path"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.Fail("invalid args: " + err.Error())
	}
	if params.Pattern == "" {
		return conductor.Fail("pattern is required")
	}
	if params.Path == "" {
		params.Path = "."
	}
	if params.MaxResults <= 0 {
		params.MaxResults = 100
	}

	root, err := t.gate.CheckFileAccess(params.Path, conductor.AccessRead)
	if err != nil {
		return conductor.Fail(err.Error())
	}

	var matches []string
	truncated := false
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(params.Pattern, d.Name()); !ok {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if len(matches) >= params.MaxResults {
			truncated = true
			return filepath.SkipAll
		}
		matches = append(matches, rel)
		return nil
	})
	sort.Strings(matches)

	res := conductor.Ok(strings.Join(matches, "\n"))
	res.Metadata = map[string]any{"count": len(matches), "truncated": truncated}
	return res
}
