package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestrelworks/conductor"
)

// newTestTools builds the file and search tools over a fresh workspace.
func newTestTools(t *testing.T) (*Tool, *SearchTool, string) {
	t.Helper()
	dir := t.TempDir()
	gate, err := conductor.NewGate(dir, conductor.DefaultGatePolicy())
	if err != nil {
		t.Fatal(err)
	}
	return New(gate), NewSearch(gate), gate.Workspace()
}

func exec(t *testing.T, tool conductor.Tool, name, args string) conductor.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), name, json.RawMessage(args))
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestWriteFile(t *testing.T) {
	tool, _, dir := newTestTools(t)

	res := exec(t, tool, "write_file", `{"file_path": "out.txt", "content": "hello"}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "wrote 5 bytes") {
		t.Errorf("Output = %q", res.Output)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("on disk = %q, %v", data, err)
	}
}

func TestWriteFileParentDirs(t *testing.T) {
	tool, _, dir := newTestTools(t)

	// Missing parent is an error unless create_dirs is set.
	res := exec(t, tool, "write_file", `{"file_path": "a/b/c.txt", "content": "x"}`)
	if res.Success || !strings.Contains(res.Error, "parent directory does not exist") {
		t.Errorf("result = %+v", res)
	}

	res = exec(t, tool, "write_file", `{"file_path": "a/b/c.txt", "content": "x", "create_dirs": true}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "a", "b", "c.txt")); err != nil {
		t.Errorf("nested file not created: %v", err)
	}
}

func TestWriteFileOverwrite(t *testing.T) {
	tool, _, dir := newTestTools(t)
	exec(t, tool, "write_file", `{"file_path": "ow.txt", "content": "first"}`)
	res := exec(t, tool, "write_file", `{"file_path": "ow.txt", "content": "second"}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "ow.txt"))
	if string(data) != "second" {
		t.Errorf("on disk = %q, want %q", data, "second")
	}
}

func TestReadFile(t *testing.T) {
	tool, _, dir := newTestTools(t)
	if err := os.WriteFile(filepath.Join(dir, "in.txt"), []byte("content here"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := exec(t, tool, "read_file", `{"file_path": "in.txt"}`)
	if !res.Success || res.Output != "content here" {
		t.Errorf("result = %+v", res)
	}
	if res.Metadata["size"] != int64(12) || res.Metadata["truncated"] != false {
		t.Errorf("Metadata = %v", res.Metadata)
	}

	// "path" is accepted as an alias for file_path.
	res = exec(t, tool, "read_file", `{"path": "in.txt"}`)
	if !res.Success || res.Output != "content here" {
		t.Errorf("alias result = %+v", res)
	}
}

func TestReadFileValidation(t *testing.T) {
	tool, _, dir := newTestTools(t)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args string
		want string
	}{
		{"missing path", `{}`, "file_path is required"},
		{"nonexistent", `{"file_path": "ghost.txt"}`, "stat:"},
		{"directory", `{"file_path": "sub"}`, "is a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := exec(t, tool, "read_file", tt.args)
			if res.Success || !strings.Contains(res.Error, tt.want) {
				t.Errorf("result = %+v, want error containing %q", res, tt.want)
			}
		})
	}
}

func TestReadFileRefusesBinary(t *testing.T) {
	tool, _, dir := newTestTools(t)
	if err := os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}
	res := exec(t, tool, "read_file", `{"file_path": "blob.bin"}`)
	if res.Success || !strings.Contains(res.Error, "not valid UTF-8") {
		t.Errorf("result = %+v", res)
	}
}

func TestReadFileSizeLimit(t *testing.T) {
	tool, _, dir := newTestTools(t)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("a", 100)), 0o644); err != nil {
		t.Fatal(err)
	}
	res := exec(t, tool, "read_file", `{"file_path": "big.txt", "max_size": 10}`)
	if res.Success || !strings.Contains(res.Error, "over the 10 byte limit") {
		t.Errorf("result = %+v", res)
	}
}

func TestReadFilePreviewTruncation(t *testing.T) {
	tool, _, dir := newTestTools(t)
	big := strings.Repeat("A", readPreviewLimit+100)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	res := exec(t, tool, "read_file", `{"file_path": "big.txt"}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Output) != readPreviewLimit {
		t.Errorf("Output length = %d, want %d", len(res.Output), readPreviewLimit)
	}
	if res.Metadata["truncated"] != true {
		t.Errorf("Metadata = %v, want truncated", res.Metadata)
	}
}

func TestFilePathEscape(t *testing.T) {
	tool, _, _ := newTestTools(t)
	for _, path := range []string{"../escape.txt", "/etc/passwd", "a/../../escape.txt"} {
		res := exec(t, tool, "read_file", fmt.Sprintf(`{"file_path": %q}`, path))
		if res.Success {
			t.Errorf("read_file admitted %q", path)
		}
		res = exec(t, tool, "write_file", fmt.Sprintf(`{"file_path": %q, "content": "x"}`, path))
		if res.Success {
			t.Errorf("write_file admitted %q", path)
		}
	}
}

func TestListDirectory(t *testing.T) {
	tool, _, dir := newTestTools(t)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644)
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("bb"), 0o644)

	type entry struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	}
	decode := func(res conductor.ToolResult) []entry {
		t.Helper()
		var entries []entry
		if err := json.Unmarshal([]byte(res.Output), &entries); err != nil {
			t.Fatalf("listing is not JSON: %v\n%s", err, res.Output)
		}
		return entries
	}

	// Non-recursive stays at the top level.
	res := exec(t, tool, "list_directory", `{}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	names := map[string]string{}
	for _, e := range decode(res) {
		names[e.Name] = e.Type
	}
	if names["a.txt"] != "file" || names["sub"] != "dir" {
		t.Errorf("entries = %v", names)
	}
	if _, ok := names[filepath.Join("sub", "b.txt")]; ok {
		t.Error("non-recursive listing descended into sub")
	}

	// Recursive includes the nested file.
	res = exec(t, tool, "list_directory", `{"recursive": true}`)
	found := false
	for _, e := range decode(res) {
		if e.Name == filepath.Join("sub", "b.txt") && e.Size == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("recursive listing missing sub/b.txt: %s", res.Output)
	}
	if res.Metadata["count"] != 3 {
		t.Errorf("Metadata = %v, want count 3", res.Metadata)
	}
}

func TestSearchFiles(t *testing.T) {
	_, search, dir := newTestTools(t)
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644)
	os.MkdirAll(filepath.Join(dir, "pkg"), 0o755)
	os.WriteFile(filepath.Join(dir, "pkg", "util.go"), []byte("package pkg"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	os.MkdirAll(filepath.Join(dir, ".git"), 0o755)
	os.WriteFile(filepath.Join(dir, ".git", "hook.go"), []byte("x"), 0o644)

	res := exec(t, search, "search_files", `{"pattern": "*.go"}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	got := strings.Split(res.Output, "\n")
	want := []string{"main.go", filepath.Join("pkg", "util.go")}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("matches = %v, want %v", got, want)
	}

	res = exec(t, search, "search_files", `{}`)
	if res.Success || !strings.Contains(res.Error, "pattern is required") {
		t.Errorf("result = %+v", res)
	}
}

func TestSearchFilesMaxResults(t *testing.T) {
	_, search, dir := newTestTools(t)
	for i := 0; i < 5; i++ {
		os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), []byte("x"), 0o644)
	}
	res := exec(t, search, "search_files", `{"pattern": "*.txt", "max_results": 3}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := len(strings.Split(res.Output, "\n")); got != 3 {
		t.Errorf("matches = %d, want 3", got)
	}
	if res.Metadata["truncated"] != true {
		t.Errorf("Metadata = %v, want truncated", res.Metadata)
	}
}

func TestGrep(t *testing.T) {
	_, search, dir := newTestTools(t)
	os.WriteFile(filepath.Join(dir, "code.go"), []byte("before\nfunc Handler() {}\nafter\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "readme.md"), []byte("the handler docs\n"), 0o644)

	decode := func(res conductor.ToolResult) []grepMatch {
		t.Helper()
		var matches []grepMatch
		if err := json.Unmarshal([]byte(res.Output), &matches); err != nil {
			t.Fatalf("grep output is not JSON: %v\n%s", err, res.Output)
		}
		return matches
	}

	// Literal, case-insensitive by default: hits both files.
	res := exec(t, search, "grep", `{"pattern": "handler"}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if matches := decode(res); len(matches) != 2 {
		t.Errorf("matches = %+v, want 2", matches)
	}

	// Case-sensitive narrows to the Go file.
	res = exec(t, search, "grep", `{"pattern": "Handler", "case_sensitive": true}`)
	matches := decode(res)
	if len(matches) != 1 || matches[0].File != "code.go" || matches[0].Line != 2 {
		t.Errorf("matches = %+v", matches)
	}

	// Context lines ride along.
	res = exec(t, search, "grep", `{"pattern": "Handler", "case_sensitive": true, "context_lines": 1}`)
	matches = decode(res)
	if len(matches) != 1 || len(matches[0].Before) != 1 || matches[0].Before[0] != "before" || matches[0].After[0] != "after" {
		t.Errorf("matches = %+v", matches)
	}

	// file_glob restricts the walk.
	res = exec(t, search, "grep", `{"pattern": "handler", "file_glob": "*.md"}`)
	matches = decode(res)
	if len(matches) != 1 || matches[0].File != "readme.md" {
		t.Errorf("matches = %+v", matches)
	}
}

func TestGrepRegex(t *testing.T) {
	_, search, dir := newTestTools(t)
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("err1\nerr2\nok\n"), 0o644)

	// Literal mode quotes metacharacters.
	res := exec(t, search, "grep", `{"pattern": "err[0-9]"}`)
	var matches []grepMatch
	json.Unmarshal([]byte(res.Output), &matches)
	if len(matches) != 0 {
		t.Errorf("literal mode matched %+v", matches)
	}

	res = exec(t, search, "grep", `{"pattern": "err[0-9]", "regex": true}`)
	matches = nil
	json.Unmarshal([]byte(res.Output), &matches)
	if len(matches) != 2 {
		t.Errorf("regex mode matches = %+v, want 2", matches)
	}

	res = exec(t, search, "grep", `{"pattern": "err[", "regex": true}`)
	if res.Success || !strings.Contains(res.Error, "bad pattern") {
		t.Errorf("result = %+v", res)
	}
}

func TestGrepMaxMatches(t *testing.T) {
	_, search, dir := newTestTools(t)
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte(strings.Repeat("hit\n", 10)), 0o644)

	res := exec(t, search, "grep", `{"pattern": "hit", "max_matches": 4}`)
	var matches []grepMatch
	json.Unmarshal([]byte(res.Output), &matches)
	if len(matches) != 4 {
		t.Errorf("matches = %d, want 4", len(matches))
	}
	if res.Metadata["truncated"] != true {
		t.Errorf("Metadata = %v, want truncated", res.Metadata)
	}
}

func TestFileUnknownTool(t *testing.T) {
	tool, search, _ := newTestTools(t)
	res := exec(t, tool, "file_stat", `{}`)
	if res.Success || !strings.Contains(res.Error, "unknown file tool") {
		t.Errorf("result = %+v", res)
	}
	res = exec(t, search, "find", `{}`)
	if res.Success || !strings.Contains(res.Error, "unknown search tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestFileDefinitions(t *testing.T) {
	tool, search, _ := newTestTools(t)
	names := map[string]bool{}
	for _, d := range tool.Definitions() {
		names[d.Name] = true
	}
	for _, d := range search.Definitions() {
		names[d.Name] = true
	}
	for _, want := range []string{"read_file", "write_file", "list_directory", "search_files", "grep"} {
		if !names[want] {
			t.Errorf("missing %s definition", want)
		}
	}
}
