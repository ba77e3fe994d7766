package shell

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestrelworks/conductor"
)

func newTestShell(t *testing.T, opts ...Option) (*Tool, string) {
	t.Helper()
	dir := t.TempDir()
	gate, err := conductor.NewGate(dir, conductor.DefaultGatePolicy())
	if err != nil {
		t.Fatal(err)
	}
	return New(gate, opts...), gate.Workspace()
}

func run(t *testing.T, tool *Tool, name, args string) conductor.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), name, json.RawMessage(args))
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestExecuteCommand(t *testing.T) {
	tool, _ := newTestShell(t)
	res := run(t, tool, "execute_command", `{"command": "echo hello"}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Output != "hello\n" {
		t.Errorf("Output = %q, want %q", res.Output, "hello\n")
	}
	if res.Metadata["return_code"] != 0 {
		t.Errorf("Metadata = %v", res.Metadata)
	}
}

func TestExecuteCommandWorkingDir(t *testing.T) {
	tool, dir := newTestShell(t)
	if err := os.WriteFile(filepath.Join(dir, "present.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := run(t, tool, "execute_command", `{"command": "ls present.txt"}`)
	if !res.Success || !strings.Contains(res.Output, "present.txt") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteCommandMergesStderr(t *testing.T) {
	tool, _ := newTestShell(t)
	res := run(t, tool, "execute_command", `{"command": "echo out; echo err >&2"}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Errorf("Output = %q, want merged streams", res.Output)
	}
}

func TestExecuteCommandExitCode(t *testing.T) {
	tool, _ := newTestShell(t)
	res := run(t, tool, "execute_command", `{"command": "exit 3"}`)
	if res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Error != "exit code 3" {
		t.Errorf("Error = %q, want %q", res.Error, "exit code 3")
	}
	if res.Metadata["return_code"] != 3 {
		t.Errorf("Metadata = %v", res.Metadata)
	}
}

func TestExecuteCommandNoOutput(t *testing.T) {
	tool, _ := newTestShell(t)
	res := run(t, tool, "execute_command", `{"command": "true"}`)
	if !res.Success || res.Output != "(no output)" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteCommandDenied(t *testing.T) {
	tool, _ := newTestShell(t)
	res := run(t, tool, "execute_command", `{"command": "rm -rf /"}`)
	if res.Success || !strings.Contains(res.Error, "denied") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	tool, _ := newTestShell(t)
	res := run(t, tool, "execute_command", `{"command": "sleep 10", "timeout": 1}`)
	if res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "killed after 1s timeout") {
		t.Errorf("Error = %q", res.Error)
	}
	if res.Metadata["timed_out"] != true {
		t.Errorf("Metadata = %v", res.Metadata)
	}
}

func TestExecuteCommandValidation(t *testing.T) {
	tool, _ := newTestShell(t)
	res := run(t, tool, "execute_command", `{}`)
	if res.Success || !strings.Contains(res.Error, "command is required") {
		t.Errorf("result = %+v", res)
	}
	res = run(t, tool, "execute_python", `{}`)
	if res.Success || !strings.Contains(res.Error, "code is required") {
		t.Errorf("result = %+v", res)
	}
	res = run(t, tool, "execute_ruby", `{"code": "puts 1"}`)
	if res.Success || !strings.Contains(res.Error, "unknown shell tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutePython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	tool, dir := newTestShell(t)
	res := run(t, tool, "execute_python", `{"code": "print('from python')"}`)
	if !res.Success || !strings.Contains(res.Output, "from python") {
		t.Errorf("result = %+v", res)
	}
	// The snippet temp file is cleaned up.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "snippet-") {
			t.Errorf("snippet file %s left behind", e.Name())
		}
	}
}

func TestShellDefinitions(t *testing.T) {
	tool, _ := newTestShell(t)
	defs := tool.Definitions()
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
	if defs[0].Name != "execute_command" || defs[1].Name != "execute_python" {
		t.Errorf("definitions = %q, %q", defs[0].Name, defs[1].Name)
	}
}
