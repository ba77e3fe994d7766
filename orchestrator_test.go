package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// recordingStore captures run records in memory.
type recordingStore struct {
	mu   sync.Mutex
	recs []RunRecord
}

func (s *recordingStore) Record(ctx context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func newTestOrchestrator(t *testing.T, provider *mockProvider, opts ...OrchestratorOption) (*Orchestrator, *Client) {
	t.Helper()
	client := newTestClient(provider)
	opts = append([]OrchestratorOption{WithWorkspaceRoot(t.TempDir())}, opts...)
	return NewOrchestrator(client, NewToolRegistry(false), opts...), client
}

func TestOrchestratorEmptyTask(t *testing.T) {
	o, client := newTestOrchestrator(t, &mockProvider{})
	defer client.Close()

	if _, err := o.Execute(context.Background(), Request{}); err == nil {
		t.Error("empty task accepted")
	}
}

func TestOrchestratorExecute(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: planResponse},
		{Content: `{"action": "COMPLETE", "parameters": {"summary": "all set"}}`},
	}}
	o, client := newTestOrchestrator(t, provider)
	defer client.Close()

	res, err := o.Execute(context.Background(), Request{
		Task:           "finish the thing",
		DomainOverride: DomainGeneral,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Output != "all set" {
		t.Errorf("result = %+v", res)
	}
	if res.TaskID == "" {
		t.Error("TaskID not assigned")
	}
	if o.Counters()[DomainGeneral] != 1 {
		t.Errorf("Counters = %v, want one general run", o.Counters())
	}
}

func TestOrchestratorExecuteStream(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: planResponse},
		{Content: `{"action": "COMPLETE", "parameters": {"summary": "streamed"}}`},
	}}
	o, client := newTestOrchestrator(t, provider)
	defer client.Close()

	stream, done := o.ExecuteStream(context.Background(), Request{
		Task:           "finish the thing",
		DomainOverride: DomainGeneral,
	})

	var types []EventType
	for ev := range stream.Events() {
		types = append(types, ev.Type)
	}
	res := <-done

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(types) < 3 {
		t.Fatalf("events = %v, want classification through task_complete", types)
	}
	if types[0] != EventClassification {
		t.Errorf("first event = %q, want classification", types[0])
	}
	if types[len(types)-1] != EventTaskComplete {
		t.Errorf("last event = %q, want the trailing task_complete", types[len(types)-1])
	}
	if types[len(types)-2] != EventWorkflowComplete {
		t.Errorf("second-to-last event = %q, want workflow_complete", types[len(types)-2])
	}
}

func TestOrchestratorStreamErrorPath(t *testing.T) {
	o, client := newTestOrchestrator(t, &mockProvider{})
	defer client.Close()

	stream, done := o.ExecuteStream(context.Background(), Request{Task: ""})
	for range stream.Events() {
	}
	res := <-done
	if res.Success {
		t.Fatal("empty task streamed a success")
	}
	if res.Error == "" {
		t.Error("Error not populated on the result")
	}
}

func TestOrchestratorRecordsHistory(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: planResponse},
		{Content: `{"action": "COMPLETE", "parameters": {"summary": "recorded"}}`},
	}}
	store := &recordingStore{}
	o, client := newTestOrchestrator(t, provider, WithHistory(store))
	defer client.Close()

	res, err := o.Execute(context.Background(), Request{
		Task:           "finish the thing",
		DomainOverride: DomainCoding,
	})
	if err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.recs) != 1 {
		t.Fatalf("records = %d, want 1", len(store.recs))
	}
	rec := store.recs[0]
	if rec.TaskID != res.TaskID || !rec.Success || rec.Domain != DomainCoding {
		t.Errorf("record = %+v", rec)
	}
	if rec.Output != "recorded" {
		t.Errorf("record Output = %q", rec.Output)
	}
}

func TestOrchestratorExecuteWithRetry(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		// Attempt 1.
		{Content: planResponse},
		{Content: `{"action": "COMPLETE", "parameters": {"summary": "too short"}}`},
		// Attempt 2, after rejection.
		{Content: planResponse},
		{Content: `{"action": "COMPLETE", "parameters": {"summary": "a fuller answer"}}`},
	}}
	o, client := newTestOrchestrator(t, provider)
	defer client.Close()

	attempts := 0
	res, err := o.ExecuteWithRetry(context.Background(), Request{
		Task:           "explain the design",
		DomainOverride: DomainGeneral,
	}, func(r WorkflowResult) (bool, string) {
		attempts++
		if r.Output == "too short" {
			return false, "expand the explanation"
		}
		return true, ""
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Errorf("judge called %d times, want 2", attempts)
	}
	if res.Output != "a fuller answer" {
		t.Errorf("Output = %q", res.Output)
	}

	// The retry prompt carries the rejection feedback.
	var sawFeedback bool
	for _, req := range provider.requests() {
		for _, msg := range req.Messages {
			if strings.Contains(msg.Content, "rejected with feedback: expand the explanation") {
				sawFeedback = true
			}
		}
	}
	if !sawFeedback {
		t.Error("rejection feedback never reached the model")
	}
}

// gateWriteTool writes files through a gate, mirroring the file tool
// without the import cycle.
func gateWriteTool(gate *Gate) *mockTool {
	return &mockTool{fnName: "write_file", fn: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
		var p struct {
			FilePath string `json:"file_path"`
			Content  string `json:"content"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return Fail(err.Error()), nil
		}
		resolved, err := gate.CheckFileAccess(p.FilePath, AccessWrite)
		if err != nil {
			return Fail(err.Error()), nil
		}
		if err := os.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
			return Fail(err.Error()), nil
		}
		return Ok("wrote " + p.FilePath), nil
	}}
}

func TestOrchestratorPerTaskWorkspace(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: planResponse},
		{Content: `{"action": "WRITE_FILE", "parameters": {"file_path": "calculator.py", "content": "print(1 + 1)"}}`},
		{Content: `{"action": "COMPLETE", "parameters": {"summary": "written"}}`},
	}}
	client := newTestClient(provider)
	defer client.Close()
	root := t.TempDir()

	o := NewOrchestrator(client, nil,
		WithWorkspaceRoot(root),
		WithTools(func(workspace string) (*ToolRegistry, error) {
			gate, err := NewGate(workspace, DefaultGatePolicy())
			if err != nil {
				return nil, err
			}
			reg := NewToolRegistry(false)
			reg.Add(gateWriteTool(gate))
			return reg, nil
		}))

	res, err := o.Execute(context.Background(), Request{
		Task:           "put a snippet into calculator.py",
		DomainOverride: DomainCoding,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	// The file lands in the task's own directory, not the shared root.
	taskPath := filepath.Join(root, res.TaskID, "calculator.py")
	if _, err := os.Stat(taskPath); err != nil {
		t.Errorf("file missing from task workspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "calculator.py")); !os.IsNotExist(err) {
		t.Error("file written to the shared root instead of the task workspace")
	}
}

func TestOrchestratorWorkspaceConfinement(t *testing.T) {
	provider := &mockProvider{}
	client := newTestClient(provider)
	defer client.Close()
	root := t.TempDir()

	var built []string
	o := NewOrchestrator(client, nil,
		WithWorkspaceRoot(root),
		WithTools(func(workspace string) (*ToolRegistry, error) {
			built = append(built, workspace)
			return NewToolRegistry(false), nil
		}))

	// Greetings short-circuit, so no canned responses are needed.
	var violation *ErrPolicyViolation
	for _, requested := range []string{t.TempDir(), "../escape", filepath.Join("..", filepath.Base(root))} {
		_, err := o.Execute(context.Background(), Request{Task: "hello", Workspace: requested})
		if !errors.As(err, &violation) {
			t.Errorf("workspace %q: err = %v, want policy violation", requested, err)
		}
	}
	if len(built) != 0 {
		t.Fatalf("tools built for refused workspaces: %v", built)
	}

	// A relative request resolves under the root and is created.
	if _, err := o.Execute(context.Background(), Request{Task: "hello", Workspace: "jobdir"}); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "jobdir")
	if len(built) != 1 || built[0] != want {
		t.Errorf("tool workspaces = %v, want [%s]", built, want)
	}
	if info, err := os.Stat(want); err != nil || !info.IsDir() {
		t.Errorf("requested workspace not created: %v", err)
	}
}

func TestOrchestratorIsolatesWorkspaces(t *testing.T) {
	const n = 3
	responses := make([]ChatResponse, 0, n*3)
	for i := 0; i < n; i++ {
		// Every task writes the same relative path; isolation keeps them apart.
		responses = append(responses,
			ChatResponse{Content: planResponse},
			ChatResponse{Content: fmt.Sprintf(`{"action": "WRITE_FILE", "parameters": {"file_path": "out.txt", "content": "run %d"}}`, i)},
			ChatResponse{Content: `{"action": "COMPLETE", "parameters": {"summary": "done"}}`},
		)
	}
	provider := &mockProvider{responses: responses}
	client := newTestClient(provider)
	defer client.Close()
	root := t.TempDir()

	o := NewOrchestrator(client, nil,
		WithWorkspaceRoot(root),
		WithTools(func(workspace string) (*ToolRegistry, error) {
			gate, err := NewGate(workspace, DefaultGatePolicy())
			if err != nil {
				return nil, err
			}
			reg := NewToolRegistry(false)
			reg.Add(gateWriteTool(gate))
			return reg, nil
		}))

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		res, err := o.Execute(context.Background(), Request{
			Task:           "record the run into out.txt",
			DomainOverride: DomainGeneral,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Success {
			t.Fatalf("task %d: result = %+v", i, res)
		}
		ids[i] = res.TaskID
	}

	for i, id := range ids {
		data, err := os.ReadFile(filepath.Join(root, id, "out.txt"))
		if err != nil {
			t.Fatalf("task %d: out.txt missing from its workspace: %v", i, err)
		}
		if want := fmt.Sprintf("run %d", i); string(data) != want {
			t.Errorf("task %d: out.txt = %q, want %q", i, data, want)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "out.txt")); !os.IsNotExist(err) {
		t.Error("a task wrote into the shared root")
	}
}

func TestOrchestratorConcurrentCounters(t *testing.T) {
	provider := &mockProvider{}
	o, client := newTestOrchestrator(t, provider)
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Greetings short-circuit, so no canned responses are needed.
			o.Execute(context.Background(), Request{Task: "hello", DomainOverride: DomainGeneral})
		}()
	}
	wg.Wait()

	if o.Counters()[DomainGeneral] != 8 {
		t.Errorf("Counters = %v, want 8 general runs", o.Counters())
	}
}
