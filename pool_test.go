package conductor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestPoolBatchInputOrder(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: "TASK_COMPLETE: done"},
		{Content: "TASK_COMPLETE: done"},
		{Content: "TASK_COMPLETE: done"},
	}}
	client := newTestClient(provider)
	defer client.Close()
	p := NewAgentPool(client, nil, nil, WithMaxParallel(2))

	subtasks := []SubTask{
		{ID: "t1", Description: "a", AgentType: AgentGeneral},
		{ID: "t2", Description: "b", AgentType: AgentGeneral},
		{ID: "t3", Description: "c", AgentType: AgentGeneral},
	}
	results := p.ExecuteBatch(context.Background(), subtasks, nil)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.SubTaskID != subtasks[i].ID {
			t.Errorf("results[%d].SubTaskID = %q, want %q", i, r.SubTaskID, subtasks[i].ID)
		}
		if !r.Success {
			t.Errorf("results[%d] = %+v, want success", i, r)
		}
	}
}

func TestPoolSequentialOrderAndResults(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: "TASK_COMPLETE: first"},
		{Content: "TASK_COMPLETE: second"},
	}}
	client := newTestClient(provider)
	defer client.Close()
	p := NewAgentPool(client, nil, nil)

	results := p.ExecuteSequential(context.Background(), []SubTask{
		{ID: "t1", Description: "a", AgentType: AgentGeneral},
		{ID: "t2", Description: "b", AgentType: AgentGeneral},
	}, nil)

	if results[0].Result != "first" || results[1].Result != "second" {
		t.Errorf("results = [%q %q], want input order", results[0].Result, results[1].Result)
	}
}

func TestPoolFailureIsolation(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: "TASK_COMPLETE: ok"},
		{Content: "no progress"},
	}}
	client := newTestClient(provider)
	defer client.Close()
	p := NewAgentPool(client, nil, nil)

	results := p.ExecuteSequential(context.Background(), []SubTask{
		{ID: "t1", Description: "works", AgentType: AgentGeneral},
		{ID: "t2", Description: "stalls", AgentType: AgentGeneral, EstimatedIterations: 1},
	}, nil)

	if !results[0].Success {
		t.Errorf("t1 = %+v, want success despite sibling failure", results[0])
	}
	if results[1].Success || results[1].Status != SubTaskFailed {
		t.Errorf("t2 = %+v, want failed", results[1])
	}
	if !strings.Contains(results[1].Error, "incomplete") {
		t.Errorf("t2.Error = %q", results[1].Error)
	}
}

func TestPoolCancelledContext(t *testing.T) {
	client := newTestClient(&mockProvider{})
	defer client.Close()
	p := NewAgentPool(client, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	subtasks := []SubTask{
		{ID: "t1", Description: "a", AgentType: AgentGeneral},
		{ID: "t2", Description: "b", AgentType: AgentGeneral},
	}
	for _, results := range [][]ExecutionResult{
		p.ExecuteBatch(ctx, subtasks, nil),
		p.ExecuteSequential(ctx, subtasks, nil),
	} {
		if len(results) != 2 {
			t.Fatalf("len(results) = %d, want a result per sub-task", len(results))
		}
		for _, r := range results {
			if r.Status != SubTaskCancelled {
				t.Errorf("result %q status = %q, want cancelled", r.SubTaskID, r.Status)
			}
		}
	}
}

func TestPoolDependenciesAccumulateContext(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: "TASK_COMPLETE: the schema lives in db/schema.sql"},
		{Content: "TASK_COMPLETE: migration written"},
	}}
	client := newTestClient(provider)
	defer client.Close()
	p := NewAgentPool(client, nil, nil)

	layers := [][]SubTask{
		{{ID: "t1", Description: "locate the schema", AgentType: AgentGeneral}},
		{{ID: "t2", Description: "write the migration", AgentType: AgentGeneral, Dependencies: []string{"t1"}}},
	}
	results := p.ExecuteWithDependencies(context.Background(), layers, nil)

	if len(results) != 2 || !results[0].Success || !results[1].Success {
		t.Fatalf("results = %+v", results)
	}
	// The second layer sees the first layer's output keyed by sub-task id.
	system := provider.requests()[1].Messages[0].Content
	if !strings.Contains(system, "t1: the schema lives in db/schema.sql") {
		t.Errorf("accumulated context missing from layer 2 prompt: %q", system)
	}
}

func TestPoolPanicRecovery(t *testing.T) {
	tool := &mockTool{fnName: "read_file", fn: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
		panic("boom")
	}}
	reg := NewToolRegistry(false)
	reg.Add(tool)

	provider := &mockProvider{responses: []ChatResponse{
		{Content: `{"action": "READ_FILE", "parameters": {"file_path": "a.txt"}}`},
	}}
	client := newTestClient(provider)
	defer client.Close()
	p := NewAgentPool(client, reg, nil)

	results := p.ExecuteBatch(context.Background(), []SubTask{
		{ID: "t1", Description: "read it", AgentType: AgentGeneral},
	}, nil)

	if results[0].Success || results[0].Status != SubTaskFailed {
		t.Fatalf("result = %+v, want failed", results[0])
	}
	if !strings.Contains(results[0].Error, "internal panic") {
		t.Errorf("Error = %q, want panic note", results[0].Error)
	}
}
