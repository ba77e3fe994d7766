package conductor

import (
	"context"
	"encoding/json"
	"sync"
)

// mockProvider is a test Provider that returns canned responses in order.
// A nil error slot means success; once exhausted it keeps answering with a
// fixed marker response.
type mockProvider struct {
	name      string
	responses []ChatResponse
	errs      []error

	mu    sync.Mutex
	idx   int
	calls []ChatRequest
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return m.next(req)
}

func (m *mockProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	resp, err := m.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	ch <- resp.Content
	return resp, nil
}

func (m *mockProvider) next(req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.idx >= len(m.responses) {
		return ChatResponse{Content: "exhausted"}, nil
	}
	resp := m.responses[m.idx]
	var err error
	if m.idx < len(m.errs) {
		err = m.errs[m.idx]
	}
	m.idx++
	return resp, err
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockProvider) requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// newTestClient wraps providers in a Client with no backoff delay.
func newTestClient(providers ...Provider) *Client {
	endpoints := make([]ClientEndpoint, len(providers))
	for i, p := range providers {
		endpoints[i] = ClientEndpoint{Name: p.Name(), Provider: p}
	}
	c, err := NewClient(endpoints, WithRetry(1, 1))
	if err != nil {
		panic(err)
	}
	return c
}

// mockTool is a configurable single-function test tool.
type mockTool struct {
	fnName   string
	category ToolCategory
	network  NetworkTag
	fn       func(ctx context.Context, args json.RawMessage) (ToolResult, error)

	mu    sync.Mutex
	calls []json.RawMessage
}

func (m *mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: m.fnName, Description: "test tool", Parameters: json.RawMessage(`{"type":"object"}`)}}
}

func (m *mockTool) Category() ToolCategory {
	if m.category == "" {
		return CategoryFile
	}
	return m.category
}

func (m *mockTool) Network() NetworkTag {
	if m.network == "" {
		return NetworkLocal
	}
	return m.network
}

func (m *mockTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, args)
	}
	return Ok("ok"), nil
}

func (m *mockTool) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// newTestRegistry registers mock tools for the named tool functions.
func newTestRegistry(names ...string) *ToolRegistry {
	reg := NewToolRegistry(false)
	for _, n := range names {
		reg.Add(&mockTool{fnName: n})
	}
	return reg
}

// collectSink records events for assertions.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *collectSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}
