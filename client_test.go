package conductor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(nil); err == nil {
		t.Error("NewClient(nil) succeeded")
	}
	if _, err := NewClient([]ClientEndpoint{{Name: "x"}}); err == nil {
		t.Error("nil provider accepted")
	}
}

func TestClientFailover(t *testing.T) {
	primary := &mockProvider{
		name:      "primary",
		responses: []ChatResponse{{}},
		errs:      []error{errors.New("connection refused")},
	}
	secondary := &mockProvider{
		name:      "secondary",
		responses: []ChatResponse{{Content: "hello from backup"}},
	}
	c := newTestClient(primary, secondary)
	defer c.Close()

	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello from backup" {
		t.Errorf("Content = %q, want backup response", resp.Content)
	}

	status := c.Status()
	if status[0].Health != HealthDegraded {
		t.Errorf("primary health = %q, want degraded after one failure", status[0].Health)
	}
	if status[1].Health != HealthHealthy {
		t.Errorf("secondary health = %q, want healthy", status[1].Health)
	}
}

func TestClientEmptyCompletionIsTransient(t *testing.T) {
	flaky := &mockProvider{
		name: "flaky",
		// Empty content with no tool calls is retried on the next candidate.
		responses: []ChatResponse{{Content: ""}},
	}
	solid := &mockProvider{
		name:      "solid",
		responses: []ChatResponse{{Content: "real answer"}},
	}
	c := newTestClient(flaky, solid)
	defer c.Close()

	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "real answer" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestClientBadRequestNoRetry(t *testing.T) {
	bad := &ErrLLMBadRequest{Endpoint: "primary", Status: 400, Body: "context too long"}
	primary := &mockProvider{
		name:      "primary",
		responses: []ChatResponse{{}},
		errs:      []error{bad},
	}
	secondary := &mockProvider{
		name:      "secondary",
		responses: []ChatResponse{{Content: "should never be reached"}},
	}
	c := newTestClient(primary, secondary)
	defer c.Close()

	_, err := c.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}})
	var got *ErrLLMBadRequest
	if !errors.As(err, &got) {
		t.Fatalf("error = %v, want *ErrLLMBadRequest", err)
	}
	if secondary.callCount() != 0 {
		t.Error("bad request leaked to the secondary endpoint")
	}
	// The endpoint is not demoted for a caller fault.
	if h := c.Status()[0].Health; h == HealthDegraded || h == HealthUnhealthy {
		t.Errorf("primary health = %q, want not demoted", h)
	}
}

func TestClientExhaustion(t *testing.T) {
	down := &mockProvider{
		name:      "down",
		responses: []ChatResponse{{}, {}, {}},
		errs:      []error{errors.New("down"), errors.New("down"), errors.New("down")},
	}
	c, err := NewClient([]ClientEndpoint{{Name: "down", Provider: down}}, WithRetry(3, time.Nanosecond))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}})
	var unavail *ErrLLMUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("error = %v, want *ErrLLMUnavailable", err)
	}
	if unavail.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", unavail.Attempts)
	}
	if c.Status()[0].Health != HealthUnhealthy {
		t.Errorf("health = %q, want unhealthy after %d consecutive failures", c.Status()[0].Health, unhealthyThreshold)
	}
}

func TestClientCache(t *testing.T) {
	provider := &mockProvider{
		name:      "p",
		responses: []ChatResponse{{Content: "cached answer"}},
	}
	c, err := NewClient([]ClientEndpoint{{Name: "p", Provider: provider}},
		WithCache(16, time.Minute, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	req := ChatRequest{Messages: []ChatMessage{UserMessage("deterministic question")}, Temperature: 0.1}
	for i := 0; i < 3; i++ {
		resp, err := c.Chat(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Content != "cached answer" {
			t.Fatalf("Content = %q on call %d", resp.Content, i)
		}
	}
	if provider.callCount() != 1 {
		t.Errorf("provider called %d times, want 1 (cache hits)", provider.callCount())
	}
}

func TestClientCacheSkipsHighTemperature(t *testing.T) {
	provider := &mockProvider{
		name:      "p",
		responses: []ChatResponse{{Content: "a"}, {Content: "b"}},
	}
	c, err := NewClient([]ClientEndpoint{{Name: "p", Provider: provider}},
		WithCache(16, time.Minute, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	req := ChatRequest{Messages: []ChatMessage{UserMessage("creative question")}, Temperature: 0.9}
	c.Chat(context.Background(), req)
	c.Chat(context.Background(), req)
	if provider.callCount() != 2 {
		t.Errorf("provider called %d times, want 2 (temperature above cache ceiling)", provider.callCount())
	}
}

func TestCandidatesPreferHealthy(t *testing.T) {
	a := &mockProvider{name: "a"}
	b := &mockProvider{name: "b"}
	c := newTestClient(a, b)
	defer c.Close()

	// Demote a below the unhealthy threshold.
	for i := 0; i < unhealthyThreshold; i++ {
		c.endpoints[0].recordFailure(errors.New("boom"))
	}
	c.endpoints[1].recordSuccess()

	order := c.candidates()
	if order[0].name != "b" || order[1].name != "a" {
		t.Errorf("candidate order = [%s %s], want unhealthy last", order[0].name, order[1].name)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	for i := 0; i < 20; i++ {
		if d := backoffDelay(time.Second, i); d > 30*time.Second {
			t.Fatalf("backoffDelay round %d = %v, want <= 30s", i, d)
		}
	}
}
