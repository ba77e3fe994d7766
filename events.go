package conductor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// EventType identifies one kind of workflow event.
type EventType string

const (
	EventWorkflowStart    EventType = "workflow_start"
	EventClassification   EventType = "classification"
	EventPlanCreated      EventType = "plan_created"
	EventActionDecided    EventType = "action_decided"
	EventToolExecuted     EventType = "tool_executed"
	EventLLMResponse      EventType = "llm_response"
	EventNodeExecuted     EventType = "node_executed"
	EventTaskStart        EventType = "task_start"
	EventTaskComplete     EventType = "task_complete"
	EventCodeChunk        EventType = "code_chunk"
	EventWorkflowComplete EventType = "workflow_complete"
	EventWorkflowError    EventType = "workflow_error"
)

// Terminal reports whether t ends a workflow stream.
func (t EventType) Terminal() bool {
	return t == EventWorkflowComplete || t == EventWorkflowError
}

// Event is one entry in a workflow's event stream.
type Event struct {
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventSink receives workflow events. Emit may block; producers treat the
// sink as part of the workflow's critical path so slow consumers apply
// backpressure instead of losing events.
type EventSink interface {
	Emit(ev Event)
}

// nopSink drops all events.
type nopSink struct{}

func (nopSink) Emit(Event) {}

// EventStream is a bounded in-memory EventSink backed by a channel.
// Exactly one terminal event passes through. The orchestrator's trailing
// task_complete summary is still delivered after it; everything else
// emitted after the terminal event is dropped.
type EventStream struct {
	ch chan Event

	mu       sync.Mutex
	closed   bool
	terminal bool
}

// NewEventStream creates a stream with the given buffer capacity.
// Capacity <= 0 selects the default of 64.
func NewEventStream(capacity int) *EventStream {
	if capacity <= 0 {
		capacity = 64
	}
	return &EventStream{ch: make(chan Event, capacity)}
}

// Events returns the receive side of the stream.
func (s *EventStream) Events() <-chan Event { return s.ch }

// Emit enqueues an event, blocking when the buffer is full. After the
// terminal event only a single task_complete summary is accepted; it (or
// any other post-terminal event) closes the stream.
func (s *EventStream) Emit(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.terminal {
		if ev.Type != EventTaskComplete {
			s.mu.Unlock()
			s.Close()
			return
		}
		s.mu.Unlock()
		s.ch <- ev
		s.Close()
		return
	}
	if ev.Type.Terminal() {
		s.terminal = true
	}
	s.mu.Unlock()

	s.ch <- ev
}

// Close closes the channel. Safe to call more than once.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// emit is the producers' helper: stamps the clock and sends to the sink.
func emit(sink EventSink, typ EventType, taskID string, payload map[string]any) {
	if sink == nil {
		return
	}
	sink.Emit(Event{
		Type:      typ,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// WriteSSEEvent writes one event in Server-Sent Events framing and
// flushes. The event type becomes the SSE event name.
func WriteSSEEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// ServeSSE drains a stream to an HTTP response as Server-Sent Events,
// ending when the stream closes or the request context is done.
func ServeSSE(w http.ResponseWriter, r *http.Request, events <-chan Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := WriteSSEEvent(w, ev); err != nil {
				return
			}
		}
	}
}
