package conductor

import (
	"errors"
	"testing"
)

func TestStripThinking(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		visible  string
		thinking string
	}{
		{"no block", "plain answer", "plain answer", ""},
		{"think block", "<think>step one</think>the answer", "the answer", "step one"},
		{"thinking block", "<thinking>hmm</thinking>ok", "ok", "hmm"},
		{"multiline", "<think>a\nb</think>result", "result", "a\nb"},
		{"unclosed", "prefix <think>never closed", "prefix", "never closed"},
		{"multiple blocks", "<think>one</think> mid <think>two</think>end", "mid end", "one\ntwo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, thinking := StripThinking(tt.in)
			if visible != tt.visible {
				t.Errorf("visible = %q, want %q", visible, tt.visible)
			}
			if thinking != tt.thinking {
				t.Errorf("thinking = %q, want %q", thinking, tt.thinking)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	type verdict struct {
		Action string `json:"action"`
		Done   bool   `json:"done"`
	}

	tests := []struct {
		name string
		raw  string
		want verdict
	}{
		{"direct", `{"action": "go", "done": true}`, verdict{"go", true}},
		{"prose wrapper", `Here is my decision: {"action": "go", "done": false} as requested.`, verdict{"go", false}},
		{"json fence", "```json\n{\"action\": \"go\", \"done\": true}\n```", verdict{"go", true}},
		{"untagged fence", "```\n{\"action\": \"go\", \"done\": true}\n```", verdict{"go", true}},
		{"thinking wrapper", "<think>should I?</think>{\"action\": \"go\", \"done\": true}", verdict{"go", true}},
		{"trailing comma", `{"action": "go", "done": true,}`, verdict{"go", true}},
		{"python literals", `{"action": "go", "done": True}`, verdict{"go", true}},
		{"single quotes", `{'action': 'go', 'done': true}`, verdict{"go", true}},
		{"brace inside string", `{"action": "go}x", "done": true}`, verdict{"go}x", true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v verdict
			if err := ExtractJSON(tt.raw, &v); err != nil {
				t.Fatalf("ExtractJSON(%q) error: %v", tt.raw, err)
			}
			if v != tt.want {
				t.Errorf("got %+v, want %+v", v, tt.want)
			}
		})
	}
}

func TestExtractJSONArray(t *testing.T) {
	var v []int
	if err := ExtractJSON("the numbers are [1, 2, 3] as shown", &v); err != nil {
		t.Fatal(err)
	}
	if len(v) != 3 || v[2] != 3 {
		t.Errorf("got %v", v)
	}
}

func TestExtractJSONFailure(t *testing.T) {
	var v map[string]any

	err := ExtractJSON("I am sorry, I cannot answer that.", &v)
	var pe *ErrParse
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T, want *ErrParse", err)
	}
	if pe.Preview == "" {
		t.Error("ErrParse.Preview is empty")
	}

	if err := ExtractJSON("", &v); err == nil {
		t.Error("empty input parsed")
	}
	if err := ExtractJSON("<think>only thoughts</think>", &v); err == nil {
		t.Error("thinking-only input parsed")
	}
}

func TestFirstBalanced(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`noise {"a": 1} trailing`, `{"a": 1}`},
		{`{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
		{`[1, 2] and {"a": 1}`, `[1, 2]`},
		{`{"s": "has } inside"}`, `{"s": "has } inside"}`},
		{`{"s": "escaped \" quote}"}`, `{"s": "escaped \" quote}"}`},
		{`no json here`, ""},
		{`{"unterminated": 1`, ""},
	}
	for _, tt := range tests {
		if got := firstBalanced(tt.in); got != tt.want {
			t.Errorf("firstBalanced(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapeBareNewlines(t *testing.T) {
	in := "{\"text\": \"line one\nline two\"}"
	want := `{"text": "line one\nline two"}`
	if got := escapeBareNewlines(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// Newlines outside strings are untouched.
	in = "{\n\"a\": 1\n}"
	if got := escapeBareNewlines(in); got != in {
		t.Errorf("structural newlines changed: %q", got)
	}
}
