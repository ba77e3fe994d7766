package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/kestrelworks/conductor"
)

// streamSSE reads a chat completions SSE stream, forwards visible text
// chunks to ch, and returns the fully accumulated response. The channel is
// closed when the stream ends.
//
// Expected framing:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, family modelFamily, ch chan<- string) (conductor.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var full, reasoning strings.Builder
	var u conductor.Usage
	var finishReason string

	// Tool call fragments accumulate by index across chunks.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if chunk.Usage != nil {
			u.InputTokens = chunk.Usage.PromptTokens
			u.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.FinishReason != "" {
			finishReason = c.FinishReason
		}
		delta := c.Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			full.WriteString(delta.Content)
			select {
			case ch <- delta.Content:
			case <-ctx.Done():
				return conductor.ChatResponse{}, ctx.Err()
			}
		}
		if delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return conductor.ChatResponse{}, err
	}

	var calls []conductor.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, conductor.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}

	visible, thinking := splitContent(family, full.String(), reasoning.String())
	return conductor.ChatResponse{
		Content:      visible,
		Thinking:     thinking,
		ToolCalls:    calls,
		FinishReason: finishReason,
		Usage:        u,
	}, nil
}
