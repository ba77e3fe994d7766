package openaicompat

import (
	"encoding/json"

	"github.com/kestrelworks/conductor"
)

// buildBody converts a conductor.ChatRequest into the OpenAI wire format.
func buildBody(req conductor.ChatRequest, model string) chatRequest {
	msgs := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}

	body := chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
	}
	// Zero temperature is a meaningful request; the API default only
	// applies when the caller passed a negative value.
	if req.Temperature >= 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if len(req.Tools) > 0 {
		body.Tools = buildToolDefs(req.Tools)
	}
	return body
}

// buildToolDefs converts conductor tool definitions to the OpenAI format.
func buildToolDefs(tools []conductor.ToolDefinition) []tool {
	out := make([]tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
