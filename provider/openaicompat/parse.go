package openaicompat

import (
	"encoding/json"
	"strings"

	"github.com/kestrelworks/conductor"
)

// modelFamily selects the content-extraction adapter for a model.
type modelFamily int

const (
	familyGeneric modelFamily = iota
	familyDeepSeekR1
	familyQwen
	familyGPTOSS
)

// detectFamily infers the adapter from the model name.
func detectFamily(model string) modelFamily {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "deepseek-r1") || strings.Contains(m, "deepseek_r1"):
		return familyDeepSeekR1
	case strings.Contains(m, "qwen") || strings.Contains(m, "qwq"):
		return familyQwen
	case strings.Contains(m, "gpt-oss"):
		return familyGPTOSS
	default:
		return familyGeneric
	}
}

// splitContent separates visible content from chain-of-thought per family.
// reasoning is the provider's separated reasoning_content field, when any.
func splitContent(family modelFamily, content, reasoning string) (visible, thinking string) {
	switch family {
	case familyDeepSeekR1:
		// R1 servers either separate reasoning_content or inline <think>.
		visible, thinking = conductor.StripThinking(content)
		if reasoning != "" {
			thinking = strings.TrimSpace(reasoning + "\n" + thinking)
		}
		return visible, thinking
	case familyGPTOSS:
		return splitHarmony(content)
	default:
		// Qwen and generic models inline <think> blocks.
		visible, thinking = conductor.StripThinking(content)
		if reasoning != "" && thinking == "" {
			thinking = reasoning
		}
		return visible, thinking
	}
}

// splitHarmony handles gpt-oss harmony channel markup: analysis channels
// are reasoning, the final channel is the answer. Unmarked content passes
// through untouched.
func splitHarmony(content string) (visible, thinking string) {
	if !strings.Contains(content, "<|channel|>") {
		return conductor.StripThinking(content)
	}
	var vis, think strings.Builder
	for _, seg := range strings.Split(content, "<|channel|>") {
		if seg == "" {
			continue
		}
		name, body, found := strings.Cut(seg, "<|message|>")
		if !found {
			vis.WriteString(seg)
			continue
		}
		for _, end := range []string{"<|end|>", "<|return|>"} {
			if i := strings.Index(body, end); i >= 0 {
				body = body[:i]
			}
		}
		if strings.HasPrefix(strings.TrimSpace(name), "analysis") {
			think.WriteString(body)
		} else {
			vis.WriteString(body)
		}
	}
	return strings.TrimSpace(vis.String()), strings.TrimSpace(think.String())
}

// parseResponse converts an OpenAI-format response to the provider-neutral
// shape, applying the family adapter to choices[0].
func parseResponse(resp chatResponse, family modelFamily) (conductor.ChatResponse, error) {
	var out conductor.ChatResponse
	if len(resp.Choices) == 0 {
		return out, nil
	}

	c := resp.Choices[0]
	out.FinishReason = c.FinishReason
	if c.Message != nil {
		out.Content, out.Thinking = splitContent(family, c.Message.Content, c.Message.ReasoningContent)
		out.ToolCalls = parseToolCalls(c.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = conductor.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// parseToolCalls converts wire tool calls. Arguments arrive as a JSON
// string; invalid payloads degrade to an empty object.
func parseToolCalls(tcs []toolCallRequest) []conductor.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]conductor.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, conductor.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
