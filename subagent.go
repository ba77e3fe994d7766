package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// SubAgentConfig bounds one sub-agent's capabilities.
type SubAgentConfig struct {
	Name string
	Type AgentType
	// AllowedTools names the tool functions this agent may call. Empty
	// means no tools (pure LLM loop).
	AllowedTools []string
	// MaxIterations bounds the inner loop. Zero selects 5.
	MaxIterations int
	// Timeout is the wall-clock budget per sub-task. Zero selects 2m.
	Timeout time.Duration
}

// SubAgent is a bounded LLM loop scoped to one sub-task. It never touches
// parent workflow state; everything it needs arrives as arguments and
// everything it produces leaves as an ExecutionResult.
type SubAgent struct {
	cfg    SubAgentConfig
	client *Client
	tools  *ToolRegistry
	logger *slog.Logger
	sink   EventSink
}

// NewSubAgent builds a sub-agent. The registry is narrowed to the
// configured allowlist at construction.
func NewSubAgent(cfg SubAgentConfig, client *Client, registry *ToolRegistry, logger *slog.Logger, sink EventSink) *SubAgent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = nopLogger
	}
	if sink == nil {
		sink = nopSink{}
	}
	var tools *ToolRegistry
	if registry != nil {
		tools = registry.Subset(cfg.AllowedTools)
	} else {
		tools = NewToolRegistry(false)
	}
	return &SubAgent{cfg: cfg, client: client, tools: tools, logger: logger, sink: sink}
}

// completionMarker is the explicit done prefix sub-agents are prompted to
// emit. completionPhrases cover models that answer in prose instead.
const completionMarker = "TASK_COMPLETE:"

var completionPhrases = []string{
	"task is complete",
	"task completed",
	"i have completed the task",
	"the task has been completed",
}

const subAgentPrompt = `You are %s, a focused %s agent working on one sub-task of a larger job.

Sub-task: %s
%s
You may request tools by answering with a JSON object {"action": "...", "parameters": {...}}.
Available actions: %s.
When the sub-task is done, answer with a line starting with TASK_COMPLETE: followed by your result.`

// Execute runs the sub-task loop to completion, iteration exhaustion, or
// timeout. Failures are reported in the result, never as a panic or a
// propagated error.
func (a *SubAgent) Execute(ctx context.Context, st SubTask, parentContext map[string]string) ExecutionResult {
	started := time.Now()
	res := ExecutionResult{
		SubTaskID: st.ID,
		AgentName: a.cfg.Name,
		Status:    SubTaskRunning,
		StartedAt: started,
	}
	emit(a.sink, EventTaskStart, st.ID, map[string]any{
		"agent":       a.cfg.Name,
		"description": truncateStr(st.Description, 200),
	})

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	messages := []ChatMessage{
		SystemMessage(fmt.Sprintf(subAgentPrompt,
			a.cfg.Name, a.cfg.Type, st.Description,
			renderParentContext(parentContext),
			strings.Join(availableActions(a.tools), ", "))),
		UserMessage("Begin."),
	}

	var finalErr string
	for i := 0; i < a.cfg.MaxIterations; i++ {
		res.Iterations = i + 1
		resp, err := a.client.Chat(ctx, ChatRequest{
			Messages:    messages,
			Temperature: 0.3,
			MaxTokens:   2000,
		})
		if err != nil {
			if ctx.Err() != nil {
				finalErr = fmt.Sprintf("timed out after %s", a.cfg.Timeout)
			} else {
				finalErr = err.Error()
			}
			break
		}
		emit(a.sink, EventCodeChunk, st.ID, map[string]any{
			"agent":   a.cfg.Name,
			"preview": truncateStr(resp.Content, 200),
		})

		if done, result := detectCompletion(resp.Content); done {
			res.Status = SubTaskCompleted
			res.Success = true
			res.Result = result
			res.CompletedAt = time.Now()
			res.Duration = res.CompletedAt.Sub(started)
			emit(a.sink, EventTaskComplete, st.ID, map[string]any{
				"agent":      a.cfg.Name,
				"success":    true,
				"iterations": res.Iterations,
			})
			return res
		}

		messages = append(messages, AssistantMessage(resp.Content))
		if d, err := decodeAction(resp.Content); err == nil && d.Action != ActionComplete {
			tr := dispatchAction(ctx, a.tools, d)
			messages = append(messages, UserMessage(renderToolFeedback(d.Action, tr)))
		} else if err == nil && d.Action == ActionComplete {
			res.Status = SubTaskCompleted
			res.Success = true
			res.Result = completeSummary(d.Parameters)
			res.CompletedAt = time.Now()
			res.Duration = res.CompletedAt.Sub(started)
			emit(a.sink, EventTaskComplete, st.ID, map[string]any{
				"agent":      a.cfg.Name,
				"success":    true,
				"iterations": res.Iterations,
			})
			return res
		} else {
			messages = append(messages, UserMessage("Continue. Emit TASK_COMPLETE: <result> when done."))
		}
	}

	if finalErr == "" {
		finalErr = fmt.Sprintf("incomplete after %d iterations", a.cfg.MaxIterations)
	}
	res.Status = SubTaskFailed
	if ctx.Err() == context.Canceled {
		res.Status = SubTaskCancelled
	}
	res.Error = finalErr
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(started)
	emit(a.sink, EventTaskComplete, st.ID, map[string]any{
		"agent":   a.cfg.Name,
		"success": false,
		"error":   finalErr,
	})
	return res
}

// detectCompletion checks for the explicit marker or a completion phrase.
// The marker wins and its suffix becomes the result; phrase matches return
// the full response.
func detectCompletion(content string) (bool, string) {
	if i := strings.Index(content, completionMarker); i >= 0 {
		return true, strings.TrimSpace(content[i+len(completionMarker):])
	}
	lower := strings.ToLower(content)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return true, strings.TrimSpace(content)
		}
	}
	return false, ""
}

func renderParentContext(parent map[string]string) string {
	if len(parent) == 0 {
		return ""
	}
	ids := make([]string, 0, len(parent))
	for id := range parent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString("\nResults from earlier sub-tasks:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s: %s\n", id, truncateStr(parent[id], 300))
	}
	return b.String()
}

func renderToolFeedback(action string, tr ToolResult) string {
	if tr.Success {
		return fmt.Sprintf("%s succeeded:\n%s", action, truncateStr(tr.Output, 2000))
	}
	return fmt.Sprintf("%s failed: %s", action, tr.Error)
}
