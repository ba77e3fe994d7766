package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// maxSubTasks caps how many sub-tasks a single breakdown may produce.
// Verdicts beyond the cap are truncated by priority.
const maxSubTasks = 8

// Decomposer splits complex tasks into sub-tasks with a dependency graph.
// Simple and moderate tasks pass through as a single direct unit.
type Decomposer struct {
	client *Client
	logger *slog.Logger
}

// NewDecomposer builds a decomposer on the given client.
func NewDecomposer(client *Client, logger *slog.Logger) *Decomposer {
	if logger == nil {
		logger = nopLogger
	}
	return &Decomposer{client: client, logger: logger}
}

const decomposePrompt = `You split a complex task into independent sub-tasks for parallel agents.
Rules:
- At most %d sub-tasks. Fewer is better.
- Each sub-task must be self-contained and independently verifiable.
- agent_type is one of: general, coding, research, data.
- dependencies lists the ids of sub-tasks that must finish first. Omit when none.
- priority 1 (highest) to 10.

Respond with only a JSON object:
{"requires_decomposition": true|false, "reasoning": "...", "subtasks": [{"id": "t1", "description": "...", "agent_type": "coding", "priority": 1, "dependencies": []}]}`

// Decompose produces a validated breakdown for a task. Anything below
// complex complexity, or any LLM or validation failure, yields the
// single-task fallback.
func (d *Decomposer) Decompose(ctx context.Context, task string, complexity Complexity) TaskBreakdown {
	if !complexity.AtLeast(ComplexityComplex) {
		return singleTask(task, complexity)
	}

	verdict, err := d.decomposeLLM(ctx, task)
	if err != nil {
		d.logger.Warn("decomposition failed, running as single task", "error", err)
		return singleTask(task, complexity)
	}
	if !verdict.RequiresDecomposition || len(verdict.SubTasks) == 0 {
		return singleTask(task, complexity)
	}

	subtasks := validateSubTasks(verdict.SubTasks, d.logger)
	if len(subtasks) == 0 {
		return singleTask(task, complexity)
	}
	breakdown := TaskBreakdown{
		Original:              task,
		Complexity:            complexity,
		RequiresDecomposition: true,
		SubTasks:              subtasks,
		Strategy:              pickStrategy(subtasks),
		Reasoning:             verdict.Reasoning,
	}
	return breakdown
}

type decomposeVerdict struct {
	RequiresDecomposition bool      `json:"requires_decomposition"`
	Reasoning             string    `json:"reasoning"`
	SubTasks              []SubTask `json:"subtasks"`
}

func (d *Decomposer) decomposeLLM(ctx context.Context, task string) (decomposeVerdict, error) {
	resp, err := d.client.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(fmt.Sprintf(decomposePrompt, maxSubTasks)),
			UserMessage(task),
		},
		Temperature: 0.2,
		MaxTokens:   1200,
	})
	if err != nil {
		return decomposeVerdict{}, err
	}
	var v decomposeVerdict
	if err := ExtractJSON(resp.Content, &v); err != nil {
		return decomposeVerdict{}, err
	}
	return v, nil
}

// validateSubTasks repairs what it can and drops what it cannot: blank
// descriptions are dropped, duplicate ids renamed, unknown agent types
// coerced to general, dangling and self dependencies removed, priorities
// clamped to [1,10]. The cap truncates by priority.
func validateSubTasks(in []SubTask, logger *slog.Logger) []SubTask {
	var out []SubTask
	seen := map[string]bool{}
	for i, st := range in {
		st.Description = strings.TrimSpace(st.Description)
		if st.Description == "" {
			logger.Debug("dropping subtask with empty description", "index", i)
			continue
		}
		if st.ID == "" {
			st.ID = fmt.Sprintf("t%d", i+1)
		}
		for seen[st.ID] {
			st.ID = st.ID + "x"
		}
		seen[st.ID] = true
		if !KnownAgentType(st.AgentType) {
			st.AgentType = AgentGeneral
		}
		if st.Priority < 1 {
			st.Priority = 5
		} else if st.Priority > 10 {
			st.Priority = 10
		}
		out = append(out, st)
	}

	ids := map[string]bool{}
	for _, st := range out {
		ids[st.ID] = true
	}
	for i := range out {
		var deps []string
		for _, dep := range out[i].Dependencies {
			if dep == out[i].ID || !ids[dep] {
				continue
			}
			deps = append(deps, dep)
		}
		out[i].Dependencies = deps
	}

	if len(out) > maxSubTasks {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
		out = out[:maxSubTasks]
		// Re-validate dependencies against the surviving set.
		keep := map[string]bool{}
		for _, st := range out {
			keep[st.ID] = true
		}
		for i := range out {
			var deps []string
			for _, dep := range out[i].Dependencies {
				if keep[dep] {
					deps = append(deps, dep)
				}
			}
			out[i].Dependencies = deps
		}
	}
	return out
}

// pickStrategy chooses how a breakdown runs: sequential when any sub-task
// depends on another, parallel otherwise.
func pickStrategy(subtasks []SubTask) ExecutionStrategy {
	if len(subtasks) <= 1 {
		return StrategyDirect
	}
	for _, st := range subtasks {
		if len(st.Dependencies) > 0 {
			return StrategySequential
		}
	}
	return StrategyParallel
}

// singleTask wraps the original task as a one-unit direct breakdown.
func singleTask(task string, complexity Complexity) TaskBreakdown {
	return TaskBreakdown{
		Original:              task,
		Complexity:            complexity,
		RequiresDecomposition: false,
		SubTasks: []SubTask{{
			ID:          "t1",
			Description: task,
			AgentType:   AgentGeneral,
			Priority:    1,
		}},
		Strategy: StrategyDirect,
	}
}

// ExecutionOrder layers a breakdown's sub-tasks so that every layer only
// depends on earlier layers (Kahn's algorithm). Within a layer, sub-tasks
// sort by priority then id. A dependency cycle cannot stall execution:
// the cyclic remainder is released as one final layer and the breakdown
// is flagged.
func ExecutionOrder(b *TaskBreakdown) [][]SubTask {
	if len(b.SubTasks) == 0 {
		return nil
	}
	indegree := map[string]int{}
	dependents := map[string][]string{}
	byID := map[string]SubTask{}
	for _, st := range b.SubTasks {
		byID[st.ID] = st
		indegree[st.ID] = len(st.Dependencies)
		for _, dep := range st.Dependencies {
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	var layers [][]SubTask
	remaining := len(b.SubTasks)
	for remaining > 0 {
		var ready []SubTask
		for _, st := range b.SubTasks {
			if deg, ok := indegree[st.ID]; ok && deg == 0 {
				ready = append(ready, st)
			}
		}
		if len(ready) == 0 {
			// Cycle. Release everything left as the final layer.
			var leftover []SubTask
			for _, st := range b.SubTasks {
				if _, ok := indegree[st.ID]; ok {
					leftover = append(leftover, st)
				}
			}
			sortLayer(leftover)
			layers = append(layers, leftover)
			b.CycleBroken = true
			break
		}
		sortLayer(ready)
		layers = append(layers, ready)
		for _, st := range ready {
			delete(indegree, st.ID)
			for _, dep := range dependents[st.ID] {
				if _, ok := indegree[dep]; ok {
					indegree[dep]--
				}
			}
		}
		remaining -= len(ready)
	}
	return layers
}

func sortLayer(layer []SubTask) {
	sort.SliceStable(layer, func(i, j int) bool {
		if layer[i].Priority != layer[j].Priority {
			return layer[i].Priority < layer[j].Priority
		}
		return layer[i].ID < layer[j].ID
	})
}
