package conductor

import (
	"fmt"
	"strings"
)

// Iteration limits derived from task surface signals. The soft limit nudges
// wrap-up; the hard limit ends the loop unconditionally.
type iterationLimits struct {
	Soft int
	Hard int
}

var (
	simpleTaskWords  = []string{"create", "make", "write", "add", "calculator", "print", "hello", "rename", "copy", "show"}
	complexTaskWords = []string{"refactor", "optimize", "architecture", "framework", "migrate", "redesign", "overhaul", "pipeline"}
)

// deriveLimits sizes the iteration budget from the task description.
func deriveLimits(task string) iterationLimits {
	lower := strings.ToLower(task)
	for _, w := range complexTaskWords {
		if strings.Contains(lower, w) {
			return iterationLimits{Soft: 15, Hard: 25}
		}
	}
	for _, w := range simpleTaskWords {
		if strings.Contains(lower, w) {
			return iterationLimits{Soft: 5, Hard: 10}
		}
	}
	return iterationLimits{Soft: 10, Hard: 20}
}

// reflectDecision is the reflect node's verdict.
type reflectDecision struct {
	Continue bool
	Status   TaskStatus
	Result   string
	Error    string
	// Rule records which table row fired, for events and logs.
	Rule int
}

// reflect evaluates the termination decision table in order, first match
// wins. Rules 3 (loop detection) and 5 (repeated failure) are the safety
// nets that bound LLM spend on a stuck model.
func reflect(s *WorkflowState, limits iterationLimits) reflectDecision {
	// 1. The execute node already completed the task (COMPLETE action).
	if s.Status == StatusCompleted {
		return reflectDecision{Status: StatusCompleted, Result: s.TaskResult, Rule: 1}
	}

	// 2. Hard limit. Any successful tool call counts as progress.
	if s.Iteration >= limits.Hard {
		if anySucceeded(s.ToolCalls) {
			return reflectDecision{
				Status: StatusCompleted,
				Result: fmt.Sprintf("reached iteration limit (%d) with partial progress: %s", limits.Hard, progressSummary(s)),
				Rule:   2,
			}
		}
		return reflectDecision{
			Status: StatusFailed,
			Error:  fmt.Sprintf("reached iteration limit (%d) without progress", limits.Hard),
			Rule:   2,
		}
	}

	// 3. Loop: three identical actions in a row.
	if n := len(s.ToolCalls); n >= 3 {
		a, b, c := s.ToolCalls[n-3].Action, s.ToolCalls[n-2].Action, s.ToolCalls[n-1].Action
		if a == b && b == c {
			return reflectDecision{
				Status: StatusCompleted,
				Result: fmt.Sprintf("loop detected: action %q repeated 3 times; stopping. %s", a, progressSummary(s)),
				Rule:   3,
			}
		}
	}

	// 4. Iterations pass with no tool activity at all.
	if s.Iteration >= 5 && len(s.ToolCalls) == 0 {
		return reflectDecision{
			Status: StatusCompleted,
			Result: "no tool activity after 5 iterations; nothing to do",
			Rule:   4,
		}
	}

	// 5. Four or more of the last five tool calls failed.
	if recent := lastN(s.ToolCalls, 5); len(recent) == 5 {
		failed := 0
		for _, tc := range recent {
			if !tc.Success {
				failed++
			}
		}
		if failed >= 4 {
			return reflectDecision{
				Status: StatusFailed,
				Error:  "repeated tool failures: " + failureDetail(recent),
				Rule:   5,
			}
		}
	}

	// 6. Every planned step is done.
	if s.Plan != nil && len(s.Plan.Steps) > 0 && len(s.CompletedSteps) >= len(s.Plan.Steps) {
		allDone := true
		for _, step := range s.Plan.Steps {
			if !s.CompletedSteps[step.Action] {
				allDone = false
				break
			}
		}
		if allDone {
			return reflectDecision{
				Status: StatusCompleted,
				Result: "all planned steps completed. " + progressSummary(s),
				Rule:   6,
			}
		}
	}

	// 7. Past the soft limit and activity has gone quiet.
	if s.Iteration >= limits.Soft && callsInRecentIterations(s, 3) < 2 {
		return reflectDecision{
			Status: StatusCompleted,
			Result: "stopping at soft limit with low recent activity. " + progressSummary(s),
			Rule:   7,
		}
	}

	// 8. Keep going.
	return reflectDecision{Continue: true, Status: StatusInProgress, Rule: 8}
}

func anySucceeded(calls []ToolCallRecord) bool {
	for _, tc := range calls {
		if tc.Success {
			return true
		}
	}
	return false
}

func lastN(calls []ToolCallRecord, n int) []ToolCallRecord {
	if len(calls) <= n {
		return calls
	}
	return calls[len(calls)-n:]
}

// callsInRecentIterations counts tool calls made in the last n iterations.
func callsInRecentIterations(s *WorkflowState, n int) int {
	floor := s.Iteration - n
	count := 0
	for _, tc := range s.ToolCalls {
		if tc.Iteration >= floor {
			count++
		}
	}
	return count
}

func failureDetail(calls []ToolCallRecord) string {
	var parts []string
	for _, tc := range calls {
		if !tc.Success {
			parts = append(parts, fmt.Sprintf("%s: %s", tc.Action, truncateStr(tc.Result, 120)))
		}
	}
	return strings.Join(parts, "; ")
}

// progressSummary renders a short account of what the loop accomplished.
func progressSummary(s *WorkflowState) string {
	succeeded := 0
	for _, tc := range s.ToolCalls {
		if tc.Success {
			succeeded++
		}
	}
	return fmt.Sprintf("%d/%d tool calls succeeded over %d iterations", succeeded, len(s.ToolCalls), s.Iteration)
}
