package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// AggregationStrategy selects how sub-agent results combine.
type AggregationStrategy string

const (
	AggregateConcatenate AggregationStrategy = "concatenate"
	AggregateSummarize   AggregationStrategy = "summarize"
	AggregateMergeJSON   AggregationStrategy = "merge_json"
	AggregateList        AggregationStrategy = "list"
)

// Aggregator merges a batch of sub-agent outcomes into one result.
type Aggregator struct {
	client *Client
	logger *slog.Logger
}

// NewAggregator builds an aggregator. The client is only used by the
// summarize strategy and may be nil for the others.
func NewAggregator(client *Client, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = nopLogger
	}
	return &Aggregator{client: client, logger: logger}
}

// Aggregate combines results per the strategy. Success means every
// sub-task succeeded; partial failures surface in Errors.
func (a *Aggregator) Aggregate(ctx context.Context, results []ExecutionResult, originalTask string, strategy AggregationStrategy) AggregatedResult {
	agg := AggregatedResult{
		OriginalTask:      originalTask,
		IndividualResults: results,
		TotalDuration:     totalDuration(results),
	}
	for _, r := range results {
		if r.Success {
			agg.SuccessCount++
		} else {
			agg.FailureCount++
			agg.Errors = append(agg.Errors, fmt.Sprintf("%s: %s", r.SubTaskID, r.Error))
		}
	}
	agg.Success = agg.FailureCount == 0 && len(results) > 0

	switch strategy {
	case AggregateSummarize:
		agg.CombinedResult = concatenate(results)
		if summary, err := a.summarize(ctx, originalTask, agg.CombinedResult); err == nil {
			agg.Summary = summary
			agg.CombinedResult = summary
		} else {
			a.logger.Warn("summarize fell back to concatenation", "error", err)
		}
	case AggregateMergeJSON:
		agg.CombinedResult = mergeJSON(results)
	case AggregateList:
		var parts []string
		for _, r := range results {
			parts = append(parts, r.Result)
		}
		raw, _ := json.MarshalIndent(parts, "", "  ")
		agg.CombinedResult = string(raw)
	default:
		agg.CombinedResult = concatenate(results)
	}
	return agg
}

func concatenate(results []ExecutionResult) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "## %s (%s)\n", r.SubTaskID, r.Status)
		if r.Success {
			b.WriteString(r.Result)
		} else {
			b.WriteString("error: " + r.Error)
		}
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// mergeJSON places each parseable result under its subtask id; opaque
// results are kept as strings.
func mergeJSON(results []ExecutionResult) string {
	merged := make(map[string]any, len(results))
	for _, r := range results {
		var v any
		if err := json.Unmarshal([]byte(r.Result), &v); err == nil {
			merged[r.SubTaskID] = v
		} else {
			merged[r.SubTaskID] = r.Result
		}
	}
	raw, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return concatenate(results)
	}
	return string(raw)
}

func (a *Aggregator) summarize(ctx context.Context, task, combined string) (string, error) {
	if a.client == nil {
		return "", fmt.Errorf("no client configured")
	}
	resp, err := a.client.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage("Synthesize the sub-task results below into one coherent answer to the original task. Be concise and factual."),
			UserMessage(fmt.Sprintf("Original task: %s\n\nSub-task results:\n%s", task, truncateStr(combined, 12000))),
		},
		Temperature: 0.3,
		MaxTokens:   1500,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// totalDuration computes wall-clock spend: when any two sub-tasks overlap
// the batch ran in parallel and the span is max end minus min start,
// otherwise durations sum.
func totalDuration(results []ExecutionResult) time.Duration {
	var timed []ExecutionResult
	for _, r := range results {
		if !r.StartedAt.IsZero() && !r.CompletedAt.IsZero() {
			timed = append(timed, r)
		}
	}
	if len(timed) != len(results) || len(timed) == 0 {
		var sum time.Duration
		for _, r := range results {
			sum += r.Duration
		}
		return sum
	}

	overlap := false
	for i := 0; i < len(timed) && !overlap; i++ {
		for j := i + 1; j < len(timed); j++ {
			if timed[i].StartedAt.Before(timed[j].CompletedAt) && timed[j].StartedAt.Before(timed[i].CompletedAt) {
				overlap = true
				break
			}
		}
	}
	if overlap {
		minStart, maxEnd := timed[0].StartedAt, timed[0].CompletedAt
		for _, r := range timed[1:] {
			if r.StartedAt.Before(minStart) {
				minStart = r.StartedAt
			}
			if r.CompletedAt.After(maxEnd) {
				maxEnd = r.CompletedAt
			}
		}
		return maxEnd.Sub(minStart)
	}
	var sum time.Duration
	for _, r := range timed {
		sum += r.Duration
	}
	return sum
}
