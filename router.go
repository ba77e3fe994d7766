package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// confidenceFloor is the minimum LLM classification confidence. Verdicts
// below it fall back to the keyword heuristic.
const confidenceFloor = 0.7

// Router classifies incoming tasks into a workflow domain. The primary
// path asks the LLM; a keyword heuristic covers LLM failures, malformed
// verdicts, and low-confidence answers.
type Router struct {
	client *Client
	logger *slog.Logger
}

// NewRouter builds an intent router on the given client.
func NewRouter(client *Client, logger *slog.Logger) *Router {
	if logger == nil {
		logger = nopLogger
	}
	return &Router{client: client, logger: logger}
}

const classifyPrompt = `You are a task classifier. Classify the user's task into exactly one domain:
- coding: writing, modifying, debugging, or testing code
- research: finding, gathering, or summarizing information
- data: analyzing, transforming, or visualizing datasets
- general: anything else

Respond with only a JSON object:
{"domain": "...", "confidence": 0.0-1.0, "reasoning": "...", "estimated_complexity": "simple|moderate|complex|very_complex", "requires_sub_agents": true|false}`

// Classify produces the routing verdict for a request. DomainOverride, when
// valid, wins without an LLM call; complexity is still estimated so the
// engine can size its iteration limits.
func (r *Router) Classify(ctx context.Context, req Request) Classification {
	if req.DomainOverride != "" {
		if !req.DomainOverride.Valid() {
			r.logger.Warn("invalid domain override, classifying instead", "override", string(req.DomainOverride))
		} else {
			return Classification{
				Domain:              req.DomainOverride,
				Confidence:          1.0,
				Reasoning:           "caller override",
				EstimatedComplexity: estimateComplexity(req.Task),
			}
		}
	}

	verdict, err := r.classifyLLM(ctx, req.Task)
	if err != nil {
		r.logger.Warn("llm classification failed, using keyword fallback", "error", err)
		return classifyKeywords(req.Task)
	}
	if verdict.Confidence < confidenceFloor {
		r.logger.Debug("classification below confidence floor",
			"domain", string(verdict.Domain),
			"confidence", verdict.Confidence)
		fallback := classifyKeywords(req.Task)
		fallback.Reasoning = fmt.Sprintf("low-confidence llm verdict (%s, %.2f); keyword fallback", verdict.Domain, verdict.Confidence)
		return fallback
	}
	return verdict
}

func (r *Router) classifyLLM(ctx context.Context, task string) (Classification, error) {
	resp, err := r.client.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(classifyPrompt),
			UserMessage(task),
		},
		Temperature: 0.1,
		MaxTokens:   300,
	})
	if err != nil {
		return Classification{}, err
	}
	var c Classification
	if err := ExtractJSON(resp.Content, &c); err != nil {
		return Classification{}, err
	}
	if !c.Domain.Valid() {
		return Classification{}, fmt.Errorf("unknown domain %q", c.Domain)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return Classification{}, fmt.Errorf("confidence %v out of range", c.Confidence)
	}
	switch c.EstimatedComplexity {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityVeryComplex:
	default:
		c.EstimatedComplexity = estimateComplexity(task)
	}
	return c, nil
}

// Keyword tables for the heuristic fallback. First domain with two or more
// hits wins; a single hit wins only when no other domain scores.
var domainKeywords = map[Domain][]string{
	DomainCoding: {
		"code", "function", "bug", "implement", "refactor", "compile",
		"debug", "script", "api", "test", "class", "module", "library",
		"python", "golang", " go ", "javascript", "rust", "fix", "error",
	},
	DomainResearch: {
		"research", "find out", "search", "investigate", "summarize",
		"compare", "learn about", "look up", "what is", "explain",
		"documentation", "article", "paper",
	},
	DomainData: {
		"data", "csv", "json file", "dataset", "analyze", "analysis",
		"plot", "chart", "statistics", "aggregate", "parquet", "sql",
		"pandas", "average", "median",
	},
}

// classifyKeywords is the deterministic fallback classifier.
func classifyKeywords(task string) Classification {
	lower := " " + strings.ToLower(task) + " "
	scores := map[Domain]int{}
	for domain, words := range domainKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				scores[domain]++
			}
		}
	}
	best := DomainGeneral
	bestScore := 0
	// Stable tie-break order.
	for _, d := range []Domain{DomainCoding, DomainData, DomainResearch} {
		if scores[d] > bestScore {
			best, bestScore = d, scores[d]
		}
	}
	conf := 0.5
	if bestScore >= 2 {
		conf = 0.6
	}
	return Classification{
		Domain:              best,
		Confidence:          conf,
		Reasoning:           fmt.Sprintf("keyword heuristic (%d hits)", bestScore),
		EstimatedComplexity: estimateComplexity(task),
	}
}

// estimateComplexity sizes a task from surface signals: length and the
// presence of multi-step or scale keywords.
func estimateComplexity(task string) Complexity {
	lower := strings.ToLower(task)
	complexHits := 0
	for _, w := range []string{
		"entire", "all files", "whole project", "end to end", "end-to-end",
		"multiple", "migrate", "redesign", "architecture", "and then",
		"pipeline", "benchmark",
	} {
		if strings.Contains(lower, w) {
			complexHits++
		}
	}
	simpleHits := 0
	for _, w := range []string{
		"what is", "show", "print", "list", "read", "rename", "one line",
		"single", "quick", "simple",
	} {
		if strings.Contains(lower, w) {
			simpleHits++
		}
	}
	words := len(strings.Fields(task))
	switch {
	case complexHits >= 2 || words > 120:
		return ComplexityVeryComplex
	case complexHits >= 1 || words > 60:
		return ComplexityComplex
	case simpleHits >= 1 && words <= 15:
		return ComplexitySimple
	default:
		return ComplexityModerate
	}
}
