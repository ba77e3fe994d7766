package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Node names in the workflow graph.
type nodeName string

const (
	nodePlan            nodeName = "plan"
	nodeCheckComplexity nodeName = "check_complexity"
	nodeSpawnSubAgents  nodeName = "spawn_sub_agents"
	nodeExecute         nodeName = "execute"
	nodeReflect         nodeName = "reflect"
	nodeEnd             nodeName = ""
)

// defaultRecursionLimit bounds total node transitions per task,
// independent of the iteration limits.
const defaultRecursionLimit = 100

// EngineConfig tunes one engine instance.
type EngineConfig struct {
	// ComplexityThreshold routes tasks at or above it to sub-agents.
	ComplexityThreshold Complexity
	// SubAgentsEnabled gates the spawn_sub_agents path entirely.
	SubAgentsEnabled bool
	// RecursionLimit bounds node transitions. Zero selects the default.
	RecursionLimit int
}

// Engine drives one task through the plan/execute/reflect graph. An engine
// instance is single-use: it owns its WorkflowState exclusively.
type Engine struct {
	cfg        EngineConfig
	client     *Client
	registry   *ToolRegistry
	decomposer *Decomposer
	pool       *AgentPool
	aggregator *Aggregator
	logger     *slog.Logger
	tracer     Tracer
	sink       EventSink

	state  *WorkflowState
	limits iterationLimits

	// consecutiveParseFailures tracks back-to-back action decode errors.
	consecutiveParseFailures int
}

// newEngine wires an engine for a single task. The orchestrator is the
// only caller.
func newEngine(cfg EngineConfig, client *Client, registry *ToolRegistry, decomposer *Decomposer, pool *AgentPool, aggregator *Aggregator, logger *slog.Logger, tracer Tracer, sink EventSink, state *WorkflowState) *Engine {
	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = defaultRecursionLimit
	}
	if cfg.ComplexityThreshold == "" {
		cfg.ComplexityThreshold = ComplexityComplex
	}
	if logger == nil {
		logger = nopLogger
	}
	if sink == nil {
		sink = nopSink{}
	}
	limits := deriveLimits(state.TaskDescription)
	if state.MaxIterations > 0 && state.MaxIterations < limits.Hard {
		limits.Hard = state.MaxIterations
		if limits.Soft >= limits.Hard {
			limits.Soft = max(1, limits.Hard/2)
		}
	}
	state.MaxIterations = limits.Hard
	if state.RecursionLimit <= 0 {
		state.RecursionLimit = cfg.RecursionLimit
	}
	return &Engine{
		cfg:        cfg,
		client:     client,
		registry:   registry,
		decomposer: decomposer,
		pool:       pool,
		aggregator: aggregator,
		logger:     logger,
		tracer:     tracer,
		sink:       sink,
		state:      state,
		limits:     limits,
	}
}

// Run walks the graph until a terminal state or the recursion limit.
func (e *Engine) Run(ctx context.Context, classification *Classification) WorkflowResult {
	s := e.state
	s.Classification = classification

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "workflow",
			StringAttr("task_id", s.TaskID),
			StringAttr("domain", string(s.Domain)))
		defer span.End()
	}

	emit(e.sink, EventWorkflowStart, s.TaskID, map[string]any{
		"task":           truncateStr(s.TaskDescription, 300),
		"domain":         string(s.Domain),
		"max_iterations": s.MaxIterations,
	})

	current := nodePlan
	transitions := 0
	for current != nodeEnd {
		if err := ctx.Err(); err != nil {
			s.Status = StatusFailed
			s.TaskError = "cancelled: " + err.Error()
			break
		}
		transitions++
		if transitions > s.RecursionLimit {
			err := &ErrRecursionExhausted{Limit: s.RecursionLimit}
			e.logger.Error("workflow aborted", "task_id", s.TaskID, "error", err)
			s.Status = StatusFailed
			s.TaskError = err.Error()
			emit(e.sink, EventWorkflowError, s.TaskID, map[string]any{
				"error_type": "recursion_exhausted",
				"message":    err.Error(),
			})
			if span != nil {
				span.Error(err)
			}
			return e.finish(false)
		}

		next := e.step(ctx, current)
		emit(e.sink, EventNodeExecuted, s.TaskID, map[string]any{
			"node":            string(current),
			"iteration":       s.Iteration,
			"status":          string(s.Status),
			"should_continue": s.ShouldContinue,
		})
		current = next
	}

	success := s.Status == StatusCompleted
	if span != nil {
		span.SetAttr(BoolAttr("success", success), IntAttr("iterations", s.Iteration))
	}
	return e.finish(success)
}

func (e *Engine) finish(success bool) WorkflowResult {
	s := e.state
	res := WorkflowResult{
		TaskID:     s.TaskID,
		Success:    success,
		Output:     s.TaskResult,
		Error:      s.TaskError,
		Iterations: s.Iteration,
		Metadata: map[string]any{
			"domain":     string(s.Domain),
			"tool_calls": len(s.ToolCalls),
		},
	}
	if success {
		emit(e.sink, EventWorkflowComplete, s.TaskID, map[string]any{
			"success":    true,
			"output":     truncateStr(s.TaskResult, 500),
			"iterations": s.Iteration,
		})
	} else {
		emit(e.sink, EventWorkflowError, s.TaskID, map[string]any{
			"error_type": "task_failed",
			"message":    s.TaskError,
		})
	}
	return res
}

func (e *Engine) step(ctx context.Context, n nodeName) nodeName {
	switch n {
	case nodePlan:
		return e.planNode(ctx)
	case nodeCheckComplexity:
		return e.checkComplexityNode()
	case nodeSpawnSubAgents:
		return e.spawnSubAgentsNode(ctx)
	case nodeExecute:
		return e.executeNode(ctx)
	case nodeReflect:
		return e.reflectNode()
	}
	return nodeEnd
}

// --- plan ---

var greetings = []string{"hi", "hello", "hey", "yo", "hiya", "howdy", "good morning", "good afternoon", "good evening", "thanks", "thank you"}

// isGreeting detects trivial conversational inputs that deserve a canned
// reply instead of a workflow.
func isGreeting(task string) bool {
	t := strings.ToLower(strings.TrimSpace(strings.Trim(task, "!.?, ")))
	if len(strings.Fields(t)) > 4 {
		return false
	}
	for _, g := range greetings {
		if t == g || strings.HasPrefix(t, g+" ") {
			return true
		}
	}
	return false
}

const planPrompt = `You are a planner. Produce a short actionable plan for the task.
Respond with only a JSON object:
{"goal": "...", "approach": "...", "steps": [{"action": "UPPER_SNAKE_ACTION", "description": "..."}]}
Use 2-6 steps. Actions should be drawn from: %s.`

func (e *Engine) planNode(ctx context.Context) nodeName {
	s := e.state
	if isGreeting(s.TaskDescription) {
		s.Status = StatusCompleted
		s.TaskResult = "Hello! Give me a task to work on and I'll get started."
		return nodeEnd
	}

	s.Status = StatusInProgress
	resp, err := e.client.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(fmt.Sprintf(planPrompt, strings.Join(availableActions(e.registry), ", "))),
			UserMessage(s.TaskDescription),
		},
		Temperature: 0.3,
		MaxTokens:   800,
	})
	if err != nil {
		// No model, no workflow. Fail here rather than loop on a dead client.
		e.logger.Error("planning failed", "task_id", s.TaskID, "error", err)
		s.Status = StatusFailed
		s.TaskError = "planning failed: " + err.Error()
		return nodeEnd
	}
	e.emitLLMResponse("plan", resp)

	var plan Plan
	if err := ExtractJSON(resp.Content, &plan); err != nil || len(plan.Steps) == 0 {
		// A malformed plan is recoverable: run the loop with a minimal one.
		e.logger.Warn("plan parse failed, using minimal plan", "task_id", s.TaskID, "error", err)
		plan = Plan{
			Goal:  s.TaskDescription,
			Steps: []PlanStep{{Action: "WORK", Description: "work toward the task goal"}},
		}
	}
	s.Plan = &plan
	emit(e.sink, EventPlanCreated, s.TaskID, map[string]any{
		"goal":       plan.Goal,
		"steps":      len(plan.Steps),
		"complexity": complexityOf(s.Classification),
	})
	return nodeCheckComplexity
}

func complexityOf(c *Classification) string {
	if c == nil {
		return string(ComplexityModerate)
	}
	return string(c.EstimatedComplexity)
}

// --- check_complexity ---

// checkComplexityNode routes complex tasks to sub-agents. Estimation
// failure defaults to the direct path.
func (e *Engine) checkComplexityNode() nodeName {
	if !e.cfg.SubAgentsEnabled || e.decomposer == nil || e.pool == nil {
		return nodeExecute
	}
	c := e.state.Classification
	if c == nil {
		return nodeExecute
	}
	if c.EstimatedComplexity.AtLeast(e.cfg.ComplexityThreshold) {
		return nodeSpawnSubAgents
	}
	return nodeExecute
}

// --- spawn_sub_agents ---

func (e *Engine) spawnSubAgentsNode(ctx context.Context) nodeName {
	s := e.state
	complexity := ComplexityComplex
	if s.Classification != nil {
		complexity = s.Classification.EstimatedComplexity
	}
	breakdown := e.decomposer.Decompose(ctx, s.TaskDescription, complexity)
	if !breakdown.RequiresDecomposition {
		// The decomposer disagreed with the router. Take the direct path.
		return nodeExecute
	}
	if breakdown.CycleBroken {
		s.recordError("dependency cycle in breakdown; released as final layer")
	}

	layers := ExecutionOrder(&breakdown)
	results := e.pool.ExecuteWithDependencies(ctx, layers, nil)

	strategy := AggregateSummarize
	if breakdown.Strategy == StrategyParallel {
		strategy = AggregateConcatenate
	}
	agg := e.aggregator.Aggregate(ctx, results, s.TaskDescription, strategy)
	if agg.Success {
		s.Status = StatusCompleted
		s.TaskResult = agg.CombinedResult
	} else {
		s.Status = StatusFailed
		s.TaskError = fmt.Sprintf("%d of %d sub-tasks failed: %s",
			agg.FailureCount, len(agg.IndividualResults), strings.Join(agg.Errors, "; "))
		s.TaskResult = agg.CombinedResult
	}
	return nodeEnd
}

// --- execute ---

const executePromptHeader = `You are executing a task step by step with tools.
Respond with only a JSON object: {"action": "ACTION_NAME", "parameters": {...}}.
Available actions: %s.
When the task is done, respond {"action": "COMPLETE", "parameters": {"summary": "what was accomplished"}}.`

func (e *Engine) executeNode(ctx context.Context) nodeName {
	s := e.state
	resp, err := e.client.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(fmt.Sprintf(executePromptHeader, strings.Join(availableActions(e.registry), ", "))),
			UserMessage(e.buildExecutePrompt()),
		},
		Temperature: 0.3,
		MaxTokens:   1500,
	})
	if err != nil {
		s.Iteration++
		s.recordError("llm call failed: " + err.Error())
		if _, ok := err.(*ErrLLMBadRequest); ok {
			s.Status = StatusFailed
			s.TaskError = err.Error()
			return nodeEnd
		}
		return nodeReflect
	}
	e.emitLLMResponse("execute", resp)

	decision, err := decodeAction(resp.Content)
	if err != nil {
		e.consecutiveParseFailures++
		rec := ToolCallRecord{
			Action:     "JSON_PARSE_ERROR",
			Parameters: json.RawMessage(`{}`),
			Result:     err.Error(),
			Iteration:  s.Iteration,
			Success:    false,
		}
		s.ToolCalls = append(s.ToolCalls, rec)
		s.recordError(err.Error())
		s.Iteration++
		if e.consecutiveParseFailures >= 3 {
			s.Status = StatusFailed
			s.TaskError = "3 consecutive unparseable model responses; last: " + err.Error()
			return nodeEnd
		}
		return nodeReflect
	}
	e.consecutiveParseFailures = 0

	emit(e.sink, EventActionDecided, s.TaskID, map[string]any{
		"action":     decision.Action,
		"iteration":  s.Iteration,
		"parameters": json.RawMessage(decision.Parameters),
	})

	if decision.Action == ActionComplete {
		s.Status = StatusCompleted
		s.TaskResult = completeSummary(decision.Parameters)
		s.ShouldContinue = false
		s.LastAction = ActionComplete
		s.Iteration++
		return nodeReflect
	}

	result := dispatchAction(ctx, e.registry, decision)
	rec := ToolCallRecord{
		Action:     decision.Action,
		Parameters: decision.Parameters,
		Iteration:  s.Iteration,
		Success:    result.Success,
	}
	if result.Success {
		rec.Result = truncateStr(result.Output, 4000)
	} else {
		rec.Result = result.Error
		s.recordError(fmt.Sprintf("%s failed: %s", decision.Action, result.Error))
	}
	s.ToolCalls = append(s.ToolCalls, rec)
	s.LastAction = decision.Action
	s.LastToolExecution = &rec
	if result.Success {
		s.CompletedSteps[decision.Action] = true
	}

	emit(e.sink, EventToolExecuted, s.TaskID, map[string]any{
		"tool":    decision.Action,
		"success": result.Success,
		"result":  truncateStr(rec.Result, 300),
	})

	s.Iteration++
	return nodeReflect
}

// buildExecutePrompt renders the task, plan, progress, and a bounded
// window of recent tool calls.
func (e *Engine) buildExecutePrompt() string {
	s := e.state
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", s.TaskDescription)
	if s.Plan != nil {
		fmt.Fprintf(&b, "Goal: %s\n", s.Plan.Goal)
		b.WriteString("Plan:\n")
		for i, step := range s.Plan.Steps {
			done := " "
			if s.CompletedSteps[step.Action] {
				done = "x"
			}
			fmt.Fprintf(&b, "  %d. [%s] %s: %s\n", i+1, done, step.Action, step.Description)
		}
	}
	fmt.Fprintf(&b, "Iteration: %d of %d\n", s.Iteration+1, s.MaxIterations)

	recent := lastN(s.ToolCalls, 5)
	if len(recent) > 0 {
		b.WriteString("Recent tool calls:\n")
		for _, tc := range recent {
			status := "ok"
			if !tc.Success {
				status = "FAILED"
			}
			fmt.Fprintf(&b, "  - %s (%s): %s\n", tc.Action, status, truncateStr(tc.Result, 200))
		}
	}
	b.WriteString("Decide the single next action.")
	return b.String()
}

// --- reflect ---

func (e *Engine) reflectNode() nodeName {
	s := e.state
	d := reflect(s, e.limits)
	s.ShouldContinue = d.Continue
	if d.Continue {
		return nodeExecute
	}
	s.Status = d.Status
	if d.Result != "" {
		s.TaskResult = d.Result
	}
	if d.Error != "" {
		s.TaskError = d.Error
	}
	e.logger.Info("workflow terminating",
		"task_id", s.TaskID,
		"rule", d.Rule,
		"status", string(s.Status),
		"iterations", s.Iteration)
	return nodeEnd
}

func (e *Engine) emitLLMResponse(node string, resp ChatResponse) {
	e.state.recordLLMResponse(resp.Content)
	payload := map[string]any{
		"node":      node,
		"iteration": e.state.Iteration,
		"preview":   truncateStr(resp.Content, 200),
	}
	if resp.Thinking != "" {
		payload["thinking"] = truncateStr(resp.Thinking, 200)
	}
	emit(e.sink, EventLLMResponse, e.state.TaskID, payload)
}
