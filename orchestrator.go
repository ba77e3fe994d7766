package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RunRecord is one finished task for the history store.
type RunRecord struct {
	TaskID     string        `json:"task_id"`
	Task       string        `json:"task"`
	Domain     Domain        `json:"domain"`
	Success    bool          `json:"success"`
	Output     string        `json:"output"`
	Error      string        `json:"error,omitempty"`
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

// RunRecorder persists finished tasks. The history package provides
// SQLite and Postgres implementations.
type RunRecorder interface {
	Record(ctx context.Context, rec RunRecord) error
}

// Orchestrator is the top-level entry: it classifies a request, prepares a
// workspace, and drives a fresh engine per task. Safe for concurrent use;
// engines never share state.
type Orchestrator struct {
	client      *Client
	registry    *ToolRegistry
	toolFactory ToolFactory
	router      *Router
	decomposer  *Decomposer
	pool        *AgentPool
	poolOpts    []PoolOption
	aggregator  *Aggregator

	workspaceRoot string
	engineCfg     EngineConfig
	logger        *slog.Logger
	tracer        Tracer
	sink          EventSink
	recorder      RunRecorder

	mu       sync.Mutex
	counters map[Domain]int64
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithWorkspaceRoot sets the directory fresh task workspaces are created
// under. Default is the OS temp directory.
func WithWorkspaceRoot(dir string) OrchestratorOption {
	return func(o *Orchestrator) { o.workspaceRoot = dir }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer sets the tracer passed down to engines and the client spans.
func WithTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithEventSink sets the default sink for non-streaming Execute calls.
func WithEventSink(sink EventSink) OrchestratorOption {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithEngineConfig overrides the engine tuning.
func WithEngineConfig(cfg EngineConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.engineCfg = cfg }
}

// WithHistory sets the run recorder.
func WithHistory(rec RunRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = rec }
}

// WithPool injects a shared sub-agent pool, replacing the per-task pools
// the orchestrator builds otherwise. A shared pool keeps whatever registry
// it was constructed with, so combine it with WithTools carefully.
func WithPool(p *AgentPool) OrchestratorOption {
	return func(o *Orchestrator) { o.pool = p }
}

// WithPoolOptions configures the per-task sub-agent pools. Ignored when
// WithPool injects a shared pool.
func WithPoolOptions(opts ...PoolOption) OrchestratorOption {
	return func(o *Orchestrator) { o.poolOpts = opts }
}

// ToolFactory builds a tool registry confined to one task workspace. The
// orchestrator calls it with the resolved workspace before each run.
type ToolFactory func(workspace string) (*ToolRegistry, error)

// WithTools sets a per-task registry factory. Tools built by the factory
// see only that task's workspace, so concurrent tasks cannot touch each
// other's files. Overrides the static registry passed to NewOrchestrator.
func WithTools(fn ToolFactory) OrchestratorOption {
	return func(o *Orchestrator) { o.toolFactory = fn }
}

// NewOrchestrator wires an orchestrator over a client and tool registry.
func NewOrchestrator(client *Client, registry *ToolRegistry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		client:        client,
		registry:      registry,
		workspaceRoot: filepath.Join(os.TempDir(), "conductor"),
		engineCfg: EngineConfig{
			ComplexityThreshold: ComplexityComplex,
			SubAgentsEnabled:    true,
		},
		logger:   nopLogger,
		sink:     nopSink{},
		counters: make(map[Domain]int64),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.router = NewRouter(client, o.logger)
	o.decomposer = NewDecomposer(client, o.logger)
	o.aggregator = NewAggregator(client, o.logger)
	return o
}

// Execute runs a request to completion, emitting events to the configured
// default sink.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (WorkflowResult, error) {
	return o.execute(ctx, req, o.sink)
}

// ExecuteStream runs a request with a dedicated event stream. The stream
// closes after the terminal event; the result channel delivers exactly one
// value.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req Request) (*EventStream, <-chan WorkflowResult) {
	stream := NewEventStream(0)
	done := make(chan WorkflowResult, 1)
	go func() {
		res, err := o.execute(ctx, req, stream)
		if err != nil {
			res = WorkflowResult{TaskID: req.TaskID, Success: false, Error: err.Error()}
		}
		stream.Close()
		done <- res
	}()
	return stream, done
}

func (o *Orchestrator) execute(ctx context.Context, req Request, sink EventSink) (WorkflowResult, error) {
	started := time.Now()
	if req.Task == "" {
		return WorkflowResult{}, fmt.Errorf("empty task")
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = NewTaskID()
	}
	workspace, err := o.resolveWorkspace(req.Workspace, taskID)
	if err != nil {
		return WorkflowResult{}, err
	}
	registry, pool, err := o.taskTools(workspace, sink)
	if err != nil {
		return WorkflowResult{}, err
	}

	classification := o.router.Classify(ctx, req)
	o.bumpCounter(classification.Domain)
	emit(sink, EventClassification, taskID, map[string]any{
		"domain":     string(classification.Domain),
		"confidence": classification.Confidence,
		"reasoning":  classification.Reasoning,
	})
	o.logger.Info("task classified",
		"task_id", taskID,
		"domain", string(classification.Domain),
		"complexity", string(classification.EstimatedComplexity))

	state := newWorkflowState(taskID, req.Task, workspace, classification.Domain, req.MaxIterations, o.engineCfg.RecursionLimit)
	engine := newEngine(o.engineCfg, o.client, registry, o.decomposer, pool, o.aggregator, o.logger, o.tracer, sink, state)
	result := engine.Run(ctx, &classification)

	duration := time.Since(started)
	emit(sink, EventTaskComplete, taskID, map[string]any{
		"task_id":        taskID,
		"total_duration": duration.String(),
	})

	if o.recorder != nil {
		rec := RunRecord{
			TaskID:     taskID,
			Task:       req.Task,
			Domain:     classification.Domain,
			Success:    result.Success,
			Output:     result.Output,
			Error:      result.Error,
			Iterations: result.Iterations,
			Duration:   duration,
			CreatedAt:  started,
		}
		if err := o.recorder.Record(ctx, rec); err != nil {
			o.logger.Warn("history record failed", "task_id", taskID, "error", err)
		}
	}
	return result, nil
}

// RejectFunc inspects a finished result. Returning ok=false with feedback
// asks the orchestrator to retry the task with the feedback appended.
type RejectFunc func(WorkflowResult) (ok bool, feedback string)

// maxRejectRetries bounds ExecuteWithRetry.
const maxRejectRetries = 3

// ExecuteWithRetry runs a request and, when the judge rejects the output,
// re-enters with appended feedback. Each retry gets a fresh task id and
// fresh state.
func (o *Orchestrator) ExecuteWithRetry(ctx context.Context, req Request, judge RejectFunc) (WorkflowResult, error) {
	task := req.Task
	var result WorkflowResult
	var err error
	for attempt := 0; attempt <= maxRejectRetries; attempt++ {
		r := req
		r.Task = task
		r.TaskID = "" // fresh id per attempt
		result, err = o.Execute(ctx, r)
		if err != nil {
			return result, err
		}
		if judge == nil {
			return result, nil
		}
		ok, feedback := judge(result)
		if ok {
			return result, nil
		}
		o.logger.Info("output rejected, retrying", "attempt", attempt+1, "feedback", truncateStr(feedback, 200))
		task = fmt.Sprintf("%s\n\nPrevious attempt was rejected with feedback: %s", req.Task, feedback)
	}
	return result, nil
}

// Counters returns a snapshot of tasks routed per domain.
func (o *Orchestrator) Counters() map[Domain]int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[Domain]int64, len(o.counters))
	for d, n := range o.counters {
		out[d] = n
	}
	return out
}

func (o *Orchestrator) bumpCounter(d Domain) {
	o.mu.Lock()
	o.counters[d]++
	o.mu.Unlock()
}

// taskTools binds the tool surface to one task's workspace: the factory
// builds a registry over that workspace, and the sub-agent pool is built
// over the same registry so sub-agents share the task's confinement.
func (o *Orchestrator) taskTools(workspace string, sink EventSink) (*ToolRegistry, *AgentPool, error) {
	registry := o.registry
	if o.toolFactory != nil {
		r, err := o.toolFactory(workspace)
		if err != nil {
			return nil, nil, &ErrInternal{Op: "tools", Cause: err}
		}
		registry = r
	}
	pool := o.pool
	if pool == nil {
		opts := append([]PoolOption{WithPoolSink(sink)}, o.poolOpts...)
		pool = NewAgentPool(o.client, registry, o.logger, opts...)
	}
	return registry, pool, nil
}

// resolveWorkspace returns the task's filesystem root: a fresh directory
// under the workspace root when the request leaves it empty, or the
// requested directory as long as it stays inside the root. Relative
// requests resolve against the root.
func (o *Orchestrator) resolveWorkspace(requested, taskID string) (string, error) {
	root, err := filepath.Abs(o.workspaceRoot)
	if err != nil {
		return "", &ErrInternal{Op: "workspace", Cause: err}
	}
	dir := filepath.Join(root, taskID)
	if requested != "" {
		dir = requested
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		dir = filepath.Clean(dir)
		if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return "", &ErrPolicyViolation{Kind: ViolationPathEscape, Target: requested}
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ErrInternal{Op: "workspace", Cause: err}
	}
	return dir, nil
}
