package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// defaultMaxParallel bounds concurrent sub-agents for local backends.
const defaultMaxParallel = 5

// AgentPool runs sub-tasks on sub-agents with bounded concurrency. One
// failure never cancels siblings; every dispatched sub-task produces an
// ExecutionResult.
type AgentPool struct {
	client      *Client
	registry    *ToolRegistry
	logger      *slog.Logger
	sink        EventSink
	maxParallel int64
	sem         *semaphore.Weighted

	// agentTools narrows the registry per agent type.
	agentTools map[AgentType][]string
}

// PoolOption configures an AgentPool.
type PoolOption func(*AgentPool)

// WithMaxParallel sets the concurrency bound.
func WithMaxParallel(n int) PoolOption {
	return func(p *AgentPool) {
		if n > 0 {
			p.maxParallel = int64(n)
		}
	}
}

// WithPoolSink sets the event sink sub-agents report progress to.
func WithPoolSink(sink EventSink) PoolOption {
	return func(p *AgentPool) { p.sink = sink }
}

// WithAgentTools overrides the per-agent-type tool allowlists.
func WithAgentTools(m map[AgentType][]string) PoolOption {
	return func(p *AgentPool) { p.agentTools = m }
}

// NewAgentPool builds a pool over the given client and tool registry.
func NewAgentPool(client *Client, registry *ToolRegistry, logger *slog.Logger, opts ...PoolOption) *AgentPool {
	if logger == nil {
		logger = nopLogger
	}
	p := &AgentPool{
		client:      client,
		registry:    registry,
		logger:      logger,
		sink:        nopSink{},
		maxParallel: defaultMaxParallel,
		agentTools:  defaultAgentTools(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(p.maxParallel)
	return p
}

// defaultAgentTools maps agent types to the tool functions they may use.
func defaultAgentTools() map[AgentType][]string {
	return map[AgentType][]string{
		AgentGeneral:  {"read_file", "write_file", "list_directory", "search_files"},
		AgentCoding:   {"read_file", "write_file", "list_directory", "search_files", "grep", "execute_command", "execute_python", "git_status", "git_diff", "git_log"},
		AgentResearch: {"read_file", "write_file", "search_files", "fetch_url"},
		AgentData:     {"read_file", "write_file", "list_directory", "execute_python", "sandbox_run"},
	}
}

func (p *AgentPool) agentFor(st SubTask) *SubAgent {
	cfg := SubAgentConfig{
		Name:          fmt.Sprintf("%s-%s", st.AgentType, st.ID),
		Type:          st.AgentType,
		AllowedTools:  p.agentTools[st.AgentType],
		MaxIterations: st.EstimatedIterations,
	}
	return NewSubAgent(cfg, p.client, p.registry, p.logger, p.sink)
}

// ExecuteBatch runs sub-tasks concurrently under the semaphore and returns
// results in input order. A sub-task that cannot acquire a permit (context
// done) yields a cancelled result.
func (p *AgentPool) ExecuteBatch(ctx context.Context, subtasks []SubTask, parentContext map[string]string) []ExecutionResult {
	results := make([]ExecutionResult, len(subtasks))
	var wg sync.WaitGroup
	for i, st := range subtasks {
		wg.Add(1)
		go func(i int, st SubTask) {
			defer wg.Done()
			if err := p.sem.Acquire(ctx, 1); err != nil {
				results[i] = cancelledResult(st, err)
				return
			}
			defer p.sem.Release(1)
			results[i] = p.runOne(ctx, st, parentContext)
		}(i, st)
	}
	wg.Wait()
	return results
}

// ExecuteSequential runs sub-tasks one at a time in input order.
func (p *AgentPool) ExecuteSequential(ctx context.Context, subtasks []SubTask, parentContext map[string]string) []ExecutionResult {
	results := make([]ExecutionResult, 0, len(subtasks))
	for _, st := range subtasks {
		if ctx.Err() != nil {
			results = append(results, cancelledResult(st, ctx.Err()))
			continue
		}
		results = append(results, p.runOne(ctx, st, parentContext))
	}
	return results
}

// ExecuteWithDependencies runs the decomposer's layers in order. Each
// layer runs as a batch; successful results join an accumulated context
// visible to later layers, keyed by sub-task id.
func (p *AgentPool) ExecuteWithDependencies(ctx context.Context, layers [][]SubTask, parentContext map[string]string) []ExecutionResult {
	accumulated := make(map[string]string, len(parentContext))
	for k, v := range parentContext {
		accumulated[k] = v
	}
	var all []ExecutionResult
	for _, layer := range layers {
		results := p.ExecuteBatch(ctx, layer, accumulated)
		for _, r := range results {
			if r.Success {
				accumulated[r.SubTaskID] = r.Result
			}
		}
		all = append(all, results...)
	}
	return all
}

// runOne isolates a single sub-task execution, converting panics into
// failed results so one bad sub-agent cannot take down the pool.
func (p *AgentPool) runOne(ctx context.Context, st SubTask, parentContext map[string]string) (res ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("sub-agent panic", "subtask", st.ID, "panic", r)
			res = ExecutionResult{
				SubTaskID:   st.ID,
				Status:      SubTaskFailed,
				Error:       fmt.Sprintf("internal panic: %v", r),
				CompletedAt: time.Now(),
			}
		}
	}()
	return p.agentFor(st).Execute(ctx, st, parentContext)
}

func cancelledResult(st SubTask, err error) ExecutionResult {
	now := time.Now()
	return ExecutionResult{
		SubTaskID:   st.ID,
		Status:      SubTaskCancelled,
		Error:       fmt.Sprintf("not started: %v", err),
		StartedAt:   now,
		CompletedAt: now,
	}
}
