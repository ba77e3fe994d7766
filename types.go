package conductor

import (
	"encoding/json"
	"time"
)

// --- Request and classification ---

// Request is an incoming task submission.
type Request struct {
	// Task is the natural-language task description.
	Task string
	// TaskID pins the task identifier. Empty = assigned by the orchestrator.
	TaskID string
	// Workspace is the filesystem root for all tool I/O. Empty = a fresh
	// directory under the orchestrator's workspace root.
	Workspace string
	// MaxIterations caps the execute/reflect loop. Zero = orchestrator default.
	MaxIterations int
	// DomainOverride bypasses classification when non-empty.
	DomainOverride Domain
	// Context carries optional caller metadata made visible to prompts.
	Context map[string]any
}

// Domain is a workflow domain produced by the intent router.
type Domain string

const (
	DomainCoding   Domain = "coding"
	DomainResearch Domain = "research"
	DomainData     Domain = "data"
	DomainGeneral  Domain = "general"
)

// Valid reports whether d is one of the closed domain set.
func (d Domain) Valid() bool {
	switch d {
	case DomainCoding, DomainResearch, DomainData, DomainGeneral:
		return true
	}
	return false
}

// Complexity is the router's effort estimate for a task.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityModerate    Complexity = "moderate"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

// rank orders complexity values for threshold comparisons.
func (c Complexity) rank() int {
	switch c {
	case ComplexitySimple:
		return 0
	case ComplexityModerate:
		return 1
	case ComplexityComplex:
		return 2
	case ComplexityVeryComplex:
		return 3
	}
	return 1
}

// AtLeast reports whether c is at least as complex as other.
func (c Complexity) AtLeast(other Complexity) bool { return c.rank() >= other.rank() }

// Classification is the intent router's verdict for a request.
type Classification struct {
	Domain              Domain     `json:"domain"`
	Confidence          float64    `json:"confidence"`
	Reasoning           string     `json:"reasoning"`
	EstimatedComplexity Complexity `json:"estimated_complexity"`
	RequiresSubAgents   bool       `json:"requires_sub_agents"`
}

// --- Workflow state ---

// TaskStatus is the lifecycle state of a workflow task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further node entries.
func (s TaskStatus) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// ToolCallRecord is one entry in the append-only tool log.
type ToolCallRecord struct {
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
	Result     string          `json:"result"`
	Iteration  int             `json:"iteration"`
	Success    bool            `json:"success"`
}

// TaskError is one entry in the append-only error log.
type TaskError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Plan is the structured output of the plan node.
type Plan struct {
	Goal     string     `json:"goal"`
	Steps    []PlanStep `json:"steps"`
	Approach string     `json:"approach,omitempty"`
}

// PlanStep is a single planned action.
type PlanStep struct {
	Action      string `json:"action"`
	Description string `json:"description"`
}

// WorkflowState is the engine's working set: a single mutable value threaded
// through nodes. It is owned exclusively by one engine instance; sub-agents
// receive scoped copies, never the state itself.
type WorkflowState struct {
	// Immutable after entry.
	TaskID          string
	TaskDescription string
	Workspace       string
	Domain          Domain
	MaxIterations   int
	RecursionLimit  int

	// Mutated by nodes.
	Iteration      int
	Status         TaskStatus
	ShouldContinue bool
	ToolCalls      []ToolCallRecord
	Errors         []TaskError

	// Context: diagnostics and inter-node data.
	Plan              *Plan
	CompletedSteps    map[string]bool
	LastAction        string
	LastToolExecution *ToolCallRecord
	LLMResponses      []string // last-N previews for streaming diagnostics
	Classification    *Classification

	// Terminal output.
	TaskResult string
	TaskError  string
}

// newWorkflowState builds the initial state for a task.
func newWorkflowState(taskID, description, workspace string, domain Domain, maxIter, recursionLimit int) *WorkflowState {
	return &WorkflowState{
		TaskID:          taskID,
		TaskDescription: description,
		Workspace:       workspace,
		Domain:          domain,
		MaxIterations:   maxIter,
		RecursionLimit:  recursionLimit,
		Status:          StatusPending,
		CompletedSteps:  make(map[string]bool),
	}
}

// recordLLMResponse keeps a bounded window of response previews.
func (s *WorkflowState) recordLLMResponse(preview string) {
	const window = 5
	s.LLMResponses = append(s.LLMResponses, truncateStr(preview, 200))
	if len(s.LLMResponses) > window {
		s.LLMResponses = s.LLMResponses[len(s.LLMResponses)-window:]
	}
}

// recordError appends to the error log with the current time.
func (s *WorkflowState) recordError(msg string) {
	s.Errors = append(s.Errors, TaskError{Timestamp: time.Now(), Message: msg})
}

// --- Decomposition ---

// AgentType names the kind of sub-agent a sub-task wants.
type AgentType string

const (
	AgentGeneral  AgentType = "general"
	AgentCoding   AgentType = "coding"
	AgentResearch AgentType = "research"
	AgentData     AgentType = "data"
)

// KnownAgentType reports whether t is a recognized agent type.
func KnownAgentType(t AgentType) bool {
	switch t {
	case AgentGeneral, AgentCoding, AgentResearch, AgentData:
		return true
	}
	return false
}

// SubTask is one unit of a decomposed task.
type SubTask struct {
	ID                  string         `json:"id"`
	Description         string         `json:"description"`
	AgentType           AgentType      `json:"agent_type"`
	Priority            int            `json:"priority"`
	Dependencies        []string       `json:"dependencies,omitempty"`
	EstimatedIterations int            `json:"estimated_iterations,omitempty"`
	Context             map[string]any `json:"context,omitempty"`
}

// ExecutionStrategy describes how a breakdown should be run.
type ExecutionStrategy string

const (
	StrategyDirect     ExecutionStrategy = "direct"
	StrategyParallel   ExecutionStrategy = "parallel"
	StrategySequential ExecutionStrategy = "sequential"
)

// TaskBreakdown is the decomposer's output.
type TaskBreakdown struct {
	Original              string            `json:"original"`
	Complexity            Complexity        `json:"complexity"`
	RequiresDecomposition bool              `json:"requires_decomposition"`
	SubTasks              []SubTask         `json:"subtasks"`
	Strategy              ExecutionStrategy `json:"execution_strategy"`
	Reasoning             string            `json:"reasoning,omitempty"`
	// CycleBroken is set when ExecutionOrder had to release a dependency
	// cycle into a final layer.
	CycleBroken bool `json:"cycle_broken,omitempty"`
}

// --- Sub-agent results ---

// SubTaskStatus is the lifecycle state of a sub-task execution.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskRunning   SubTaskStatus = "running"
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskFailed    SubTaskStatus = "failed"
	SubTaskCancelled SubTaskStatus = "cancelled"
)

// ExecutionResult is the per-sub-agent outcome.
type ExecutionResult struct {
	SubTaskID   string        `json:"subtask_id"`
	AgentName   string        `json:"agent_name"`
	Status      SubTaskStatus `json:"status"`
	Success     bool          `json:"success"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	Iterations  int           `json:"iterations"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// AggregatedResult merges a batch of sub-agent outcomes.
type AggregatedResult struct {
	OriginalTask      string            `json:"original_task"`
	Success           bool              `json:"success"`
	CombinedResult    string            `json:"combined_result"`
	IndividualResults []ExecutionResult `json:"individual_results"`
	TotalDuration     time.Duration     `json:"total_duration"`
	SuccessCount      int               `json:"success_count"`
	FailureCount      int               `json:"failure_count"`
	Summary           string            `json:"summary,omitempty"`
	Errors            []string          `json:"errors,omitempty"`
}

// --- Workflow result ---

// WorkflowResult is the orchestrator's terminal output for a task.
type WorkflowResult struct {
	TaskID     string         `json:"task_id"`
	Success    bool           `json:"success"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Iterations int            `json:"iterations"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// --- LLM protocol types ---

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral chat completion request.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	// Tools optionally supplies native tool schemas to providers that
	// support them. The engine itself uses the JSON action protocol and
	// leaves this empty; sub-agent hosts may populate it.
	Tools []ToolDefinition `json:"tools,omitempty"`
}

// ChatResponse is the provider-neutral chat completion response.
type ChatResponse struct {
	Content      string     `json:"content"`
	Thinking     string     `json:"thinking,omitempty"` // stripped chain-of-thought, hidden by default
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// ToolCall is a provider-returned structured tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage tracks token consumption for a call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// ToolDefinition is a JSON Schema description of one tool function.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage      { return ChatMessage{Role: "user", Content: text} }
func SystemMessage(text string) ChatMessage    { return ChatMessage{Role: "system", Content: text} }
func AssistantMessage(text string) ChatMessage { return ChatMessage{Role: "assistant", Content: text} }

// --- Misc helpers ---

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// KV is an opaque key-value interface the host may provide for optional
// cache durability. Implementations must be safe for concurrent use.
type KV interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte)
}
