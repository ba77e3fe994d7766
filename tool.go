package conductor

import (
	"context"
	"encoding/json"
	"time"
)

// ToolCategory groups tools for prompt construction and policy.
type ToolCategory string

const (
	CategoryFile   ToolCategory = "file"
	CategoryCode   ToolCategory = "code"
	CategoryGit    ToolCategory = "git"
	CategoryWeb    ToolCategory = "web"
	CategorySearch ToolCategory = "search"
)

// NetworkTag marks whether a tool needs network access. Used for
// offline-mode admission.
type NetworkTag string

const (
	NetworkLocal  NetworkTag = "local"
	NetworkRemote NetworkTag = "remote"
)

// ToolResult is the universal contract across all tools.
type ToolResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Ok builds a successful result.
func Ok(output string) ToolResult { return ToolResult{Success: true, Output: output} }

// Fail builds a failed result.
func Fail(errMsg string) ToolResult { return ToolResult{Success: false, Error: errMsg} }

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	// Definitions describes the functions this tool exposes.
	Definitions() []ToolDefinition
	// Category groups the tool for prompts and allowlists.
	Category() ToolCategory
	// Network reports whether the tool requires network access.
	Network() NetworkTag
	// Execute dispatches a function call by name. Contract errors (bad
	// args, policy rejections, runtime failures) are reported inside
	// ToolResult; the error return is reserved for infrastructure faults.
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools   []Tool
	offline bool
}

// NewToolRegistry creates an empty registry. When offline is set, tools
// tagged NetworkRemote are refused at registration time.
func NewToolRegistry(offline bool) *ToolRegistry {
	return &ToolRegistry{offline: offline}
}

// Add registers a tool. Remote tools are dropped in offline mode; Add
// reports whether the tool was admitted.
func (r *ToolRegistry) Add(t Tool) bool {
	if r.offline && t.Network() == NetworkRemote {
		return false
	}
	r.tools = append(r.tools, t)
	return true
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Names returns every registered function name.
func (r *ToolRegistry) Names() []string {
	var names []string
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			names = append(names, d.Name)
		}
	}
	return names
}

// Has reports whether a function name is registered.
func (r *ToolRegistry) Has(name string) bool {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return true
			}
		}
	}
	return false
}

// Execute dispatches a tool call by name, timing the wall clock and
// attaching the duration to the result metadata.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				start := time.Now()
				result, err := t.Execute(ctx, name, args)
				if result.Metadata == nil {
					result.Metadata = map[string]any{}
				}
				result.Metadata["duration_ms"] = time.Since(start).Milliseconds()
				return result, err
			}
		}
	}
	return Fail("unknown tool: " + name), nil
}

// Subset returns a registry restricted to the named functions. Used to
// build per-sub-agent allowlisted tool sets.
func (r *ToolRegistry) Subset(allowed []string) *ToolRegistry {
	allow := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		allow[n] = true
	}
	sub := NewToolRegistry(r.offline)
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if allow[d.Name] {
				sub.tools = append(sub.tools, t)
				break
			}
		}
	}
	return sub
}
