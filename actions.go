package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Action names form a closed union. The execute node refuses anything the
// model invents outside this set.
const (
	ActionReadFile      = "READ_FILE"
	ActionWriteFile     = "WRITE_FILE"
	ActionListDirectory = "LIST_DIRECTORY"
	ActionSearchFiles   = "SEARCH_FILES"
	ActionSearchCode    = "SEARCH_CODE"
	ActionRunCommand    = "RUN_COMMAND"
	ActionRunPython     = "RUN_PYTHON"
	ActionGitStatus     = "GIT_STATUS"
	ActionGitDiff       = "GIT_DIFF"
	ActionGitLog        = "GIT_LOG"
	ActionFetchURL      = "FETCH_URL"
	ActionSandboxRun    = "SANDBOX_RUN"
	ActionComplete      = "COMPLETE"
)

// actionToTool maps action names to registered tool function names.
// COMPLETE is handled by the execute node itself and has no tool.
var actionToTool = map[string]string{
	ActionReadFile:      "read_file",
	ActionWriteFile:     "write_file",
	ActionListDirectory: "list_directory",
	ActionSearchFiles:   "search_files",
	ActionSearchCode:    "grep",
	ActionRunCommand:    "execute_command",
	ActionRunPython:     "execute_python",
	ActionGitStatus:     "git_status",
	ActionGitDiff:       "git_diff",
	ActionGitLog:        "git_log",
	ActionFetchURL:      "fetch_url",
	ActionSandboxRun:    "sandbox_run",
}

// actionDecision is the execute node's parsed model output.
type actionDecision struct {
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
}

// completeParams is the payload of a COMPLETE action.
type completeParams struct {
	Summary string `json:"summary"`
	Result  string `json:"result"`
}

// decodeAction parses a model response into an action decision and
// validates it against the closed union.
func decodeAction(raw string) (actionDecision, error) {
	var d actionDecision
	if err := ExtractJSON(raw, &d); err != nil {
		return actionDecision{}, err
	}
	d.Action = strings.ToUpper(strings.TrimSpace(d.Action))
	if d.Action == "" {
		return actionDecision{}, &ErrParse{Preview: truncateStr(raw, 200), Cause: fmt.Errorf("missing action field")}
	}
	if d.Action != ActionComplete {
		if _, ok := actionToTool[d.Action]; !ok {
			return actionDecision{}, &ErrParse{
				Preview: d.Action,
				Cause:   fmt.Errorf("unknown action %q, expected one of %s", d.Action, knownActionNames()),
			}
		}
	}
	if len(d.Parameters) == 0 {
		d.Parameters = json.RawMessage("{}")
	}
	return d, nil
}

// completeSummary extracts the terminal summary from COMPLETE parameters,
// accepting either summary or result as the key.
func completeSummary(params json.RawMessage) string {
	var p completeParams
	if err := json.Unmarshal(params, &p); err == nil {
		if p.Summary != "" {
			return p.Summary
		}
		if p.Result != "" {
			return p.Result
		}
	}
	return "task completed"
}

// dispatchAction routes a non-COMPLETE action to its tool. Missing tools
// (not registered for this domain or dropped in offline mode) come back as
// failed results, not errors, so the loop records and moves on.
func dispatchAction(ctx context.Context, registry *ToolRegistry, d actionDecision) ToolResult {
	toolName := actionToTool[d.Action]
	if !registry.Has(toolName) {
		return Fail(fmt.Sprintf("action %s is not available (tool %q not registered)", d.Action, toolName))
	}
	result, err := registry.Execute(ctx, toolName, d.Parameters)
	if err != nil {
		return Fail(fmt.Sprintf("tool %s infrastructure failure: %v", toolName, err))
	}
	return result
}

// availableActions lists the actions backed by registered tools, plus
// COMPLETE, for inclusion in the execution prompt.
func availableActions(registry *ToolRegistry) []string {
	var out []string
	for action, tool := range actionToTool {
		if registry.Has(tool) {
			out = append(out, action)
		}
	}
	out = append(out, ActionComplete)
	sort.Strings(out)
	return out
}

func knownActionNames() string {
	names := make([]string, 0, len(actionToTool)+1)
	for a := range actionToTool {
		names = append(names, a)
	}
	names = append(names, ActionComplete)
	sort.Strings(names)
	return strings.Join(names, ", ")
}
