// Package git wraps local git operations in the workspace repository. No
// network: pushes, pulls, and fetches are out of scope.
package git

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelworks/conductor"
)

const gitTimeout = 30 * time.Second

// Tool implements git_status, git_diff, git_log, git_branch, and
// git_commit.
type Tool struct {
	gate *conductor.Gate
}

// New creates the git tool over a gate. Commands run in the gate's
// workspace.
func New(gate *conductor.Gate) *Tool {
	return &Tool{gate: gate}
}

func (t *Tool) Category() conductor.ToolCategory { return conductor.CategoryGit }
func (t *Tool) Network() conductor.NetworkTag    { return conductor.NetworkLocal }

func (t *Tool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{
		{
			Name:        "git_status",
			Description: "Show working tree status: branch, staged, modified, and untracked files.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "git_diff",
			Description: "Show changes. Unstaged by default; set staged for the index.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"staged":{"type":"boolean"},"path":{"type":"string","description":"Limit the diff to one path"}}}`),
		},
		{
			Name:        "git_log",
			Description: "Show recent commits.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer","description":"Number of commits (default 10)"}}}`),
		},
		{
			Name:        "git_branch",
			Description: "List branches, marking the current one.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "git_commit",
			Description: "Commit staged changes. Rejects an empty staging area unless add_all is set.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"},"add_all":{"type":"boolean","description":"Stage all changes first"}},"required":["message"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (conductor.ToolResult, error) {
	switch name {
	case "git_status":
		return t.status(ctx), nil
	case "git_diff":
		return t.diff(ctx, args), nil
	case "git_log":
		return t.log(ctx, args), nil
	case "git_branch":
		return t.branch(ctx), nil
	case "git_commit":
		return t.commit(ctx, args), nil
	default:
		return conductor.Fail("unknown git tool: " + name), nil
	}
}

// run executes git with the given args in the workspace.
func (t *Tool) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = t.gate.Workspace()
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errOut.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return out.String(), nil
}

func (t *Tool) status(ctx context.Context) conductor.ToolResult {
	raw, err := t.run(ctx, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return conductor.Fail(err.Error())
	}

	type status struct {
		Branch    string   `json:"branch"`
		Staged    []string `json:"staged"`
		Modified  []string `json:"modified"`
		Untracked []string `json:"untracked"`
		Clean     bool     `json:"clean"`
	}
	var s status
	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			s.Branch = strings.SplitN(strings.TrimPrefix(line, "## "), "...", 2)[0]
			continue
		}
		if len(line) < 4 {
			continue
		}
		x, y, path := line[0], line[1], line[3:]
		switch {
		case x == '?' && y == '?':
			s.Untracked = append(s.Untracked, path)
		default:
			if x != ' ' {
				s.Staged = append(s.Staged, path)
			}
			if y != ' ' {
				s.Modified = append(s.Modified, path)
			}
		}
	}
	s.Clean = len(s.Staged)+len(s.Modified)+len(s.Untracked) == 0

	out, _ := json.MarshalIndent(s, "", "  ")
	return conductor.Ok(string(out))
}

func (t *Tool) diff(ctx context.Context, args json.RawMessage) conductor.ToolResult {
	var params struct {
		Staged bool   `json:"staged"`
		Path   string `json:"path"`
	}
	json.Unmarshal(args, &params)

	gitArgs := []string{"diff"}
	if params.Staged {
		gitArgs = append(gitArgs, "--cached")
	}
	if params.Path != "" {
		if _, err := t.gate.CheckFileAccess(params.Path, conductor.AccessRead); err != nil {
			return conductor.Fail(err.Error())
		}
		gitArgs = append(gitArgs, "--", params.Path)
	}
	raw, err := t.run(ctx, gitArgs...)
	if err != nil {
		return conductor.Fail(err.Error())
	}
	if strings.TrimSpace(raw) == "" {
		raw = "(no changes)"
	}
	if len(raw) > 16<<10 {
		raw = raw[:16<<10] + "\n... (truncated)"
	}
	return conductor.Ok(raw)
}

func (t *Tool) log(ctx context.Context, args json.RawMessage) conductor.ToolResult {
	var params struct {
		Limit int `json:"limit"`
	}
	json.Unmarshal(args, &params)
	if params.Limit <= 0 {
		params.Limit = 10
	}

	// Unit separator delimits fields so commit subjects can contain anything.
	raw, err := t.run(ctx, "log", "-n", strconv.Itoa(params.Limit), "--pretty=format:%H%x1f%an%x1f%aI%x1f%s")
	if err != nil {
		return conductor.Fail(err.Error())
	}

	type commit struct {
		Hash    string `json:"hash"`
		Author  string `json:"author"`
		Date    string `json:"date"`
		Subject string `json:"subject"`
	}
	var commits []commit
	for _, line := range strings.Split(raw, "\n") {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, commit{Hash: parts[0], Author: parts[1], Date: parts[2], Subject: parts[3]})
	}
	out, _ := json.MarshalIndent(commits, "", "  ")
	return conductor.Ok(string(out))
}

func (t *Tool) branch(ctx context.Context) conductor.ToolResult {
	raw, err := t.run(ctx, "branch", "--list")
	if err != nil {
		return conductor.Fail(err.Error())
	}

	type branches struct {
		Current string   `json:"current"`
		All     []string `json:"all"`
	}
	var b branches
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if name, ok := strings.CutPrefix(line, "* "); ok {
			b.Current = name
			line = name
		}
		b.All = append(b.All, line)
	}
	out, _ := json.MarshalIndent(b, "", "  ")
	return conductor.Ok(string(out))
}

func (t *Tool) commit(ctx context.Context, args json.RawMessage) conductor.ToolResult {
	var params struct {
		Message string `json:"message"`
		AddAll  bool   `json:"add_all"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.Fail("invalid args: " + err.Error())
	}
	if strings.TrimSpace(params.Message) == "" {
		return conductor.Fail("message is required")
	}

	if params.AddAll {
		if _, err := t.run(ctx, "add", "-A"); err != nil {
			return conductor.Fail(err.Error())
		}
	}

	staged, err := t.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return conductor.Fail(err.Error())
	}
	if strings.TrimSpace(staged) == "" {
		return conductor.Fail("nothing staged to commit (set add_all to stage everything)")
	}

	if _, err := t.run(ctx, "commit", "-m", params.Message); err != nil {
		return conductor.Fail(err.Error())
	}
	hash, err := t.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return conductor.Fail(err.Error())
	}
	return conductor.Ok("committed " + strings.TrimSpace(hash))
}
