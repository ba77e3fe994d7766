package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// runner executes code in a subprocess for one of the supported languages.
type runner struct {
	pythonBin string
	nodeBin   string
	tsxBin    string
	maxOutput int
}

func newRunner(pythonBin, nodeBin, tsxBin string, maxOutput int) *runner {
	if maxOutput <= 0 {
		maxOutput = 512 * 1024
	}
	return &runner{pythonBin: pythonBin, nodeBin: nodeBin, tsxBin: tsxBin, maxOutput: maxOutput}
}

type runRequest struct {
	code         string
	language     string
	workspaceDir string
	timeout      time.Duration
}

type runResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      string
}

func knownLanguage(lang string) bool {
	switch lang {
	case "python", "nodejs", "typescript", "shell", "":
		return true
	}
	return false
}

// run writes the code to a temp file in the session workspace and executes
// it with the language's interpreter.
func (r *runner) run(ctx context.Context, req runRequest) runResult {
	ctx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	var bin, pattern string
	switch req.language {
	case "nodejs":
		bin, pattern = r.nodeBin, "run-*.js"
	case "typescript":
		bin, pattern = r.tsxBin, "run-*.ts"
	case "shell":
		bin, pattern = "sh", "run-*.sh"
	default: // python or empty
		bin, pattern = r.pythonBin, "run-*.py"
	}

	tmp, err := os.CreateTemp(req.workspaceDir, pattern)
	if err != nil {
		return runResult{err: "create temp file: " + err.Error(), exitCode: -1}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.WriteString(req.code); err != nil {
		tmp.Close()
		return runResult{err: "write script: " + err.Error(), exitCode: -1}
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, bin, tmpPath)
	cmd.Dir = req.workspaceDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + req.workspaceDir,
		"LANG=en_US.UTF-8",
	}

	var stdout, stderr limitedWriter
	stdout.limit = r.maxOutput
	stderr.limit = r.maxOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	waitErr := cmd.Run()
	res := runResult{stdout: stdout.String(), stderr: stderr.String()}
	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			res.err = fmt.Sprintf("execution timed out after %s", req.timeout)
			res.exitCode = -1
		} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.exitCode = exitErr.ExitCode()
		} else {
			res.err = waitErr.Error()
			res.exitCode = -1
		}
	}
	return res
}

// limitedWriter captures up to limit bytes and discards the rest.
type limitedWriter struct {
	buf   strings.Builder
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	// Always acknowledge the full write so the copy loop never sees a
	// short write once the cap is hit.
	n := len(p)
	if w.buf.Len() < w.limit {
		remaining := w.limit - w.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.buf.Write(p)
	}
	return n, nil
}

func (w *limitedWriter) String() string { return w.buf.String() }
