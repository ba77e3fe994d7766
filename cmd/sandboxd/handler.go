package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// executeRequest is the parsed body of POST /execute.
type executeRequest struct {
	Code      string `json:"code"`
	Language  string `json:"language"` // python, nodejs, typescript, shell
	Timeout   int    `json:"timeout"`  // seconds
	SessionID string `json:"session_id"`
}

// executeResponse is the JSON body returned by POST /execute.
type executeResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

const (
	maxRequestBodyBytes = 8 << 20
	defaultTimeoutSecs  = 30
	maxTimeoutSecs      = 300
)

func handleExecute(sem chan struct{}, sessions *sessionManager, run *runner, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if !knownLanguage(req.Language) {
		writeError(w, http.StatusBadRequest, "unsupported language: "+req.Language+"; supported: python, nodejs, typescript, shell")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	timeout := defaultTimeoutSecs
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > maxTimeoutSecs {
		timeout = maxTimeoutSecs
	}

	// Acquire execution slot. Fail fast under load.
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	default:
		writeError(w, http.StatusServiceUnavailable, "server busy: execution capacity reached")
		return
	}

	workspaceDir, err := sessions.get(req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "workspace error: "+err.Error())
		return
	}

	result := run.run(r.Context(), runRequest{
		code:         req.Code,
		language:     req.Language,
		workspaceDir: workspaceDir,
		timeout:      time.Duration(timeout) * time.Second,
	})

	writeJSON(w, http.StatusOK, executeResponse{
		Stdout:   result.stdout,
		Stderr:   result.stderr,
		ExitCode: result.exitCode,
		Error:    result.err,
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func handleDeleteWorkspace(sessions *sessionManager, w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if err := sessions.delete(sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
