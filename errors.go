package conductor

import (
	"errors"
	"fmt"
	"time"
)

// ViolationKind classifies a safety gate rejection.
type ViolationKind string

const (
	ViolationPathEscape     ViolationKind = "path_escape"
	ViolationProtectedPath  ViolationKind = "protected_path"
	ViolationDeniedCommand  ViolationKind = "denied_command"
	ViolationNotAllowlisted ViolationKind = "not_allowlisted"
)

// ErrPolicyViolation is a safety gate rejection. Non-retryable: callers
// record it in the tool log with success=false and move on.
type ErrPolicyViolation struct {
	Kind   ViolationKind
	Target string // offending path or command
	Rule   string // the matched policy rule, for diagnostics
}

func (e *ErrPolicyViolation) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("policy violation (%s): %s matched %q", e.Kind, e.Target, e.Rule)
	}
	return fmt.Sprintf("policy violation (%s): %s", e.Kind, e.Target)
}

// ErrHTTP carries an HTTP failure from an LLM endpoint.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, truncateStr(e.Body, 200))
}

// Transient reports whether the failure is worth retrying on another
// endpoint: 5xx and 429 are transient, other 4xx are not.
func (e *ErrHTTP) Transient() bool {
	return e.Status >= 500 || e.Status == 429
}

// ErrLLMBadRequest is a non-retryable 4xx from an endpoint. It fails the
// calling node immediately.
type ErrLLMBadRequest struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *ErrLLMBadRequest) Error() string {
	return fmt.Sprintf("%s: bad request (http %d): %s", e.Endpoint, e.Status, truncateStr(e.Body, 200))
}

// ErrLLMUnavailable means every endpoint failed and the retry budget is
// exhausted.
type ErrLLMUnavailable struct {
	Attempts int
	Last     error
}

func (e *ErrLLMUnavailable) Error() string {
	return fmt.Sprintf("llm unavailable after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ErrLLMUnavailable) Unwrap() error { return e.Last }

// ErrParse is a JSON extraction failure after lenient recovery.
type ErrParse struct {
	Preview string // raw text excerpt for diagnostics
	Cause   error
}

func (e *ErrParse) Error() string {
	return fmt.Sprintf("parse failure: %v (raw: %s)", e.Cause, truncateStr(e.Preview, 120))
}

func (e *ErrParse) Unwrap() error { return e.Cause }

// ErrRecursionExhausted means the engine hit its node-transition limit.
// Fatal: the task is marked failed.
type ErrRecursionExhausted struct {
	Limit int
}

func (e *ErrRecursionExhausted) Error() string {
	return fmt.Sprintf("recursion limit reached: %d node transitions", e.Limit)
}

// ErrInternal wraps an unexpected failure. The task is marked failed and the
// full context is logged.
type ErrInternal struct {
	Op    string
	Cause error
}

func (e *ErrInternal) Error() string { return fmt.Sprintf("internal error in %s: %v", e.Op, e.Cause) }
func (e *ErrInternal) Unwrap() error { return e.Cause }

// IsTransientLLM reports whether err should be retried per the client's
// failover policy: transport errors, 5xx, 429, and empty responses.
func IsTransientLLM(err error) bool {
	var bad *ErrLLMBadRequest
	if errors.As(err, &bad) {
		return false
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Transient()
	}
	// Timeouts and connection failures arrive as plain transport errors.
	return err != nil
}
