package conductor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// EndpointHealth is the client's view of one endpoint's availability.
type EndpointHealth string

const (
	HealthUnknown   EndpointHealth = "unknown"
	HealthHealthy   EndpointHealth = "healthy"
	HealthDegraded  EndpointHealth = "degraded"
	HealthUnhealthy EndpointHealth = "unhealthy"
)

// unhealthyThreshold is the consecutive-failure count that demotes a
// degraded endpoint to unhealthy.
const unhealthyThreshold = 3

// ClientEndpoint pairs a provider with a stable name for health tracking
// and diagnostics.
type ClientEndpoint struct {
	Name     string
	Provider Provider
}

// EndpointStatus is a point-in-time health snapshot for one endpoint.
type EndpointStatus struct {
	Name         string         `json:"name"`
	Health       EndpointHealth `json:"health"`
	Failures     int            `json:"consecutive_failures"`
	LastError    string         `json:"last_error,omitempty"`
	LastSuccess  time.Time      `json:"last_success,omitzero"`
	TotalCalls   int64          `json:"total_calls"`
	TotalFailed  int64          `json:"total_failed"`
	CacheBacking bool           `json:"-"`
}

type endpointState struct {
	name     string
	provider Provider

	mu          sync.Mutex
	health      EndpointHealth
	failures    int
	lastErr     error
	lastSuccess time.Time
	totalCalls  int64
	totalFailed int64
}

func (e *endpointState) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = HealthHealthy
	e.failures = 0
	e.lastErr = nil
	e.lastSuccess = time.Now()
	e.totalCalls++
}

func (e *endpointState) recordFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	e.lastErr = err
	e.totalCalls++
	e.totalFailed++
	if e.failures >= unhealthyThreshold {
		e.health = HealthUnhealthy
	} else {
		e.health = HealthDegraded
	}
}

func (e *endpointState) snapshot() (EndpointHealth, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, e.failures
}

// Client is a failover chat client over one or more endpoints. Calls go to
// the healthiest endpoint first; transient failures rotate to the next
// candidate, with exponential backoff between full rounds. Safe for
// concurrent use.
type Client struct {
	endpoints []*endpointState
	cache     *responseCache

	maxRounds     int
	backoffBase   time.Duration
	probeInterval time.Duration

	logger *slog.Logger
	tracer Tracer

	probeStop chan struct{}
	probeOnce sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the structured logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClientTracer sets the tracer for llm_call spans.
func WithClientTracer(t Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

// WithCache enables the response cache. A nil kv keeps the cache
// memory-only.
func WithCache(size int, ttl time.Duration, kv KV) ClientOption {
	return func(c *Client) { c.cache = newResponseCache(size, ttl, kv) }
}

// WithRetry overrides the retry budget: rounds across all endpoints and
// the base backoff between rounds.
func WithRetry(rounds int, base time.Duration) ClientOption {
	return func(c *Client) {
		if rounds > 0 {
			c.maxRounds = rounds
		}
		if base > 0 {
			c.backoffBase = base
		}
	}
}

// WithHealthProbe sets the background probe interval for unhealthy
// endpoints. Zero disables probing.
func WithHealthProbe(interval time.Duration) ClientOption {
	return func(c *Client) { c.probeInterval = interval }
}

// NewClient builds a failover client. At least one endpoint is required.
func NewClient(endpoints []ClientEndpoint, opts ...ClientOption) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("client: at least one endpoint required")
	}
	c := &Client{
		maxRounds:   3,
		backoffBase: time.Second,
		logger:      nopLogger,
		probeStop:   make(chan struct{}),
	}
	for _, ep := range endpoints {
		if ep.Provider == nil {
			return nil, errors.New("client: endpoint " + ep.Name + " has nil provider")
		}
		c.endpoints = append(c.endpoints, &endpointState{
			name:     ep.Name,
			provider: ep.Provider,
			health:   HealthUnknown,
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.probeInterval > 0 {
		go c.probeLoop()
	}
	return c, nil
}

// Close stops the background health probe.
func (c *Client) Close() {
	c.probeOnce.Do(func() { close(c.probeStop) })
}

// Status returns a health snapshot for every endpoint.
func (c *Client) Status() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(c.endpoints))
	for _, e := range c.endpoints {
		e.mu.Lock()
		s := EndpointStatus{
			Name:        e.name,
			Health:      e.health,
			Failures:    e.failures,
			LastSuccess: e.lastSuccess,
			TotalCalls:  e.totalCalls,
			TotalFailed: e.totalFailed,
		}
		if e.lastErr != nil {
			s.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// candidates orders endpoints by health: healthy and unknown first, then
// degraded, then unhealthy. Within a tier the configured order is kept so
// the primary endpoint stays preferred.
func (c *Client) candidates() []*endpointState {
	tier := func(h EndpointHealth) int {
		switch h {
		case HealthHealthy, HealthUnknown:
			return 0
		case HealthDegraded:
			return 1
		default:
			return 2
		}
	}
	out := make([]*endpointState, 0, len(c.endpoints))
	for t := 0; t <= 2; t++ {
		for _, e := range c.endpoints {
			h, _ := e.snapshot()
			if tier(h) == t {
				out = append(out, e)
			}
		}
	}
	return out
}

// errEmptyCompletion marks a response with no content and no tool calls.
// Treated as transient: some backends return empty bodies under load.
var errEmptyCompletion = errors.New("empty completion")

// Chat sends a chat request with caching and failover. A non-retryable
// bad request returns *ErrLLMBadRequest immediately; exhausting every
// endpoint across the retry budget returns *ErrLLMUnavailable.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if resp, ok := c.cache.get(req); ok {
		c.logger.Debug("llm cache hit", "messages", len(req.Messages))
		return resp, nil
	}
	resp, err := c.do(ctx, req, nil)
	if err != nil {
		return ChatResponse{}, err
	}
	c.cache.put(req, resp)
	return resp, nil
}

// ChatStream is Chat with incremental content chunks delivered on chunks.
// Streamed responses bypass the cache. The channel is closed by the
// underlying provider when the stream ends.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, chunks chan<- string) (ChatResponse, error) {
	return c.do(ctx, req, chunks)
}

func (c *Client) do(ctx context.Context, req ChatRequest, chunks chan<- string) (ChatResponse, error) {
	var span Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "llm_call", IntAttr("messages", len(req.Messages)))
		defer span.End()
	}

	attempts := 0
	var lastErr error
	for round := 0; round < c.maxRounds; round++ {
		if round > 0 {
			if err := sleepCtx(ctx, backoffDelay(c.backoffBase, round-1)); err != nil {
				return ChatResponse{}, err
			}
		}
		for _, ep := range c.candidates() {
			if ctx.Err() != nil {
				return ChatResponse{}, ctx.Err()
			}
			attempts++
			resp, err := c.callEndpoint(ctx, ep, req, chunks)
			if err == nil {
				ep.recordSuccess()
				if span != nil {
					span.SetAttr(StringAttr("endpoint", ep.name), IntAttr("attempts", attempts))
				}
				return resp, nil
			}

			var bad *ErrLLMBadRequest
			if errors.As(err, &bad) {
				// Caller fault. Do not demote the endpoint or retry.
				if span != nil {
					span.Error(err)
				}
				return ChatResponse{}, err
			}
			ep.recordFailure(err)
			lastErr = err
			c.logger.Warn("llm endpoint failed",
				"endpoint", ep.name,
				"round", round,
				"error", err)
		}
	}
	err := &ErrLLMUnavailable{Attempts: attempts, Last: lastErr}
	if span != nil {
		span.Error(err)
	}
	return ChatResponse{}, err
}

func (c *Client) callEndpoint(ctx context.Context, ep *endpointState, req ChatRequest, chunks chan<- string) (ChatResponse, error) {
	var (
		resp ChatResponse
		err  error
	)
	if chunks != nil {
		resp, err = ep.provider.ChatStream(ctx, req, chunks)
	} else {
		resp, err = ep.provider.Chat(ctx, req)
	}
	if err != nil {
		return ChatResponse{}, err
	}
	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return ChatResponse{}, errEmptyCompletion
	}
	return resp, nil
}

// probeLoop periodically pings unhealthy endpoints with a minimal request
// so they can re-enter rotation without waiting for live traffic.
func (c *Client) probeLoop() {
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.probeStop:
			return
		case <-ticker.C:
		}
		for _, ep := range c.endpoints {
			h, _ := ep.snapshot()
			if h != HealthUnhealthy {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err := ep.provider.Chat(ctx, ChatRequest{
				Messages:  []ChatMessage{UserMessage("ping")},
				MaxTokens: 1,
			})
			cancel()
			if err == nil {
				// One good probe earns degraded, not healthy. Live
				// traffic promotes the rest of the way.
				ep.mu.Lock()
				ep.health = HealthDegraded
				ep.failures = 0
				ep.mu.Unlock()
				c.logger.Info("llm endpoint recovered", "endpoint", ep.name)
			}
		}
	}
}

// backoffDelay computes the delay before retry round i with full jitter:
// base * 2^i * (0.5 + rand). Capped at 30s.
func backoffDelay(base time.Duration, i int) time.Duration {
	d := time.Duration(float64(base) * float64(uint(1)<<uint(i)) * (0.5 + rand.Float64()))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
