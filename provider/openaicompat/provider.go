package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrelworks/conductor"
)

// Provider implements conductor.Provider for any OpenAI-compatible API.
// The /chat/completions path is appended to the base URL automatically.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	family  modelFamily
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name used in errors and health tracking.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base, e.g. "https://api.openai.com/v1" or
// "http://localhost:11434/v1". The model name selects the content adapter
// (DeepSeek-R1, Qwen, gpt-oss, or generic).
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
		name:    "openai",
		family:  detectFamily(model),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request.
func (p *Provider) Chat(ctx context.Context, req conductor.ChatRequest) (conductor.ChatResponse, error) {
	resp, err := p.send(ctx, buildBody(req, p.model))
	if err != nil {
		return conductor.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return conductor.ChatResponse{}, p.httpErr(resp)
	}

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return conductor.ChatResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return parseResponse(wire, p.family)
}

// ChatStream streams visible text chunks into ch and returns the final
// accumulated response. ch is closed when the stream ends or on error.
func (p *Provider) ChatStream(ctx context.Context, req conductor.ChatRequest, ch chan<- string) (conductor.ChatResponse, error) {
	body := buildBody(req, p.model)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := p.send(ctx, body)
	if err != nil {
		close(ch)
		return conductor.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		close(ch)
		return conductor.ChatResponse{}, p.httpErr(resp)
	}
	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, p.family, ch)
}

func (p *Provider) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// httpErr maps a non-200 response: retryable statuses (5xx, 429) become
// *conductor.ErrHTTP for the failover layer, other 4xx become
// *conductor.ErrLLMBadRequest and fail the call immediately.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &conductor.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &conductor.ErrLLMBadRequest{
		Endpoint: p.name,
		Status:   resp.StatusCode,
		Body:     string(body),
	}
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Compile-time interface check.
var _ conductor.Provider = (*Provider)(nil)
