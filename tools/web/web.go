// Package web fetches URLs and extracts readable text. The tool is tagged
// remote and is refused registration in offline mode.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/kestrelworks/conductor"
)

const (
	fetchBodyLimit = 1 << 20 // raw HTML cap
	fetchTextLimit = 16 << 10
)

// Tool implements fetch_url.
type Tool struct {
	client *http.Client
}

// New creates the web tool with a 15-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *Tool) Category() conductor.ToolCategory { return conductor.CategoryWeb }
func (t *Tool) Network() conductor.NetworkTag    { return conductor.NetworkRemote }

func (t *Tool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{{
		Name:        "fetch_url",
		Description: "Fetch a URL and extract its readable text content. Use for web pages, articles, and documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"http or https URL"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (conductor.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.Fail("invalid args: " + err.Error()), nil
	}
	if params.URL == "" {
		return conductor.Fail("url is required"), nil
	}
	parsed, err := url.Parse(params.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return conductor.Fail("only http and https URLs are supported"), nil
	}

	content, err := t.fetch(ctx, parsed)
	if err != nil {
		return conductor.Fail(err.Error()), nil
	}
	if len(content) > fetchTextLimit {
		content = content[:fetchTextLimit] + "\n... (truncated)"
	}
	res := conductor.Ok(content)
	res.Metadata = map[string]any{"url": parsed.String()}
	return res, nil
}

func (t *Tool) fetch(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ConductorBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	html := string(body)

	article, err := readability.FromReader(strings.NewReader(html), u)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	// Readability gave up. Strip tags crudely.
	return stripTags(html), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

func stripTags(html string) string {
	s := scriptRe.ReplaceAllString(html, "")
	s = tagRe.ReplaceAllString(s, "\n")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
