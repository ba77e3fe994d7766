// Package sandbox runs untrusted code inside a managed Docker container.
// The container hosts the sandboxd execution service; this tool starts it
// on first use and forwards code over HTTP.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/kestrelworks/conductor"
)

const (
	sandboxPort    = "9000/tcp"
	startupWait    = 30 * time.Second
	maxCodeTimeout = 300
)

// Config describes the managed container.
type Config struct {
	// Image is the sandboxd container image.
	Image string
	// HostPort is the host port mapped to the service (default 9000).
	HostPort string
	// ContainerName names the managed container (default "conductor-sandbox").
	ContainerName string
	// MemoryBytes caps container memory. Zero means unlimited.
	MemoryBytes int64
	// NanoCPUs caps CPU (1e9 = one core). Zero means unlimited.
	NanoCPUs int64
}

// Tool implements sandbox_run over a lazily started container.
type Tool struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	started  bool
	startErr error
}

// New creates the sandbox tool. The container is not touched until the
// first execution.
func New(cfg Config) *Tool {
	if cfg.Image == "" {
		cfg.Image = "conductor-sandboxd:latest"
	}
	if cfg.HostPort == "" {
		cfg.HostPort = "9000"
	}
	if cfg.ContainerName == "" {
		cfg.ContainerName = "conductor-sandbox"
	}
	return &Tool{
		cfg:  cfg,
		http: &http.Client{Timeout: (maxCodeTimeout + 30) * time.Second},
	}
}

func (t *Tool) Category() conductor.ToolCategory { return conductor.CategoryCode }

// Network is local: the tool only talks to the Docker daemon and a
// loopback port.
func (t *Tool) Network() conductor.NetworkTag { return conductor.NetworkLocal }

func (t *Tool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{{
		Name:        "sandbox_run",
		Description: "Run code in an isolated container. Supports python, nodejs, typescript, and shell. Returns stdout, stderr, and the exit code.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"code":{"type":"string"},"language":{"type":"string","enum":["python","nodejs","typescript","shell"]},"timeout":{"type":"integer","description":"Seconds, max 300"},"session_id":{"type":"string","description":"Reuse a workspace across calls"}},"required":["code","language"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (conductor.ToolResult, error) {
	var params struct {
		Code      string `json:"code"`
		Language  string `json:"language"`
		Timeout   int    `json:"timeout"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.Fail("invalid args: " + err.Error()), nil
	}
	if params.Code == "" {
		return conductor.Fail("code is required"), nil
	}
	switch params.Language {
	case "python", "nodejs", "typescript", "shell":
	default:
		return conductor.Fail("unsupported language: " + params.Language), nil
	}
	if params.Timeout <= 0 {
		params.Timeout = 30
	}
	if params.Timeout > maxCodeTimeout {
		params.Timeout = maxCodeTimeout
	}
	if params.SessionID == "" {
		params.SessionID = "default"
	}

	if err := t.ensureStarted(ctx); err != nil {
		return conductor.Fail("sandbox unavailable: " + err.Error()), nil
	}

	payload, _ := json.Marshal(map[string]any{
		"code":       params.Code,
		"language":   params.Language,
		"timeout":    params.Timeout,
		"session_id": params.SessionID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL()+"/execute", bytes.NewReader(payload))
	if err != nil {
		return conductor.Fail("request: " + err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return conductor.Fail("sandbox request failed: " + err.Error()), nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return conductor.Fail(fmt.Sprintf("sandbox http %d: %s", resp.StatusCode, body)), nil
	}

	var out struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return conductor.Fail("decode sandbox response: " + err.Error()), nil
	}

	merged := out.Stdout
	if out.Stderr != "" {
		if merged != "" {
			merged += "\n--- stderr ---\n"
		}
		merged += out.Stderr
	}
	res := conductor.ToolResult{
		Success:  out.ExitCode == 0 && out.Error == "",
		Output:   merged,
		Metadata: map[string]any{"exit_code": out.ExitCode, "language": params.Language},
	}
	if !res.Success {
		res.Error = out.Error
		if res.Error == "" {
			res.Error = fmt.Sprintf("exit code %d", out.ExitCode)
		}
	}
	return res, nil
}

func (t *Tool) baseURL() string {
	return "http://127.0.0.1:" + t.cfg.HostPort
}

// ensureStarted brings the container up exactly once per process. A failed
// start is cached; callers see the same error without re-dialing Docker.
func (t *Tool) ensureStarted(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return t.startErr
	}
	t.started = true
	t.startErr = t.startContainer(ctx)
	return t.startErr
}

func (t *Tool) startContainer(ctx context.Context) error {
	// Already reachable means a container (or a local sandboxd) is running.
	if t.healthy(ctx) {
		return nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	port := nat.Port(sandboxPort)
	containerCfg := &container.Config{
		Image:        t.cfg.Image,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: t.cfg.HostPort}},
		},
		AutoRemove: true,
		Resources: container.Resources{
			Memory:   t.cfg.MemoryBytes,
			NanoCPUs: t.cfg.NanoCPUs,
		},
	}

	created, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, t.cfg.ContainerName)
	if err != nil {
		if !client.IsErrNotFound(err) && !strings.Contains(err.Error(), "No such image") {
			return fmt.Errorf("create container: %w", err)
		}
		// Image missing locally. Pull and retry once.
		rc, pullErr := cli.ImagePull(ctx, t.cfg.Image, image.PullOptions{})
		if pullErr != nil {
			return fmt.Errorf("pull image %s: %w", t.cfg.Image, pullErr)
		}
		io.Copy(io.Discard, rc)
		rc.Close()
		created, err = cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, t.cfg.ContainerName)
		if err != nil {
			return fmt.Errorf("create container: %w", err)
		}
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	deadline := time.Now().Add(startupWait)
	for time.Now().Before(deadline) {
		if t.healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("sandbox container did not become healthy within %s", startupWait)
}

func (t *Tool) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
