package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.Len(t, cfg.LLM.Endpoints, 1)
	assert.Equal(t, "local", cfg.LLM.Endpoints[0].Name)
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLM.Endpoints[0].URL)
	assert.Equal(t, 20, cfg.Workflow.MaxIterations)
	assert.Equal(t, 100, cfg.Workflow.RecursionLimit)
	assert.True(t, cfg.Workflow.SubAgentsEnabled)
	assert.True(t, cfg.Gate.Enabled)
	assert.False(t, cfg.Sandbox.Enabled)
	assert.Equal(t, "sqlite", cfg.History.Driver)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace = "/srv/work"
log_level = "debug"

[llm]
model = "gpt-4o-mini"
max_attempts = 5

[[llm.endpoints]]
name = "primary"
url = "https://api.openai.com/v1"
timeout = "90s"

[[llm.endpoints]]
name = "fallback"
url = "http://localhost:11434/v1"

[workflow]
max_iterations = 12
sub_agents_enabled = false

[gate]
enabled = true
command_denylist = ["docker"]
protected_files = ["go.mod"]

[history]
driver = "postgres"
dsn = "postgres://localhost/conductor"
`), 0o644))

	cfg := Load(path)

	assert.Equal(t, "/srv/work", cfg.Workspace)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.LLM.MaxAttempts)
	require.Len(t, cfg.LLM.Endpoints, 2)
	assert.Equal(t, "primary", cfg.LLM.Endpoints[0].Name)
	assert.Equal(t, "90s", cfg.LLM.Endpoints[0].Timeout)
	assert.Equal(t, 12, cfg.Workflow.MaxIterations)
	assert.False(t, cfg.Workflow.SubAgentsEnabled)
	assert.Equal(t, []string{"docker"}, cfg.Gate.CommandDenylist)
	assert.Equal(t, "postgres", cfg.History.Driver)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Equal(t, Default().Workflow, cfg.Workflow)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LLM_MODEL", "deepseek-chat")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("CONDUCTOR_WORKSPACE", "/tmp/ws")
	t.Setenv("CONDUCTOR_HISTORY_DSN", "postgres://db/conductor")
	t.Setenv("SANDBOX_ENABLED", "1")
	t.Setenv("SANDBOX_MEMORY", "1024")
	t.Setenv("SANDBOX_CPU", "2.5")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("CONDUCTOR_OFFLINE", "true")

	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))

	assert.Equal(t, "deepseek-chat", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "/tmp/ws", cfg.Workspace)
	assert.Equal(t, "postgres", cfg.History.Driver)
	assert.Equal(t, "postgres://db/conductor", cfg.History.DSN)
	assert.True(t, cfg.Sandbox.Enabled)
	assert.EqualValues(t, 1024, cfg.Sandbox.MemoryMB)
	assert.Equal(t, 2.5, cfg.Sandbox.CPUs)
	assert.True(t, cfg.Observer.Enabled)
	assert.Equal(t, "http://collector:4318", cfg.Observer.Endpoint)
	assert.True(t, cfg.Offline)
}

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Endpoint
	}{
		{
			"named pair",
			"primary=https://api.openai.com/v1",
			[]Endpoint{{Name: "primary", URL: "https://api.openai.com/v1", Timeout: "2m"}},
		},
		{
			"mixed named and bare",
			"primary=https://api.openai.com/v1, http://localhost:11434/v1",
			[]Endpoint{
				{Name: "primary", URL: "https://api.openai.com/v1", Timeout: "2m"},
				{Name: "endpoint2", URL: "http://localhost:11434/v1", Timeout: "2m"},
			},
		},
		{"empty parts skipped", ",,", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseEndpoints(tt.in))
		})
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, Duration("90s", time.Minute))
	assert.Equal(t, time.Minute, Duration("garbage", time.Minute))
	assert.Equal(t, time.Minute, Duration("-5s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
}
