// Package config loads conductor configuration: defaults, then a TOML
// file, then environment variables (env wins).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM          LLMConfig      `toml:"llm"`
	Workflow     WorkflowConfig `toml:"workflow"`
	Gate         GateConfig     `toml:"gate"`
	Sandbox      SandboxConfig  `toml:"sandbox"`
	History      HistoryConfig  `toml:"history"`
	Observer     ObserverConfig `toml:"observer"`
	Workspace    string         `toml:"workspace"`
	Offline      bool           `toml:"offline"`
	LogLevel     string         `toml:"log_level"`
	PythonBinary string         `toml:"python_binary"`
}

// Endpoint is one LLM backend in failover order.
type Endpoint struct {
	Name    string `toml:"name"`
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"` // Go duration string
}

type LLMConfig struct {
	Endpoints    []Endpoint `toml:"endpoints"`
	Model        string     `toml:"model"`
	APIKey       string     `toml:"api_key"`
	MaxAttempts  int        `toml:"max_attempts"`
	BackoffBase  string     `toml:"backoff_base"`
	CacheSize    int        `toml:"cache_size"`
	CacheTTL     string     `toml:"cache_ttl"`
	ProbeEvery   string     `toml:"probe_interval"`
	CacheEnabled bool       `toml:"cache_enabled"`
}

type WorkflowConfig struct {
	MaxIterations       int    `toml:"max_iterations"`
	RecursionLimit      int    `toml:"recursion_limit"`
	MaxParallel         int    `toml:"max_parallel"`
	SubAgentsEnabled    bool   `toml:"sub_agents_enabled"`
	ComplexityThreshold string `toml:"complexity_threshold"`
}

type GateConfig struct {
	Enabled           bool     `toml:"enabled"`
	CommandAllowlist  []string `toml:"command_allowlist"`
	CommandDenylist   []string `toml:"command_denylist"`
	ProtectedFiles    []string `toml:"protected_files"`
	ProtectedPatterns []string `toml:"protected_patterns"`
}

type SandboxConfig struct {
	Enabled  bool    `toml:"enabled"`
	Image    string  `toml:"image"`
	HostPort string  `toml:"host_port"`
	MemoryMB int64   `toml:"memory_mb"`
	CPUs     float64 `toml:"cpus"`
}

type HistoryConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite database file.
	Path string `toml:"path"`
	// DSN is the Postgres connection string.
	DSN string `toml:"dsn"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM: LLMConfig{
			Endpoints: []Endpoint{
				{Name: "local", URL: "http://localhost:11434/v1", Timeout: "2m"},
			},
			Model:        "qwen3:14b",
			MaxAttempts:  3,
			BackoffBase:  "1s",
			CacheSize:    512,
			CacheTTL:     "1h",
			ProbeEvery:   "30s",
			CacheEnabled: true,
		},
		Workflow: WorkflowConfig{
			MaxIterations:       20,
			RecursionLimit:      100,
			MaxParallel:         5,
			SubAgentsEnabled:    true,
			ComplexityThreshold: "complex",
		},
		Gate: GateConfig{Enabled: true},
		Sandbox: SandboxConfig{
			Image:    "conductor-sandboxd:latest",
			HostPort: "9000",
			MemoryMB: 512,
			CPUs:     1,
		},
		History: HistoryConfig{
			Driver: "sqlite",
			Path:   filepath.Join(home, ".conductor", "history.db"),
		},
		Observer:     ObserverConfig{ServiceName: "conductor"},
		Workspace:    filepath.Join(home, "conductor-workspace"),
		LogLevel:     "info",
		PythonBinary: "python3",
	}
}

// Load reads config: defaults -> TOML file -> env vars.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conductor.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides.
	if v := os.Getenv("LLM_ENDPOINTS"); v != "" {
		cfg.LLM.Endpoints = parseEndpoints(v)
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("CONDUCTOR_HISTORY_DSN"); v != "" {
		cfg.History.Driver = "postgres"
		cfg.History.DSN = v
	}
	if v := os.Getenv("SANDBOX_ENABLED"); v == "true" || v == "1" {
		cfg.Sandbox.Enabled = true
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("SANDBOX_PORT"); v != "" {
		cfg.Sandbox.HostPort = v
	}
	if v := os.Getenv("SANDBOX_MEMORY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Sandbox.MemoryMB = n
		}
	}
	if v := os.Getenv("SANDBOX_CPU"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Sandbox.CPUs = f
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Enabled = true
		cfg.Observer.Endpoint = v
	}
	if v := os.Getenv("CONDUCTOR_OFFLINE"); v == "true" || v == "1" {
		cfg.Offline = true
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// parseEndpoints parses the LLM_ENDPOINTS env form:
// "name1=url1,name2=url2". A bare URL gets a positional name.
func parseEndpoints(v string) []Endpoint {
	var out []Endpoint
	for i, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, found := strings.Cut(part, "=")
		if !found {
			url = name
			name = "endpoint" + strconv.Itoa(i+1)
		}
		out = append(out, Endpoint{Name: name, URL: url, Timeout: "2m"})
	}
	return out
}

// Duration parses a config duration string with a fallback.
func Duration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}
