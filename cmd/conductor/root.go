package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kestrelworks/conductor"
	"github.com/kestrelworks/conductor/internal/config"
	"github.com/kestrelworks/conductor/internal/history"
	"github.com/kestrelworks/conductor/observer"
	"github.com/kestrelworks/conductor/provider/openaicompat"
	"github.com/kestrelworks/conductor/tools/file"
	"github.com/kestrelworks/conductor/tools/git"
	"github.com/kestrelworks/conductor/tools/sandbox"
	"github.com/kestrelworks/conductor/tools/shell"
	"github.com/kestrelworks/conductor/tools/web"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Agentic task orchestrator",
		Long:          "conductor classifies a task, plans it, and drives an execute/reflect loop\nover sandboxed tools, optionally fanning complex work out to parallel sub-agents.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to conductor.toml")

	rootCmd.AddCommand(newRunCommand(&configPath))
	rootCmd.AddCommand(newChatCommand(&configPath))
	rootCmd.AddCommand(newStatusCommand(&configPath))
	rootCmd.AddCommand(newHistoryCommand(&configPath))
	rootCmd.AddCommand(newClearCommand(&configPath))
	rootCmd.AddCommand(newConfigCommand(&configPath))

	return rootCmd
}

// app holds everything a command needs after wiring.
type app struct {
	cfg          config.Config
	logger       *slog.Logger
	client       *conductor.Client
	orchestrator *conductor.Orchestrator
	store        history.Store
	observerInst *observer.Instruments

	shutdowns []func(context.Context) error
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.client != nil {
		a.client.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	for _, fn := range a.shutdowns {
		_ = fn(ctx)
	}
}

// buildApp wires config, providers, failover client, gate, tools, history,
// and the orchestrator. withOrchestrator=false stops after the client, for
// commands that only inspect state.
func buildApp(ctx context.Context, configPath string, withOrchestrator bool) (*app, error) {
	cfg := config.Load(configPath)
	a := &app{cfg: cfg, logger: newLogger(cfg.LogLevel)}

	if len(cfg.LLM.Endpoints) == 0 {
		return nil, &usageError{msg: "no LLM endpoints configured (set LLM_ENDPOINTS or [llm] in conductor.toml)"}
	}

	var tracer conductor.Tracer
	sink := conductor.EventSink(nil)
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName, nil)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		a.shutdowns = append(a.shutdowns, shutdown)
		tracer = observer.NewTracer()
		sink = observer.WrapSink(nopSink{}, inst)
		a.observerInst = inst
	}

	endpoints := make([]conductor.ClientEndpoint, 0, len(cfg.LLM.Endpoints))
	for _, ep := range cfg.LLM.Endpoints {
		var p conductor.Provider = openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, ep.URL,
			openaicompat.WithName(ep.Name),
			openaicompat.WithTimeout(config.Duration(ep.Timeout, 2*time.Minute)),
		)
		if a.observerInst != nil {
			p = observer.WrapProvider(p, cfg.LLM.Model, a.observerInst)
		}
		endpoints = append(endpoints, conductor.ClientEndpoint{Name: ep.Name, Provider: p})
	}

	clientOpts := []conductor.ClientOption{
		conductor.WithClientLogger(a.logger),
		conductor.WithRetry(cfg.LLM.MaxAttempts, config.Duration(cfg.LLM.BackoffBase, time.Second)),
		conductor.WithHealthProbe(config.Duration(cfg.LLM.ProbeEvery, 0)),
	}
	if cfg.LLM.CacheEnabled {
		clientOpts = append(clientOpts, conductor.WithCache(cfg.LLM.CacheSize, config.Duration(cfg.LLM.CacheTTL, time.Hour), nil))
	}
	if tracer != nil {
		clientOpts = append(clientOpts, conductor.WithClientTracer(tracer))
	}
	client, err := conductor.NewClient(endpoints, clientOpts...)
	if err != nil {
		return nil, err
	}
	a.client = client

	if !withOrchestrator {
		return a, nil
	}

	// Tools are built per task so each gate confines I/O to that task's
	// workspace rather than the shared root.
	policy := conductor.GatePolicy{
		Enabled:           cfg.Gate.Enabled,
		CommandAllowlist:  cfg.Gate.CommandAllowlist,
		CommandDenylist:   cfg.Gate.CommandDenylist,
		ProtectedFiles:    cfg.Gate.ProtectedFiles,
		ProtectedPatterns: cfg.Gate.ProtectedPatterns,
	}
	toolFactory := func(workspace string) (*conductor.ToolRegistry, error) {
		gate, err := conductor.NewGate(workspace, policy)
		if err != nil {
			return nil, fmt.Errorf("gate: %w", err)
		}
		registry := conductor.NewToolRegistry(cfg.Offline)
		addTool(registry, a.observerInst, file.New(gate))
		addTool(registry, a.observerInst, file.NewSearch(gate))
		addTool(registry, a.observerInst, shell.New(gate, shell.WithPython(cfg.PythonBinary)))
		addTool(registry, a.observerInst, git.New(gate))
		if !registry.Add(wrapTool(a.observerInst, web.New())) {
			a.logger.Debug("web tool skipped in offline mode")
		}
		if cfg.Sandbox.Enabled {
			addTool(registry, a.observerInst, sandbox.New(sandbox.Config{
				Image:       cfg.Sandbox.Image,
				HostPort:    cfg.Sandbox.HostPort,
				MemoryBytes: cfg.Sandbox.MemoryMB << 20,
				NanoCPUs:    int64(cfg.Sandbox.CPUs * 1e9),
			}))
		}
		return registry, nil
	}

	store, err := openStore(ctx, cfg.History)
	if err != nil {
		// History is best-effort; run without it rather than refusing tasks.
		a.logger.Warn("history unavailable", "error", err)
	}
	a.store = store

	orchOpts := []conductor.OrchestratorOption{
		conductor.WithWorkspaceRoot(cfg.Workspace),
		conductor.WithLogger(a.logger),
		conductor.WithTools(toolFactory),
		conductor.WithEngineConfig(conductor.EngineConfig{
			ComplexityThreshold: parseComplexity(cfg.Workflow.ComplexityThreshold),
			SubAgentsEnabled:    cfg.Workflow.SubAgentsEnabled,
			RecursionLimit:      cfg.Workflow.RecursionLimit,
		}),
	}
	if tracer != nil {
		orchOpts = append(orchOpts, conductor.WithTracer(tracer))
	}
	if sink != nil {
		orchOpts = append(orchOpts, conductor.WithEventSink(sink))
	}
	if store != nil {
		orchOpts = append(orchOpts, conductor.WithHistory(store))
	}
	if cfg.Workflow.MaxParallel > 0 {
		orchOpts = append(orchOpts, conductor.WithPoolOptions(
			conductor.WithMaxParallel(cfg.Workflow.MaxParallel)))
	}
	a.orchestrator = conductor.NewOrchestrator(client, nil, orchOpts...)
	return a, nil
}

func addTool(registry *conductor.ToolRegistry, inst *observer.Instruments, t conductor.Tool) {
	registry.Add(wrapTool(inst, t))
}

func wrapTool(inst *observer.Instruments, t conductor.Tool) conductor.Tool {
	if inst == nil {
		return t
	}
	return observer.WrapTool(t, inst)
}

func openStore(ctx context.Context, cfg config.HistoryConfig) (history.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return history.OpenPostgres(ctx, cfg.DSN)
	default:
		return history.OpenSQLite(cfg.Path)
	}
}

func parseComplexity(s string) conductor.Complexity {
	switch s {
	case "simple":
		return conductor.ComplexitySimple
	case "moderate":
		return conductor.ComplexityModerate
	case "very_complex":
		return conductor.ComplexityVeryComplex
	default:
		return conductor.ComplexityComplex
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// nopSink mirrors the orchestrator's internal default for the observer
// wrapper, which needs a concrete inner sink.
type nopSink struct{}

func (nopSink) Emit(conductor.Event) {}
