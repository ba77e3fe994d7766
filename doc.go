// Package conductor is an agentic task orchestrator for Go.
//
// Given a natural-language request, it classifies the task into a workflow
// domain, runs a bounded plan/execute/reflect loop against an LLM backend,
// decomposes complex tasks into a dependency-ordered set of sub-tasks executed
// by a bounded pool of sub-agents, and streams typed progress events to the
// caller. Every filesystem and shell operation passes through a safety gate
// that confines tool I/O to a per-task workspace.
//
// # Quick Start
//
//	provider := openaicompat.New(apiKey, "qwen3-32b", "http://localhost:8000/v1")
//	client, err := conductor.NewClient([]conductor.ClientEndpoint{
//		{Name: "primary", Provider: provider},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	registry := conductor.NewToolRegistry(false)
//	registry.Add(file.New(gate))
//
//	orc := conductor.NewOrchestrator(client, registry,
//		conductor.WithWorkspaceRoot("/tmp/runs"))
//	result, err := orc.Execute(ctx, conductor.Request{
//		Task: "Create calculator.py with add, subtract, multiply, divide functions",
//	})
//
// # Core Interfaces
//
// The root package defines the contracts all components implement:
//
//   - [Provider]: LLM backend (chat completion, streaming)
//   - [Tool]: pluggable capability dispatched by the workflow engine
//   - [EventSink]: consumer of typed progress events
//   - [Tracer]: span emission for execution, nodes, and tool calls
//   - [KV]: optional durable backing for the response cache
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs, with adapters for
// DeepSeek-R1, Qwen, and GPT-OSS response formats).
// Tools: tools/file, tools/shell, tools/git, tools/web, tools/sandbox.
// History: internal/history (SQLite and Postgres run records).
//
// See cmd/conductor for the reference CLI.
package conductor
