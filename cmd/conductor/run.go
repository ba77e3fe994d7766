package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/conductor"
)

func newRunCommand(configPath *string) *cobra.Command {
	var (
		maxIterations int
		domain        string
		workspace     string
		quiet         bool
	)

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a single task to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			req := conductor.Request{
				Task:          strings.Join(args, " "),
				Workspace:     workspace,
				MaxIterations: maxIterations,
			}
			if req.MaxIterations == 0 {
				req.MaxIterations = a.cfg.Workflow.MaxIterations
			}
			if domain != "" {
				d := conductor.Domain(domain)
				if !d.Valid() {
					return &usageError{msg: fmt.Sprintf("unknown domain %q", domain)}
				}
				req.DomainOverride = d
			}

			start := time.Now()
			stream, done := a.orchestrator.ExecuteStream(ctx, req)
			for ev := range stream.Events() {
				if !quiet {
					renderEvent(ev)
				}
			}
			result := <-done

			elapsed := time.Since(start).Round(time.Millisecond)
			if result.Success {
				fmt.Printf("\n%s %s %s\n", green("✓"), bold("done in"), cyan(elapsed.String()))
				if result.Output != "" {
					fmt.Println(result.Output)
				}
				return nil
			}
			fmt.Printf("\n%s task failed after %s\n", red("✗"), elapsed)
			if result.Error != "" {
				return fmt.Errorf("%s", result.Error)
			}
			return fmt.Errorf("task failed")
		},
	}

	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Cap the execute/reflect loop")
	cmd.Flags().StringVar(&domain, "domain", "", "Skip classification (coding, research, data, general)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace directory for tool I/O")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress events")
	return cmd
}

// renderEvent prints one workflow event in a compact single-line form.
func renderEvent(ev conductor.Event) {
	switch ev.Type {
	case conductor.EventWorkflowStart:
		fmt.Printf("%s %s\n", gray("•"), gray("workflow started"))
	case conductor.EventClassification:
		fmt.Printf("%s domain=%s confidence=%v\n", gray("•"),
			cyan(str(ev.Payload["domain"])), ev.Payload["confidence"])
	case conductor.EventPlanCreated:
		fmt.Printf("%s plan: %s (%v steps)\n", gray("•"), str(ev.Payload["goal"]), ev.Payload["steps"])
	case conductor.EventToolExecuted:
		marker := green("✓")
		if ok, _ := ev.Payload["success"].(bool); !ok {
			marker = red("✗")
		}
		fmt.Printf("  %s %s\n", marker, str(ev.Payload["tool"]))
	case conductor.EventTaskStart:
		fmt.Printf("%s agent %s: %s\n", gray("•"), cyan(str(ev.Payload["agent"])), str(ev.Payload["description"]))
	case conductor.EventTaskComplete:
		if d, ok := ev.Payload["total_duration"]; ok {
			fmt.Printf("%s total %v\n", gray("•"), d)
		}
	case conductor.EventWorkflowError:
		fmt.Printf("%s %s\n", red("✗"), str(ev.Payload["message"]))
	}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
