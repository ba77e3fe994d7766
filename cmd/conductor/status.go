package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/conductor"
)

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show endpoint health and task counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			printStatus(a)
			return nil
		},
	}
}

func printStatus(a *app) {
	fmt.Printf("%s\n", bold("LLM endpoints"))
	for _, ep := range a.client.Status() {
		health := string(ep.Health)
		switch ep.Health {
		case conductor.HealthHealthy:
			health = green(health)
		case conductor.HealthDegraded:
			health = yellow(health)
		case conductor.HealthUnhealthy:
			health = red(health)
		default:
			health = gray(health)
		}
		fmt.Printf("  %-16s %s  calls=%d failed=%d", ep.Name, health, ep.TotalCalls, ep.TotalFailed)
		if ep.LastError != "" {
			fmt.Printf("  %s", gray("last error: "+ep.LastError))
		}
		fmt.Println()
	}

	counters := a.orchestrator.Counters()
	if len(counters) > 0 {
		fmt.Printf("\n%s\n", bold("Tasks by domain (this process)"))
		for domain, n := range counters {
			fmt.Printf("  %-16s %d\n", string(domain), n)
		}
	}

	if a.store != nil {
		if recent, err := a.store.List(context.Background(), "", 5); err == nil && len(recent) > 0 {
			fmt.Printf("\n%s\n", bold("Recent runs"))
			for _, rec := range recent {
				marker := green("✓")
				if !rec.Success {
					marker = red("✗")
				}
				fmt.Printf("  %s %s  %s  %s\n", marker, rec.CreatedAt.Format("2006-01-02 15:04"),
					cyan(string(rec.Domain)), truncate(rec.Task, 60))
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
