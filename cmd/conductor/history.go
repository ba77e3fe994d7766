package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/conductor/internal/config"
	"github.com/kestrelworks/conductor/internal/history"
)

// openHistory opens just the history store, without LLM wiring. The
// history commands never need a provider.
func openHistory(ctx context.Context, configPath string) (history.Store, error) {
	cfg := config.Load(configPath)
	store, err := openStore(ctx, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return store, nil
}

func newHistoryCommand(configPath *string) *cobra.Command {
	var (
		search string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent task runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx, *configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(ctx, search, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println(gray("no runs recorded"))
				return nil
			}
			for _, rec := range records {
				marker := green("✓")
				if !rec.Success {
					marker = red("✗")
				}
				fmt.Printf("%s %s  %-14s %s\n", marker,
					rec.CreatedAt.Format("2006-01-02 15:04:05"),
					cyan(string(rec.Domain)), truncate(rec.Task, 70))
				fmt.Printf("  %s\n", gray(fmt.Sprintf("%s · %d iterations · %s",
					rec.TaskID, rec.Iterations, rec.Duration.Round(time.Millisecond))))
				if !rec.Success && rec.Error != "" {
					fmt.Printf("  %s\n", red(truncate(rec.Error, 100)))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&search, "search", "", "Filter on task text")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")
	return cmd
}

func newClearCommand(configPath *string) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all recorded task runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return &usageError{msg: "refusing to clear history without --confirm"}
			}
			ctx := cmd.Context()
			store, err := openHistory(ctx, *configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s removed %d records\n", green("✓"), n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "Actually delete the history")
	return cmd
}
