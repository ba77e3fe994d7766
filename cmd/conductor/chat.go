package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/kestrelworks/conductor"
)

func newChatCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive task loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Printf("%s interactive mode. Type a task and press Enter; 'exit' to quit.\n", bold("conductor"))
			fmt.Println(gray("↑/↓ navigates history."))
			fmt.Println()

			home, _ := os.UserHomeDir()
			rl, err := readline.NewEx(&readline.Config{
				Prompt:            cyan("> "),
				HistoryFile:       filepath.Join(home, ".conductor_history"),
				InterruptPrompt:   "^C",
				EOFPrompt:         "exit",
				HistorySearchFold: true,
			})
			if err != nil {
				return fmt.Errorf("readline: %w", err)
			}
			defer rl.Close()

			for {
				line, err := rl.Readline()
				if err == readline.ErrInterrupt {
					if len(line) == 0 {
						break
					}
					continue
				}
				if err == io.EOF {
					break
				}
				line = strings.TrimSpace(line)
				switch line {
				case "":
					continue
				case "exit", "quit", "q":
					return nil
				case "status":
					printStatus(a)
					continue
				}

				start := time.Now()
				stream, done := a.orchestrator.ExecuteStream(ctx, conductor.Request{
					Task:          line,
					MaxIterations: a.cfg.Workflow.MaxIterations,
				})
				for ev := range stream.Events() {
					renderEvent(ev)
				}
				result := <-done

				if result.Success {
					fmt.Printf("\n%s %s\n", green("✓"), result.Output)
				} else {
					fmt.Printf("\n%s %s\n", red("✗"), result.Error)
				}
				fmt.Printf("%s\n\n", gray(fmt.Sprintf("%d iterations · %s",
					result.Iterations, time.Since(start).Round(time.Millisecond))))

				if ctx.Err() != nil {
					return nil
				}
			}
			return nil
		},
	}
}
