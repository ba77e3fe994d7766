package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/kestrelworks/conductor"
)

func main() {
	// .env is optional; real env vars win over it.
	_ = godotenv.Load()

	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(exitCode(err))
	}
}

// usageError marks errors caused by bad invocation rather than a failed run.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

// exitCode maps an error to the process exit code: 2 for invalid usage,
// 3 for policy violations, 1 for everything else.
func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return 2
	}
	var pv *conductor.ErrPolicyViolation
	if errors.As(err, &pv) {
		return 3
	}
	return 1
}
