package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/kestrelworks/conductor/internal/config"
)

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the merged configuration (defaults, then conductor.toml, then env vars) as TOML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(*configPath)
			cfg.LLM.APIKey = maskSecret(cfg.LLM.APIKey)
			cfg.History.DSN = maskSecret(cfg.History.DSN)
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
}

func maskSecret(s string) string {
	if s == "" {
		return s
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
