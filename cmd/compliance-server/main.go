package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/compliance/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "compliance-server",
		Short:        "HIPAA compliance and access-control service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(auditCmd())
	return rootCmd
}

// loadConfig loads and validates the environment configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process root logger: JSON by default, console output
// in development, level from LOG_LEVEL.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	var w io.Writer = out
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: out}
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "compliance-server").Logger()
}
