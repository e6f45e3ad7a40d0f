// Package cmd provides the CLI commands for latch.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/latch-dev/latch/internal/adapter/outbound/cel"
	"github.com/latch-dev/latch/internal/config"
)

var (
	configDir string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "latch",
	Short: "latch - step-up approval gateway for AI agent tool calls",
	Long: `latch sits between an AI coding agent and the tools it invokes. Every
tool call is checked against an ordered policy and is allowed, denied, or
held until a human approves it in the browser, optionally with a passkey.

Quick start:
  1. Enroll a passkey:          latch enroll
  2. Edit the policy:           $LATCH_DIR/policy.yaml
  3. Register as a hook:        latch hook        (PreToolUse)
     or proxy MCP servers:      latch serve       (servers.yaml)

Configuration:
  State lives in $LATCH_DIR (default ~/.agent-2fa; AGENT_2FA_DIR is also
  honored): policy.yaml, servers.yaml, credentials.json, the audit trail
  and optional gateway settings in config.yaml.

  Environment variables override settings with the LATCH_ prefix.
  Example: LATCH_APPROVAL_TIMEOUT=5m`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "data directory (default: $LATCH_DIR or ~/.agent-2fa)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log_level)")
}

// app holds what every command needs.
type app struct {
	cfg    *config.Config
	store  *config.Store
	logger *slog.Logger
}

func loadApp() (*app, error) {
	dir, err := config.ResolveDir(configDir)
	if err != nil {
		return nil, err
	}
	v := config.NewViper(dir)
	if logLevel != "" {
		v.Set("log_level", logLevel)
	}
	cfg, err := config.LoadConfig(v, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// stdout is the MCP and hook channel, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		store:  config.NewStore(dir, evaluator, logger),
		logger: logger,
	}, nil
}

// parseLogLevel converts a log level string to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
