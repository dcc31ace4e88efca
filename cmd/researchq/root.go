package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohans/researchq/internal/config"
	"github.com/mohans/researchq/internal/logging"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "researchq",
		Short: "Asynchronous research task orchestration",
		Long: `researchq accepts research queries, queues them and runs them on a pool of
agent workers, exposing status, results and live updates over HTTP.

Configuration is read from researchq.yaml (or --config), then from
RESEARCHQ_* environment variables. ENVIRONMENT selects the
development, production or testing profile.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (yaml, json or toml)")

	root.AddCommand(
		newServeCommand(c),
		newWorkerCommand(c),
		newMigrateCommand(c),
		newVersionCommand(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	c.logger = logging.New(logging.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	}).With("service", "researchq", "env", cfg.Environment)
	slog.SetDefault(c.logger)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "researchq", version)
		},
	}
}
