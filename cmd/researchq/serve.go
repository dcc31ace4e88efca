package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohans/researchq/internal/config"
	"github.com/mohans/researchq/internal/httpapi"
	"github.com/mohans/researchq/internal/logging"
	"github.com/mohans/researchq/researchq"
)

func newServeCommand(c *cli) *cobra.Command {
	var addr string
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, optionally with embedded workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			if addr == "" {
				addr = cfg.HTTP.Addr()
			}
			embedded := cfg.Worker.Embedded && !noWorkers
			if cfg.Queue.Backend == config.QueueMemory && !embedded {
				c.logger.Warn("memory queue without embedded workers: submissions will never run")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			notifier := researchq.NewNotifier(a.store, researchq.NotifierOptions{Logger: c.logger})
			a.store.AddSink(notifier)
			dispatcher := researchq.NewDispatcher(a.store, a.queue, researchq.DispatcherOptions{
				MinQueryLength: cfg.Dispatcher.MinQueryLength,
				MaxQueryLength: cfg.Dispatcher.MaxQueryLength,
				SubmitRate:     cfg.Dispatcher.SubmitRate,
				SubmitBurst:    cfg.Dispatcher.SubmitBurst,
				Metrics:        a.metrics,
				Logger:         c.logger,
			})
			srv := httpapi.New(dispatcher, notifier, httpapi.Options{
				CORSOrigins:   cfg.HTTP.CORSOrigins,
				RequireAPIKey: cfg.HTTP.RequireAPIKey,
				APIKeyHeader:  cfg.HTTP.APIKeyHeader,
				APIKeys:       cfg.HTTP.APIKeys,
				RateLimit:     cfg.HTTP.RateLimit,
				RateBurst:     cfg.HTTP.RateBurst,
				Checks:        a.checks(),
				Version:       version,
				Logger:        c.logger,
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(ctx, addr) })
			if a.bus != nil {
				// Duplicates of local events are dropped by version.
				g.Go(func() error { return a.bus.Relay(ctx, notifier) })
			}
			if embedded {
				pool := a.pool()
				g.Go(func() error { return pool.Run(ctx) })
			}
			if cfg.Reaper.Enabled {
				reaper := a.reaper()
				g.Go(func() error { return reaper.Run(ctx) })
			}

			logging.Component(c.logger, "serve").Info("researchq started",
				"addr", addr,
				"store", cfg.Store.Backend,
				"queue", cfg.Queue.Backend,
				"embedded_workers", embedded,
				"concurrency", cfg.Worker.Concurrency,
			)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from http.host and http.port)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run workers in this process")
	return cmd
}
