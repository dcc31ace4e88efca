package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohans/researchq/internal/config"
	"github.com/mohans/researchq/internal/logging"
)

func newWorkerCommand(c *cli) *cobra.Command {
	var metricsAddr string
	var concurrency int
	var withReaper bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued research tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			if cfg.Queue.Backend != config.QueueAsynq {
				return errors.New("worker needs the asynq queue backend; the memory queue only works inside serve")
			}
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(ctx)
			pool := a.pool()
			g.Go(func() error { return pool.Run(ctx) })
			if withReaper && cfg.Reaper.Enabled {
				reaper := a.reaper()
				g.Go(func() error { return reaper.Run(ctx) })
			}
			if metricsAddr != "" {
				g.Go(func() error { return serveMetrics(ctx, metricsAddr) })
			}

			logging.Component(c.logger, "worker").Info("worker started",
				"concurrency", cfg.Worker.Concurrency,
				"agent", cfg.Agent.Command,
				"agent_timeout", cfg.Worker.AgentTimeout,
			)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override worker.concurrency")
	cmd.Flags().BoolVar(&withReaper, "reaper", false, "also run the stale task reaper")
	return cmd
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
