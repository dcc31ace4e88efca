package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/mohans/researchq/internal/agentexec"
	"github.com/mohans/researchq/internal/config"
	"github.com/mohans/researchq/internal/httpapi"
	"github.com/mohans/researchq/internal/logging"
	"github.com/mohans/researchq/researchq"
)

// app holds the wired backends shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db  *sql.DB
	rdb *redis.Client

	store   *researchq.NotifyingStore
	queue   researchq.Queue
	bus     *researchq.RedisEventBus
	metrics *researchq.Metrics

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: researchq.DefaultMetrics()}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg
	needRedis := cfg.Store.Backend == config.StoreRedis || cfg.Queue.Backend == config.QueueAsynq
	if needRedis {
		a.rdb = redis.NewClient(a.redisOptions())
		a.closers = append(a.closers, a.rdb.Close)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr(), err)
		}
		a.logger.Info("redis connected", "addr", cfg.Redis.Addr(), "db", cfg.Redis.DB,
			"password", logging.Redact(cfg.Redis.Password))
	}

	var base researchq.Store
	switch cfg.Store.Backend {
	case config.StoreSQL:
		db, err := openSQL(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		base = researchq.NewSQLStore(db)
	case config.StoreRedis:
		base = researchq.NewRedisStore(a.rdb, cfg.Redis.KeyPrefix)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	a.store = researchq.NewNotifyingStore(base, a.metrics).WithLogger(logging.Component(a.logger, "events"))

	switch cfg.Queue.Backend {
	case config.QueueAsynq:
		q := researchq.NewAsynqQueue(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, researchq.AsynqOptions{
			MaxRedeliveries:   cfg.Worker.MaxAttempts,
			VisibilityTimeout: cfg.Worker.VisibilityTimeout,
			Logger:            a.logger,
		})
		a.queue = q
		a.closers = append(a.closers, q.Close)
		// Workers may live in other processes; their events reach the API
		// through the bus.
		a.bus = researchq.NewRedisEventBus(a.rdb, cfg.Redis.Channel, logging.Component(a.logger, "eventbus"))
		a.store.AddSink(a.bus)
	case config.QueueMemory:
		q := researchq.NewMemoryQueue(researchq.MemoryQueueOptions{
			VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		})
		a.queue = q
		a.closers = append(a.closers, q.Close)
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	return nil
}

func (a *app) redisOptions() *redis.Options {
	return &redis.Options{
		Addr:     a.cfg.Redis.Addr(),
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}

func openSQL(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if strings.Contains(dsn, "mode=memory") {
		// Shared-cache memory databases lock per table; one connection
		// avoids spurious SQLITE_LOCKED errors.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := researchq.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func (a *app) executor() researchq.Executor {
	if a.cfg.Agent.Command == "" {
		a.logger.Warn("agent.command is not set; every task will fail")
	}
	return &agentexec.Command{
		Path:   a.cfg.Agent.Command,
		Args:   a.cfg.Agent.Args,
		Dir:    a.cfg.Agent.Dir,
		Logger: a.logger,
	}
}

func (a *app) pool() *researchq.Pool {
	w := researchq.NewWorker(a.store, a.executor(), researchq.WorkerOptions{
		MaxAttempts:       a.cfg.Worker.MaxAttempts,
		AgentTimeout:      a.cfg.Worker.AgentTimeout,
		VisibilityTimeout: a.cfg.Worker.VisibilityTimeout,
		Metrics:           a.metrics,
		Logger:            a.logger,
	})
	return researchq.NewPool(a.queue, w, a.cfg.Worker.Concurrency, a.logger)
}

func (a *app) reaper() *researchq.Reaper {
	return researchq.NewReaper(a.store, a.queue, researchq.ReaperOptions{
		Interval:    a.cfg.Reaper.Interval,
		LeaseGrace:  a.cfg.Reaper.LeaseGrace,
		StaleAfter:  a.cfg.Reaper.StaleAfter,
		MaxAttempts: a.cfg.Worker.MaxAttempts,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
}

func (a *app) checks() map[string]httpapi.HealthCheck {
	checks := make(map[string]httpapi.HealthCheck)
	if a.db != nil {
		checks["database"] = a.db.PingContext
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	return checks
}

// Close releases backends in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
