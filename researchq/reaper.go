package researchq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ReaperOptions configure a Reaper. Zero values use defaults.
type ReaperOptions struct {
	// Interval between sweeps. Default 1m.
	Interval time.Duration
	// LeaseGrace is added to an expired lease before the task is taken back.
	// Default 30s.
	LeaseGrace time.Duration
	// StaleAfter is how long a QUEUED task may go untouched, or unrepublished,
	// before its message is published again. Default 15m.
	StaleAfter  time.Duration
	MaxAttempts int
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Reaper recovers tasks whose worker died mid-execution and tasks whose
// queue message was lost, so nothing stays QUEUED or PROCESSING forever.
type Reaper struct {
	store   Store
	queue   Queue
	opts    ReaperOptions
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	cron     *cron.Cron
	stopOnce sync.Once

	mu          sync.Mutex
	republished map[string]time.Time
}

// SweepStats counts what one sweep did.
type SweepStats struct {
	Requeued    int
	Failed      int
	Republished int
}

func NewReaper(store Store, queue Queue, opts ReaperOptions) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.LeaseGrace <= 0 {
		opts.LeaseGrace = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	logger := orDiscard(opts.Logger).With("component", "reaper")
	cl := cronLogger{logger}
	return &Reaper{
		store:       store,
		queue:       queue,
		opts:        opts,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		cron:        cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		republished: make(map[string]time.Time),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", r.opts.Interval)
	if _, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reaper started", "interval", r.opts.Interval)
	<-ctx.Done()
	r.Stop()
	return nil
}

// Stop halts the schedule and waits for a running sweep. Safe to call
// multiple times.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		<-r.cron.Stop().Done()
		r.logger.Info("reaper stopped")
	})
}

// Sweep performs one recovery pass.
func (r *Reaper) Sweep(ctx context.Context) (SweepStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats SweepStats
	now := r.now()

	processing, err := r.store.List(ctx, Filter{State: StateProcessing})
	if err != nil {
		return stats, fmt.Errorf("list processing: %w", err)
	}
	var errs []error
	for _, t := range processing {
		if t.LeaseExpiresAt != nil && now.Before(t.LeaseExpiresAt.Add(r.opts.LeaseGrace)) {
			continue
		}
		if err := r.reclaim(ctx, t, now, &stats); err != nil {
			errs = append(errs, err)
		}
	}

	queued, err := r.store.List(ctx, Filter{State: StateQueued})
	if err != nil {
		return stats, errors.Join(append(errs, fmt.Errorf("list queued: %w", err))...)
	}
	waiting := make(map[string]struct{}, len(queued))
	for _, t := range queued {
		waiting[t.ID] = struct{}{}
		since := t.UpdatedAt
		if at, ok := r.republished[t.ID]; ok && at.After(since) {
			since = at
		}
		if now.Sub(since) < r.opts.StaleAfter {
			continue
		}
		if err := r.republish(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		stats.Republished++
		r.metrics.IncReaped("republished")
	}
	for id := range r.republished {
		if _, ok := waiting[id]; !ok {
			delete(r.republished, id)
		}
	}
	if stats != (SweepStats{}) {
		r.logger.Info("sweep finished", "requeued", stats.Requeued, "failed", stats.Failed, "republished", stats.Republished)
	}
	return stats, errors.Join(errs...)
}

func (r *Reaper) reclaim(ctx context.Context, t *Task, now time.Time, stats *SweepStats) error {
	owner := t.WorkerID
	if t.Attempt >= r.opts.MaxAttempts {
		_, err := r.store.Update(ctx, t.ID, func(cur *Task) error {
			if cur.State != StateProcessing || cur.WorkerID != owner {
				return &skip{reason: "ownership changed"}
			}
			msg := cur.LastError
			if msg == "" {
				msg = "worker lease expired"
			}
			return failWith(KindRetryExhausted, msg, now)(cur)
		})
		if ignorable(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fail %s: %w", t.ID, err)
		}
		stats.Failed++
		r.metrics.IncReaped("failed")
		r.logger.Warn("stalled task failed", "task_id", t.ID, "worker_id", owner)
		return nil
	}

	updated, err := r.store.Update(ctx, t.ID, releaseLease("worker lease expired", owner))
	if ignorable(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("requeue %s: %w", t.ID, err)
	}
	stats.Requeued++
	r.metrics.IncReaped("requeued")
	r.logger.Warn("stalled task requeued", "task_id", t.ID, "worker_id", owner)
	return r.republish(ctx, updated)
}

func (r *Reaper) republish(ctx context.Context, t *Task) error {
	msg := Message{TaskID: t.ID, Priority: t.Options.Priority, EnqueuedAt: r.now()}
	if err := r.queue.Publish(ctx, msg); err != nil {
		return fmt.Errorf("republish %s: %w", t.ID, err)
	}
	r.republished[t.ID] = msg.EnqueuedAt
	return nil
}

// cronLogger routes cron's scheduler messages into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// ignorable reports errors meaning another writer got there first.
func ignorable(err error) bool {
	var s *skip
	return errors.As(err, &s) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound)
}
