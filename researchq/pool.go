package researchq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool runs independent subscribe loops that feed a Worker. Each loop holds
// at most one task, so a long agent call never blocks the other loops.
type Pool struct {
	queue   Queue
	worker  *Worker
	size    int
	logger  *slog.Logger
	restart time.Duration
}

func NewPool(queue Queue, worker *Worker, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		queue:   queue,
		worker:  worker,
		size:    size,
		logger:  orDiscard(logger).With("component", "pool"),
		restart: time.Second,
	}
}

// Run blocks until ctx is cancelled or the queue is closed. A loop whose
// subscription fails is restarted after a short pause.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.size {
		g.Go(func() error {
			return p.loop(ctx, i)
		})
	}
	p.logger.Info("worker pool started", "size", p.size, "worker_id", p.worker.ID())
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) error {
	log := p.logger.With("slot", slot)
	for {
		err := p.queue.Subscribe(ctx, p.handle(log))
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrQueueClosed):
			return nil
		case err != nil:
			log.Error("subscription failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.restart):
		}
	}
}

// handle isolates the loop from a panicking task.
func (p *Pool) handle(log *slog.Logger) Handler {
	return func(ctx context.Context, msg Message) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panicked", "task_id", msg.TaskID, "panic", r)
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return p.worker.Handle(ctx, msg)
	}
}
