package researchq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hibiken/asynq"
)

// TypeResearch is the asynq task type carrying a Message.
const TypeResearch = "research:run"

// Queue names; elevated is always drained first.
const (
	QueueElevated = "elevated"
	QueueNormal   = "normal"
)

// AsynqOptions configure an AsynqQueue. Zero values use defaults.
type AsynqOptions struct {
	// MaxRedeliveries bounds broker-side retries. The store enforces the real
	// attempt limit; this only keeps abandoned messages from looping forever.
	MaxRedeliveries int
	// VisibilityTimeout is the per-delivery deadline after which asynq treats
	// the delivery as failed and redelivers it. Must exceed the agent timeout.
	VisibilityTimeout time.Duration
	// RedeliveryBase and RedeliveryMax shape the exponential redelivery delay.
	RedeliveryBase time.Duration
	RedeliveryMax  time.Duration
	// PublishAttempts bounds retries of a failed enqueue.
	PublishAttempts uint
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// AsynqQueue is a Queue on top of asynq and Redis. Each Subscribe call runs
// its own asynq server with concurrency 1 so a worker owns one task at a time.
type AsynqQueue struct {
	redisOpt asynq.RedisConnOpt
	client   *asynq.Client
	opts     AsynqOptions
	logger   *slog.Logger
}

func NewAsynqQueue(redisOpt asynq.RedisConnOpt, opts AsynqOptions) *AsynqQueue {
	if opts.MaxRedeliveries <= 0 {
		opts.MaxRedeliveries = 3
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 10 * time.Minute
	}
	if opts.RedeliveryBase <= 0 {
		opts.RedeliveryBase = time.Second
	}
	if opts.RedeliveryMax <= 0 {
		opts.RedeliveryMax = time.Minute
	}
	if opts.PublishAttempts == 0 {
		opts.PublishAttempts = 5
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	logger := orDiscard(opts.Logger).With("component", "asynq")
	return &AsynqQueue{
		redisOpt: redisOpt,
		client:   asynq.NewClient(redisOpt),
		opts:     opts,
		logger:   logger,
	}
}

func queueFor(p Priority) string {
	if p == PriorityElevated {
		return QueueElevated
	}
	return QueueNormal
}

// Publish enqueues msg. The task id doubles as the asynq task id, so
// publishing the same task twice while a message is pending is a no-op.
func (q *AsynqQueue) Publish(ctx context.Context, msg Message) error {
	if q.client == nil {
		return fmt.Errorf("nil asynq client")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t := asynq.NewTask(TypeResearch, payload)
	opts := []asynq.Option{
		asynq.Queue(queueFor(msg.Priority)),
		asynq.TaskID(msg.TaskID),
		asynq.MaxRetry(q.opts.MaxRedeliveries),
		asynq.Timeout(q.opts.VisibilityTimeout),
	}
	_, err = backoff.Retry(ctx, func() (*asynq.TaskInfo, error) {
		info, err := q.client.EnqueueContext(ctx, t, opts...)
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return info, nil
		}
		if err != nil {
			q.logger.Warn("enqueue failed", "task_id", msg.TaskID, "error", err)
		}
		return info, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(q.opts.PublishAttempts))
	return err
}

func (q *AsynqQueue) Subscribe(ctx context.Context, h Handler) error {
	srv := asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{QueueElevated: 2, QueueNormal: 1},
		StrictPriority:  true,
		RetryDelayFunc:  q.retryDelay,
		ShutdownTimeout: q.opts.ShutdownTimeout,
		Logger:          asynqLogger{q.logger},
		LogLevel:        asynq.WarnLevel,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeResearch, func(ctx context.Context, t *asynq.Task) error {
		var msg Message
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			return fmt.Errorf("decode message: %v: %w", err, asynq.SkipRetry)
		}
		return h(ctx, msg)
	})
	if err := srv.Start(mux); err != nil {
		return err
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func (q *AsynqQueue) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	d := time.Duration(float64(q.opts.RedeliveryBase) * math.Pow(2, float64(n)))
	if d <= 0 || d > q.opts.RedeliveryMax {
		return q.opts.RedeliveryMax
	}
	return d
}

func (q *AsynqQueue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

// asynqLogger routes asynq's internal logging into slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
