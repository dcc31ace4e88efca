package researchq

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Handler processes one delivered message. Returning nil acknowledges the
// message; returning an error leaves it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Queue is a durable, at-least-once broker connection with two strict
// priority tiers: elevated messages are always delivered before normal ones.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe runs one consumer loop, handling a single message at a time,
	// and blocks until ctx is cancelled.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

var ErrQueueClosed = errors.New("queue closed")

// MemoryQueue is an in-process Queue for single-binary deployments and
// tests. It is not durable across restarts but keeps the delivery contract:
// strict priority, FIFO within a tier, and redelivery of messages that are
// negatively acknowledged or not acknowledged within the visibility timeout.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      map[Priority][]Message
	inflight   map[uint64]*inflightMsg
	seq        uint64
	wake       chan struct{}
	closed     bool
	visibility time.Duration
	retryDelay time.Duration
}

type inflightMsg struct {
	msg      Message
	deadline time.Time
}

// MemoryQueueOptions configure a MemoryQueue. Zero values use defaults.
type MemoryQueueOptions struct {
	// VisibilityTimeout bounds how long a delivery may stay unacknowledged
	// before the message is handed to another consumer. Default 10m.
	VisibilityTimeout time.Duration
	// RetryDelay postpones redelivery after a handler error.
	RetryDelay time.Duration
}

func NewMemoryQueue(opts MemoryQueueOptions) *MemoryQueue {
	vis := opts.VisibilityTimeout
	if vis <= 0 {
		vis = 10 * time.Minute
	}
	return &MemoryQueue{
		ready:      make(map[Priority][]Message),
		inflight:   make(map[uint64]*inflightMsg),
		wake:       make(chan struct{}),
		visibility: vis,
		retryDelay: opts.RetryDelay,
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.pushLocked(msg)
	return nil
}

func (q *MemoryQueue) pushLocked(msg Message) {
	p := msg.Priority
	if p != PriorityElevated {
		p = PriorityNormal
	}
	q.ready[p] = append(q.ready[p], msg)
	close(q.wake)
	q.wake = make(chan struct{})
}

// Redeliver hands msg out again as the broker would after a lost ack, even
// if a delivery of it is still in flight.
func (q *MemoryQueue) Redeliver(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.pushLocked(msg)
	}
}

// Pending returns the number of messages waiting for delivery.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[PriorityElevated]) + len(q.ready[PriorityNormal])
}

// InFlight returns the number of delivered, unacknowledged messages.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) Subscribe(ctx context.Context, h Handler) error {
	for {
		id, msg, err := q.next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		herr := h(ctx, msg)
		q.settle(id, herr)
	}
}

func (q *MemoryQueue) settle(id uint64, herr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.inflight[id]
	if !ok {
		// Visibility expired and the message was already handed out again.
		return
	}
	delete(q.inflight, id)
	if herr == nil || q.closed {
		return
	}
	if q.retryDelay <= 0 {
		q.pushLocked(d.msg)
		return
	}
	msg := d.msg
	time.AfterFunc(q.retryDelay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if !q.closed {
			q.pushLocked(msg)
		}
	})
}

func (q *MemoryQueue) next(ctx context.Context) (uint64, Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return 0, Message{}, ErrQueueClosed
		}
		now := time.Now()
		q.expireLocked(now)
		if msg, ok := q.popLocked(); ok {
			q.seq++
			q.inflight[q.seq] = &inflightMsg{msg: msg, deadline: now.Add(q.visibility)}
			id := q.seq
			q.mu.Unlock()
			return id, msg, nil
		}
		wake := q.wake
		wait := q.nextDeadlineLocked(now)
		q.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return 0, Message{}, ctx.Err()
		case <-wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *MemoryQueue) popLocked() (Message, bool) {
	for _, p := range []Priority{PriorityElevated, PriorityNormal} {
		if msgs := q.ready[p]; len(msgs) > 0 {
			msg := msgs[0]
			q.ready[p] = msgs[1:]
			return msg, true
		}
	}
	return Message{}, false
}

// expireLocked returns deliveries past their visibility deadline to the
// front of their tier.
func (q *MemoryQueue) expireLocked(now time.Time) {
	for id, d := range q.inflight {
		if now.Before(d.deadline) {
			continue
		}
		delete(q.inflight, id)
		p := d.msg.Priority
		if p != PriorityElevated {
			p = PriorityNormal
		}
		q.ready[p] = append([]Message{d.msg}, q.ready[p]...)
	}
}

func (q *MemoryQueue) nextDeadlineLocked(now time.Time) time.Duration {
	var wait time.Duration
	for _, d := range q.inflight {
		w := d.deadline.Sub(now)
		if w <= 0 {
			return time.Millisecond
		}
		if wait == 0 || w < wait {
			wait = w
		}
	}
	return wait
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	return nil
}
