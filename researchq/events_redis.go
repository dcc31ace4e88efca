package researchq

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisEventBus carries store events between processes over Redis Pub/Sub.
// Workers publish into it; API processes Relay it into their local Notifier.
// Pub/Sub is fire-and-forget: a relay that is down misses events, and
// clients fall back to the store for the current state.
type RedisEventBus struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisEventBus(rdb redis.UniversalClient, channel string, logger *slog.Logger) *RedisEventBus {
	if channel == "" {
		channel = "researchq:events"
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &RedisEventBus{rdb: rdb, channel: channel, logger: logger}
}

func (b *RedisEventBus) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("encode event", "task_id", ev.TaskID, "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, body).Err(); err != nil {
		b.logger.Warn("publish event", "task_id", ev.TaskID, "error", err)
	}
}

// Relay forwards every event received on the channel to sink until ctx ends.
// go-redis resubscribes automatically after a dropped connection.
func (b *RedisEventBus) Relay(ctx context.Context, sink EventSink) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	// Block until the server confirms the subscription.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("decode event", "error", err)
				continue
			}
			sink.Publish(ctx, ev)
		}
	}
}
