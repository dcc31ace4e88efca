package researchq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each task as a JSON document and maintains sorted-set
// indexes by creation time, one over all tasks and one per state.
// Updates use WATCH/MULTI/EXEC so concurrent writers to one id serialize.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "researchq"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (s *RedisStore) taskKey(id string) string { return s.prefix + ":task:" + id }
func (s *RedisStore) allKey() string { return s.prefix + ":tasks" }
func (s *RedisStore) stateKey(st State) string { return s.prefix + ":state:" + string(st) }

func score(t *Task) float64 { return float64(t.CreatedAt.UnixMicro()) }

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) Create(ctx context.Context, t *Task) error {
	rec := t.Clone()
	if err := prepareCreate(rec, s.now()); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := s.taskKey(rec.ID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return transient(err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score(rec), Member: rec.ID})
			pipe.ZAdd(ctx, s.stateKey(rec.State), redis.Z{Score: score(rec), Member: rec.ID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone wrote the key between WATCH and EXEC.
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	if err != nil {
		if errors.Is(err, ErrDuplicateID) || isTransient(err) {
			return err
		}
		return transient(err)
	}
	*t = *rec
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.get(ctx, s.rdb, id)
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*Task, error) {
	body, err := c.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, transient(err)
	}
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn Mutation) (*Task, error) {
	key := s.taskKey(id)
	return retryConflicts(ctx, func() (*Task, error) {
		var next *Task
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			next, err = mutate(current, fn, s.now())
			if err != nil {
				return err
			}
			body, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, body, 0)
				if current.State != next.State {
					pipe.ZRem(ctx, s.stateKey(current.State), id)
					pipe.ZAdd(ctx, s.stateKey(next.State), redis.Z{Score: score(next), Member: id})
				}
				return nil
			})
			if err != nil && !errors.Is(err, redis.TxFailedErr) {
				return transient(err)
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return nil, errConflict
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	})
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	key := s.allKey()
	if f.State != "" {
		key = s.stateKey(f.State)
	}
	stop := int64(-1)
	if f.Limit > 0 {
		stop = int64(f.Limit - 1)
	}
	ids, err := s.rdb.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, transient(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	bodies, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, transient(err)
	}
	out := make([]*Task, 0, len(bodies))
	for i, b := range bodies {
		str, ok := b.(string)
		if !ok {
			continue // index entry without a document
		}
		var t Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", ids[i], err)
		}
		if f.State != "" && t.State != f.State {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}
