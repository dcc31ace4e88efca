package researchq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection serializes writers; shared-cache sqlite otherwise
	// reports table locks under concurrent transactions.
	db.SetMaxOpenConns(1)
	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func startMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newRedisClient(t *testing.T, s *miniredis.Miniredis) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitForState polls the store until task id reaches want.
func waitForState(t *testing.T, store Store, id string, want State) *Task {
	t.Helper()
	var got *Task
	err := pollUntil(t, 5*time.Second, func() (bool, error) {
		task, err := store.Get(context.Background(), id)
		if err != nil {
			return false, err
		}
		got = task
		return task.State == want, nil
	})
	if err != nil {
		state := State("")
		if got != nil {
			state = got.State
		}
		t.Fatalf("task %s: waiting for %s, last state %s: %v", id, want, state, err)
	}
	return got
}

func queuedTask(id, query string) *Task {
	return &Task{
		ID:      id,
		Query:   query,
		Options: Options{Priority: PriorityNormal, MaxIterations: DefaultMaxIterations},
	}
}

// recordingSink collects events in commit order.
type recordingSink struct {
	ch chan Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan Event, 256)}
}

func (r *recordingSink) Publish(_ context.Context, ev Event) {
	r.ch <- ev
}

func (r *recordingSink) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
