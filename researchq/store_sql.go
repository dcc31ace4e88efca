package researchq

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, name := range files {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(string(body), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply %s: %w", name, err)
			}
		}
	}
	return nil
}

// SQLStore is a Store backed by a relational DB through database/sql.
// Queries use '?' placeholders (SQLite, MySQL). Per-record atomicity comes
// from a compare-and-set on the version column inside a transaction.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const taskColumns = `id, query, options_json, state, progress, attempt, result, error_kind, error_msg,
	artifacts_json, last_error, worker_id, created_ns, started_ns, completed_ns, lease_expires_ns, updated_ns, version`

func (s *SQLStore) Create(ctx context.Context, t *Task) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	rec := t.Clone()
	if err := prepareCreate(rec, s.now()); err != nil {
		return err
	}
	cols, err := encodeRow(rec)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient(err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM research_tasks WHERE id = ?`, rec.ID).Scan(&exists)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return transient(err)
	}
	q := `INSERT INTO research_tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, cols...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
		}
		return transient(err)
	}
	if err := tx.Commit(); err != nil {
		return transient(err)
	}
	*t = *rec
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM research_tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, transient(err)
	}
	return t, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, fn Mutation) (*Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	return retryConflicts(ctx, func() (*Task, error) {
		return s.updateOnce(ctx, id, fn)
	})
}

func (s *SQLStore) updateOnce(ctx context.Context, id string, fn Mutation) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, transient(err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM research_tasks WHERE id = ?`, id)
	current, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, transient(err)
	}
	next, err := mutate(current, fn, s.now())
	if err != nil {
		return nil, err
	}
	cols, err := encodeRow(next)
	if err != nil {
		return nil, err
	}
	q := `UPDATE research_tasks SET state = ?, progress = ?, attempt = ?, result = ?, error_kind = ?, error_msg = ?,
		artifacts_json = ?, last_error = ?, worker_id = ?, started_ns = ?, completed_ns = ?, lease_expires_ns = ?,
		updated_ns = ?, version = ?
		WHERE id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, q,
		cols[3], cols[4], cols[5], cols[6], cols[7], cols[8],
		cols[9], cols[10], cols[11], cols[13], cols[14], cols[15],
		cols[16], cols[17],
		id, current.Version)
	if err != nil {
		return nil, transient(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, transient(err)
	}
	if affected != 1 {
		return nil, errConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, transient(err)
	}
	return next, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT ` + taskColumns + ` FROM research_tasks`
	var args []any
	if f.State != "" {
		q += ` WHERE state = ?`
		args = append(args, string(f.State))
	}
	q += ` ORDER BY created_ns DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// encodeRow returns the column values in taskColumns order.
func encodeRow(t *Task) ([]any, error) {
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return nil, err
	}
	artifacts := t.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	arts, err := json.Marshal(artifacts)
	if err != nil {
		return nil, err
	}
	var result, errKind, errMsg sql.NullString
	if t.Result != nil {
		result = sql.NullString{String: *t.Result, Valid: true}
	}
	if t.Error != nil {
		errKind = sql.NullString{String: t.Error.Kind, Valid: true}
		errMsg = sql.NullString{String: t.Error.Message, Valid: true}
	}
	return []any{
		t.ID, t.Query, string(opts), string(t.State), t.Progress, t.Attempt,
		result, errKind, errMsg, string(arts), t.LastError, t.WorkerID,
		t.CreatedAt.UnixNano(), nanos(t.StartedAt), nanos(t.CompletedAt), nanos(t.LeaseExpiresAt),
		t.UpdatedAt.UnixNano(), t.Version,
	}, nil
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var (
		t                               Task
		state, opts, arts               string
		result, errKind, errMsg         sql.NullString
		createdNs, updatedNs            int64
		startedNs, completedNs, leaseNs sql.NullInt64
	)
	if err := scan(&t.ID, &t.Query, &opts, &state, &t.Progress, &t.Attempt,
		&result, &errKind, &errMsg, &arts, &t.LastError, &t.WorkerID,
		&createdNs, &startedNs, &completedNs, &leaseNs, &updatedNs, &t.Version); err != nil {
		return nil, err
	}
	t.State = State(state)
	if err := json.Unmarshal([]byte(opts), &t.Options); err != nil {
		return nil, fmt.Errorf("decode options of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(arts), &t.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts of %s: %w", t.ID, err)
	}
	if len(t.Artifacts) == 0 {
		t.Artifacts = nil
	}
	if result.Valid {
		v := result.String
		t.Result = &v
	}
	if errKind.Valid {
		t.Error = &TaskError{Kind: errKind.String, Message: errMsg.String}
	}
	t.CreatedAt = time.Unix(0, createdNs).UTC()
	t.UpdatedAt = time.Unix(0, updatedNs).UTC()
	t.StartedAt = fromNanos(startedNs)
	t.CompletedAt = fromNanos(completedNs)
	t.LeaseExpiresAt = fromNanos(leaseNs)
	return &t, nil
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
