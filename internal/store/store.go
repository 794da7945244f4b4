package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quan-xiao/testmanager/internal/storage"
)

// SQLStore is the task store over SQLite or Postgres. Every mutating method is
// either a single conditional UPDATE or one transaction, so callers never see
// a half-applied transition.
type SQLStore struct {
	db      *sql.DB
	dialect storage.Dialect
}

func New(db *sql.DB, dialect storage.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) q(query string) string { return s.dialect.Rebind(query) }

// withTx runs fn in a transaction. With SQLite the handle has a single
// connection, so fn must only use tx.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

const taskColumns = `id, payload, requirements, priority, created_at, state, testbox_id,
  generation, attempts, max_attempts, assigned_at, completed_at, last_error`

const testBoxColumns = `id, address, capabilities, capabilities_hash, state, task_id,
  last_seen, deadline_at, signed_on_at, created_at`

const resultColumns = `id, task_id, testbox_id, generation, outcome, log_ref, completed_at`

func scanTask(row rowScanner) (*Task, error) {
	var (
		t            Task
		payload      sql.NullString
		requirements string
		createdAt    int64
		state        string
		testBoxID    sql.NullString
		assignedAt   sql.NullInt64
		completedAt  sql.NullInt64
		lastError    sql.NullString
	)
	err := row.Scan(
		&t.ID, &payload, &requirements, &t.Priority, &createdAt, &state, &testBoxID,
		&t.Generation, &t.Attempts, &t.MaxAttempts, &assignedAt, &completedAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.State = TaskState(state)
	t.CreatedAt = fromNanos(createdAt)
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if err := json.Unmarshal([]byte(requirements), &t.Requirements); err != nil {
		return nil, fmt.Errorf("task %s requirements: %w", t.ID, err)
	}
	t.TestBoxID = nullString(testBoxID)
	t.AssignedAt = nullTime(assignedAt)
	t.CompletedAt = nullTime(completedAt)
	t.LastError = nullString(lastError)
	return &t, nil
}

func scanTestBox(row rowScanner) (*TestBox, error) {
	var (
		b          TestBox
		caps       string
		state      string
		taskID     sql.NullString
		lastSeen   int64
		deadlineAt sql.NullInt64
		signedOnAt sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(
		&b.ID, &b.Address, &caps, &b.CapabilitiesHash, &state, &taskID,
		&lastSeen, &deadlineAt, &signedOnAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	b.State = TestBoxState(state)
	if err := json.Unmarshal([]byte(caps), &b.Capabilities); err != nil {
		return nil, fmt.Errorf("testbox %s capabilities: %w", b.ID, err)
	}
	b.TaskID = nullString(taskID)
	b.LastSeen = fromNanos(lastSeen)
	b.DeadlineAt = nullTime(deadlineAt)
	b.SignedOnAt = nullTime(signedOnAt)
	b.CreatedAt = fromNanos(createdAt)
	return &b, nil
}

func scanResult(row rowScanner) (*Result, error) {
	var (
		r           Result
		logRef      sql.NullString
		completedAt int64
	)
	if err := row.Scan(&r.ID, &r.TaskID, &r.TestBoxID, &r.Generation, &r.Outcome, &logRef, &completedAt); err != nil {
		return nil, err
	}
	r.LogRef = nullString(logRef)
	r.CompletedAt = fromNanos(completedAt)
	return &r, nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func optString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func encodeMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
