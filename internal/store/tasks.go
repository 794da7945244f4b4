package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// EnqueueTask inserts a pending task at generation 1.
func (s *SQLStore) EnqueueTask(ctx context.Context, req EnqueueRequest, now time.Time) (*Task, error) {
	for k := range req.Requirements {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("requirement name is empty")
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	reqs, err := encodeMap(req.Requirements)
	if err != nil {
		return nil, fmt.Errorf("encode requirements: %w", err)
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO tasks(id, payload, requirements, priority, created_at, state, generation, attempts, max_attempts)
VALUES(?, ?, ?, ?, ?, ?, 1, 0, ?);
`), id, payload, reqs, req.Priority, nanos(now), TaskPending, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	return s.GetTask(ctx, id)
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.loadTask(ctx, s.db, id)
}

func (s *SQLStore) loadTask(ctx context.Context, q querier, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`), id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks in dispatch order, optionally filtered by state. A
// non-positive limit returns everything.
func (s *SQLStore) ListTasks(ctx context.Context, state TaskState, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at ASC, priority ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// ListPendingTasks pages through pending tasks in dispatch order, starting
// after the given task (nil for the first page). Paging by key keeps later
// candidates in view while other boxes claim earlier ones.
func (s *SQLStore) ListPendingTasks(ctx context.Context, after *Task, limit int) ([]*Task, error) {
	if after == nil {
		return s.queryTasks(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE state = ?
ORDER BY created_at ASC, priority ASC, id ASC
LIMIT ?;
`, TaskPending, limit)
	}
	at := nanos(after.CreatedAt)
	return s.queryTasks(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE state = ?
  AND (created_at > ?
    OR (created_at = ? AND (priority > ? OR (priority = ? AND id > ?))))
ORDER BY created_at ASC, priority ASC, id ASC
LIMIT ?;
`, TaskPending, at, at, after.Priority, after.Priority, after.ID, limit)
}

func (s *SQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// ResultsForTask returns every accepted result for a task, oldest first.
func (s *SQLStore) ResultsForTask(ctx context.Context, taskID string) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+resultColumns+`
FROM results
WHERE task_id = ?
ORDER BY generation ASC;
`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskCounts returns the number of tasks per state.
func (s *SQLStore) TaskCounts(ctx context.Context) (map[TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[TaskState(state)] = n
	}
	return out, rows.Err()
}

// ClaimTask assigns a pending task to a box that is awaiting work. The task
// claim and the box transition commit together. ErrClaimLost means another box
// got the task first; ErrStateConflict means the box left awaiting_task.
func (s *SQLStore) ClaimTask(ctx context.Context, taskID, testBoxID string, now time.Time) (*Task, error) {
	var claimed *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE tasks
SET state = ?, testbox_id = ?, assigned_at = ?, attempts = attempts + 1
WHERE id = ? AND state = ?;
`), TaskAssigned, testBoxID, nanos(now), taskID, TaskPending)
		if err != nil {
			return fmt.Errorf("claim task %s: %w", taskID, err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return ErrClaimLost
		}

		res, err = tx.ExecContext(ctx, s.q(`
UPDATE testboxes
SET state = ?, task_id = ?, last_seen = ?, deadline_at = NULL
WHERE id = ? AND state = ?;
`), BoxAssigned, taskID, nanos(now), testBoxID, BoxAwaitingTask)
		if err != nil {
			return fmt.Errorf("assign testbox %s: %w", testBoxID, err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return ErrStateConflict
		}

		claimed, err = s.loadTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// requeue takes an in-flight task away from testBoxID. The generation always
// advances so late reports for the old assignment are rejected. A task that has
// used all its attempts becomes timed_out instead of pending. Returns nil when
// the box does not own the task.
func (s *SQLStore) requeue(ctx context.Context, q querier, taskID, testBoxID, reason string, now time.Time) (*Task, error) {
	t, err := s.loadTask(ctx, q, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !t.State.InFlight() || t.TestBoxID == nil || *t.TestBoxID != testBoxID {
		return nil, nil
	}

	next := TaskPending
	var completedAt any
	if t.Attempts >= t.MaxAttempts {
		next = TaskTimedOut
		completedAt = nanos(now)
	}

	res, err := q.ExecContext(ctx, s.q(`
UPDATE tasks
SET state = ?, testbox_id = NULL, assigned_at = NULL, completed_at = ?,
    generation = generation + 1, last_error = ?
WHERE id = ? AND generation = ?;
`), next, completedAt, reason, t.ID, t.Generation)
	if err != nil {
		return nil, fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	if n, err := affected(res); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrStateConflict
	}
	return s.loadTask(ctx, q, t.ID)
}
