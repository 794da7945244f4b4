package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *SQLStore) GetTestBox(ctx context.Context, id string) (*TestBox, error) {
	return s.loadTestBox(ctx, s.db, id)
}

func (s *SQLStore) loadTestBox(ctx context.Context, q querier, id string) (*TestBox, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+testBoxColumns+` FROM testboxes WHERE id = ?;`), id)
	b, err := scanTestBox(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get testbox %s: %w", id, err)
	}
	return b, nil
}

func (s *SQLStore) ListTestBoxes(ctx context.Context) ([]*TestBox, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+testBoxColumns+` FROM testboxes ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list testboxes: %w", err)
	}
	defer rows.Close()
	return collectTestBoxes(rows)
}

// ListStaleTestBoxes returns registered boxes not seen since cutoff whose
// progress deadline, if any, has also passed.
func (s *SQLStore) ListStaleTestBoxes(ctx context.Context, cutoff, now time.Time) ([]*TestBox, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+testBoxColumns+`
FROM testboxes
WHERE state NOT IN (?, ?)
  AND last_seen < ?
  AND (deadline_at IS NULL OR deadline_at < ?)
ORDER BY last_seen ASC, id ASC;
`), BoxUnregistered, BoxDisabled, nanos(cutoff), nanos(now))
	if err != nil {
		return nil, fmt.Errorf("list stale testboxes: %w", err)
	}
	defer rows.Close()
	return collectTestBoxes(rows)
}

func collectTestBoxes(rows *sql.Rows) ([]*TestBox, error) {
	var out []*TestBox
	for rows.Next() {
		b, err := scanTestBox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan testbox: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list testboxes: %w", err)
	}
	return out, nil
}

// TestBoxCounts returns the number of testboxes per state.
func (s *SQLStore) TestBoxCounts(ctx context.Context) (map[TestBoxState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM testboxes GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("count testboxes: %w", err)
	}
	defer rows.Close()

	out := make(map[TestBoxState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan testbox count: %w", err)
		}
		out[TestBoxState(state)] = n
	}
	return out, rows.Err()
}

// SignOn registers or refreshes a testbox and leaves it idle. A task the box
// still held is requeued in the same transaction.
func (s *SQLStore) SignOn(ctx context.Context, req SignOnRequest, now time.Time) (*SignOnResult, error) {
	caps, err := encodeMap(req.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}

	var out SignOnResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.loadTestBox(ctx, tx, req.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			out.Created = true
			_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO testboxes(id, address, capabilities, capabilities_hash, state, last_seen, signed_on_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`), req.ID, req.Address, caps, req.CapabilitiesHash, BoxIdle, nanos(now), nanos(now), nanos(now))
			if err != nil {
				return fmt.Errorf("insert testbox %s: %w", req.ID, err)
			}
		case err != nil:
			return err
		default:
			out.PreviousHash = prev.CapabilitiesHash
			if prev.TaskID != nil {
				out.Requeued, err = s.requeue(ctx, tx, *prev.TaskID, req.ID, "testbox signed on again", now)
				if err != nil {
					return err
				}
			}
			_, err = tx.ExecContext(ctx, s.q(`
UPDATE testboxes
SET address = ?, capabilities = ?, capabilities_hash = ?, state = ?, task_id = NULL,
    last_seen = ?, deadline_at = NULL, signed_on_at = ?
WHERE id = ?;
`), req.Address, caps, req.CapabilitiesHash, BoxIdle, nanos(now), nanos(now), req.ID)
			if err != nil {
				return fmt.Errorf("update testbox %s: %w", req.ID, err)
			}
		}

		out.Box, err = s.loadTestBox(ctx, tx, req.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BeginRequest moves an idle box to awaiting_task. Only one request per box
// can win this update; the others get ErrStateConflict.
func (s *SQLStore) BeginRequest(ctx context.Context, testBoxID string, now time.Time) error {
	return s.transition(ctx, testBoxID, BoxIdle, BoxAwaitingTask, now)
}

// EndRequest returns a box that found no work to idle.
func (s *SQLStore) EndRequest(ctx context.Context, testBoxID string, now time.Time) error {
	return s.transition(ctx, testBoxID, BoxAwaitingTask, BoxIdle, now)
}

func (s *SQLStore) transition(ctx context.Context, testBoxID string, from, to TestBoxState, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE testboxes SET state = ?, last_seen = ? WHERE id = ? AND state = ?;
`), to, nanos(now), testBoxID, from)
	if err != nil {
		return fmt.Errorf("testbox %s %s->%s: %w", testBoxID, from, to, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStateConflict
	}
	return nil
}

// Touch refreshes last_seen on a registered box.
func (s *SQLStore) Touch(ctx context.Context, testBoxID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE testboxes SET last_seen = ? WHERE id = ? AND state NOT IN (?, ?);
`), nanos(now), testBoxID, BoxUnregistered, BoxDisabled)
	if err != nil {
		return fmt.Errorf("touch testbox %s: %w", testBoxID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStateConflict
	}
	return nil
}

// ReportProgress advances a box and its task to running, or to reporting when
// phase is BoxReporting. Reporting is never left for running. The box liveness
// deadline is pushed to deadline.
func (s *SQLStore) ReportProgress(ctx context.Context, testBoxID string, phase TestBoxState, deadline, now time.Time) (*TestBox, error) {
	if phase != BoxRunning && phase != BoxReporting {
		return nil, fmt.Errorf("invalid progress phase %q", phase)
	}

	var out *TestBox
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		box, err := s.loadTestBox(ctx, tx, testBoxID)
		if err != nil {
			return err
		}
		if !box.State.HoldsTask() || box.TaskID == nil {
			return ErrStateConflict
		}

		next := phase
		if box.State == BoxReporting {
			next = BoxReporting
		}
		taskState := TaskRunning
		if next == BoxReporting {
			taskState = TaskReporting
		}

		res, err := tx.ExecContext(ctx, s.q(`
UPDATE testboxes SET state = ?, last_seen = ?, deadline_at = ? WHERE id = ? AND state = ?;
`), next, nanos(now), nanos(deadline), testBoxID, box.State)
		if err != nil {
			return fmt.Errorf("progress testbox %s: %w", testBoxID, err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return ErrStateConflict
		}

		res, err = tx.ExecContext(ctx, s.q(`
UPDATE tasks SET state = ? WHERE id = ? AND testbox_id = ? AND state IN (?, ?, ?);
`), taskState, *box.TaskID, testBoxID, TaskAssigned, TaskRunning, TaskReporting)
		if err != nil {
			return fmt.Errorf("progress task %s: %w", *box.TaskID, err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return ErrStateConflict
		}

		out, err = s.loadTestBox(ctx, tx, testBoxID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Settlement describes what RecordResult did.
type Settlement struct {
	Task     *Task   // the finished task; nil for a stale report
	Result   *Result // nil for a stale report
	Requeued *Task   // task taken back from the box after a stale report
}

// RecordResult validates a result against the box's live assignment and
// commits it. The task must be the one the box holds, at the reported
// generation. Anything else is stale: the box is forced idle, whatever it held
// is requeued, the returned settlement says so and err is ErrStaleReport.
// ErrStateConflict means the box holds no task at all.
func (s *SQLStore) RecordResult(ctx context.Context, rep ResultReport, now time.Time) (*Settlement, error) {
	var (
		out   Settlement
		stale bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		box, err := s.loadTestBox(ctx, tx, rep.TestBoxID)
		if err != nil {
			return err
		}
		if !box.State.HoldsTask() || box.TaskID == nil {
			return ErrStateConflict
		}

		t, err := s.loadTask(ctx, tx, rep.TaskID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if t == nil || *box.TaskID != rep.TaskID || t.Generation != rep.Generation ||
			!t.State.InFlight() || t.TestBoxID == nil || *t.TestBoxID != rep.TestBoxID {
			stale = true
			out.Requeued, err = s.requeue(ctx, tx, *box.TaskID, box.ID, "stale result report", now)
			if err != nil {
				return err
			}
			return s.releaseLocked(ctx, tx, box, BoxIdle, now)
		}

		final := TaskFailed
		var lastError any = "outcome " + rep.Outcome
		if rep.Succeeded {
			final = TaskDone
			lastError = nil
		}

		r := Result{
			ID:          uuid.NewString(),
			TaskID:      t.ID,
			TestBoxID:   box.ID,
			Generation:  t.Generation,
			Outcome:     rep.Outcome,
			LogRef:      rep.LogRef,
			CompletedAt: fromNanos(nanos(now)),
		}
		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO results(`+resultColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?);
`), r.ID, r.TaskID, r.TestBoxID, r.Generation, r.Outcome, optString(r.LogRef), nanos(now))
		if err != nil {
			return fmt.Errorf("insert result for task %s: %w", t.ID, err)
		}

		res, err := tx.ExecContext(ctx, s.q(`
UPDATE tasks SET state = ?, completed_at = ?, last_error = ?
WHERE id = ? AND generation = ? AND state = ?;
`), final, nanos(now), lastError, t.ID, t.Generation, t.State)
		if err != nil {
			return fmt.Errorf("complete task %s: %w", t.ID, err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return ErrStateConflict
		}

		if err := s.releaseLocked(ctx, tx, box, BoxIdle, now); err != nil {
			return err
		}
		out.Result = &r
		out.Task, err = s.loadTask(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if stale {
		return &out, ErrStaleReport
	}
	return &out, nil
}

// Release moves a box to target (idle, unregistered or disabled) and requeues
// any task it held. Used for sign-off, liveness expiry and operator disable.
func (s *SQLStore) Release(ctx context.Context, testBoxID string, target TestBoxState, reason string, now time.Time) (*Task, error) {
	var requeued *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		box, err := s.loadTestBox(ctx, tx, testBoxID)
		if err != nil {
			return err
		}
		if box.TaskID != nil {
			requeued, err = s.requeue(ctx, tx, *box.TaskID, box.ID, reason, now)
			if err != nil {
				return err
			}
		}
		return s.releaseLocked(ctx, tx, box, target, now)
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// ExpireStale signs off a box that has not been seen since cutoff and whose
// progress deadline has passed by now. A box that reported after the sweep
// listed it yields ErrStateConflict and keeps its task.
func (s *SQLStore) ExpireStale(ctx context.Context, testBoxID, reason string, cutoff, now time.Time) (*Task, error) {
	var requeued *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		box, err := s.loadTestBox(ctx, tx, testBoxID)
		if err != nil {
			return err
		}
		if !box.State.Registered() || !box.LastSeen.Before(cutoff) ||
			(box.DeadlineAt != nil && !box.DeadlineAt.Before(now)) {
			return ErrStateConflict
		}
		if box.TaskID != nil {
			requeued, err = s.requeue(ctx, tx, *box.TaskID, box.ID, reason, now)
			if err != nil {
				return err
			}
		}
		return s.releaseUnseen(ctx, tx, box, BoxUnregistered, now)
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

func (s *SQLStore) releaseLocked(ctx context.Context, tx *sql.Tx, box *TestBox, target TestBoxState, now time.Time) error {
	return s.releaseWhere(ctx, tx, box, target, now, false)
}

// releaseUnseen releases box only if it has not been seen since it was loaded.
func (s *SQLStore) releaseUnseen(ctx context.Context, tx *sql.Tx, box *TestBox, target TestBoxState, now time.Time) error {
	return s.releaseWhere(ctx, tx, box, target, now, true)
}

func (s *SQLStore) releaseWhere(ctx context.Context, tx *sql.Tx, box *TestBox, target TestBoxState, now time.Time, unseen bool) error {
	query := `
UPDATE testboxes
SET state = ?, task_id = NULL, deadline_at = NULL, last_seen = ?
WHERE id = ? AND state = ?`
	args := []any{target, nanos(now), box.ID, box.State}
	if unseen {
		query += ` AND last_seen = ?`
		args = append(args, nanos(box.LastSeen))
	}
	res, err := tx.ExecContext(ctx, s.q(query+";"), args...)
	if err != nil {
		return fmt.Errorf("release testbox %s: %w", box.ID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStateConflict
	}
	return nil
}

// ResetAwaiting returns boxes left in awaiting_task by a previous process to
// idle. No request can be in flight at startup, so these are orphans.
func (s *SQLStore) ResetAwaiting(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE testboxes SET state = ?, last_seen = ? WHERE state = ?;
`), BoxIdle, nanos(now), BoxAwaitingTask)
	if err != nil {
		return 0, fmt.Errorf("reset awaiting testboxes: %w", err)
	}
	n, err := affected(res)
	return int(n), err
}
