package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"labelflow/internal/format"
	"labelflow/internal/services"
)

// EnqueueUnits creates one Pending task per labelable unit and moves the job
// from Dispatching to Awaiting. A job can only be dispatched once.
func (s *Store) EnqueueUnits(ctx context.Context, jobID string, units []format.Unit) (int, error) {
	var enqueued int
	err := s.withTx(ctx, func(tx *sql.Tx, pub *publisher) error {
		enqueued = 0
		skipped := 0
		for _, unit := range units {
			if unit.Skipped {
				skipped++
			}
		}
		total := len(units) - skipped

		now := s.now()
		timestamp := formatTime(now)
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?, total_units = ?, skipped_units = ?, awaiting_since = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			JobAwaiting, total, skipped, timestamp, timestamp, jobID, JobDispatching,
		)
		if err != nil {
			return fmt.Errorf("enqueue units: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("enqueue units: %w", err)
		} else if affected == 0 {
			return dispatchConflict(ctx, tx, jobID)
		}

		insertTask, err := tx.PrepareContext(ctx,
			`INSERT INTO tasks (id, job_id, unit_id, unit_index, text, state, visible_at, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare task insert: %w", err)
		}
		defer insertTask.Close()

		for _, unit := range units {
			if unit.Skipped {
				continue
			}
			taskID := xid.New().String()
			if _, err := insertTask.ExecContext(ctx, taskID, jobID, unit.ID, unit.Index, unit.Text, TaskPending, timestamp, timestamp, timestamp); err != nil {
				return fmt.Errorf("insert task for unit %s: %w", unit.ID, err)
			}
			if err := insertEvent(ctx, tx, jobID, taskID, unit.ID, "", TaskPending, 0, "", now); err != nil {
				return err
			}
			enqueued++
		}
		return pub.capture(ctx, tx, jobID, now)
	})
	if err != nil {
		return 0, err
	}
	return enqueued, nil
}

func dispatchConflict(ctx context.Context, tx *sql.Tx, jobID string) error {
	var (
		status string
		tasks  int
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT status, (SELECT COUNT(1) FROM tasks WHERE job_id = jobs.id) FROM jobs WHERE id = ?`,
		jobID,
	).Scan(&status, &tasks); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("enqueue units", jobID)
		}
		return fmt.Errorf("enqueue units: %w", err)
	}
	switch JobStatus(status) {
	case JobReceived, JobDecomposing:
		if tasks == 0 {
			return fmt.Errorf("%w: job %s is %s, expected %s", ErrInvalidTransition, jobID, status, JobDispatching)
		}
	}
	return fmt.Errorf("%w: job %s is %s", ErrDuplicateDispatch, jobID, status)
}

// Lease claims up to limit visible Pending tasks of Awaiting jobs, oldest
// first, each with a fresh lease token.
func (s *Store) Lease(ctx context.Context, owner string, limit int, d time.Duration) ([]Lease, error) {
	if limit <= 0 {
		return nil, nil
	}
	var leases []Lease
	err := s.withTx(ctx, func(tx *sql.Tx, _ *publisher) error {
		leases = leases[:0]
		now := s.now()
		until := now.Add(d)
		for len(leases) < limit {
			lease := Lease{Owner: owner, Token: uuid.NewString(), LeasedUntil: until}
			row := tx.QueryRowContext(ctx,
				`UPDATE tasks
                 SET state = ?, lease_owner = ?, lease_token = ?, leased_until = ?, updated_at = ?
                 WHERE id = (
                     SELECT t.id FROM tasks t JOIN jobs j ON j.id = t.job_id
                     WHERE t.state = ? AND t.visible_at <= ? AND j.status = ? AND j.cancel_requested = 0
                     ORDER BY t.visible_at, t.id
                     LIMIT 1
                 )
                 RETURNING id, job_id, unit_id, text, attempt_count`,
				TaskLeased, owner, lease.Token, formatTime(until), formatTime(now),
				TaskPending, formatTime(now), JobAwaiting,
			)
			if err := row.Scan(&lease.TaskID, &lease.JobID, &lease.UnitID, &lease.Text, &lease.Attempt); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					break
				}
				return fmt.Errorf("lease task: %w", err)
			}
			if err := insertEvent(ctx, tx, lease.JobID, lease.TaskID, lease.UnitID, TaskPending, TaskLeased, lease.Attempt, "", now); err != nil {
				return err
			}
			leases = append(leases, lease)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leases, nil
}

// ExtendLease pushes the lease deadline to now + d.
func (s *Store) ExtendLease(ctx context.Context, lease *Lease, d time.Duration) error {
	until := s.now().Add(d)
	res, err := s.execWithRetry(ctx,
		`UPDATE tasks SET leased_until = ?, updated_at = ? WHERE id = ? AND lease_token = ? AND state = ?`,
		formatTime(until), formatTime(s.now()), lease.TaskID, lease.Token, TaskLeased,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: task %s", ErrLeaseLost, lease.TaskID)
	}
	lease.LeasedUntil = until
	return nil
}

// Ack records the label of a leased task and counts the unit as completed.
// Labels outside the job's label set are rejected.
func (s *Store) Ack(ctx context.Context, lease Lease, label string) error {
	return s.withTx(ctx, func(tx *sql.Tx, pub *publisher) error {
		var labelSet string
		if err := tx.QueryRowContext(ctx,
			`SELECT j.label_set FROM tasks t JOIN jobs j ON j.id = t.job_id
             WHERE t.id = ? AND t.lease_token = ? AND t.state = ?`,
			lease.TaskID, lease.Token, TaskLeased,
		).Scan(&labelSet); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: task %s", ErrLeaseLost, lease.TaskID)
			}
			return fmt.Errorf("ack task: %w", err)
		}
		var labels []string
		if err := json.Unmarshal([]byte(labelSet), &labels); err != nil {
			return fmt.Errorf("ack task: decode label set: %w", err)
		}
		if !containsLabel(labels, label) {
			return services.Wrap(services.ErrInvalidLabel, "queue", "ack", fmt.Sprintf("label %q is not in the job's label set", label), nil)
		}

		now := s.now()
		return s.finishTask(ctx, tx, pub, lease, TaskSucceeded, label, "", now)
	})
}

func containsLabel(labels []string, label string) bool {
	for _, candidate := range labels {
		if candidate == label {
			return true
		}
	}
	return false
}

// Nack records a failed attempt. The task becomes Pending again after a
// backoff delay, or Failed once max_attempts is reached.
func (s *Store) Nack(ctx context.Context, lease Lease, cause error) (TaskState, error) {
	var next TaskState
	err := s.withTx(ctx, func(tx *sql.Tx, pub *publisher) error {
		var attempts int
		if err := tx.QueryRowContext(ctx,
			`SELECT attempt_count FROM tasks WHERE id = ? AND lease_token = ? AND state = ?`,
			lease.TaskID, lease.Token, TaskLeased,
		).Scan(&attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: task %s", ErrLeaseLost, lease.TaskID)
			}
			return fmt.Errorf("nack task: %w", err)
		}
		attempts++
		now := s.now()
		errText := services.Describe(cause)
		if attempts >= s.maxAttempts {
			next = TaskFailed
			return s.finishTask(ctx, tx, pub, lease, TaskFailed, "", errText, now)
		}

		next = TaskPending
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks
             SET state = ?, attempt_count = ?, last_error = ?, visible_at = ?,
                 lease_owner = NULL, lease_token = NULL, leased_until = NULL, updated_at = ?
             WHERE id = ? AND lease_token = ? AND state = ?`,
			TaskPending, attempts, nullableString(errText), formatTime(now.Add(s.backoff(attempts))), formatTime(now),
			lease.TaskID, lease.Token, TaskLeased,
		); err != nil {
			return fmt.Errorf("nack task: %w", err)
		}
		return insertEvent(ctx, tx, lease.JobID, lease.TaskID, lease.UnitID, TaskLeased, TaskPending, attempts, errText, now)
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// Fail moves a leased task to Failed immediately.
func (s *Store) Fail(ctx context.Context, lease Lease, cause error) error {
	return s.withTx(ctx, func(tx *sql.Tx, pub *publisher) error {
		return s.finishTask(ctx, tx, pub, lease, TaskFailed, "", services.Describe(cause), s.now())
	})
}

// Discard cancels a leased task whose job is being cancelled.
func (s *Store) Discard(ctx context.Context, lease Lease) error {
	return s.withTx(ctx, func(tx *sql.Tx, _ *publisher) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks
             SET state = ?, lease_owner = NULL, lease_token = NULL, leased_until = NULL, updated_at = ?
             WHERE id = ? AND lease_token = ? AND state = ?`,
			TaskCancelled, formatTime(now), lease.TaskID, lease.Token, TaskLeased,
		)
		if err != nil {
			return fmt.Errorf("discard task: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: task %s", ErrLeaseLost, lease.TaskID)
		}
		return insertEvent(ctx, tx, lease.JobID, lease.TaskID, lease.UnitID, TaskLeased, TaskCancelled, lease.Attempt, services.KindJobCancelled+": job cancelled", now)
	})
}

// finishTask moves a leased task to Succeeded or Failed and bumps the
// matching job counter in the same transaction.
func (s *Store) finishTask(ctx context.Context, tx *sql.Tx, pub *publisher, lease Lease, state TaskState, label, errText string, now time.Time) error {
	attemptExpr := "attempt_count"
	if state == TaskFailed {
		attemptExpr = "attempt_count + 1"
	}
	row := tx.QueryRowContext(ctx,
		`UPDATE tasks
         SET state = ?, assigned_label = ?, last_error = ?, attempt_count = `+attemptExpr+`,
             lease_owner = NULL, lease_token = NULL, leased_until = NULL, updated_at = ?
         WHERE id = ? AND lease_token = ? AND state = ?
         RETURNING attempt_count`,
		state, nullableString(label), nullableString(errText), formatTime(now),
		lease.TaskID, lease.Token, TaskLeased,
	)
	var attempt int
	if err := row.Scan(&attempt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %s", ErrLeaseLost, lease.TaskID)
		}
		return fmt.Errorf("finish task: %w", err)
	}
	if err := bumpCounter(ctx, tx, lease.JobID, state, now); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, lease.JobID, lease.TaskID, lease.UnitID, TaskLeased, state, attempt, errText, now); err != nil {
		return err
	}
	return pub.capture(ctx, tx, lease.JobID, now)
}

func bumpCounter(ctx context.Context, tx *sql.Tx, jobID string, state TaskState, now time.Time) error {
	column := "completed_units"
	if state == TaskFailed {
		column = "failed_units"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
		formatTime(now), jobID,
	); err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return nil
}

// ReclaimExpired returns tasks whose lease ran out to Pending, or to Failed
// when their attempts are exhausted. Each expiry counts as one attempt.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	var reclaimed int
	err := s.withTx(ctx, func(tx *sql.Tx, pub *publisher) error {
		reclaimed = 0
		now := s.now()
		rows, err := tx.QueryContext(ctx,
			`SELECT id, job_id, unit_id, attempt_count FROM tasks
             WHERE state = ? AND leased_until IS NOT NULL AND leased_until <= ?
             ORDER BY leased_until, id`,
			TaskLeased, formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("find expired leases: %w", err)
		}
		type expired struct {
			taskID, jobID, unitID string
			attempts              int
		}
		var candidates []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.taskID, &e.jobID, &e.unitID, &e.attempts); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease: %w", err)
			}
			candidates = append(candidates, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("find expired leases: %w", err)
		}

		errText := services.KindLeaseExpired + ": lease expired"
		touched := make(map[string]struct{})
		var order []string
		for _, e := range candidates {
			attempts := e.attempts + 1
			next := TaskPending
			if attempts >= s.maxAttempts {
				next = TaskFailed
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks
                 SET state = ?, attempt_count = ?, last_error = ?, visible_at = ?,
                     lease_owner = NULL, lease_token = NULL, leased_until = NULL, updated_at = ?
                 WHERE id = ? AND state = ?`,
				next, attempts, errText, formatTime(now), formatTime(now), e.taskID, TaskLeased,
			); err != nil {
				return fmt.Errorf("reclaim task %s: %w", e.taskID, err)
			}
			if next == TaskFailed {
				if err := bumpCounter(ctx, tx, e.jobID, TaskFailed, now); err != nil {
					return err
				}
			}
			if err := insertEvent(ctx, tx, e.jobID, e.taskID, e.unitID, TaskLeased, next, attempts, errText, now); err != nil {
				return err
			}
			if _, seen := touched[e.jobID]; !seen {
				touched[e.jobID] = struct{}{}
				order = append(order, e.jobID)
			}
			reclaimed++
		}
		for _, jobID := range order {
			if err := pub.capture(ctx, tx, jobID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// backoff returns base * 2^(attempt-1), capped at the configured maximum.
func (s *Store) backoff(attempt int) time.Duration {
	if s.backoffBase <= 0 {
		return 0
	}
	delay := s.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if s.backoffMax > 0 && delay >= s.backoffMax {
			return s.backoffMax
		}
	}
	if s.backoffMax > 0 && delay > s.backoffMax {
		return s.backoffMax
	}
	return delay
}

func insertEvent(ctx context.Context, tx *sql.Tx, jobID, taskID, unitID string, from, to TaskState, attempt int, errText string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_events (job_id, task_id, unit_id, old_state, new_state, attempt, error, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, taskID, unitID, from, to, attempt, nullableString(errText), formatTime(now),
	); err != nil {
		return fmt.Errorf("record task event: %w", err)
	}
	return nil
}
