package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"labelflow/internal/format"
)

// CreateJob validates a submission and stores it as a Received job.
func (s *Store) CreateJob(ctx context.Context, sub Submission) (*Job, error) {
	labels, err := normalizeLabelSet(sub.Labels)
	if err != nil {
		return nil, err
	}
	inputFormat, err := format.ParseFormat(sub.Format)
	if err != nil {
		return nil, invalid("create job", err.Error())
	}
	if len(sub.Input) == 0 {
		return nil, invalid("create job", "input is empty")
	}
	childModel := strings.TrimSpace(sub.ChildModel)
	if childModel == "" {
		return nil, invalid("create job", "child model is required")
	}

	id := strings.TrimSpace(sub.JobID)
	if id == "" {
		id = uuid.NewString()
	}
	timestamp := formatTime(s.now())

	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, status, input_format, original_name, input, label_set, instructions,
            mother_model, child_model, fallback_models, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		JobReceived,
		string(inputFormat),
		nullableString(strings.TrimSpace(sub.OriginalName)),
		sub.Input,
		mustJSON(labels),
		sub.Instructions,
		nullableString(strings.TrimSpace(sub.MotherModel)),
		childModel,
		mustJSON(normalizeFallbacks(childModel, sub.FallbackModels)),
		timestamp,
		timestamp,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, invalid("create job", fmt.Sprintf("job %s already exists", id))
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return s.GetJob(ctx, id)
}

func normalizeLabelSet(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, invalid("create job", "label set is empty")
	}
	seen := make(map[string]struct{}, len(raw))
	labels := make([]string, 0, len(raw))
	for _, label := range raw {
		label = norm.NFC.String(strings.TrimSpace(label))
		if label == "" {
			return nil, invalid("create job", "label set contains an empty label")
		}
		if _, dup := seen[label]; dup {
			return nil, invalid("create job", fmt.Sprintf("duplicate label %q", label))
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	return labels, nil
}

func normalizeFallbacks(primary string, raw []string) []string {
	seen := map[string]struct{}{primary: {}}
	out := make([]string, 0, len(raw))
	for _, model := range raw {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		if _, dup := seen[model]; dup {
			continue
		}
		seen[model] = struct{}{}
		out = append(out, model)
	}
	return out
}

// GetJob fetches a job including its stored input.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var input []byte
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+`, input FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row, &input)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	job.Input = input
	return job, nil
}

// ListJobs returns jobs filtered by status set (or all jobs when none is
// provided) ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at, id`
	return s.queryJobs(ctx, "list jobs", query, args...)
}

// ReadyToFinalize returns Awaiting jobs with nothing pending.
func (s *Store) ReadyToFinalize(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, "ready to finalize",
		`SELECT `+jobColumns+` FROM jobs
         WHERE status = ? AND cancel_requested = 0 AND completed_units + failed_units >= total_units
         ORDER BY created_at, id`,
		JobAwaiting,
	)
}

// CancelPending returns jobs whose cancellation was requested but not yet
// carried out.
func (s *Store) CancelPending(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, "cancel pending",
		`SELECT `+jobColumns+` FROM jobs
         WHERE cancel_requested = 1 AND status NOT IN (?, ?, ?, ?, ?)
         ORDER BY created_at, id`,
		JobFinalizing, JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled,
	)
}

// ExpiredAwaiting returns Awaiting jobs that entered Awaiting at or before cutoff.
func (s *Store) ExpiredAwaiting(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	return s.queryJobs(ctx, "expired awaiting",
		`SELECT `+jobColumns+` FROM jobs
         WHERE status = ? AND awaiting_since IS NOT NULL AND awaiting_since <= ?
         ORDER BY created_at, id`,
		JobAwaiting, formatTime(cutoff),
	)
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobStatus returns the status summary exposed to clients.
func (s *Store) JobStatus(ctx context.Context, id string) (StatusSummary, error) {
	summary := StatusSummary{JobID: id}
	var status string
	row := s.db.QueryRowContext(ctx, `SELECT status, completed_units, failed_units, total_units FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&status, &summary.CompletedUnits, &summary.FailedUnits, &summary.TotalUnits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return summary, notFound("job status", id)
		}
		return summary, fmt.Errorf("job status: %w", err)
	}
	summary.Status = JobStatus(status)
	return summary, nil
}

// TransitionJob moves a job from one status to another, failing with
// ErrInvalidTransition when the job is no longer in from.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to JobStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx, pub *publisher) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?, updated_at = ?,
                 awaiting_since = CASE WHEN ? = 'awaiting' THEN ? ELSE awaiting_since END,
                 finished_at = CASE WHEN ? THEN ? ELSE finished_at END
             WHERE id = ? AND status = ?`,
			to, formatTime(now),
			to, formatTime(now),
			to.Terminal(), formatTime(now),
			id, from,
		)
		if err != nil {
			return fmt.Errorf("transition job: %w", err)
		}
		if err := s.expectJobRow(ctx, tx, res, id, "transition job", from); err != nil {
			return err
		}
		return pub.capture(ctx, tx, id, now)
	})
}

// expectJobRow converts a zero-row job update into not-found or an invalid
// transition naming the status the job is actually in.
func (s *Store) expectJobRow(ctx context.Context, tx *sql.Tx, res sql.Result, id, op string, want ...JobStatus) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected > 0 {
		return nil
	}
	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(op, id)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(want) == 0 {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, current)
	}
	return fmt.Errorf("%w: job %s is %s, expected %s", ErrInvalidTransition, id, current, want[0])
}

// FailJob marks a non-terminal job Failed and cancels its open tasks.
func (s *Store) FailJob(ctx context.Context, id, message string) error {
	return s.endJob(ctx, id, JobFailed, message)
}

// CancelJob marks a non-terminal job Cancelled and cancels its open tasks.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.endJob(ctx, id, JobCancelled, "")
}

func (s *Store) endJob(ctx context.Context, id string, status JobStatus, message string) error {
	op := "fail job"
	if status == JobCancelled {
		op = "cancel job"
	}
	return s.withTx(ctx, func(tx *sql.Tx, pub *publisher) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?, error_message = COALESCE(?, error_message), updated_at = ?, finished_at = ?
             WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
			status, nullableString(message), formatTime(now), formatTime(now),
			id, JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled,
		)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := s.expectJobRow(ctx, tx, res, id, op); err != nil {
			return err
		}
		reason := "JobCancelled: job cancelled"
		if status == JobFailed {
			reason = "JobCancelled: job failed"
			if message != "" {
				reason += ": " + message
			}
		}
		if err := cancelOpenTasks(ctx, tx, id, reason, now); err != nil {
			return err
		}
		return pub.capture(ctx, tx, id, now)
	})
}

func cancelOpenTasks(ctx context.Context, tx *sql.Tx, jobID, reason string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_events (job_id, task_id, unit_id, old_state, new_state, attempt, error, created_at)
         SELECT job_id, id, unit_id, state, ?, attempt_count, ?, ?
         FROM tasks WHERE job_id = ? AND state IN (?, ?)`,
		TaskCancelled, reason, formatTime(now), jobID, TaskPending, TaskLeased,
	); err != nil {
		return fmt.Errorf("record task cancellation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks
         SET state = ?, lease_owner = NULL, lease_token = NULL, leased_until = NULL, updated_at = ?
         WHERE job_id = ? AND state IN (?, ?)`,
		TaskCancelled, formatTime(now), jobID, TaskPending, TaskLeased,
	); err != nil {
		return fmt.Errorf("cancel open tasks: %w", err)
	}
	return nil
}

// RequestCancel flags a job for cooperative cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx, _ *publisher) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET cancel_requested = 1, updated_at = ?
             WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
			formatTime(s.now()), id, JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled,
		)
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		return s.expectJobRow(ctx, tx, res, id, "request cancel")
	})
}

// SetEnhancedInstructions stores the mother model's rewrite of the user
// instructions.
func (s *Store) SetEnhancedInstructions(ctx context.Context, id, instructions string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET enhanced_instructions = ?, updated_at = ? WHERE id = ?`,
		nullableString(strings.TrimSpace(instructions)), formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("set enhanced instructions: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return notFound("set enhanced instructions", id)
	}
	return nil
}

// CompleteJob stores the artifact of a Finalizing job and moves it to
// Completed, or CompletedWithErrors when any unit failed.
func (s *Store) CompleteJob(ctx context.Context, id string, output []byte, outputPath string) (JobStatus, error) {
	var final JobStatus
	err := s.withTx(ctx, func(tx *sql.Tx, pub *publisher) error {
		var (
			status string
			failed int
		)
		if err := tx.QueryRowContext(ctx, `SELECT status, failed_units FROM jobs WHERE id = ?`, id).Scan(&status, &failed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("complete job", id)
			}
			return fmt.Errorf("complete job: %w", err)
		}
		if JobStatus(status) != JobFinalizing {
			return fmt.Errorf("%w: job %s is %s, expected %s", ErrInvalidTransition, id, status, JobFinalizing)
		}
		final = JobCompleted
		if failed > 0 {
			final = JobCompletedWithErrors
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, output = ?, output_path = ?, updated_at = ?, finished_at = ?
             WHERE id = ? AND status = ?`,
			final, output, nullableString(outputPath), formatTime(now), formatTime(now), id, JobFinalizing,
		); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return pub.capture(ctx, tx, id, now)
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// Output returns the labeled artifact of a finished job.
func (s *Store) Output(ctx context.Context, id string) ([]byte, *Job, error) {
	var output []byte
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+`, output FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row, &output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, notFound("output", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("output: %w", err)
	}
	if job.Status != JobCompleted && job.Status != JobCompletedWithErrors {
		return nil, job, fmt.Errorf("%w: job %s is %s", ErrOutputNotReady, id, job.Status)
	}
	return output, job, nil
}

// Labels returns the assigned label of every succeeded unit keyed by unit id.
func (s *Store) Labels(ctx context.Context, id string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, assigned_label FROM tasks WHERE job_id = ? AND state = ? AND assigned_label IS NOT NULL`,
		id, TaskSucceeded,
	)
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	defer rows.Close()

	labels := make(map[string]string)
	for rows.Next() {
		var unitID, label string
		if err := rows.Scan(&unitID, &label); err != nil {
			return nil, fmt.Errorf("labels: %w", err)
		}
		labels[unitID] = label
	}
	return labels, rows.Err()
}

// Tasks returns every task of a job in source order.
func (s *Store) Tasks(ctx context.Context, id string) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY unit_index, id`, id)
}

// FailedTasks returns the failed tasks of a job in source order.
func (s *Store) FailedTasks(ctx context.Context, id string) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? AND state = ? ORDER BY unit_index, id`, id, TaskFailed)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Events returns the audit trail of a job in insertion order.
func (s *Store) Events(ctx context.Context, id string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, task_id, unit_id, old_state, new_state, attempt, error, created_at
         FROM task_events WHERE job_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var (
			event      TaskEvent
			oldState   string
			newState   string
			errorText  sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&event.ID, &event.JobID, &event.TaskID, &event.UnitID, &oldState, &newState, &event.Attempt, &errorText, &createdRaw); err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		event.OldState = TaskState(oldState)
		event.NewState = TaskState(newState)
		event.Error = errorText.String
		if created, err := parseTimeString(createdRaw); err == nil {
			event.Timestamp = created
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// AddWarnings persists unit extraction warnings for a job. Warnings left by
// an interrupted decomposition of the same job are replaced.
func (s *Store) AddWarnings(ctx context.Context, id string, warnings []format.Warning) error {
	if len(warnings) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx, _ *publisher) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_warnings WHERE job_id = ?`, id); err != nil {
			return fmt.Errorf("add warning: %w", err)
		}
		timestamp := formatTime(s.now())
		for _, w := range warnings {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_warnings (job_id, unit_id, unit_index, message, created_at) VALUES (?, ?, ?, ?, ?)`,
				id, w.UnitID, w.Index, w.Message, timestamp,
			); err != nil {
				return fmt.Errorf("add warning: %w", err)
			}
		}
		return nil
	})
}

// Warnings returns the persisted warnings of a job.
func (s *Store) Warnings(ctx context.Context, id string) ([]Warning, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, unit_id, unit_index, message FROM job_warnings WHERE job_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("warnings: %w", err)
	}
	defer rows.Close()

	var warnings []Warning
	for rows.Next() {
		var w Warning
		if err := rows.Scan(&w.JobID, &w.UnitID, &w.Index, &w.Message); err != nil {
			return nil, fmt.Errorf("warnings: %w", err)
		}
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}

// RetryFailed re-queues the failed tasks of a CompletedWithErrors job with
// their attempts reset. The job returns to Awaiting and its artifact is cleared.
func (s *Store) RetryFailed(ctx context.Context, id string) (int, error) {
	var retried int
	err := s.withTx(ctx, func(tx *sql.Tx, pub *publisher) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("retry failed", id)
			}
			return fmt.Errorf("retry failed: %w", err)
		}
		if JobStatus(status) != JobCompletedWithErrors {
			return fmt.Errorf("%w: job %s is %s, expected %s", ErrInvalidTransition, id, status, JobCompletedWithErrors)
		}

		now := s.now()
		timestamp := formatTime(now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_events (job_id, task_id, unit_id, old_state, new_state, attempt, error, created_at)
             SELECT job_id, id, unit_id, state, ?, 0, NULL, ? FROM tasks WHERE job_id = ? AND state = ?`,
			TaskPending, timestamp, id, TaskFailed,
		); err != nil {
			return fmt.Errorf("record retry: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks
             SET state = ?, attempt_count = 0, last_error = NULL, visible_at = ?, updated_at = ?
             WHERE job_id = ? AND state = ?`,
			TaskPending, timestamp, timestamp, id, TaskFailed,
		)
		if err != nil {
			return fmt.Errorf("retry failed tasks: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("retry failed tasks: %w", err)
		}
		retried = int(affected)
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?, failed_units = failed_units - ?, output = NULL, output_path = NULL,
                 error_message = NULL, awaiting_since = ?, finished_at = NULL, updated_at = ?
             WHERE id = ?`,
			JobAwaiting, retried, timestamp, timestamp, id,
		); err != nil {
			return fmt.Errorf("retry failed job: %w", err)
		}
		return pub.capture(ctx, tx, id, now)
	})
	if err != nil {
		return 0, err
	}
	return retried, nil
}

// ArchiveBefore deletes terminal jobs finished at or before cutoff together
// with their tasks, events and warnings.
func (s *Store) ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?, ?) AND finished_at IS NOT NULL AND finished_at <= ?`,
		JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("archive jobs: %w", err)
	}
	return res.RowsAffected()
}
