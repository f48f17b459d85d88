package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = "id, status, input_format, original_name, label_set, instructions, enhanced_instructions, mother_model, child_model, fallback_models, total_units, completed_units, failed_units, skipped_units, cancel_requested, error_message, output_path, created_at, updated_at, awaiting_since, finished_at"

const taskColumns = "id, job_id, unit_id, unit_index, text, state, attempt_count, assigned_label, last_error, lease_owner, leased_until, visible_at"

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(scanner rowScanner, extra ...any) (*Job, error) {
	var (
		job             Job
		status          string
		originalName    sql.NullString
		labelSet        string
		enhanced        sql.NullString
		motherModel     sql.NullString
		fallbacks       string
		cancelRequested int
		errorMessage    sql.NullString
		outputPath      sql.NullString
		createdRaw      string
		updatedRaw      string
		awaitingRaw     sql.NullString
		finishedRaw     sql.NullString
	)
	dest := []any{
		&job.ID,
		&status,
		&job.InputFormat,
		&originalName,
		&labelSet,
		&job.Instructions,
		&enhanced,
		&motherModel,
		&job.ChildModel,
		&fallbacks,
		&job.TotalUnits,
		&job.CompletedUnits,
		&job.FailedUnits,
		&job.SkippedUnits,
		&cancelRequested,
		&errorMessage,
		&outputPath,
		&createdRaw,
		&updatedRaw,
		&awaitingRaw,
		&finishedRaw,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.OriginalName = originalName.String
	job.EnhancedInstructions = enhanced.String
	job.MotherModel = motherModel.String
	job.CancelRequested = cancelRequested != 0
	job.ErrorMessage = errorMessage.String
	job.OutputPath = outputPath.String
	if err := json.Unmarshal([]byte(labelSet), &job.LabelSet); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fallbacks), &job.FallbackModels); err != nil {
		return nil, err
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	job.AwaitingSince = parseNullableTime(awaitingRaw)
	job.FinishedAt = parseNullableTime(finishedRaw)
	return &job, nil
}

func scanTask(scanner rowScanner) (*Task, error) {
	var (
		task        Task
		state       string
		label       sql.NullString
		lastError   sql.NullString
		leaseOwner  sql.NullString
		leasedUntil sql.NullString
		visibleRaw  string
	)
	if err := scanner.Scan(
		&task.ID,
		&task.JobID,
		&task.UnitID,
		&task.UnitIndex,
		&task.Text,
		&state,
		&task.AttemptCount,
		&label,
		&lastError,
		&leaseOwner,
		&leasedUntil,
		&visibleRaw,
	); err != nil {
		return nil, err
	}
	task.State = TaskState(state)
	task.AssignedLabel = label.String
	task.LastError = lastError.String
	task.LeaseOwner = leaseOwner.String
	task.LeasedUntil = parseNullableTime(leasedUntil)
	if visible, err := parseTimeString(visibleRaw); err == nil {
		task.VisibleAt = visible
	}
	return &task, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func mustJSON(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}
