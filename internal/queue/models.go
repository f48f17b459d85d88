package queue

import (
	"strings"
	"time"
)

// JobStatus represents the lifecycle of a labeling job.
type JobStatus string

const (
	JobReceived            JobStatus = "received"
	JobDecomposing         JobStatus = "decomposing"
	JobDispatching         JobStatus = "dispatching"
	JobAwaiting            JobStatus = "awaiting"
	JobFinalizing          JobStatus = "finalizing"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
	JobCancelled           JobStatus = "cancelled"
)

var allJobStatuses = []JobStatus{
	JobReceived,
	JobDecomposing,
	JobDispatching,
	JobAwaiting,
	JobFinalizing,
	JobCompleted,
	JobCompletedWithErrors,
	JobFailed,
	JobCancelled,
}

var terminalStatuses = map[JobStatus]struct{}{
	JobCompleted:           {},
	JobCompletedWithErrors: {},
	JobFailed:              {},
	JobCancelled:           {},
}

// AllJobStatuses returns every job status in lifecycle order.
func AllJobStatuses() []JobStatus {
	out := make([]JobStatus, len(allJobStatuses))
	copy(out, allJobStatuses)
	return out
}

// ParseJobStatus converts a string into a JobStatus.
func ParseJobStatus(value string) (JobStatus, bool) {
	normalized := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allJobStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

// Display renders the status the way operators read it.
func (s JobStatus) Display() string {
	switch s {
	case JobCompletedWithErrors:
		return "CompletedWithErrors"
	case "":
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// TaskState represents the lifecycle of a single labeling task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskLeased    TaskState = "leased"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the task can no longer change.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Counters are the unit tallies of one job.
type Counters struct {
	Total     int `json:"total_units"`
	Completed int `json:"completed_units"`
	Failed    int `json:"failed_units"`
}

// Pending is derived, never stored.
func (c Counters) Pending() int {
	pending := c.Total - c.Completed - c.Failed
	if pending < 0 {
		return 0
	}
	return pending
}

// DeriveStatus computes the dispatch-phase status from counters and the
// cancellation flag: Cancelled when cancellation was requested, Finalizing
// once nothing is pending, Awaiting otherwise.
func DeriveStatus(c Counters, cancelRequested bool) JobStatus {
	switch {
	case cancelRequested:
		return JobCancelled
	case c.Pending() == 0:
		return JobFinalizing
	default:
		return JobAwaiting
	}
}

// Job is one end-to-end labeling request.
type Job struct {
	ID                   string     `json:"id"`
	Status               JobStatus  `json:"status"`
	InputFormat          string     `json:"input_format"`
	OriginalName         string     `json:"original_name,omitempty"`
	Input                []byte     `json:"-"`
	LabelSet             []string   `json:"label_set"`
	Instructions         string     `json:"instructions"`
	EnhancedInstructions string     `json:"enhanced_instructions,omitempty"`
	MotherModel          string     `json:"mother_model,omitempty"`
	ChildModel           string     `json:"child_model"`
	FallbackModels       []string   `json:"fallback_models,omitempty"`
	TotalUnits           int        `json:"total_units"`
	CompletedUnits       int        `json:"completed_units"`
	FailedUnits          int        `json:"failed_units"`
	SkippedUnits         int        `json:"skipped_units"`
	CancelRequested      bool       `json:"cancel_requested"`
	ErrorMessage         string     `json:"error_message,omitempty"`
	OutputPath           string     `json:"output_path,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	AwaitingSince        *time.Time `json:"awaiting_since,omitempty"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
}

// Counters returns the job's unit tallies.
func (j *Job) Counters() Counters {
	return Counters{Total: j.TotalUnits, Completed: j.CompletedUnits, Failed: j.FailedUnits}
}

// PendingUnits is total - completed - failed.
func (j *Job) PendingUnits() int {
	return j.Counters().Pending()
}

// HasLabel reports case-sensitive membership in the job's label set.
func (j *Job) HasLabel(label string) bool {
	for _, candidate := range j.LabelSet {
		if candidate == label {
			return true
		}
	}
	return false
}

// EffectiveInstructions prefers the enhanced instructions when present.
func (j *Job) EffectiveInstructions() string {
	if strings.TrimSpace(j.EnhancedInstructions) != "" {
		return j.EnhancedInstructions
	}
	return j.Instructions
}

// StatusSummary is the external status query result.
type StatusSummary struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	CompletedUnits int       `json:"completed_units"`
	FailedUnits    int       `json:"failed_units"`
	TotalUnits     int       `json:"total_units"`
}

// Submission is the job request accepted from the gateway or CLI.
type Submission struct {
	JobID          string   `json:"job_id,omitempty"`
	Format         string   `json:"format_type"`
	Input          []byte   `json:"raw_bytes"`
	Labels         []string `json:"labels"`
	Instructions   string   `json:"instructions"`
	MotherModel    string   `json:"mother_model,omitempty"`
	ChildModel     string   `json:"child_model"`
	OriginalName   string   `json:"original_name,omitempty"`
	FallbackModels []string `json:"fallback_models,omitempty"`
}

// Task is the queued work for one unit.
type Task struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	UnitID        string     `json:"unit_id"`
	UnitIndex     int        `json:"unit_index"`
	Text          string     `json:"text"`
	State         TaskState  `json:"state"`
	AttemptCount  int        `json:"attempt_count"`
	AssignedLabel string     `json:"assigned_label,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LeaseOwner    string     `json:"lease_owner,omitempty"`
	LeasedUntil   *time.Time `json:"leased_until,omitempty"`
	VisibleAt     time.Time  `json:"visible_at"`
}

// Lease is a time-bounded claim on one task.
type Lease struct {
	TaskID      string
	JobID       string
	UnitID      string
	Text        string
	Attempt     int
	Owner       string
	Token       string
	LeasedUntil time.Time
}

// TaskEvent is one append-only audit record.
type TaskEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	TaskID    string    `json:"task_id"`
	UnitID    string    `json:"unit_id"`
	OldState  TaskState `json:"old_state"`
	NewState  TaskState `json:"new_state"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Warning is a persisted unit extraction warning.
type Warning struct {
	JobID   string `json:"job_id"`
	UnitID  string `json:"unit_id"`
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// Transition is published after a committed change to a job's counters or
// status.
type Transition struct {
	JobID     string
	Status    JobStatus
	Completed int
	Failed    int
	Total     int
	At        time.Time
}

// Observer receives transitions. Implementations must not block.
type Observer interface {
	Observe(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) Observe(t Transition) { f(t) }

// DatabaseHealth describes the store for diagnostics.
type DatabaseHealth struct {
	DBPath           string `json:"db_path"`
	DatabaseExists   bool   `json:"database_exists"`
	DatabaseReadable bool   `json:"database_readable"`
	SchemaVersion    int    `json:"schema_version"`
	IntegrityCheck   bool   `json:"integrity_check"`
	TotalJobs        int    `json:"total_jobs"`
	TotalTasks       int    `json:"total_tasks"`
	Error            string `json:"error,omitempty"`
}
