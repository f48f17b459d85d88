package api

import (
	"labelflow/internal/queue"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JobView describes a job in a transport-friendly format.
type JobView struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	Format          string   `json:"format"`
	OriginalName    string   `json:"original_name,omitempty"`
	Labels          []string `json:"labels"`
	MotherModel     string   `json:"mother_model,omitempty"`
	ChildModel      string   `json:"child_model"`
	FallbackModels  []string `json:"fallback_models,omitempty"`
	TotalUnits      int      `json:"total_units"`
	CompletedUnits  int      `json:"completed_units"`
	FailedUnits     int      `json:"failed_units"`
	SkippedUnits    int      `json:"skipped_units"`
	PendingUnits    int      `json:"pending_units"`
	CancelRequested bool     `json:"cancel_requested"`
	Enhanced        bool     `json:"instructions_enhanced"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	OutputPath      string   `json:"output_path,omitempty"`
	CreatedAt       string   `json:"created_at,omitempty"`
	UpdatedAt       string   `json:"updated_at,omitempty"`
	FinishedAt      string   `json:"finished_at,omitempty"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job JobView `json:"job"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	JobID           string `json:"job_id"`
	CancelRequested bool   `json:"cancel_requested"`
}

// RetryResponse reports how many failed units were re-queued.
type RetryResponse struct {
	JobID   string `json:"job_id"`
	Retried int    `json:"retried"`
}

// AuditResponse carries the task history and extraction warnings of a job.
type AuditResponse struct {
	JobID    string            `json:"job_id"`
	Events   []queue.TaskEvent `json:"events"`
	Warnings []queue.Warning   `json:"warnings"`
}

// HealthResponse summarizes daemon and database health.
type HealthResponse struct {
	Status   string               `json:"status"`
	Running  bool                 `json:"running"`
	Workers  int                  `json:"workers"`
	Jobs     map[string]int       `json:"jobs"`
	Database queue.DatabaseHealth `json:"database"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
