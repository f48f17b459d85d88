package api

import (
	"context"
	"fmt"
	"strings"

	"labelflow/internal/config"
	"labelflow/internal/format"
	"labelflow/internal/orchestrator"
	"labelflow/internal/queue"
	"labelflow/internal/services"
)

// JobStore abstracts the queue operations the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, sub queue.Submission) (*queue.Job, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	ListJobs(ctx context.Context, statuses ...queue.JobStatus) ([]*queue.Job, error)
	JobStatus(ctx context.Context, id string) (queue.StatusSummary, error)
	RequestCancel(ctx context.Context, id string) error
	RetryFailed(ctx context.Context, id string) (int, error)
	Events(ctx context.Context, id string) ([]queue.TaskEvent, error)
	Warnings(ctx context.Context, id string) ([]queue.Warning, error)
	Output(ctx context.Context, id string) ([]byte, *queue.Job, error)
}

// JobService exposes job operations returning API DTOs.
type JobService struct {
	store JobStore
}

// NewJobService constructs a JobService around the provided store.
func NewJobService(store JobStore) *JobService {
	if store == nil {
		return nil
	}
	return &JobService{store: store}
}

// Artifact is a downloadable labeled file.
type Artifact struct {
	JobID       string
	Name        string
	ContentType string
	Data        []byte
}

// Submit validates and stores a submission. An empty format is detected
// from the original name and the content.
func (s *JobService) Submit(ctx context.Context, sub queue.Submission) (JobView, error) {
	if strings.TrimSpace(sub.Format) == "" {
		detected, err := format.Detect(sub.OriginalName, sub.Input)
		if err != nil {
			return JobView{}, services.Wrap(services.ErrValidation, "api", "submit", "format_type missing and could not be detected", err)
		}
		sub.Format = string(detected)
	}
	job, err := s.store.CreateJob(ctx, sub)
	if err != nil {
		return JobView{}, err
	}
	return FromJob(job), nil
}

// ApplyDefaults fills the submission's models from the configuration when
// the caller left them empty.
func ApplyDefaults(cfg *config.Config, sub queue.Submission) queue.Submission {
	if cfg == nil {
		return sub
	}
	if strings.TrimSpace(sub.ChildModel) == "" {
		sub.ChildModel = cfg.Models.ChildModel
	}
	if strings.TrimSpace(sub.MotherModel) == "" {
		sub.MotherModel = cfg.Models.MotherModel
	}
	if len(sub.FallbackModels) == 0 {
		sub.FallbackModels = cfg.FallbacksFor(sub.ChildModel)
	}
	return sub
}

// List returns jobs filtered by status.
func (s *JobService) List(ctx context.Context, statuses ...queue.JobStatus) ([]JobView, error) {
	jobs, err := s.store.ListJobs(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return FromJobs(jobs), nil
}

// Get returns one job.
func (s *JobService) Get(ctx context.Context, id string) (JobView, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return FromJob(job), nil
}

// Status returns the status query result of one job.
func (s *JobService) Status(ctx context.Context, id string) (queue.StatusSummary, error) {
	return s.store.JobStatus(ctx, id)
}

// Cancel requests cooperative cancellation.
func (s *JobService) Cancel(ctx context.Context, id string) (CancelResponse, error) {
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return CancelResponse{}, err
	}
	return CancelResponse{JobID: id, CancelRequested: true}, nil
}

// Retry re-queues the failed units of a CompletedWithErrors job.
func (s *JobService) Retry(ctx context.Context, id string) (RetryResponse, error) {
	retried, err := s.store.RetryFailed(ctx, id)
	if err != nil {
		return RetryResponse{}, err
	}
	return RetryResponse{JobID: id, Retried: retried}, nil
}

// Audit returns the task history and extraction warnings of one job.
func (s *JobService) Audit(ctx context.Context, id string) (AuditResponse, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return AuditResponse{}, err
	}
	events, err := s.store.Events(ctx, id)
	if err != nil {
		return AuditResponse{}, err
	}
	warnings, err := s.store.Warnings(ctx, id)
	if err != nil {
		return AuditResponse{}, err
	}
	if events == nil {
		events = []queue.TaskEvent{}
	}
	if warnings == nil {
		warnings = []queue.Warning{}
	}
	return AuditResponse{JobID: id, Events: events, Warnings: warnings}, nil
}

// Output returns the labeled artifact of a finished job.
func (s *JobService) Output(ctx context.Context, id string) (Artifact, error) {
	data, job, err := s.store.Output(ctx, id)
	if err != nil {
		return Artifact{}, err
	}
	f, err := format.ParseFormat(job.InputFormat)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		JobID:       id,
		Name:        orchestrator.ArtifactName(id, job.OriginalName, f),
		ContentType: contentType(f),
		Data:        data,
	}, nil
}

// ParseStatuses converts status filter values, accepting comma separated
// lists and the CompletedWithErrors display spelling.
func ParseStatuses(values []string) ([]queue.JobStatus, error) {
	var statuses []queue.JobStatus
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if strings.EqualFold(part, "CompletedWithErrors") {
				part = string(queue.JobCompletedWithErrors)
			}
			status, ok := queue.ParseJobStatus(part)
			if !ok {
				return nil, services.Wrap(services.ErrValidation, "api", "parse status", fmt.Sprintf("unknown status %q", part), nil)
			}
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

func contentType(f format.Format) string {
	switch f {
	case format.FormatCSV:
		return "text/csv; charset=utf-8"
	case format.FormatXML:
		return "application/xml; charset=utf-8"
	default:
		return "application/json; charset=utf-8"
	}
}
