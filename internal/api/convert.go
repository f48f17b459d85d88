package api

import (
	"strings"
	"time"

	"labelflow/internal/queue"
)

// FromJob converts a job record to its API representation.
func FromJob(job *queue.Job) JobView {
	if job == nil {
		return JobView{}
	}
	view := JobView{
		ID:              job.ID,
		Status:          string(job.Status),
		Format:          job.InputFormat,
		OriginalName:    job.OriginalName,
		Labels:          append([]string(nil), job.LabelSet...),
		MotherModel:     job.MotherModel,
		ChildModel:      job.ChildModel,
		FallbackModels:  append([]string(nil), job.FallbackModels...),
		TotalUnits:      job.TotalUnits,
		CompletedUnits:  job.CompletedUnits,
		FailedUnits:     job.FailedUnits,
		SkippedUnits:    job.SkippedUnits,
		PendingUnits:    job.PendingUnits(),
		CancelRequested: job.CancelRequested,
		Enhanced:        strings.TrimSpace(job.EnhancedInstructions) != "",
		ErrorMessage:    job.ErrorMessage,
		OutputPath:      job.OutputPath,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
	}
	if job.FinishedAt != nil {
		view.FinishedAt = formatTime(*job.FinishedAt)
	}
	return view
}

// FromJobs converts a slice of job records.
func FromJobs(jobs []*queue.Job) []JobView {
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		if job == nil {
			continue
		}
		views = append(views, FromJob(job))
	}
	return views
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
