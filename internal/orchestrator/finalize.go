package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosimple/slug"

	"labelflow/internal/fileutil"
	"labelflow/internal/format"
	"labelflow/internal/logging"
	"labelflow/internal/queue"
)

// Report summarises a finished job next to its artifact.
type Report struct {
	JobID          string          `json:"job_id"`
	Status         queue.JobStatus `json:"status"`
	OriginalName   string          `json:"original_name,omitempty"`
	Format         string          `json:"format"`
	Artifact       string          `json:"artifact,omitempty"`
	TotalUnits     int             `json:"total_units"`
	CompletedUnits int             `json:"completed_units"`
	FailedUnits    int             `json:"failed_units"`
	SkippedUnits   int             `json:"skipped_units"`
	Warnings       []queue.Warning `json:"warnings,omitempty"`
	FailedTasks    []FailedUnit    `json:"failed_tasks,omitempty"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// FailedUnit is one unit that received the failed placeholder.
type FailedUnit struct {
	UnitID    string `json:"unit_id"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// finalize encodes the labeled artifact of a job whose tasks are all
// settled and completes it.
func (m *Manager) finalize(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.Status == queue.JobAwaiting && job.PendingUnits() == 0 && !job.CancelRequested:
		if err := m.store.TransitionJob(ctx, jobID, queue.JobAwaiting, queue.JobFinalizing); err != nil {
			return skipLostRace(err)
		}
	case job.Status == queue.JobFinalizing:
	default:
		return nil
	}
	logger := logging.WithContext(ctx, m.logger)

	doc, adapter, err := m.decode(job)
	if err != nil {
		return m.store.FailJob(ctx, jobID, fmt.Sprintf("re-decode for finalization: %v", err))
	}
	labels, err := m.store.Labels(ctx, jobID)
	if err != nil {
		return err
	}
	failed, err := m.store.FailedTasks(ctx, jobID)
	if err != nil {
		return err
	}
	if placeholder := m.cfg.Output.FailedPlaceholder; placeholder != "" {
		for _, task := range failed {
			labels[task.UnitID] = placeholder
		}
	}

	output, err := adapter.Encode(doc, labels)
	if err != nil {
		return m.store.FailJob(ctx, jobID, fmt.Sprintf("encode output: %v", err))
	}

	outputPath := ""
	if m.cfg.Output.WriteFiles {
		outputPath = m.writeArtifacts(ctx, job, adapter.Format(), output, failed)
	}

	status, err := m.store.CompleteJob(ctx, jobID, output, outputPath)
	if err != nil {
		return skipLostRace(err)
	}
	logger.Info("job finished",
		logging.String(logging.FieldStatus, status.Display()),
		logging.Int("completed_units", job.CompletedUnits),
		logging.Int("failed_units", job.FailedUnits),
		logging.Int("skipped_units", job.SkippedUnits),
		logging.String("output_path", outputPath),
		logging.String(logging.FieldEventType, "job_finished"),
	)
	return nil
}

// writeArtifacts writes the labeled file and its report. Write failures are
// logged; the artifact remains downloadable from the store.
func (m *Manager) writeArtifacts(ctx context.Context, job *queue.Job, f format.Format, output []byte, failed []*queue.Task) string {
	logger := logging.WithContext(ctx, m.logger)
	outputPath := filepath.Join(m.cfg.Paths.OutputDir, ArtifactName(job.ID, job.OriginalName, f))
	if err := fileutil.WriteFileAtomic(outputPath, output, 0o644); err != nil {
		logging.WarnWithContext(logger, "write labeled artifact failed", "artifact_write_failed",
			logging.String("path", outputPath),
			logging.Error(err),
			logging.String(logging.FieldImpact, "artifact is only available through download"),
		)
		outputPath = ""
	}

	report, err := m.buildReport(ctx, job, outputPath, failed)
	if err == nil {
		var payload []byte
		payload, err = json.MarshalIndent(report, "", "  ")
		if err == nil {
			err = fileutil.WriteFileAtomic(filepath.Join(m.cfg.Paths.OutputDir, ReportName(job.ID)), append(payload, '\n'), 0o644)
		}
	}
	if err != nil {
		logging.WarnWithContext(logger, "write job report failed", "report_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "failure details remain in the audit trail"),
		)
	}
	return outputPath
}

func (m *Manager) buildReport(ctx context.Context, job *queue.Job, artifact string, failed []*queue.Task) (Report, error) {
	warnings, err := m.store.Warnings(ctx, job.ID)
	if err != nil {
		return Report{}, err
	}
	status := queue.JobCompleted
	if job.FailedUnits > 0 {
		status = queue.JobCompletedWithErrors
	}
	report := Report{
		JobID:          job.ID,
		Status:         status,
		OriginalName:   job.OriginalName,
		Format:         job.InputFormat,
		Artifact:       artifact,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
		FailedUnits:    job.FailedUnits,
		SkippedUnits:   job.SkippedUnits,
		Warnings:       warnings,
		GeneratedAt:    m.now().UTC(),
	}
	for _, task := range failed {
		report.FailedTasks = append(report.FailedTasks, FailedUnit{
			UnitID:    task.UnitID,
			Attempts:  task.AttemptCount,
			LastError: task.LastError,
		})
	}
	return report, nil
}

// ArtifactName is job_<id>_<slug>_labeled.<ext>; the slug comes from the
// uploaded file name.
func ArtifactName(jobID, originalName string, f format.Format) string {
	base := strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName))
	name := slug.Make(base)
	if name == "" {
		name = "dataset"
	}
	return fmt.Sprintf("job_%s_%s_labeled%s", jobID, name, f.Extension())
}

// ReportName is job_<id>_report.json.
func ReportName(jobID string) string {
	return fmt.Sprintf("job_%s_report.json", jobID)
}
