package orchestrator

import (
	"context"
	"fmt"
	"time"

	"labelflow/internal/logging"
	"labelflow/internal/services"
)

// processCancellations carries out requested cancellations of jobs that have
// not reached Finalizing.
func (m *Manager) processCancellations(ctx context.Context) error {
	jobs, err := m.store.CancelPending(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		m.withJobLock(ctx, job.ID, "cancel", func(ctx context.Context, jobID string) error {
			if err := m.store.CancelJob(ctx, jobID); err != nil {
				return skipLostRace(err)
			}
			logging.WithContext(ctx, m.logger).Info("job cancelled",
				logging.String(logging.FieldErrorKind, services.KindJobCancelled),
				logging.String(logging.FieldEventType, "job_cancelled"),
			)
			return nil
		})
	}
	return nil
}

// processWatchdog fails Awaiting jobs that exceeded the job timeout.
func (m *Manager) processWatchdog(ctx context.Context) error {
	timeout := m.cfg.JobTimeout()
	if timeout <= 0 {
		return nil
	}
	jobs, err := m.store.ExpiredAwaiting(ctx, m.now().Add(-timeout))
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		message := fmt.Sprintf("job exceeded the %s awaiting timeout with %d of %d units pending",
			timeout, job.PendingUnits(), job.TotalUnits)
		m.withJobLock(ctx, job.ID, "watchdog", func(ctx context.Context, jobID string) error {
			if err := m.store.FailJob(ctx, jobID, message); err != nil {
				return skipLostRace(err)
			}
			logging.WarnWithContext(logging.WithContext(ctx, m.logger), "job timed out", "job_timeout",
				logging.Duration("timeout", timeout),
				logging.Int("pending_units", job.PendingUnits()),
				logging.String(logging.FieldImpact, "job failed without output"),
			)
			return nil
		})
	}
	return nil
}

// SweepRetention archives terminal jobs finished more than retention_days ago.
func (m *Manager) SweepRetention(ctx context.Context) (int64, error) {
	days := m.cfg.Orchestrator.RetentionDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)
	archived, err := m.store.ArchiveBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		m.logger.Info("archived finished jobs",
			logging.Int64("count", archived),
			logging.Int("retention_days", days),
			logging.String(logging.FieldEventType, "jobs_archived"),
		)
	}
	return archived, nil
}
