package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"labelflow/internal/format"
	"labelflow/internal/logging"
	"labelflow/internal/queue"
	"labelflow/internal/services"
)

// decompose walks a job from Received to Awaiting: decode, persist
// warnings, enhance instructions, enqueue one task per labelable unit. Jobs
// left in Decomposing or Dispatching by a crashed owner resume here.
func (m *Manager) decompose(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	logger := logging.WithContext(ctx, m.logger)

	switch job.Status {
	case queue.JobReceived:
		if err := m.store.TransitionJob(ctx, jobID, queue.JobReceived, queue.JobDecomposing); err != nil {
			return skipLostRace(err)
		}
	case queue.JobDecomposing, queue.JobDispatching:
		logger.Info("resuming interrupted decomposition",
			logging.String(logging.FieldStatus, job.Status.Display()),
			logging.String(logging.FieldEventType, "job_decompose_resumed"),
		)
	default:
		return nil
	}

	doc, _, err := m.decode(job)
	if err != nil {
		logging.WarnWithContext(logger, "job input could not be parsed", "job_parse_failed",
			logging.String("format", job.InputFormat),
			logging.ErrorKind(err),
			logging.Error(err),
			logging.String(logging.FieldImpact, "job failed without output"),
		)
		return skipLostRace(m.store.FailJob(ctx, jobID, services.Describe(err)))
	}

	if err := m.store.AddWarnings(ctx, jobID, doc.Warnings); err != nil {
		return err
	}
	for _, warning := range doc.Warnings {
		logging.WarnWithContext(logger, "unit skipped during extraction", "unit_extraction_warning",
			logging.UnitID(warning.UnitID),
			logging.Int("index", warning.Index),
			logging.String("reason", warning.Message),
			logging.String(logging.FieldErrorKind, services.KindUnitExtraction),
			logging.String(logging.FieldImpact, "record is preserved unlabeled"),
		)
	}

	if job.Status != queue.JobDispatching {
		if err := m.store.TransitionJob(ctx, jobID, queue.JobDecomposing, queue.JobDispatching); err != nil {
			return skipLostRace(err)
		}
	}

	m.enhance(ctx, job)

	total, err := m.store.EnqueueUnits(ctx, jobID, doc.Units)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateDispatch) {
			logger.Info("job already dispatched", logging.String(logging.FieldEventType, "job_dispatch_duplicate"))
			return nil
		}
		return err
	}
	logger.Info("job dispatched",
		logging.String("format", job.InputFormat),
		logging.Int("total_units", total),
		logging.Int("skipped_units", len(doc.Units)-total),
		logging.String(logging.FieldEventType, "job_dispatched"),
	)
	if total == 0 {
		return m.finalize(ctx, jobID)
	}
	return nil
}

func (m *Manager) decode(job *queue.Job) (*format.Document, format.Adapter, error) {
	f, err := format.ParseFormat(job.InputFormat)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := m.registry.Lookup(f)
	if err != nil {
		return nil, nil, err
	}
	doc, err := adapter.Decode(job.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s input: %w", f, err)
	}
	return doc, adapter, nil
}

// enhance asks the mother model to rewrite the instructions. Failure keeps
// the user's instructions.
func (m *Manager) enhance(ctx context.Context, job *queue.Job) {
	if m.enhancer == nil || !m.cfg.Orchestrator.EnhanceInstructions {
		return
	}
	if job.MotherModel == "" || job.EnhancedInstructions != "" {
		return
	}
	logger := logging.WithContext(ctx, m.logger)
	enhanced, err := m.enhancer.EnhanceInstructions(ctx, job.MotherModel, job.Instructions, job.LabelSet)
	if err != nil {
		logging.WarnWithContext(logger, "instruction enhancement failed", "instructions_enhance_failed",
			logging.Model(job.MotherModel),
			logging.ErrorKind(err),
			logging.Error(err),
			logging.String(logging.FieldImpact, "workers use the submitted instructions"),
		)
		return
	}
	if err := m.store.SetEnhancedInstructions(ctx, job.ID, enhanced); err != nil {
		logging.WarnWithContext(logger, "store enhanced instructions failed", "instructions_store_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "workers use the submitted instructions"),
		)
		return
	}
	logger.Info("instructions enhanced",
		logging.Model(job.MotherModel),
		logging.String(logging.FieldEventType, "instructions_enhanced"),
	)
}

// skipLostRace treats a compare-and-set lost to another actor (for example
// a cancellation) as nothing to do.
func skipLostRace(err error) error {
	if errors.Is(err, queue.ErrInvalidTransition) {
		return nil
	}
	return err
}
