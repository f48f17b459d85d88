package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"labelflow/internal/logging"
	"labelflow/internal/modelclient"
	"labelflow/internal/queue"
	"labelflow/internal/services"
)

// ProcessNext leases at most one task for owner and settles it. It reports
// whether a task was leased.
func (p *Pool) ProcessNext(ctx context.Context, owner string) (bool, error) {
	leases, err := p.store.Lease(ctx, owner, 1, p.leaseDuration)
	if err != nil {
		return false, err
	}
	if len(leases) == 0 {
		return false, nil
	}
	p.process(ctx, leases[0])
	return true, nil
}

func (p *Pool) process(ctx context.Context, lease queue.Lease) {
	ctx = services.WithJobID(ctx, lease.JobID)
	ctx = services.WithTaskID(ctx, lease.TaskID)
	ctx = services.WithWorker(ctx, lease.Owner)
	logger := logging.WithContext(ctx, p.logger).With(
		logging.UnitID(lease.UnitID),
		logging.Int(logging.FieldAttempt, lease.Attempt+1),
	)

	job, err := p.store.GetJob(ctx, lease.JobID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.WarnWithContext(logger, "load job for task failed", "task_job_lookup_failed", logging.Error(err))
		p.requeue(ctx, logger, lease, fmt.Errorf("load job: %w", err))
		return
	}
	if job.CancelRequested || job.Status.Terminal() {
		p.settle(ctx, logger, "discard", p.store.Discard(ctx, lease))
		logger.Debug("task discarded for cancelled job", logging.String(logging.FieldEventType, "task_discarded"))
		return
	}

	callCtx, stopHeartbeat := p.startHeartbeat(ctx, logger, lease)
	label, err := p.classify(callCtx, logger, job, lease)
	stopHeartbeat()

	if errors.Is(context.Cause(callCtx), queue.ErrLeaseLost) {
		logger.Info("lease lost during model call; dropping result",
			logging.String(logging.FieldEventType, "task_lease_lost"),
		)
		return
	}
	if ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		p.settle(ctx, logger, "ack", p.store.Ack(ctx, lease, label))
		logger.Debug("task labeled",
			logging.String("label", label),
			logging.String(logging.FieldEventType, "task_succeeded"),
		)
	case errors.Is(err, services.ErrInvalidLabel),
		errors.Is(err, services.ErrModelAuth),
		errors.Is(err, services.ErrMalformedRequest):
		p.settle(ctx, logger, "fail", p.store.Fail(ctx, lease, err))
		logging.WarnWithContext(logger, "task failed permanently", "task_failed",
			logging.ErrorKind(err),
			logging.Error(err),
			logging.String(logging.FieldImpact, "unit receives the failed placeholder"),
		)
	default:
		p.requeue(ctx, logger, lease, err)
	}
}

// requeue nacks the task so it returns after the configured backoff, or fails
// once its attempts are spent.
func (p *Pool) requeue(ctx context.Context, logger *slog.Logger, lease queue.Lease, cause error) {
	state, err := p.store.Nack(ctx, lease, cause)
	p.settle(ctx, logger, "nack", err)
	if err != nil {
		return
	}
	if state == queue.TaskFailed {
		logging.WarnWithContext(logger, "task exhausted its attempts", "task_failed",
			logging.ErrorKind(cause),
			logging.Error(cause),
			logging.String(logging.FieldImpact, "unit receives the failed placeholder"),
		)
		return
	}
	logger.Info("task requeued",
		logging.ErrorKind(cause),
		logging.Error(cause),
		logging.String(logging.FieldEventType, "task_requeued"),
	)
}

// classify asks for a label up to labelAttempts times, noting rejected
// answers in each reprompt.
func (p *Pool) classify(ctx context.Context, logger *slog.Logger, job *queue.Job, lease queue.Lease) (string, error) {
	req := modelclient.Request{
		Model:        job.ChildModel,
		Fallbacks:    job.FallbackModels,
		Instructions: job.EffectiveInstructions(),
		Labels:       job.LabelSet,
		Text:         lease.Text,
	}
	var last string
	for attempt := 1; attempt <= p.labelAttempts; attempt++ {
		result, err := p.classifier.Classify(ctx, req)
		if err != nil {
			return "", err
		}
		if job.HasLabel(result.Label) {
			return result.Label, nil
		}
		last = result.Label
		logger.Debug("model returned label outside the label set",
			logging.String("label", result.Label),
			logging.Model(result.Model),
			logging.Int("label_attempt", attempt),
		)
		req.Rejected = append(req.Rejected, result.Label)
	}
	return "", services.Wrap(services.ErrInvalidLabel, "worker", "classify",
		fmt.Sprintf("label %q not in label set after %d attempts", last, p.labelAttempts), nil)
}

// startHeartbeat extends the lease every heartbeat interval until the
// returned stop function is called. A lost lease cancels the returned
// context with queue.ErrLeaseLost as its cause.
func (p *Pool) startHeartbeat(ctx context.Context, logger *slog.Logger, lease queue.Lease) (context.Context, func()) {
	callCtx, cancel := context.WithCancelCause(ctx)
	if p.heartbeat <= 0 {
		return callCtx, func() { cancel(nil) }
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-callCtx.Done():
				return
			case <-ticker.C:
				if err := p.store.ExtendLease(callCtx, &lease, p.leaseDuration); err != nil {
					if errors.Is(err, queue.ErrLeaseLost) {
						cancel(queue.ErrLeaseLost)
						return
					}
					if callCtx.Err() == nil {
						logger.Warn("lease heartbeat failed", logging.Error(err),
							logging.String(logging.FieldEventType, "lease_heartbeat_failed"),
						)
					}
				}
			}
		}
	}()
	return callCtx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

// settle logs the outcome of a terminal queue call. A lost lease means the
// task was reclaimed or cancelled elsewhere and is dropped quietly.
func (p *Pool) settle(ctx context.Context, logger *slog.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrLeaseLost):
		logger.Info("lease lost before "+op+"; dropping result",
			logging.String(logging.FieldEventType, "task_lease_lost"),
		)
	case ctx.Err() != nil:
	default:
		logging.ErrorWithContext(logger, op+" failed", "task_settle_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
	}
}
