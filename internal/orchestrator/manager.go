package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron"

	"labelflow/internal/config"
	"labelflow/internal/format"
	"labelflow/internal/logging"
	"labelflow/internal/queue"
	"labelflow/internal/services"
)

// Enhancer rewrites user instructions with the mother model.
type Enhancer interface {
	EnhanceInstructions(ctx context.Context, model, instructions string, labels []string) (string, error)
}

// Manager owns the job state machine.
type Manager struct {
	cfg      *config.Config
	store    *queue.Store
	registry *format.Registry
	enhancer Enhancer
	logger   *slog.Logger
	now      func() time.Time

	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sched   *cron.Cron
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source used by the watchdog and retention.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a manager. enhancer may be nil, which disables instruction
// enhancement.
func New(cfg *config.Config, store *queue.Store, enhancer Enhancer, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:   cfg,
		store: store,
		registry: format.NewRegistry(format.Options{
			LabelField: cfg.Output.LabelField,
			RecordsKey: cfg.Output.JSONRecordsKey,
			TextKey:    cfg.Output.JSONTextKey,
			RecordTag:  cfg.Output.XMLRecordTag,
		}),
		enhancer:     enhancer,
		logger:       logging.NewComponentLogger(logger, "orchestrator"),
		now:          time.Now,
		pollInterval: time.Duration(cfg.Orchestrator.PollIntervalMS) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the poll loop and the retention schedule.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("orchestrator already running")
	}
	runCtx, cancel := context.WithCancel(ctx)

	if m.cfg.Orchestrator.RetentionDays > 0 {
		sched := cron.New()
		if err := sched.AddFunc(m.cfg.Orchestrator.RetentionSchedule, func() {
			if _, err := m.SweepRetention(runCtx); err != nil && runCtx.Err() == nil {
				logging.WarnWithContext(m.logger, "retention sweep failed", "retention_sweep_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "old jobs stay in the store until the next sweep"),
				)
			}
		}); err != nil {
			cancel()
			return err
		}
		sched.Start()
		m.sched = sched
	}

	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.loop(runCtx)

	m.logger.Info("orchestrator started",
		logging.Duration("poll_interval", m.pollInterval),
		logging.String(logging.FieldEventType, "orchestrator_started"),
	)
	return nil
}

// Stop ends the poll loop and the retention schedule and waits for the
// current pass to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	sched := m.sched
	m.running = false
	m.cancel = nil
	m.sched = nil
	m.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	cancel()
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.pollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one pass over every job that needs attention. Failures are
// logged per job and never stop the pass.
func (m *Manager) Tick(ctx context.Context) {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"cancellation", m.processCancellations},
		{"decomposition", m.processIncoming},
		{"finalization", m.processFinished},
		{"watchdog", m.processWatchdog},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		if err := step.run(ctx); err != nil && ctx.Err() == nil {
			logging.ErrorWithContext(m.logger, "orchestrator pass failed", "orchestrator_pass_failed",
				logging.String("step", step.name),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
	}
}

func (m *Manager) processIncoming(ctx context.Context) error {
	jobs, err := m.store.ListJobs(ctx, queue.JobReceived, queue.JobDecomposing, queue.JobDispatching)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		m.withJobLock(ctx, job.ID, "decompose", m.decompose)
	}
	return nil
}

func (m *Manager) processFinished(ctx context.Context) error {
	ready, err := m.store.ReadyToFinalize(ctx)
	if err != nil {
		return err
	}
	orphaned, err := m.store.ListJobs(ctx, queue.JobFinalizing)
	if err != nil {
		return err
	}
	for _, job := range append(ready, orphaned...) {
		if ctx.Err() != nil {
			return nil
		}
		m.withJobLock(ctx, job.ID, "finalize", m.finalize)
	}
	return nil
}

// withJobLock runs fn while holding the job's dispatch lock. Jobs locked by
// another process are skipped until the next pass.
func (m *Manager) withJobLock(ctx context.Context, jobID, op string, fn func(context.Context, string) error) {
	logger := m.logger.With(logging.JobID(jobID))
	lock, acquired, err := acquireJobLock(m.cfg.Paths.LockDir, jobID)
	if err != nil {
		logging.ErrorWithContext(logger, "job lock failed", "job_lock_failed",
			logging.String("operation", op),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check lock_dir permissions"),
		)
		return
	}
	if !acquired {
		logger.Debug("job locked elsewhere; skipping", logging.String("operation", op))
		return
	}
	defer lock.release()

	jobCtx := services.WithJobID(ctx, jobID)
	if err := fn(jobCtx, jobID); err != nil && ctx.Err() == nil {
		logging.ErrorWithContext(logger, "job "+op+" failed", "job_"+op+"_failed",
			logging.ErrorKind(err),
			logging.Error(err),
			logging.String(logging.FieldImpact, "job is retried on the next pass"),
		)
	}
	if summary, err := m.store.JobStatus(ctx, jobID); err == nil && summary.Status.Terminal() {
		lock.remove()
	}
}
