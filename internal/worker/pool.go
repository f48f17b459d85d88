package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"labelflow/internal/config"
	"labelflow/internal/logging"
	"labelflow/internal/modelclient"
	"labelflow/internal/queue"
)

// Classifier assigns a label to one unit.
type Classifier interface {
	Classify(ctx context.Context, req modelclient.Request) (modelclient.Result, error)
}

// Pool runs a fixed number of workers over the shared task queue.
type Pool struct {
	store      *queue.Store
	classifier Classifier
	logger     *slog.Logger

	instance        string
	count           int
	labelAttempts   int
	leaseDuration   time.Duration
	heartbeat       time.Duration
	pollInterval    time.Duration
	reclaimInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a pool from configuration.
func New(cfg *config.Config, store *queue.Store, classifier Classifier, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{
		store:           store,
		classifier:      classifier,
		logger:          logging.NewComponentLogger(logger, "worker"),
		instance:        xid.New().String(),
		count:           max(cfg.Workers.Count, 1),
		labelAttempts:   max(cfg.Workers.LabelAttempts, 1),
		leaseDuration:   cfg.LeaseDuration(),
		heartbeat:       time.Duration(cfg.Workers.HeartbeatSeconds) * time.Second,
		pollInterval:    time.Duration(cfg.Queue.PollIntervalMS) * time.Millisecond,
		reclaimInterval: time.Duration(cfg.Queue.ReclaimIntervalSeconds) * time.Second,
	}
}

// Start launches the workers and the reclaim loop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(p.count + 1)
	for i := 1; i <= p.count; i++ {
		go p.runWorker(runCtx, p.workerName(i))
	}
	go p.runReclaimer(runCtx)

	p.logger.Info("worker pool started",
		logging.Int("workers", p.count),
		logging.Duration("lease", p.leaseDuration),
		logging.String(logging.FieldEventType, "worker_pool_started"),
	)
	return nil
}

// Stop cancels in-flight work and waits for every worker to return. Leases
// held at that moment expire and are reclaimed.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) workerName(i int) string {
	return fmt.Sprintf("w%02d@%s", i, p.instance)
}

func (p *Pool) runWorker(ctx context.Context, name string) {
	defer p.wg.Done()
	logger := p.logger.With(logging.String(logging.FieldWorker, name))
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.ProcessNext(ctx, name)
		if err != nil && ctx.Err() == nil {
			logging.ErrorWithContext(logger, "lease failed", "task_lease_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		if processed {
			continue
		}
		if !wait(ctx, p.pollInterval) {
			return
		}
	}
}

func (p *Pool) runReclaimer(ctx context.Context) {
	defer p.wg.Done()
	if p.reclaimInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := p.store.ReclaimExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logging.WarnWithContext(p.logger, "reclaim expired leases failed", "lease_reclaim_failed",
						logging.Error(err),
						logging.String(logging.FieldImpact, "expired tasks stay leased until the next sweep"),
					)
				}
				continue
			}
			if reclaimed > 0 {
				p.logger.Info("reclaimed expired leases",
					logging.Int("count", reclaimed),
					logging.String(logging.FieldEventType, "lease_reclaimed"),
				)
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
