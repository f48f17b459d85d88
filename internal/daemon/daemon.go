package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"labelflow/internal/config"
	"labelflow/internal/logging"
	"labelflow/internal/modelclient"
	"labelflow/internal/notifications"
	"labelflow/internal/orchestrator"
	"labelflow/internal/progress"
	"labelflow/internal/queue"
	"labelflow/internal/worker"
)

// progressLogBucket is the percentage step at which job progress is logged.
const progressLogBucket = 10

// Daemon coordinates the background services and enforces single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *queue.Store
	publisher *progress.Publisher
	redis     *progress.RedisSink
	pool      *worker.Pool
	manager   *orchestrator.Manager
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	closed  bool
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workers      int
	QueueDBPath  string
	LockFilePath string
	APIAddress   string
	Jobs         map[queue.JobStatus]int
}

// Option customizes daemon wiring.
type Option func(*options)

type options struct {
	classifier    worker.Classifier
	enhancer      orchestrator.Enhancer
	enhancerSet   bool
	clientOptions []modelclient.Option
}

// WithClassifier replaces the model client used by workers.
func WithClassifier(c worker.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithEnhancer replaces the instruction enhancer; nil disables enhancement.
func WithEnhancer(e orchestrator.Enhancer) Option {
	return func(o *options) {
		o.enhancer = e
		o.enhancerSet = true
	}
}

// WithModelClientOptions passes options to the default model client.
func WithModelClientOptions(opts ...modelclient.Option) Option {
	return func(o *options) { o.clientOptions = append(o.clientOptions, opts...) }
}

// New constructs a daemon with initialized dependencies. ctx bounds the
// connection to the optional Redis progress sink.
func New(ctx context.Context, cfg *config.Config, store *queue.Store, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	client := modelclient.New(cfg, append([]modelclient.Option{modelclient.WithLogger(logger)}, o.clientOptions...)...)
	classifier := o.classifier
	if classifier == nil {
		classifier = client
	}
	var enhancer orchestrator.Enhancer = client
	if o.enhancerSet {
		enhancer = o.enhancer
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		lockPath: cfg.DaemonLockPath(),
		lock:     flock.New(cfg.DaemonLockPath()),
	}

	publisherOpts := []progress.Option{
		progress.WithLogger(logger),
		progress.WithSink(progress.NewLogSink(logging.NewComponentLogger(logger, "progress"), progressLogBucket)),
	}
	if cfg.Progress.RedisURL != "" {
		sink, err := progress.NewRedisSink(ctx, cfg.Progress.RedisURL, cfg.Progress.RedisChannelPrefix)
		if err != nil {
			logging.WarnWithContext(d.logger, "redis progress sink unavailable", "redis_sink_unavailable",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check progress.redis_url"),
				logging.String(logging.FieldImpact, "progress is only available through the API and logs"),
			)
		} else {
			d.redis = sink
			publisherOpts = append(publisherOpts, progress.WithSink(sink))
		}
	}
	if sink := notifications.NewSink(cfg); sink != nil {
		publisherOpts = append(publisherOpts, progress.WithSink(sink))
	}
	d.publisher = progress.NewPublisher(cfg.Progress, publisherOpts...)
	store.AddObserver(d.publisher)

	d.pool = worker.New(cfg, store, classifier, logger)
	d.manager = orchestrator.New(cfg, store, enhancer, logger)
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the orchestrator, the worker
// pool and the API server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if d.closed {
		return errors.New("daemon closed")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another labelflow daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	fail := func(err error) error {
		cancel()
		d.pool.Stop()
		d.manager.Stop()
		_ = d.lock.Unlock()
		return err
	}

	if reclaimed, err := d.store.ReclaimExpired(runCtx); err != nil {
		logging.WarnWithContext(d.logger, "startup lease reclaim failed", "lease_reclaim_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "expired leases are reclaimed by the worker pool later"),
		)
	} else if reclaimed > 0 {
		d.logger.Info("reclaimed expired leases", logging.Int("count", reclaimed),
			logging.String(logging.FieldEventType, "leases_reclaimed"))
	}

	if err := d.manager.Start(runCtx); err != nil {
		return fail(fmt.Errorf("start orchestrator: %w", err))
	}
	if err := d.pool.Start(runCtx); err != nil {
		return fail(fmt.Errorf("start worker pool: %w", err))
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	if d.api != nil {
		if err := d.api.listen(); err != nil {
			return fail(err)
		}
		group.Go(func() error { return d.api.serve(groupCtx) })
	}

	d.cancel = cancel
	d.group = group
	d.running.Store(true)
	d.logger.Info("labelflow daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.Addr()),
		logging.Int("workers", d.cfg.Workers.Count),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.cancel()
	d.pool.Stop()
	d.manager.Stop()
	if err := d.group.Wait(); err != nil {
		logging.WarnWithContext(d.logger, "api server stopped with error", "api_server_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "API was unavailable before shutdown"),
		)
	}
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the next start may report another running instance"),
		)
	}
	d.cancel = nil
	d.group = nil
	d.running.Store(false)
	d.logger.Info("labelflow daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases the progress publisher and its sinks.
// The store is owned by the caller.
func (d *Daemon) Close() error {
	d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.publisher.Close()
	if d.redis != nil {
		return d.redis.Close()
	}
	return nil
}

// Addr returns the address the API listens on, or "" when disabled.
func (d *Daemon) Addr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Publisher exposes the progress publisher.
func (d *Daemon) Publisher() *progress.Publisher {
	return d.publisher
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workers:      d.cfg.Workers.Count,
		QueueDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
		APIAddress:   d.Addr(),
	}
	if stats, err := d.store.Stats(ctx); err == nil {
		status.Jobs = stats
	}
	return status
}
