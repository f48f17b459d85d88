package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"labelflow/internal/config"
)

// Store manages job and task persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string

	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// withTx runs fn in a transaction, retrying the whole transaction while the
// database is busy. Transitions collected by fn are published after commit.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx, pub *publisher) error) error {
	ctx = ensureContext(ctx)
	var pub *publisher
	err := retryOnBusy(ctx, func() error {
		pub = &publisher{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx, pub); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(pub.transitions)
	return nil
}

// Open initializes or connects to the job database.
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.DatabasePath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	// Pragmas are per connection; a single writer connection keeps
	// foreign_keys in force and serialises transactions in-process.
	db.SetMaxOpenConns(1)

	store := &Store{
		db:          db,
		path:        dbPath,
		maxAttempts: cfg.Queue.MaxAttempts,
		backoffBase: time.Duration(cfg.Queue.BackoffBaseMS) * time.Millisecond,
		backoffMax:  time.Duration(cfg.Queue.BackoffMaxMS) * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	if store.maxAttempts <= 0 {
		store.maxAttempts = 1
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// AddObserver registers o for transitions committed after this call.
func (s *Store) AddObserver(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Store) publish(transitions []Transition) {
	if len(transitions) == 0 {
		return
	}
	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()
	for _, t := range transitions {
		for _, o := range observers {
			o.Observe(t)
		}
	}
}

type publisher struct {
	transitions []Transition
}

// capture reads the job's committed-to-be state inside tx.
func (p *publisher) capture(ctx context.Context, tx *sql.Tx, jobID string, at time.Time) error {
	var t Transition
	var status string
	row := tx.QueryRowContext(ctx, `SELECT status, completed_units, failed_units, total_units FROM jobs WHERE id = ?`, jobID)
	if err := row.Scan(&status, &t.Completed, &t.Failed, &t.Total); err != nil {
		return fmt.Errorf("capture transition: %w", err)
	}
	t.JobID = jobID
	t.Status = JobStatus(status)
	t.At = at
	p.transitions = append(p.transitions, t)
	return nil
}
