package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"labelflow/internal/config"
	"labelflow/internal/logging"
	"labelflow/internal/queue"
)

// terminalRetention bounds how long a finished job's final snapshot is kept
// for late subscribers.
const terminalRetention = time.Hour

// Snapshot is the progress of one job at one instant.
type Snapshot struct {
	JobID     string          `json:"job_id"`
	Status    queue.JobStatus `json:"status"`
	Completed int             `json:"completed_units"`
	Failed    int             `json:"failed_units"`
	Total     int             `json:"total_units"`
	Terminal  bool            `json:"terminal"`
	At        time.Time       `json:"at"`
}

// Done is completed + failed.
func (s Snapshot) Done() int {
	return s.Completed + s.Failed
}

// Sink receives every emitted snapshot in order.
type Sink interface {
	Publish(ctx context.Context, snap Snapshot) error
}

type jobState struct {
	latest   Snapshot
	seen     bool
	unsent   int
	lastEmit time.Time
	timer    *time.Timer
	terminal bool
}

type subscription struct {
	ch     chan Snapshot
	closed bool
}

// Publisher implements queue.Observer.
type Publisher struct {
	interval time.Duration
	batch    int
	buffer   int
	sinks    []Sink
	logger   *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*jobState
	subs   map[string]map[*subscription]struct{}
	outbox []Snapshot
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithSink adds a sink.
func WithSink(sink Sink) Option {
	return func(p *Publisher) {
		if sink != nil {
			p.sinks = append(p.sinks, sink)
		}
	}
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher starts a publisher. Close releases its delivery goroutine.
func NewPublisher(cfg config.Progress, opts ...Option) *Publisher {
	p := &Publisher{
		interval: time.Duration(cfg.IntervalMS) * time.Millisecond,
		batch:    max(cfg.BatchSize, 1),
		buffer:   max(cfg.Buffer, 1),
		logger:   logging.NewNop(),
		jobs:     make(map[string]*jobState),
		subs:     make(map[string]map[*subscription]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.NewComponentLogger(p.logger, "progress")
	go p.deliver()
	return p
}

// Observe records a transition. It never blocks on subscribers or sinks.
func (p *Publisher) Observe(t queue.Transition) {
	snap := Snapshot{
		JobID:     t.JobID,
		Status:    t.Status,
		Completed: t.Completed,
		Failed:    t.Failed,
		Total:     t.Total,
		Terminal:  t.Status.Terminal(),
		At:        t.At,
	}
	if snap.At.IsZero() {
		snap.At = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	state := p.jobs[t.JobID]
	if state == nil {
		state = &jobState{}
		p.jobs[t.JobID] = state
	}
	if state.terminal {
		if !reopens(state.latest, snap) {
			return
		}
		p.stopTimerLocked(state)
		*state = jobState{}
	}
	if snap.Terminal {
		p.pruneLocked(snap.At)
		state.terminal = true
		state.latest = snap
		state.seen = true
		p.stopTimerLocked(state)
		p.emitLocked(state)
		return
	}
	if state.seen && snap.Total == state.latest.Total && snap.Done() < state.latest.Done() {
		return
	}
	state.latest = snap
	state.seen = true
	state.unsent++

	now := time.Now()
	if state.unsent >= p.batch || now.Sub(state.lastEmit) >= p.interval {
		p.stopTimerLocked(state)
		p.emitLocked(state)
		return
	}
	if state.timer == nil {
		jobID := t.JobID
		state.timer = time.AfterFunc(p.interval-now.Sub(state.lastEmit), func() { p.flush(jobID) })
	}
}

// Subscribe streams snapshots for jobID. The channel receives the latest
// known snapshot first and closes after the terminal snapshot. Slow readers
// miss intermediate snapshots, never the terminal one. Call the returned
// function to unsubscribe early.
func (p *Publisher) Subscribe(jobID string) (<-chan Snapshot, func()) {
	sub := &subscription{ch: make(chan Snapshot, p.buffer)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if state := p.jobs[jobID]; state != nil && state.seen {
		sub.ch <- state.latest
		if state.terminal {
			close(sub.ch)
			sub.closed = true
			return sub.ch, func() {}
		}
	}
	if p.closed {
		close(sub.ch)
		sub.closed = true
		return sub.ch, func() {}
	}
	set := p.subs[jobID]
	if set == nil {
		set = make(map[*subscription]struct{})
		p.subs[jobID] = set
	}
	set[sub] = struct{}{}

	return sub.ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.removeLocked(jobID, sub)
	}
}

// Latest returns the most recent snapshot seen for jobID.
func (p *Publisher) Latest(jobID string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.jobs[jobID]
	if state == nil || !state.seen {
		return Snapshot{}, false
	}
	return state.latest, true
}

// Close flushes queued sink deliveries and closes every open subscription.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, state := range p.jobs {
		p.stopTimerLocked(state)
	}
	for jobID, set := range p.subs {
		for sub := range set {
			p.removeLocked(jobID, sub)
		}
	}
	p.mu.Unlock()

	p.signal()
	<-p.done
}

func (p *Publisher) flush(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.jobs[jobID]
	if state == nil {
		return
	}
	state.timer = nil
	if p.closed || state.terminal || state.unsent == 0 {
		return
	}
	p.emitLocked(state)
}

func (p *Publisher) emitLocked(state *jobState) {
	snap := state.latest
	state.unsent = 0
	state.lastEmit = time.Now()

	for sub := range p.subs[snap.JobID] {
		if snap.Terminal {
			p.sendTerminal(sub, snap)
			p.removeLocked(snap.JobID, sub)
			continue
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
	if len(p.sinks) > 0 {
		p.outbox = append(p.outbox, snap)
		p.signal()
	}
}

// sendTerminal makes room by dropping the oldest buffered snapshot when the
// subscriber is behind. Only the publisher sends, so one receive frees a slot.
func (p *Publisher) sendTerminal(sub *subscription, snap Snapshot) {
	select {
	case sub.ch <- snap:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- snap
}

func (p *Publisher) removeLocked(jobID string, sub *subscription) {
	set := p.subs[jobID]
	if _, ok := set[sub]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(p.subs, jobID)
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (p *Publisher) stopTimerLocked(state *jobState) {
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
}

// reopens reports whether next starts a new episode after the terminal
// snapshot last. Only a retry moves a job out of CompletedWithErrors, and it
// lands in Awaiting; stale captures from before the terminal commit are older.
func reopens(last, next Snapshot) bool {
	return last.Status == queue.JobCompletedWithErrors &&
		next.Status == queue.JobAwaiting &&
		next.At.After(last.At)
}

func (p *Publisher) pruneLocked(now time.Time) {
	for jobID, state := range p.jobs {
		if state.terminal && now.Sub(state.latest.At) > terminalRetention {
			delete(p.jobs, jobID)
		}
	}
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) deliver() {
	defer close(p.done)
	for range p.wake {
		p.mu.Lock()
		batch := p.outbox
		p.outbox = nil
		closed := p.closed
		p.mu.Unlock()

		for _, snap := range batch {
			for _, sink := range p.sinks {
				if err := sink.Publish(context.Background(), snap); err != nil {
					logging.WarnWithContext(p.logger, "progress sink publish failed", "progress_sink_failed",
						logging.JobID(snap.JobID),
						logging.Error(err),
						logging.String(logging.FieldImpact, "external progress consumers miss this snapshot"),
					)
				}
			}
		}
		if closed {
			return
		}
	}
}
