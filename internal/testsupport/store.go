package testsupport

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"labelflow/internal/config"
	"labelflow/internal/format"
	"labelflow/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...queue.Option) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// NewJob creates a Received job for tests. Missing fields are filled with a
// two-label JSON submission.
func NewJob(t testing.TB, store *queue.Store, sub queue.Submission) *queue.Job {
	t.Helper()

	if sub.Format == "" {
		sub.Format = "json"
	}
	if len(sub.Input) == 0 {
		sub.Input = []byte(SampleJSON)
	}
	if len(sub.Labels) == 0 {
		sub.Labels = []string{"product_review", "news"}
	}
	if sub.ChildModel == "" {
		sub.ChildModel = "openrouter:test-model"
	}
	job, err := store.CreateJob(context.Background(), sub)
	if err != nil {
		t.Fatalf("store.CreateJob: %v", err)
	}
	return job
}

// DispatchJob walks a Received job to Awaiting with the given units.
func DispatchJob(t testing.TB, store *queue.Store, jobID string, units []format.Unit) {
	t.Helper()

	ctx := context.Background()
	steps := [][2]queue.JobStatus{
		{queue.JobReceived, queue.JobDecomposing},
		{queue.JobDecomposing, queue.JobDispatching},
	}
	for _, step := range steps {
		if err := store.TransitionJob(ctx, jobID, step[0], step[1]); err != nil {
			t.Fatalf("store.TransitionJob %s -> %s: %v", step[0], step[1], err)
		}
	}
	if _, err := store.EnqueueUnits(ctx, jobID, units); err != nil {
		t.Fatalf("store.EnqueueUnits: %v", err)
	}
}

// Units builds labelable units with ids u1..uN.
func Units(texts ...string) []format.Unit {
	units := make([]format.Unit, len(texts))
	for i, text := range texts {
		units[i] = format.Unit{ID: "u" + strconv.Itoa(i+1), Text: text, Index: i, Skipped: text == ""}
	}
	return units
}

// Clock is a manually advanced time source for queue.WithClock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
