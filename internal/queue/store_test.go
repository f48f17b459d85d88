package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"labelflow/internal/format"
	"labelflow/internal/queue"
	"labelflow/internal/services"
	"labelflow/internal/testsupport"
)

func assertCounters(t *testing.T, store *queue.Store, jobID string, completed, failed, total int) {
	t.Helper()
	summary, err := store.JobStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("JobStatus failed: %v", err)
	}
	if summary.CompletedUnits != completed || summary.FailedUnits != failed || summary.TotalUnits != total {
		t.Fatalf("unexpected counters: got %d/%d/%d want %d/%d/%d",
			summary.CompletedUnits, summary.FailedUnits, summary.TotalUnits, completed, failed, total)
	}
}

func leaseOne(t *testing.T, store *queue.Store, owner string) queue.Lease {
	t.Helper()
	leases, err := store.Lease(context.Background(), owner, 1, time.Minute)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if len(leases) != 1 {
		t.Fatalf("expected one lease, got %d", len(leases))
	}
	return leases[0]
}

func TestOpenCreatesSchemaAndReopens(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	health, err := store.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.IntegrityCheck {
		t.Fatalf("unexpected health: %#v", health)
	}
	if health.SchemaVersion != 1 {
		t.Fatalf("unexpected schema version %d", health.SchemaVersion)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := testsupport.MustOpenStore(t, cfg)
	if reopened.Path() != cfg.DatabasePath() {
		t.Fatalf("unexpected path %q", reopened.Path())
	}
}

func TestOpenRejectsForeignSchema(t *testing.T) {
	for name, stmt := range map[string]string{
		"version": "UPDATE schema_version SET version = 99",
		"tables":  "DROP TABLE job_warnings",
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t)
			store := testsupport.MustOpenStore(t, cfg)
			if err := store.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			db, err := sql.Open("sqlite", cfg.DatabasePath())
			if err != nil {
				t.Fatalf("open raw db: %v", err)
			}
			if _, err := db.Exec(stmt); err != nil {
				t.Fatalf("exec %q: %v", stmt, err)
			}
			_ = db.Close()

			if _, err := queue.Open(cfg); !errors.Is(err, queue.ErrSchemaMismatch) {
				t.Fatalf("expected ErrSchemaMismatch, got %v", err)
			}
		})
	}
}

func TestCreateJobValidatesSubmission(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	base := queue.Submission{
		Format:     "json",
		Input:      []byte(testsupport.SampleJSON),
		Labels:     []string{"a", "b"},
		ChildModel: "openrouter:test",
	}
	cases := []struct {
		name   string
		mutate func(*queue.Submission)
	}{
		{"empty labels", func(s *queue.Submission) { s.Labels = nil }},
		{"blank label", func(s *queue.Submission) { s.Labels = []string{"a", "  "} }},
		{"duplicate after trim", func(s *queue.Submission) { s.Labels = []string{"a", " a "} }},
		{"duplicate after NFC", func(s *queue.Submission) { s.Labels = []string{"caf\u00e9", "cafe\u0301"} }},
		{"unknown format", func(s *queue.Submission) { s.Format = "yaml" }},
		{"empty input", func(s *queue.Submission) { s.Input = nil }},
		{"missing child model", func(s *queue.Submission) { s.ChildModel = " " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := base
			tc.mutate(&sub)
			_, err := store.CreateJob(ctx, sub)
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	sub := base
	sub.Labels = []string{" b ", "a"}
	sub.FallbackModels = []string{"openrouter:test", "openai:gpt-4o-mini", "openai:gpt-4o-mini"}
	job, err := store.CreateJob(ctx, sub)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != queue.JobReceived {
		t.Fatalf("expected received, got %s", job.Status)
	}
	if len(job.LabelSet) != 2 || job.LabelSet[0] != "b" || job.LabelSet[1] != "a" {
		t.Fatalf("label order not kept: %v", job.LabelSet)
	}
	if len(job.FallbackModels) != 1 || job.FallbackModels[0] != "openai:gpt-4o-mini" {
		t.Fatalf("fallbacks not normalized: %v", job.FallbackModels)
	}
	if string(job.Input) != testsupport.SampleJSON {
		t.Fatal("expected input bytes to round-trip")
	}

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionJobCompareAndSet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{})

	if err := store.TransitionJob(ctx, job.ID, queue.JobReceived, queue.JobDecomposing); err != nil {
		t.Fatalf("TransitionJob failed: %v", err)
	}
	err := store.TransitionJob(ctx, job.ID, queue.JobReceived, queue.JobDecomposing)
	if !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := store.TransitionJob(ctx, "nope", queue.JobReceived, queue.JobDecomposing); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEnqueueUnitsRejectsDuplicateDispatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{})

	units := testsupport.Units("first text", "", "third text")
	testsupport.DispatchJob(t, store, job.ID, units)

	fetched, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if fetched.Status != queue.JobAwaiting || fetched.AwaitingSince == nil {
		t.Fatalf("expected awaiting with awaiting_since, got %s", fetched.Status)
	}
	if fetched.TotalUnits != 2 || fetched.SkippedUnits != 1 {
		t.Fatalf("unexpected totals: total=%d skipped=%d", fetched.TotalUnits, fetched.SkippedUnits)
	}

	if _, err := store.EnqueueUnits(ctx, job.ID, units); !errors.Is(err, queue.ErrDuplicateDispatch) {
		t.Fatalf("expected duplicate dispatch, got %v", err)
	}
	tasks, err := store.Tasks(ctx, job.ID)
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks after duplicate dispatch, got %d", len(tasks))
	}
	if tasks[0].UnitID != "u1" || tasks[1].UnitID != "u3" {
		t.Fatalf("unexpected task order: %s, %s", tasks[0].UnitID, tasks[1].UnitID)
	}
}

func TestAckStoresLabelAndRejectsOutOfSetLabels(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{Labels: []string{"Positive", "Negative"}})
	testsupport.DispatchJob(t, store, job.ID, testsupport.Units("great product"))

	lease := leaseOne(t, store, "worker-1")
	if lease.Attempt != 0 {
		t.Fatalf("leasing must not count as an attempt, got %d", lease.Attempt)
	}

	err := store.Ack(ctx, lease, "positive")
	if !errors.Is(err, services.ErrInvalidLabel) {
		t.Fatalf("expected invalid label, got %v", err)
	}
	assertCounters(t, store, job.ID, 0, 0, 1)

	if err := store.Ack(ctx, lease, "Positive"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	assertCounters(t, store, job.ID, 1, 0, 1)

	labels, err := store.Labels(ctx, job.ID)
	if err != nil {
		t.Fatalf("Labels failed: %v", err)
	}
	if labels["u1"] != "Positive" {
		t.Fatalf("unexpected labels: %v", labels)
	}

	if err := store.Ack(ctx, lease, "Negative"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("terminal task must be immutable, got %v", err)
	}
	assertCounters(t, store, job.ID, 1, 0, 1)

	ready, err := store.ReadyToFinalize(ctx)
	if err != nil {
		t.Fatalf("ReadyToFinalize failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != job.ID {
		t.Fatalf("expected job ready to finalize, got %d jobs", len(ready))
	}
}

func TestDecomposedLabelsAreStoredComposed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{Labels: []string{"cafe\u0301", "tea"}})
	if job.LabelSet[0] != "caf\u00e9" {
		t.Fatalf("expected NFC label, got %q", job.LabelSet[0])
	}
	if !job.HasLabel("caf\u00e9") {
		t.Fatal("expected composed label to match")
	}

	testsupport.DispatchJob(t, store, job.ID, testsupport.Units("espresso bar"))
	lease := leaseOne(t, store, "worker-1")
	if err := store.Ack(ctx, lease, "caf\u00e9"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	assertCounters(t, store, job.ID, 1, 0, 1)
}

func TestNackBacksOffThenFails(t *testing.T) {
	clock := testsupport.NewClock()
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(2))
	cfg.Queue.BackoffBaseMS = 1000
	cfg.Queue.BackoffMaxMS = 5000
	store := testsupport.MustOpenStore(t, cfg, queue.WithClock(clock.Now))
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{})
	testsupport.DispatchJob(t, store, job.ID, testsupport.Units("text"))

	lease := leaseOne(t, store, "w")
	cause := services.Wrap(services.ErrModelTimeout, "modelclient", "classify", "deadline", nil)
	state, err := store.Nack(ctx, lease, cause)
	if err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if state != queue.TaskPending {
		t.Fatalf("expected pending, got %s", state)
	}

	leases, err := store.Lease(ctx, "w", 1, time.Minute)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if len(leases) != 0 {
		t.Fatal("task must stay invisible during backoff")
	}

	clock.Advance(time.Second)
	lease = leaseOne(t, store, "w")
	if lease.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", lease.Attempt)
	}
	state, err = store.Nack(ctx, lease, cause)
	if err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if state != queue.TaskFailed {
		t.Fatalf("expected failed after max attempts, got %s", state)
	}
	assertCounters(t, store, job.ID, 0, 1, 1)

	failed, err := store.FailedTasks(ctx, job.ID)
	if err != nil {
		t.Fatalf("FailedTasks failed: %v", err)
	}
	if len(failed) != 1 || failed[0].AttemptCount != 2 {
		t.Fatalf("unexpected failed tasks: %#v", failed)
	}
	if !strings.HasPrefix(failed[0].LastError, services.KindModelTimeout) {
		t.Fatalf("expected last error kind prefix, got %q", failed[0].LastError)
	}
}

func TestReclaimExpiredIncrementsOncePerExpiry(t *testing.T) {
	clock := testsupport.NewClock()
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(3))
	store := testsupport.MustOpenStore(t, cfg, queue.WithClock(clock.Now))
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{})
	testsupport.DispatchJob(t, store, job.ID, testsupport.Units("text"))

	lease := leaseOne(t, store, "w")
	clock.Advance(30 * time.Second)
	if n, err := store.ReclaimExpired(ctx); err != nil || n != 0 {
		t.Fatalf("live lease must not be reclaimed: n=%d err=%v", n, err)
	}

	clock.Advance(31 * time.Second)
	n, err := store.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one reclaimed task, got %d", n)
	}
	if n, _ := store.ReclaimExpired(ctx); n != 0 {
		t.Fatalf("second sweep must not reclaim again, got %d", n)
	}

	if err := store.Ack(ctx, lease, "news"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected stale lease to be rejected, got %v", err)
	}

	tasks, err := store.Tasks(ctx, job.ID)
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if tasks[0].State != queue.TaskPending || tasks[0].AttemptCount != 1 {
		t.Fatalf("unexpected task after reclaim: state=%s attempts=%d", tasks[0].State, tasks[0].AttemptCount)
	}

	for i := 0; i < 2; i++ {
		leaseOne(t, store, "w")
		clock.Advance(2 * time.Minute)
		if _, err := store.ReclaimExpired(ctx); err != nil {
			t.Fatalf("ReclaimExpired failed: %v", err)
		}
	}
	assertCounters(t, store, job.ID, 0, 1, 1)

	events, err := store.Events(ctx, job.ID)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	last := events[len(events)-1]
	if last.NewState != queue.TaskFailed || last.Attempt != 3 {
		t.Fatalf("unexpected final event: %#v", last)
	}
}

func TestExtendLeaseRequiresCurrentToken(t *testing.T) {
	clock := testsupport.NewClock()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg, queue.WithClock(clock.Now))
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{})
	testsupport.DispatchJob(t, store, job.ID, testsupport.Units("text"))

	lease := leaseOne(t, store, "w")
	clock.Advance(50 * time.Second)
	if err := store.ExtendLease(ctx, &lease, time.Minute); err != nil {
		t.Fatalf("ExtendLease failed: %v", err)
	}
	clock.Advance(50 * time.Second)
	if n, _ := store.ReclaimExpired(ctx); n != 0 {
		t.Fatal("extended lease must not expire")
	}

	stale := lease
	stale.Token = "other"
	if err := store.ExtendLease(ctx, &stale, time.Minute); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected lease lost, got %v", err)
	}
}

func TestConcurrentWorkersKeepCounterInvariant(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{})

	texts := make([]string, 40)
	for i := range texts {
		texts[i] = "text"
	}
	testsupport.DispatchJob(t, store, job.ID, testsupport.Units(texts...))

	var observed sync.Mutex
	var violations []queue.Transition
	store.AddObserver(queue.ObserverFunc(func(tr queue.Transition) {
		if tr.Completed+tr.Failed > tr.Total {
			observed.Lock()
			violations = append(violations, tr)
			observed.Unlock()
		}
	}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				leases, err := store.Lease(ctx, "w", 1, time.Minute)
				if err != nil {
					t.Errorf("Lease failed: %v", err)
					return
				}
				if len(leases) == 0 {
					return
				}
				if worker%2 == 0 {
					err = store.Ack(ctx, leases[0], "news")
				} else {
					err = store.Fail(ctx, leases[0], services.Wrap(services.ErrModelAuth, "test", "classify", "denied", nil))
				}
				if err != nil {
					t.Errorf("finish failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	summary, err := store.JobStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobStatus failed: %v", err)
	}
	if summary.CompletedUnits+summary.FailedUnits != 40 {
		t.Fatalf("expected all units terminal, got %+v", summary)
	}
	if len(violations) > 0 {
		t.Fatalf("counter invariant violated: %+v", violations[0])
	}
}

func TestCancelJobCancelsOpenTasksAndDiscardLosesLease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{})
	testsupport.DispatchJob(t, store, job.ID, testsupport.Units("a", "b"))

	lease := leaseOne(t, store, "w")
	if err := store.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if leases, _ := store.Lease(ctx, "w", 1, time.Minute); len(leases) != 0 {
		t.Fatal("cancel-requested jobs must not hand out leases")
	}
	pending, err := store.CancelPending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one cancel-pending job, got %d (%v)", len(pending), err)
	}

	if err := store.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if err := store.Discard(ctx, lease); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected lease lost after cancel, got %v", err)
	}
	tasks, _ := store.Tasks(ctx, job.ID)
	for _, task := range tasks {
		if task.State != queue.TaskCancelled {
			t.Fatalf("expected cancelled task, got %s", task.State)
		}
	}
	if err := store.RequestCancel(ctx, job.ID); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on terminal job, got %v", err)
	}
	if _, _, err := store.Output(ctx, job.ID); !errors.Is(err, queue.ErrOutputNotReady) {
		t.Fatalf("cancelled job must have no output, got %v", err)
	}
}

func TestCompleteJobAndRetryFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(1))
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{})
	testsupport.DispatchJob(t, store, job.ID, testsupport.Units("a", "b"))

	first := leaseOne(t, store, "w")
	if err := store.Ack(ctx, first, "news"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	second := leaseOne(t, store, "w")
	if _, err := store.Nack(ctx, second, errors.New("boom")); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	if _, _, err := store.Output(ctx, job.ID); !errors.Is(err, queue.ErrOutputNotReady) {
		t.Fatalf("expected output not ready, got %v", err)
	}
	if _, err := store.CompleteJob(ctx, job.ID, []byte("x"), ""); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("complete requires finalizing, got %v", err)
	}
	if err := store.TransitionJob(ctx, job.ID, queue.JobAwaiting, queue.JobFinalizing); err != nil {
		t.Fatalf("TransitionJob failed: %v", err)
	}
	status, err := store.CompleteJob(ctx, job.ID, []byte("artifact"), "/tmp/out.json")
	if err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if status != queue.JobCompletedWithErrors {
		t.Fatalf("expected completed_with_errors, got %s", status)
	}
	output, fetched, err := store.Output(ctx, job.ID)
	if err != nil || string(output) != "artifact" || fetched.OutputPath != "/tmp/out.json" {
		t.Fatalf("unexpected output %q (%v)", output, err)
	}

	retried, err := store.RetryFailed(ctx, job.ID)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected one retried task, got %d", retried)
	}
	assertCounters(t, store, job.ID, 1, 0, 2)
	if _, _, err := store.Output(ctx, job.ID); !errors.Is(err, queue.ErrOutputNotReady) {
		t.Fatalf("retry must clear the artifact, got %v", err)
	}
	lease := leaseOne(t, store, "w")
	if lease.Attempt != 0 || lease.UnitID != "u2" {
		t.Fatalf("unexpected retried lease: %+v", lease)
	}
}

func TestFailJobAndWarnings(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.Submission{})

	if err := store.FailJob(ctx, job.ID, "ParseError: bad json"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	fetched, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if fetched.Status != queue.JobFailed || fetched.ErrorMessage != "ParseError: bad json" || fetched.FinishedAt == nil {
		t.Fatalf("unexpected failed job: %#v", fetched)
	}
	if err := store.FailJob(ctx, job.ID, "again"); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected terminal job to stay failed, got %v", err)
	}

	other := testsupport.NewJob(t, store, queue.Submission{})
	units := testsupport.Units("a", "")
	if err := store.AddWarnings(ctx, other.ID, nil); err != nil {
		t.Fatalf("AddWarnings(nil) failed: %v", err)
	}
	if err := store.AddWarnings(ctx, other.ID, []format.Warning{{UnitID: units[1].ID, Index: 1, Message: "missing text"}}); err != nil {
		t.Fatalf("AddWarnings failed: %v", err)
	}
	warnings, err := store.Warnings(ctx, other.ID)
	if err != nil || len(warnings) != 1 || warnings[0].UnitID != "u2" {
		t.Fatalf("unexpected warnings %+v (%v)", warnings, err)
	}
}

func TestArchiveBeforeAndExpiredAwaiting(t *testing.T) {
	clock := testsupport.NewClock()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg, queue.WithClock(clock.Now))
	ctx := context.Background()

	done := testsupport.NewJob(t, store, queue.Submission{})
	if err := store.CancelJob(ctx, done.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	waiting := testsupport.NewJob(t, store, queue.Submission{})
	testsupport.DispatchJob(t, store, waiting.ID, testsupport.Units("a"))

	clock.Advance(time.Hour)
	expired, err := store.ExpiredAwaiting(ctx, clock.Now().Add(-30*time.Minute))
	if err != nil || len(expired) != 1 || expired[0].ID != waiting.ID {
		t.Fatalf("unexpected expired jobs %d (%v)", len(expired), err)
	}

	archived, err := store.ArchiveBefore(ctx, clock.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ArchiveBefore failed: %v", err)
	}
	if archived != 1 {
		t.Fatalf("expected one archived job, got %d", archived)
	}
	if _, err := store.GetJob(ctx, done.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("archived job must be gone, got %v", err)
	}
	jobs, err := store.ListJobs(ctx)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected the awaiting job to remain, got %d (%v)", len(jobs), err)
	}
	stats, err := store.Stats(ctx)
	if err != nil || stats[queue.JobAwaiting] != 1 {
		t.Fatalf("unexpected stats %v (%v)", stats, err)
	}
}
