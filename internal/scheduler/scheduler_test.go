package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/retry"
	"github.com/fentz26/swarm/internal/store"
)

func newTestService(t *testing.T) (*controlplane.Service, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rc := retry.Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond}
	return controlplane.NewService(s, controlplane.Options{Retry: &rc}), s
}

func testConfig(globalMax int, byClass map[string]int) *Config {
	return &Config{
		GlobalMax:         globalMax,
		ByClass:           byClass,
		PollInterval:      10 * time.Millisecond,
		LeaseDuration:     time.Minute,
		HeartbeatInterval: 20 * time.Millisecond,
		ReviewLease:       time.Minute,
		ReapInterval:      20 * time.Millisecond,
		ReaperLockTTL:     time.Second,
	}
}

// blockingWorker holds every ticket until released or cancelled and
// tracks peak concurrency.
type blockingWorker struct {
	class   string
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func newBlockingWorker(class string) *blockingWorker {
	return &blockingWorker{class: class, release: make(chan struct{})}
}

func (w *blockingWorker) Class() string { return w.class }

func (w *blockingWorker) Execute(ctx context.Context, t *models.Ticket) models.Outcome {
	n := w.running.Add(1)
	defer w.running.Add(-1)
	for {
		p := w.peak.Load()
		if n <= p || w.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-w.release:
		return models.Success("done " + t.ID)
	case <-ctx.Done():
		return models.Failure(models.Reason{Code: "timeout", Message: ctx.Err().Error()})
	}
}

func createTickets(t *testing.T, svc *controlplane.Service, class string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		tk, err := svc.CreateTicket(context.Background(), store.NewTicket{Title: "Ticket", WorkerClass: class, ProjectID: "p"})
		if err != nil {
			t.Fatalf("Failed to create ticket: %v", err)
		}
		ids[i] = tk.ID
	}
	return ids
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", what)
		case <-ticker.C:
		}
	}
}

func ticketState(t *testing.T, svc *controlplane.Service, id string) models.State {
	t.Helper()
	tk, err := svc.GetTicket(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get ticket: %v", err)
	}
	return tk.State
}

func TestSchedulerConcurrencyLimits(t *testing.T) {
	svc, _ := newTestService(t)
	a := newBlockingWorker("a")
	b := newBlockingWorker("b")
	reg, err := connectors.NewRegistry(a, b)
	if err != nil {
		t.Fatal(err)
	}

	createTickets(t, svc, "a", 5)
	createTickets(t, svc, "b", 5)

	sch := New(svc, reg, testConfig(3, map[string]int{"a": 2, "b": 2}), Options{})
	sch.Start(context.Background())
	defer sch.Stop()

	waitFor(t, 5*time.Second, "3 active workers", func() bool {
		return sch.Stats().ActiveWorkers == 3
	})
	// Give the loop time to overshoot if it were going to.
	time.Sleep(100 * time.Millisecond)

	stats := sch.Stats()
	if stats.ActiveWorkers != 3 {
		t.Errorf("Expected 3 active workers, got %d", stats.ActiveWorkers)
	}
	if stats.ByClass["a"] > 2 || stats.ByClass["b"] > 2 {
		t.Errorf("Per-class limit exceeded: %v", stats.ByClass)
	}
	if a.peak.Load() > 2 || b.peak.Load() > 2 {
		t.Errorf("Peak per-class concurrency exceeded: a=%d b=%d", a.peak.Load(), b.peak.Load())
	}
	if a.peak.Load()+b.peak.Load() > 3 {
		t.Errorf("Peak global concurrency exceeded: %d", a.peak.Load()+b.peak.Load())
	}

	close(a.release)
	close(b.release)
}

func TestSchedulerEndToEnd(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	worker := connectors.WorkerFunc{Name: "coder", Fn: func(ctx context.Context, t *models.Ticket) models.Outcome {
		if models.TraceID(ctx) != t.TraceID {
			return models.Failure(models.Reason{Code: "malformed_input", Message: "trace id not propagated"})
		}
		return models.Success("patch for " + t.Title)
	}}
	verifier := connectors.VerifierFunc(func(_ context.Context, t *models.Ticket) (models.Verdict, error) {
		if t.Artifact != "patch for "+t.Title {
			return models.Verdict{Status: models.VerdictFailed}, nil
		}
		return models.Verdict{Status: models.VerdictPassed}, nil
	})
	reg, _ := connectors.NewRegistry(worker)

	first, err := svc.CreateTicket(ctx, store.NewTicket{Title: "first", WorkerClass: "coder", ProjectID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.CreateTicket(ctx, store.NewTicket{Title: "second", WorkerClass: "coder", ProjectID: "p", DependsOn: []string{first.ID}})
	if err != nil {
		t.Fatal(err)
	}

	sch := New(svc, reg, testConfig(4, map[string]int{"coder": 2}), Options{Verifier: verifier})
	sch.Start(ctx)
	defer sch.Stop()

	waitFor(t, 10*time.Second, "both tickets done", func() bool {
		return ticketState(t, svc, first.ID) == models.StateDone && ticketState(t, svc, second.ID) == models.StateDone
	})

	events, err := svc.History(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make(map[models.EventKind]bool)
	for _, ev := range events {
		kinds[ev.Kind] = true
		if ev.Actor == "" {
			t.Errorf("Event seq %d has no actor", ev.Seq)
		}
	}
	for _, k := range []models.EventKind{models.EventUnblocked, models.EventClaimed, models.EventStarted,
		models.EventSubmitted, models.EventReviewClaimed} {
		if !kinds[k] {
			t.Errorf("Expected a %s event in history", k)
		}
	}
}

func TestSchedulerRetriesFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int32
	worker := connectors.WorkerFunc{Name: "coder", Fn: func(context.Context, *models.Ticket) models.Outcome {
		if calls.Add(1) == 1 {
			return models.Failure(models.Reason{Code: "network", Message: "connection reset"})
		}
		return models.Success("ok")
	}}
	reg, _ := connectors.NewRegistry(worker)
	ids := createTickets(t, svc, "coder", 1)

	// No verifier: the ticket stops in review.
	sch := New(svc, reg, testConfig(1, map[string]int{"coder": 1}), Options{})
	sch.Start(ctx)
	defer sch.Stop()

	waitFor(t, 10*time.Second, "ticket in review", func() bool {
		return ticketState(t, svc, ids[0]) == models.StateInReview
	})
	tk, _ := svc.GetTicket(ctx, ids[0])
	if tk.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", tk.RetryCount)
	}
	attempts, err := svc.Attempts(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Errorf("Expected 2 attempts, got %d", len(attempts))
	}
}

func TestSchedulerReapsExpiredLeases(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// A ticket for a class this scheduler does not serve, claimed by a
	// worker that disappears.
	ids := createTickets(t, svc, "remote", 1)
	claimed, err := svc.ClaimNext(ctx, store.Filter{WorkerClass: "remote"}, "ghost", 20*time.Millisecond)
	if err != nil || claimed == nil {
		t.Fatalf("Failed to claim: %v", err)
	}

	reg, _ := connectors.NewRegistry(newBlockingWorker("local"))
	sch := New(svc, reg, testConfig(1, nil), Options{ID: "sched-1"})
	sch.Start(ctx)
	defer sch.Stop()

	waitFor(t, 5*time.Second, "lease reaped", func() bool {
		return ticketState(t, svc, ids[0]) == models.StateReady
	})
	lock, err := svc.AcquireLock(ctx, reaperLock, "sched-2", time.Second)
	if err == nil {
		t.Errorf("Expected reaper lock to be held by sched-1, got %+v", lock)
	}
}

func TestSchedulerSweepsStrandedTickets(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	dep := createTickets(t, svc, "remote", 1)[0]
	blocked, err := svc.CreateTicket(ctx, store.NewTicket{Title: "Blocked", WorkerClass: "remote", ProjectID: "p", DependsOn: []string{dep}})
	if err != nil {
		t.Fatalf("Failed to create ticket: %v", err)
	}

	// Complete the dependency without running its cascade.
	claimed, err := svc.ClaimNext(ctx, store.Filter{WorkerClass: "remote"}, "ghost", time.Minute)
	if err != nil || claimed == nil || claimed.ID != dep {
		t.Fatalf("Failed to claim dependency: %+v, %v", claimed, err)
	}
	lease := claimed.Owner.LeaseID
	if _, _, err := st.Transition(ctx, dep,
		store.Change{To: models.StateInProgress, Check: store.RequireLease(lease)},
		store.Change{To: models.StateInReview, Check: store.RequireLease(lease)},
		store.Change{To: models.StateDone},
	); err != nil {
		t.Fatalf("Failed to complete dependency: %v", err)
	}
	if got := ticketState(t, svc, blocked.ID); got != models.StateBlocked {
		t.Fatalf("Expected dependent to stay blocked, got %s", got)
	}

	reg, _ := connectors.NewRegistry(newBlockingWorker("local"))
	sch := New(svc, reg, testConfig(1, nil), Options{ID: "sched-1"})
	sch.Start(ctx)
	defer sch.Stop()

	waitFor(t, 5*time.Second, "stranded ticket unblocked", func() bool {
		return ticketState(t, svc, blocked.ID) == models.StateReady
	})
}

func TestSchedulerStopInterruptsWorkers(t *testing.T) {
	svc, _ := newTestService(t)
	w := newBlockingWorker("coder")
	reg, _ := connectors.NewRegistry(w)
	ids := createTickets(t, svc, "coder", 1)

	sch := New(svc, reg, testConfig(1, map[string]int{"coder": 1}), Options{})
	sch.Start(context.Background())
	waitFor(t, 5*time.Second, "worker running", func() bool { return w.running.Load() == 1 })

	done := make(chan struct{})
	go func() {
		sch.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	// The interrupted result is not reported; the lease is left to expire.
	if got := ticketState(t, svc, ids[0]); got != models.StateInProgress {
		t.Errorf("Expected in_progress after interrupt, got %s", got)
	}
	if sch.Stats().ActiveWorkers != 0 {
		t.Errorf("Expected no active workers after stop, got %d", sch.Stats().ActiveWorkers)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.ClassLimit("coder") != 5 {
		t.Errorf("Expected coder limit 5, got %d", cfg.ClassLimit("coder"))
	}
	if cfg.ClassLimit("unknown") != 1 {
		t.Errorf("Expected default limit 1, got %d", cfg.ClassLimit("unknown"))
	}

	bad := testConfig(1, nil)
	bad.HeartbeatInterval = bad.LeaseDuration
	if err := bad.Validate(); err == nil {
		t.Error("Expected heartbeat >= lease to be rejected")
	}
}
