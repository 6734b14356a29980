package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/breaker"
	"github.com/fentz26/swarm/internal/clock"
	"github.com/fentz26/swarm/internal/metrics"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/retry"
	"github.com/fentz26/swarm/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc   *Service
	store *store.Store
	clock *clock.FakeClock

	mu        sync.Mutex
	escalated []string
}

func newHarness(t *testing.T, rc retry.Config) *harness {
	t.Helper()
	fc := clock.Fake(epoch)
	s, err := store.New(filepath.Join(t.TempDir(), "swarm.db"), store.WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{store: s, clock: fc}
	bc := breaker.Config{WindowSize: 4, FailureThreshold: 0.5, MinSamples: 2, Cooldown: time.Minute}
	h.svc = NewService(s, Options{
		Clock:   fc,
		Metrics: metrics.NewCollector(),
		Retry:   &rc,
		Breaker: &bc,
		Escalator: EscalatorFunc(func(_ context.Context, t *models.Ticket) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.escalated = append(h.escalated, t.ID)
			return nil
		}),
	})
	return h
}

func (h *harness) create(t *testing.T, title string, dependsOn ...string) *models.Ticket {
	t.Helper()
	h.clock.Advance(time.Second)
	tk, err := h.svc.CreateTicket(context.Background(), store.NewTicket{
		Title:       title,
		WorkerClass: "coder",
		ProjectID:   "p1",
		DependsOn:   dependsOn,
	})
	require.NoError(t, err)
	return tk
}

func (h *harness) claim(t *testing.T, assignee string) *models.Ticket {
	t.Helper()
	tk, err := h.svc.ClaimNext(context.Background(), store.Filter{WorkerClass: "coder"}, assignee, time.Minute)
	require.NoError(t, err)
	return tk
}

// complete drives a ready ticket through a passing verification.
func (h *harness) complete(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	tk := h.claim(t, "w")
	require.NotNil(t, tk)
	require.Equal(t, id, tk.ID)
	_, err := h.svc.ReportResult(ctx, id, tk.Owner.LeaseID, models.Success("patch"))
	require.NoError(t, err)
	_, err = h.svc.ReportVerification(ctx, id, "", models.Verdict{Status: models.VerdictPassed})
	require.NoError(t, err)
}

func TestWorkedExample(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.Config{MaxAttempts: 1, BaseDelay: 10 * time.Second, MaxDelay: time.Minute})

	t1 := h.create(t, "T1")
	require.Equal(t, models.StateReady, t1.State)

	// Two schedulers claim at once; exactly one wins.
	var wg sync.WaitGroup
	results := make([]*models.Ticket, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := h.svc.ClaimNext(ctx, store.Filter{}, "scheduler", time.Minute)
			assert.NoError(t, err)
			results[i] = tk
		}(i)
	}
	wg.Wait()
	var claimed *models.Ticket
	for _, r := range results {
		if r != nil {
			require.Nil(t, claimed, "ticket claimed twice")
			claimed = r
		}
	}
	require.NotNil(t, claimed)
	assert.Equal(t, models.StateAssigned, claimed.State)

	// Transient verification failure: retry scheduled, back to ready.
	got, err := h.svc.ReportResult(ctx, t1.ID, claimed.Owner.LeaseID, models.VerificationFailed(
		models.Reason{Code: "verification_failed", Message: "tests fail"},
		[]models.FeedbackItem{{File: "main.go", Message: "TestX failed"}},
	))
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.RetryAfter)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), *got.RetryAfter)
	assert.Nil(t, got.Owner)
	require.Len(t, got.Feedback, 1)

	// Gated by retry_after.
	assert.Nil(t, h.claim(t, "w2"))
	h.clock.Advance(11 * time.Second)
	again := h.claim(t, "w2")
	require.NotNil(t, again)

	// Second failure at MaxAttempts goes on hold regardless of class.
	got, err = h.svc.ReportResult(ctx, t1.ID, again.Owner.LeaseID, models.Failure(models.Reason{Code: "network"}))
	require.NoError(t, err)
	assert.Equal(t, models.StateOnHold, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.HoldReason, "retries exhausted")
	assert.Equal(t, []string{t1.ID}, h.escalated)

	events, err := h.svc.History(ctx, t1.ID)
	require.NoError(t, err)
	var path []models.State
	for _, ev := range events {
		if ev.FromState != ev.ToState {
			path = append(path, ev.ToState)
		}
	}
	assert.Equal(t, []models.State{
		models.StateDraft, models.StateReady, models.StateAssigned, models.StateInProgress,
		models.StateInReview, models.StateSentinelFailed, models.StatePendingRetry, models.StateReady,
		models.StateAssigned, models.StateInProgress, models.StateInReview, models.StateSentinelFailed,
		models.StateOnHold,
	}, path)

	state, err := h.svc.Replay(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOnHold, state)

	fb, err := h.svc.FeedbackHistory(ctx, t1.ID)
	require.NoError(t, err)
	require.Len(t, fb, 2)
	assert.Equal(t, "TestX failed", fb[0][0].Message)

	attempts, err := h.svc.Attempts(ctx, t1.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)

	// A human requeues it.
	got, err = h.svc.Requeue(ctx, t1.ID, "operator", "flake fixed")
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, got.State)
	assert.Empty(t, got.HoldReason)
	assert.Equal(t, 1, got.RetryCount)
}

func TestTerminalFailureHolds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.DefaultConfig())
	tk := h.create(t, "needs creds")

	claimed := h.claim(t, "w")
	require.NotNil(t, claimed)
	_, err := h.svc.Start(ctx, tk.ID, claimed.Owner.LeaseID)
	require.NoError(t, err)

	got, err := h.svc.ReportResult(ctx, tk.ID, claimed.Owner.LeaseID, models.Failure(models.Reason{Code: "auth", Message: "401"}))
	require.NoError(t, err)
	assert.Equal(t, models.StateOnHold, got.State)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.HoldReason, "terminal")
}

func TestVerificationRouting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.DefaultConfig())
	tk := h.create(t, "feature")

	claimed := h.claim(t, "w")
	require.NotNil(t, claimed)
	got, err := h.svc.ReportResult(ctx, tk.ID, claimed.Owner.LeaseID, models.Success("diff --git"))
	require.NoError(t, err)
	assert.Equal(t, models.StateInReview, got.State)
	assert.Equal(t, "diff --git", got.Artifact)

	review, err := h.svc.ClaimReview(ctx, "sentinel-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, review)
	require.Equal(t, tk.ID, review.ID)

	// Without the review lease the verdict is rejected.
	_, err = h.svc.ReportVerification(ctx, tk.ID, "", models.Verdict{Status: models.VerdictPassed})
	assert.ErrorIs(t, err, ErrStaleOwner)

	got, err = h.svc.ReportVerification(ctx, tk.ID, review.Owner.LeaseID, models.Verdict{
		Status:   models.VerdictFailed,
		Feedback: []models.FeedbackItem{{Message: "lint"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "lint", got.Feedback[0].Message)

	// Passing verdict on a ticket not in review is an invalid transition.
	_, err = h.svc.ReportVerification(ctx, tk.ID, "", models.Verdict{Status: models.VerdictPassed})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompletionCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.DefaultConfig())
	a := h.create(t, "A")
	b := h.create(t, "B")
	c := h.create(t, "C", a.ID, b.ID)
	require.Equal(t, models.StateBlocked, c.State)

	h.complete(t, a.ID)
	got, err := h.svc.GetTicket(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateBlocked, got.State, "no premature readiness")

	h.complete(t, b.ID)
	got, err = h.svc.GetTicket(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, got.State)
}

func TestSweepUnblocksStrandedDependents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.DefaultConfig())
	a := h.create(t, "A")
	b := h.create(t, "B", a.ID)

	// A reaches done but the process stops before its cascade runs.
	claimed := h.claim(t, "w")
	require.NotNil(t, claimed)
	_, err := h.svc.ReportResult(ctx, a.ID, claimed.Owner.LeaseID, models.Success("patch"))
	require.NoError(t, err)
	_, _, err = h.store.Transition(ctx, a.ID, store.Change{To: models.StateDone, Reason: "verification passed"})
	require.NoError(t, err)

	got, err := h.svc.GetTicket(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateBlocked, got.State)

	h.clock.Advance(time.Second)
	unblocked, err := h.svc.SweepBlocked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, unblocked)

	got, err = h.svc.GetTicket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, got.State)

	unblocked, err = h.svc.SweepBlocked(ctx)
	require.NoError(t, err)
	assert.Empty(t, unblocked)
}

func TestBreakerSuppressesClaims(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.Config{MaxAttempts: 10, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	bad := h.create(t, "bad")
	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Second)
		claimed := h.claim(t, "w")
		require.NotNil(t, claimed)
		_, err := h.svc.ReportResult(ctx, bad.ID, claimed.Owner.LeaseID, models.Failure(models.Reason{Code: "network"}))
		require.NoError(t, err)
	}
	require.Len(t, h.svc.BreakerStatus(ctx), 1)
	assert.Equal(t, breaker.Open, h.svc.BreakerStatus(ctx)[0].State)

	// Same key suppressed; another project still dispatches.
	h.clock.Advance(time.Second)
	assert.Nil(t, h.claim(t, "w"))

	other, err := h.svc.CreateTicket(ctx, store.NewTicket{Title: "other", WorkerClass: "coder", ProjectID: "p2"})
	require.NoError(t, err)
	got := h.claim(t, "w")
	require.NotNil(t, got)
	assert.Equal(t, other.ID, got.ID)

	// After the cooldown exactly one trial goes through.
	h.clock.Advance(time.Minute)
	trial := h.claim(t, "w")
	require.NotNil(t, trial)
	assert.Equal(t, bad.ID, trial.ID)
	assert.Equal(t, breaker.HalfOpen, h.svc.breaker.State(bad.Key()))
}

func TestCancelMakesOwnerStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.DefaultConfig())
	tk := h.create(t, "doomed")

	claimed := h.claim(t, "w")
	require.NotNil(t, claimed)
	lease := claimed.Owner.LeaseID

	got, err := h.svc.Cancel(ctx, tk.ID, "operator", "obsolete")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Nil(t, got.Owner)

	_, err = h.svc.RenewLease(ctx, tk.ID, lease, time.Minute)
	assert.ErrorIs(t, err, ErrStaleOwner)
	_, err = h.svc.ReportResult(ctx, tk.ID, lease, models.Success("late"))
	assert.ErrorIs(t, err, ErrStaleOwner)

	_, err = h.svc.Cancel(ctx, tk.ID, "operator", "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestVerdictAfterCancelIsStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.DefaultConfig())
	tk := h.create(t, "reviewed")

	claimed := h.claim(t, "w")
	require.NotNil(t, claimed)
	_, err := h.svc.ReportResult(ctx, tk.ID, claimed.Owner.LeaseID, models.Success("patch"))
	require.NoError(t, err)
	review, err := h.svc.ClaimReview(ctx, "sentinel", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, review)

	_, err = h.svc.Cancel(ctx, tk.ID, "operator", "obsolete")
	require.NoError(t, err)

	_, err = h.svc.ReportVerification(ctx, tk.ID, review.Owner.LeaseID, models.Verdict{Status: models.VerdictPassed})
	assert.ErrorIs(t, err, ErrStaleOwner)
}

func TestReapThenLateReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.DefaultConfig())
	tk := h.create(t, "slow")

	claimed := h.claim(t, "w")
	require.NotNil(t, claimed)
	_, err := h.svc.Start(ctx, tk.ID, claimed.Owner.LeaseID)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	reaped, err := h.svc.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tk.ID}, reaped)

	got, err := h.svc.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, got.State)
	assert.Equal(t, 0, got.RetryCount)

	_, err = h.svc.ReportResult(ctx, tk.ID, claimed.Owner.LeaseID, models.Success("late"))
	assert.ErrorIs(t, err, ErrStaleOwner)
}

func TestProjectionRepair(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.DefaultConfig())
	tk := h.create(t, "drifted")

	p, err := h.svc.VerifyProjection(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, p.Consistent())

	state, err := h.svc.RebuildProjection(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, state)
}

func TestReportResultRejectsUnknownOutcome(t *testing.T) {
	h := newHarness(t, retry.DefaultConfig())
	tk := h.create(t, "x")
	_, err := h.svc.ReportResult(context.Background(), tk.ID, "lease", models.Outcome{Kind: "maybe"})
	assert.True(t, errors.Is(err, ErrUnknownOutcome))
}

func TestApplyConfig(t *testing.T) {
	h := newHarness(t, retry.DefaultConfig())
	rc := retry.Config{MaxAttempts: 9}
	bc := breaker.DefaultConfig()
	bc.Cooldown = time.Hour

	h.svc.ApplyConfig(rc, bc)
	assert.Equal(t, 9, h.svc.policy.Load().Config().MaxAttempts)
	assert.Equal(t, time.Hour, h.svc.breaker.Config().Cooldown)
}

func TestWorkerErrorNeverEntersFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	tk := h.create(t, "flaky")

	claimed := h.claim(t, "w")
	require.NotNil(t, claimed)
	got, err := h.svc.ReportResult(ctx, tk.ID, claimed.Owner.LeaseID, models.Failure(models.Reason{Code: "network"}))
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, got.State)

	events, err := h.svc.History(ctx, tk.ID)
	require.NoError(t, err)
	var submitted []models.Event
	for _, ev := range events {
		assert.NotEqual(t, models.StateFailed, ev.ToState)
		if ev.Kind == models.EventSubmitted {
			submitted = append(submitted, ev)
		}
	}
	require.Len(t, submitted, 1)
	var payload struct {
		Outcome       string `json:"outcome"`
		ArtifactBytes int    `json:"artifact_bytes"`
	}
	require.NoError(t, json.Unmarshal(submitted[0].Payload, &payload))
	assert.Equal(t, "error", payload.Outcome)
	assert.Zero(t, payload.ArtifactBytes)
}

func TestBreakerSharesOutcomesAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(epoch)
	path := filepath.Join(t.TempDir(), "swarm.db")
	rc := retry.Config{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	bc := breaker.Config{WindowSize: 20, FailureThreshold: 0.5, MinSamples: 5, Cooldown: time.Minute}
	open := func() *Service {
		s, err := store.New(path, store.WithClock(fc))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return NewService(s, Options{Clock: fc, Retry: &rc, Breaker: &bc})
	}
	// The daemon dispatches; verdicts arrive through a separate process.
	daemon, verifier := open(), open()

	for i := 0; i < 20; i++ {
		fc.Advance(time.Second)
		_, err := daemon.CreateTicket(ctx, store.NewTicket{Title: "t", WorkerClass: "coder", ProjectID: "p1"})
		require.NoError(t, err)
	}
	for i := 0; i < 20; i++ {
		fc.Advance(time.Second)
		tk, err := daemon.ClaimNext(ctx, store.Filter{WorkerClass: "coder"}, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, tk, "claim %d suppressed", i)
		if i%4 == 3 {
			_, err = daemon.ReportResult(ctx, tk.ID, tk.Owner.LeaseID, models.Failure(models.Reason{Code: "network"}))
			require.NoError(t, err)
			continue
		}
		_, err = daemon.ReportResult(ctx, tk.ID, tk.Owner.LeaseID, models.Success("patch"))
		require.NoError(t, err)
		_, err = verifier.ReportVerification(ctx, tk.ID, "", models.Verdict{Status: models.VerdictPassed})
		require.NoError(t, err)
	}

	status := daemon.BreakerStatus(ctx)
	require.Len(t, status, 1)
	assert.Equal(t, breaker.Closed, status[0].State)
	assert.Equal(t, 20, status[0].Samples)
	assert.Equal(t, 5, status[0].Failures)
	assert.Equal(t, status, verifier.BreakerStatus(ctx))
}
