// Package controlplane provides the service layer for Swarm. Every ticket
// operation performed by a scheduler, an out-of-process worker, or an
// operator goes through Service.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fentz26/swarm/internal/audit"
	"github.com/fentz26/swarm/internal/breaker"
	"github.com/fentz26/swarm/internal/clock"
	"github.com/fentz26/swarm/internal/deps"
	"github.com/fentz26/swarm/internal/metrics"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/retry"
	"github.com/fentz26/swarm/internal/store"
)

// Escalator is notified when a ticket is put on hold for a human.
type Escalator interface {
	Escalate(ctx context.Context, t *models.Ticket) error
}

// EscalatorFunc adapts a function to the Escalator interface.
type EscalatorFunc func(ctx context.Context, t *models.Ticket) error

func (f EscalatorFunc) Escalate(ctx context.Context, t *models.Ticket) error {
	return f(ctx, t)
}

// Options configures a Service. Zero values take defaults.
type Options struct {
	Clock              clock.Clock
	Logger             *slog.Logger
	Metrics            *metrics.Collector
	Escalator          Escalator
	Retry              *retry.Config
	Breaker            *breaker.Config
	MaxDependencyDepth int
}

// Service provides the control plane business logic.
type Service struct {
	store     *store.Store
	log       *audit.Log
	resolver  *deps.Resolver
	policy    atomic.Pointer[retry.Policy]
	breaker   *breaker.Breaker
	metrics   *metrics.Collector
	escalator Escalator
	logger    *slog.Logger
}

// NewService creates a new control plane service.
func NewService(s *store.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rc := retry.DefaultConfig()
	if opts.Retry != nil {
		rc = *opts.Retry
	}
	bc := breaker.DefaultConfig()
	if opts.Breaker != nil {
		bc = *opts.Breaker
	}

	svc := &Service{
		store:     s,
		log:       audit.NewLog(s),
		resolver:  deps.New(s, opts.MaxDependencyDepth, logger),
		breaker:   breaker.New(bc, opts.Clock),
		metrics:   opts.Metrics,
		escalator: opts.Escalator,
		logger:    logger,
	}
	svc.policy.Store(retry.New(rc))
	svc.breaker.OnStateChange(func(key models.Key, from, to breaker.State) {
		logger.Info("circuit state changed", "key", key.String(), "from", from, "to", to)
		svc.metrics.SetBreakerState(key, string(to))
	})
	return svc
}

// ApplyConfig swaps the retry and breaker tunables at runtime.
func (s *Service) ApplyConfig(rc retry.Config, bc breaker.Config) {
	s.policy.Store(retry.New(rc))
	s.breaker.SetConfig(bc)
	s.logger.Info("engine tunables updated", "max_attempts", rc.MaxAttempts, "failure_threshold", bc.FailureThreshold)
}

// --- Ticket Operations ---

// CreateTicket creates a new ticket. Unless nt.Draft is set, it lands in
// ready, or blocked when a dependency is not yet done.
func (s *Service) CreateTicket(ctx context.Context, nt store.NewTicket) (*models.Ticket, error) {
	t, err := s.store.CreateTicket(ctx, nt)
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	if events, err := s.store.Events(ctx, t.ID); err == nil {
		s.metrics.ObserveEvents(events)
	}
	s.logger.Info("ticket created", "ticket_id", t.ID, "trace_id", t.TraceID, "state", t.State)
	return t, nil
}

// Promote moves a draft ticket to ready or blocked.
func (s *Service) Promote(ctx context.Context, ticketID, actor string) (*models.Ticket, error) {
	return s.store.Promote(ctx, ticketID, actor)
}

// GetTicket retrieves a ticket by ID.
func (s *Service) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

// ListTickets returns filtered tickets.
func (s *Service) ListTickets(ctx context.Context, q store.TicketQuery) ([]models.Ticket, error) {
	return s.store.ListTickets(ctx, q)
}

// Counts returns the number of tickets in each state.
func (s *Service) Counts(ctx context.Context) (map[models.State]int, error) {
	return s.store.CountByState(ctx)
}

// --- Claims ---

// ClaimNext claims the next dispatchable ticket matching f for assigneeID.
// Keys whose circuit is not accepting work are excluded from the claim. A
// nil ticket with a nil error means there was nothing to claim.
func (s *Service) ClaimNext(ctx context.Context, f store.Filter, assigneeID string, lease time.Duration) (*models.Ticket, error) {
	s.syncBreaker(ctx)
	f.ExcludeKeys = append(f.ExcludeKeys[:len(f.ExcludeKeys):len(f.ExcludeKeys)], s.breaker.Blocked()...)

	t, err := s.store.ClaimNext(ctx, f, assigneeID, lease)
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	s.metrics.RecordClaim(t != nil)
	if t == nil {
		return nil, nil
	}

	// The circuit may have tripped, or its one half-open trial been taken,
	// between computing the exclusions and the claim.
	if !s.breaker.Acquire(t.Key()) {
		s.logger.Debug("circuit not accepting dispatch, releasing claim", "ticket_id", t.ID, "key", t.Key().String())
		if _, err := s.store.Release(ctx, t.ID, t.Owner.LeaseID, "circuit open"); err != nil {
			return nil, fmt.Errorf("release %s: %w", t.ID, err)
		}
		return nil, nil
	}
	s.metrics.ObserveEvents([]models.Event{{FromState: models.StateReady, ToState: models.StateAssigned}})
	s.logger.Debug("ticket claimed", "ticket_id", t.ID, "trace_id", t.TraceID, "assignee", assigneeID)
	return t, nil
}

// Start moves a claimed ticket to in_progress.
func (s *Service) Start(ctx context.Context, ticketID, leaseID string) (*models.Ticket, error) {
	return s.transition(ctx, ticketID, store.Change{
		To:    models.StateInProgress,
		Kind:  models.EventStarted,
		Check: store.RequireLease(leaseID),
	})
}

// RenewLease extends the lease on a held ticket (heartbeat).
func (s *Service) RenewLease(ctx context.Context, ticketID, leaseID string, d time.Duration) (*models.Ticket, error) {
	return s.store.RenewLease(ctx, ticketID, leaseID, d)
}

// Release voluntarily returns an assigned ticket to ready.
func (s *Service) Release(ctx context.Context, ticketID, leaseID, reason string) (*models.Ticket, error) {
	return s.store.Release(ctx, ticketID, leaseID, reason)
}

// ReapExpiredLeases returns every held ticket whose lease passed to ready.
func (s *Service) ReapExpiredLeases(ctx context.Context) ([]string, error) {
	ids, err := s.store.ReapExpiredLeases(ctx, "reaper")
	s.metrics.RecordReaped(len(ids))
	return ids, err
}

// SweepBlocked unblocks every blocked ticket whose dependencies are all
// done. It recovers dependents left blocked when the process stopped
// between a completion and its cascade.
func (s *Service) SweepBlocked(ctx context.Context) ([]string, error) {
	cascade, err := s.resolver.Sweep(ctx)
	if len(cascade.Unblocked) > 0 {
		s.metrics.ObserveEvents(unblockedEvents(cascade.Unblocked))
		s.logger.Warn("unblocked stranded tickets", "count", len(cascade.Unblocked), "ticket_ids", cascade.Unblocked)
	}
	return cascade.Unblocked, err
}

// ClaimReview takes a review lease on the next ticket awaiting
// verification.
func (s *Service) ClaimReview(ctx context.Context, reviewerID string, lease time.Duration) (*models.Ticket, error) {
	return s.store.ClaimReview(ctx, reviewerID, lease)
}

// --- Results ---

// ReportResult records a worker's outcome for a ticket it holds under
// leaseID. A success submits the artifact for verification. A worker-side
// verification failure and an execution error are handled identically:
// the ticket passes through in_review to sentinel_failed and the retry
// policy decides between a delayed retry and on_hold. The submitted event's
// payload carries the reported outcome kind. No outcome moves a ticket to
// failed: the engine never enters that state, and a ticket out of retries
// waits in on_hold instead.
func (s *Service) ReportResult(ctx context.Context, ticketID, leaseID string, out models.Outcome) (*models.Ticket, error) {
	switch out.Kind {
	case models.OutcomeSuccess, models.OutcomeVerificationFailed, models.OutcomeError:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOutcome, out.Kind)
	}

	cur, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	var changes []store.Change
	check := store.RequireLease(leaseID)
	if cur.State == models.StateAssigned {
		changes = append(changes, store.Change{
			To:    models.StateInProgress,
			Kind:  models.EventStarted,
			Check: check,
		})
		check = nil
	}

	submitReason := string(out.Kind)
	if out.Kind != models.OutcomeSuccess {
		submitReason = out.Reason.String()
	}
	changes = append(changes, store.Change{
		To:      models.StateInReview,
		Kind:    models.EventSubmitted,
		Reason:  submitReason,
		Payload: map[string]any{"outcome": string(out.Kind), "artifact_bytes": len(out.Artifact)},
		Check:   check,
		Apply: func(t *models.Ticket, _ time.Time) {
			t.Artifact = out.Artifact
		},
		EndAttempt: string(out.Kind),
	})

	if out.Kind == models.OutcomeSuccess {
		t, err := s.transition(ctx, ticketID, changes...)
		if err != nil {
			return nil, err
		}
		s.logger.Info("ticket submitted for review", "ticket_id", t.ID, "trace_id", t.TraceID)
		return t, nil
	}

	actor := ""
	if cur.Owner != nil {
		actor = cur.Owner.AssigneeID
	}
	return s.fail(ctx, cur, changes, actor, out.Reason, out.Feedback)
}

// ReportVerification routes a verifier's verdict for a ticket in review.
// reviewLeaseID is the lease taken by ClaimReview; an empty id is accepted
// only while no live review lease exists. A pass completes the ticket and
// unblocks its dependents; a failure goes through the retry policy.
func (s *Service) ReportVerification(ctx context.Context, ticketID, reviewLeaseID string, v models.Verdict) (*models.Ticket, error) {
	cur, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	actor := "sentinel"
	if cur.Owner != nil && reviewLeaseID != "" {
		actor = cur.Owner.AssigneeID
	}
	check := store.RequireReviewer(reviewLeaseID)

	switch v.Status {
	case models.VerdictPassed:
		t, err := s.transition(ctx, ticketID, store.Change{
			To:     models.StateDone,
			Actor:  actor,
			Reason: "verification passed",
			Check:  check,
		})
		if err != nil {
			return nil, err
		}
		s.syncBreaker(ctx)
		s.logger.Info("ticket done", "ticket_id", t.ID, "trace_id", t.TraceID)

		cascade, err := s.resolver.OnCompleted(ctx, t.ID)
		if len(cascade.Unblocked) > 0 {
			s.metrics.ObserveEvents(unblockedEvents(cascade.Unblocked))
		}
		for id, outstanding := range cascade.StillBlocked {
			s.logger.Debug("dependent still blocked", "ticket_id", id, "outstanding", outstanding)
		}
		if err != nil {
			// The reaper's sweep retries whatever was left blocked.
			return t, fmt.Errorf("cascade from %s: %w", t.ID, err)
		}
		return t, nil

	case models.VerdictFailed:
		reason := v.Reason
		if reason.Code == "" {
			reason.Code = retry.CodeVerificationFailed
		}
		return s.fail(ctx, cur, []store.Change{{To: models.StateSentinelFailed, Check: check}}, actor, reason, v.Feedback)

	default:
		return nil, fmt.Errorf("unknown verdict status %q", v.Status)
	}
}

// fail appends the sentinel_failed step (unless changes already end in it)
// and the retry decision to changes, applies them in one transaction, and
// resyncs the breaker.
func (s *Service) fail(ctx context.Context, cur *models.Ticket, changes []store.Change, actor string, reason models.Reason, feedback []models.FeedbackItem) (*models.Ticket, error) {
	failed := store.Change{To: models.StateSentinelFailed}
	if last := len(changes) - 1; last >= 0 && changes[last].To == models.StateSentinelFailed {
		failed = changes[last]
		changes = changes[:last]
	}
	failed.Kind = models.EventVerificationFailed
	failed.Actor = actor
	failed.Reason = reason.String()
	failed.Payload = map[string]any{"code": reason.Code, "message": reason.Message, "feedback": feedback}
	failed.Apply = func(t *models.Ticket, _ time.Time) {
		if len(feedback) > 0 {
			t.Feedback = feedback
		}
	}
	changes = append(changes, failed)

	d := s.policy.Load().Decide(cur, reason, s.store.Now())
	retryCount := cur.RetryCount
	pinned := func(t *models.Ticket, _ time.Time) error {
		if t.RetryCount != retryCount {
			return fmt.Errorf("%w: retry count of %s moved", ErrConcurrentUpdate, t.ID)
		}
		return nil
	}
	changes[0].Check = chain(pinned, changes[0].Check)

	if d.Retry {
		changes = append(changes,
			store.Change{
				To:     models.StatePendingRetry,
				Kind:   models.EventRetryScheduled,
				Actor:  "retry-policy",
				Reason: string(d.Class),
				Payload: map[string]any{
					"retry_count": retryCount + 1,
					"delay_ms":    d.Delay.Milliseconds(),
				},
				Apply: func(t *models.Ticket, now time.Time) {
					t.RetryCount++
					after := now.Add(d.Delay)
					t.RetryAfter = &after
				},
			},
			store.Change{
				To:     models.StateReady,
				Actor:  "retry-policy",
				Reason: "requeued after backoff",
			},
		)
	} else {
		changes = append(changes, store.Change{
			To:     models.StateOnHold,
			Kind:   models.EventHeld,
			Actor:  "retry-policy",
			Reason: d.HoldReason,
			Apply: func(t *models.Ticket, _ time.Time) {
				t.HoldReason = d.HoldReason
			},
		})
	}

	t, err := s.transition(ctx, cur.ID, changes...)
	if err != nil {
		return nil, err
	}
	s.syncBreaker(ctx)
	s.metrics.RecordRetryDecision(d.Retry)

	if d.Retry {
		s.logger.Info("ticket retry scheduled", "ticket_id", t.ID, "trace_id", t.TraceID,
			"retry_count", t.RetryCount, "delay", d.Delay, "reason", reason.String())
	} else {
		s.escalate(ctx, t)
	}
	return t, nil
}

// escalate is the only path by which a ticket reaches a human.
func (s *Service) escalate(ctx context.Context, t *models.Ticket) {
	s.logger.Warn("ticket on hold", "ticket_id", t.ID, "trace_id", t.TraceID, "reason", t.HoldReason)
	s.metrics.RecordEscalation()
	if s.escalator == nil {
		return
	}
	if err := s.escalator.Escalate(ctx, t); err != nil {
		s.logger.Error("escalation failed", "ticket_id", t.ID, "error", err)
	}
}

// --- Admin ---

// Cancel moves any non-terminal ticket to cancelled, dropping its lease.
// A later renew or report by the previous owner fails with ErrStaleOwner.
func (s *Service) Cancel(ctx context.Context, ticketID, actor, reason string) (*models.Ticket, error) {
	return s.transition(ctx, ticketID, store.Change{
		To:         models.StateCancelled,
		Kind:       models.EventCancelled,
		Actor:      actor,
		Reason:     reason,
		EndAttempt: "cancelled",
	})
}

// Requeue returns an on_hold ticket to ready after human review. The retry
// count is left unchanged.
func (s *Service) Requeue(ctx context.Context, ticketID, actor, reason string) (*models.Ticket, error) {
	return s.transition(ctx, ticketID, store.Change{
		To:     models.StateReady,
		Actor:  actor,
		Reason: reason,
		Apply: func(t *models.Ticket, _ time.Time) {
			t.HoldReason = ""
			t.RetryAfter = nil
		},
	})
}

// AddDependency adds the edge ticketID -> dependsOnID.
func (s *Service) AddDependency(ctx context.Context, ticketID, dependsOnID string) error {
	return s.resolver.AddDependency(ctx, ticketID, dependsOnID)
}

// RemoveDependency removes the edge ticketID -> dependsOnID and unblocks
// the ticket if nothing else is outstanding.
func (s *Service) RemoveDependency(ctx context.Context, ticketID, dependsOnID, actor string) (*models.Ticket, error) {
	return s.resolver.RemoveDependency(ctx, ticketID, dependsOnID, actor)
}

// Outstanding returns the dependencies of ticketID that are not yet done.
func (s *Service) Outstanding(ctx context.Context, ticketID string) ([]string, error) {
	return s.resolver.Outstanding(ctx, ticketID)
}

// --- Audit ---

// History returns a ticket's events in order.
func (s *Service) History(ctx context.Context, ticketID string) ([]models.Event, error) {
	return s.log.History(ctx, ticketID)
}

// Events returns events across tickets.
func (s *Service) Events(ctx context.Context, q store.EventQuery) ([]models.Event, error) {
	return s.store.ListEvents(ctx, q)
}

// Replay reconstructs a ticket's state from its event log.
func (s *Service) Replay(ctx context.Context, ticketID string) (models.State, error) {
	return s.log.Replay(ctx, ticketID)
}

// VerifyProjection compares the cached state with the replayed one.
func (s *Service) VerifyProjection(ctx context.Context, ticketID string) (audit.Projection, error) {
	return s.log.VerifyProjection(ctx, ticketID)
}

// RebuildProjection overwrites the cached state with the replayed one.
func (s *Service) RebuildProjection(ctx context.Context, ticketID string) (models.State, error) {
	return s.store.RebuildProjection(ctx, ticketID)
}

// FeedbackHistory returns the feedback of every failed verification of a
// ticket, oldest first.
func (s *Service) FeedbackHistory(ctx context.Context, ticketID string) ([][]models.FeedbackItem, error) {
	events, err := s.log.History(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return audit.Feedback(events), nil
}

// Attempts returns the execution attempts of a ticket.
func (s *Service) Attempts(ctx context.Context, ticketID string) ([]models.Attempt, error) {
	return s.store.Attempts(ctx, ticketID)
}

// BreakerStatus returns the state of every known circuit.
func (s *Service) BreakerStatus(ctx context.Context) []breaker.Status {
	s.syncBreaker(ctx)
	return s.breaker.Snapshot()
}

// syncBreaker reloads the breaker windows from the event log, so outcomes
// reported through any process sharing the database are counted.
func (s *Service) syncBreaker(ctx context.Context) {
	cfg := s.breaker.Config()
	var since time.Time
	if cfg.WindowDuration > 0 {
		since = s.store.Now().Add(-cfg.WindowDuration)
	}
	outcomes, err := s.store.Outcomes(ctx, since, cfg.WindowSize)
	if err != nil {
		s.logger.Warn("breaker sync failed", "error", err)
		return
	}
	windows := make(map[models.Key][]breaker.Sample)
	for _, o := range outcomes {
		windows[o.Key] = append(windows[o.Key], breaker.Sample{At: o.At, OK: o.OK})
	}
	s.breaker.Sync(windows)
}

// --- Locks ---

// AcquireLock acquires a named lock for holderID.
func (s *Service) AcquireLock(ctx context.Context, resourceID, holderID string, ttl time.Duration) (*models.Lock, error) {
	return s.store.AcquireLock(ctx, resourceID, holderID, ttl)
}

// ReleaseLock releases a lock held by holderID.
func (s *Service) ReleaseLock(ctx context.Context, resourceID, holderID string) error {
	return s.store.ReleaseLock(ctx, resourceID, holderID)
}

func (s *Service) transition(ctx context.Context, ticketID string, changes ...store.Change) (*models.Ticket, error) {
	t, events, err := s.store.Transition(ctx, ticketID, changes...)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveEvents(events)
	return t, nil
}

func chain(checks ...func(*models.Ticket, time.Time) error) func(*models.Ticket, time.Time) error {
	return func(t *models.Ticket, now time.Time) error {
		for _, c := range checks {
			if c == nil {
				continue
			}
			if err := c(t, now); err != nil {
				return err
			}
		}
		return nil
	}
}

func unblockedEvents(ids []string) []models.Event {
	events := make([]models.Event, len(ids))
	for i, id := range ids {
		events[i] = models.Event{TicketID: id, FromState: models.StateBlocked, ToState: models.StateReady, Kind: models.EventUnblocked}
	}
	return events
}
