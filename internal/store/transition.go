package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/statemachine"
)

// ErrConcurrentUpdate is returned when the guarded update of a ticket
// matches no row because its state moved underneath the caller.
var ErrConcurrentUpdate = errors.New("ticket state changed concurrently")

// Change is one validated state change applied by Transition.
type Change struct {
	To   models.State
	Kind models.EventKind
	// Actor defaults to the current owner's assignee.
	Actor  string
	Reason string
	// Payload is marshalled into the event row.
	Payload any
	// Reclaim validates the edge as a lease-expiry reclaim.
	Reclaim bool
	// Check runs against the ticket as read inside the transaction, before
	// validation. A non-nil error aborts the whole transition.
	Check func(t *models.Ticket, now time.Time) error
	// Apply mutates non-state fields of the ticket after validation.
	Apply func(t *models.Ticket, now time.Time)
	// EndAttempt closes the attempt opened under the outgoing lease with
	// this outcome.
	EndAttempt string
}

// RequireLease is a Check that fails with ErrStaleOwner unless the ticket
// is still held under leaseID.
func RequireLease(leaseID string) func(*models.Ticket, time.Time) error {
	return func(t *models.Ticket, _ time.Time) error {
		if t.Owner == nil || t.Owner.LeaseID != leaseID || !statemachine.IsHeld(t.State) {
			return fmt.Errorf("%w: ticket %s", ErrStaleOwner, t.ID)
		}
		return nil
	}
}

// Transition applies changes to a ticket in order inside one transaction.
// Each change is validated against the state machine and appends one event.
// The returned ticket reflects the committed state.
func (s *Store) Transition(ctx context.Context, ticketID string, changes ...Change) (*models.Ticket, []models.Event, error) {
	var out *models.Ticket
	var events []models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		events = events[:0]
		t, err := getTicketTx(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, ch := range changes {
			ev, err := s.applyTx(ctx, tx, t, ch, now)
			if err != nil {
				return err
			}
			events = append(events, *ev)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, events, nil
}

func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, t *models.Ticket, ch Change, now time.Time) error {
	_, err := s.applyTx(ctx, tx, t, ch, now)
	return err
}

// applyTx is the single write path for ticket state.
func (s *Store) applyTx(ctx context.Context, tx *sql.Tx, t *models.Ticket, ch Change, now time.Time) (*models.Event, error) {
	if ch.Check != nil {
		if err := ch.Check(t, now); err != nil {
			return nil, err
		}
	}

	from := t.State
	validate := statemachine.Validate
	if ch.Reclaim {
		validate = statemachine.ValidateReclaim
	}
	if err := validate(from, ch.To); err != nil {
		return nil, err
	}

	next := *t
	next.State = ch.To
	next.UpdatedAt = now
	if !statemachine.IsHeld(ch.To) {
		next.Owner = nil
	}
	if ch.Apply != nil {
		ch.Apply(&next, now)
	}
	if err := checkRetryCount(t, &next); err != nil {
		return nil, err
	}

	if err := updateTicketTx(ctx, tx, &next, from); err != nil {
		return nil, err
	}
	if ch.EndAttempt != "" && t.Owner != nil {
		if err := endAttemptTx(ctx, tx, t.Owner.LeaseID, ch.EndAttempt, ch.Reason, now); err != nil {
			return nil, err
		}
	}

	kind := ch.Kind
	if kind == "" {
		kind = models.EventTransition
	}
	actor := ch.Actor
	if actor == "" && t.Owner != nil {
		actor = t.Owner.AssigneeID
	}
	ev, err := s.appendEventTx(ctx, tx, &next, pendingEvent{
		from:    from,
		to:      ch.To,
		kind:    kind,
		actor:   actor,
		reason:  ch.Reason,
		payload: ch.Payload,
	}, now)
	if err != nil {
		return nil, err
	}
	*t = next
	return ev, nil
}

// checkRetryCount enforces that the retry counter only moves by one, and
// only on entry to pending_retry.
func checkRetryCount(prev, next *models.Ticket) error {
	switch {
	case next.RetryCount == prev.RetryCount:
		return nil
	case next.State == models.StatePendingRetry && next.RetryCount == prev.RetryCount+1:
		return nil
	default:
		return fmt.Errorf("ticket %s: retry count %d -> %d not allowed entering %s",
			prev.ID, prev.RetryCount, next.RetryCount, next.State)
	}
}

// updateTicketTx writes the mutable columns of t, guarded on the state the
// caller read.
func updateTicketTx(ctx context.Context, tx *sql.Tx, t *models.Ticket, from models.State) error {
	var ownerID, leaseID sql.NullString
	var leaseExpires sql.NullInt64
	if t.Owner != nil {
		ownerID = sql.NullString{String: t.Owner.AssigneeID, Valid: true}
		leaseID = sql.NullString{String: t.Owner.LeaseID, Valid: true}
		leaseExpires = sql.NullInt64{Int64: toMillis(t.Owner.ExpiresAt), Valid: true}
	}
	var feedback sql.NullString
	if len(t.Feedback) > 0 {
		data, err := json.Marshal(t.Feedback)
		if err != nil {
			return fmt.Errorf("encode feedback: %w", err)
		}
		feedback = sql.NullString{String: string(data), Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tickets SET state = ?, owner_id = ?, lease_id = ?, lease_expires_at = ?,
			retry_count = ?, retry_after = ?, feedback = ?, artifact = ?, hold_reason = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		t.State, ownerID, leaseID, leaseExpires,
		t.RetryCount, nullMillis(t.RetryAfter), feedback, t.Artifact, t.HoldReason, toMillis(t.UpdatedAt),
		t.ID, from,
	)
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s no longer %s", ErrConcurrentUpdate, t.ID, from)
	}
	return nil
}

// RebuildProjection overwrites a ticket's cached state with the state
// replayed from its event log. It returns the replayed state.
func (s *Store) RebuildProjection(ctx context.Context, ticketID string) (models.State, error) {
	events, err := s.Events(ctx, ticketID)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	state, err := statemachine.Replay(events)
	if err != nil {
		return "", err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTicketTx(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if t.State == state {
			return nil
		}
		s.logger.Warn("rebuilding ticket projection", "ticket_id", ticketID, "cached", t.State, "replayed", state)
		var clearOwner string
		if !statemachine.IsHeld(state) {
			clearOwner = `, owner_id = NULL, lease_id = NULL, lease_expires_at = NULL`
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tickets SET state = ?, updated_at = ?`+clearOwner+` WHERE id = ?`,
			state, toMillis(s.clock.Now()), ticketID)
		if err != nil {
			return fmt.Errorf("rebuild projection: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return state, nil
}
