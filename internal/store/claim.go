package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/statemachine"
	"github.com/google/uuid"
)

// Filter narrows the tickets ClaimNext may pick.
type Filter struct {
	WorkerClass string
	ProjectID   string
	// ExcludeKeys are (worker class, project) pairs that must not be
	// dispatched, typically because their circuit is open.
	ExcludeKeys []models.Key
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.WorkerClass != "" {
		conds = append(conds, "worker_class = ?")
		args = append(args, f.WorkerClass)
	}
	if f.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	for _, k := range f.ExcludeKeys {
		conds = append(conds, "NOT (worker_class = ? AND project_id = ?)")
		args = append(args, k.WorkerClass, k.ProjectID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// ClaimNext atomically moves the highest priority, oldest eligible ready
// ticket to assigned under a fresh lease owned by assigneeID.
//
// The claiming UPDATE is the first statement of its transaction, so SQLite's
// write lock serialises concurrent claimers across connections and
// processes; each sees a distinct ticket or none. A nil ticket with a nil
// error means nothing was claimable, including when the database stayed
// busy through every retry.
func (s *Store) ClaimNext(ctx context.Context, f Filter, assigneeID string, lease time.Duration) (*models.Ticket, error) {
	if err := statemachine.Validate(models.StateReady, models.StateAssigned); err != nil {
		return nil, err
	}

	var claimed *models.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		now := s.clock.Now()
		leaseID := uuid.New().String()
		expires := now.Add(lease)

		filterSQL, filterArgs := f.where()
		args := []any{models.StateAssigned, assigneeID, leaseID, toMillis(expires), toMillis(now),
			models.StateReady, toMillis(now)}
		args = append(args, filterArgs...)
		args = append(args, models.StateReady)

		var id string
		err := tx.QueryRowContext(ctx,
			`UPDATE tickets SET state = ?, owner_id = ?, lease_id = ?, lease_expires_at = ?, updated_at = ?
			 WHERE id = (
				SELECT id FROM tickets
				WHERE state = ? AND (retry_after IS NULL OR retry_after <= ?)`+filterSQL+`
				ORDER BY priority ASC, created_at ASC, id ASC
				LIMIT 1
			 ) AND state = ?
			 RETURNING id`,
			args...,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim ticket: %w", err)
		}

		t, err := getTicketTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := s.appendEventTx(ctx, tx, t, pendingEvent{
			from:    models.StateReady,
			to:      models.StateAssigned,
			kind:    models.EventClaimed,
			actor:   assigneeID,
			payload: map[string]any{"lease_id": leaseID, "expires_at": expires},
		}, now); err != nil {
			return err
		}
		if err := startAttemptTx(ctx, tx, t, now); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if isBusy(err) {
		s.logger.Debug("claim contention, nothing claimed", "worker_class", f.WorkerClass, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RenewLease extends the lease on a held ticket. It returns ErrStaleOwner
// unless the ticket is still assigned or in progress under leaseID.
func (s *Store) RenewLease(ctx context.Context, ticketID, leaseID string, d time.Duration) (*models.Ticket, error) {
	var out *models.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTicketTx(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if err := RequireLease(leaseID)(t, s.clock.Now()); err != nil {
			return err
		}
		expires := s.clock.Now().Add(d)
		res, err := tx.ExecContext(ctx,
			`UPDATE tickets SET lease_expires_at = ? WHERE id = ? AND lease_id = ? AND state IN (?, ?)`,
			toMillis(expires), ticketID, leaseID, models.StateAssigned, models.StateInProgress)
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: ticket %s", ErrStaleOwner, ticketID)
		}
		t.Owner.ExpiresAt = expires
		out = t
		return nil
	})
	return out, err
}

// ExpiredLeases returns the IDs of held tickets whose lease has passed.
func (s *Store) ExpiredLeases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tickets WHERE state IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		 ORDER BY lease_expires_at ASC`,
		models.StateAssigned, models.StateInProgress, toMillis(s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReapExpiredLeases returns every held ticket whose lease has passed to
// ready, leaving its retry count unchanged. Each ticket is reclaimed in its
// own transaction; a ticket renewed or reported in the meantime is skipped.
func (s *Store) ReapExpiredLeases(ctx context.Context, actor string) ([]string, error) {
	ids, err := s.ExpiredLeases(ctx)
	if err != nil {
		return nil, err
	}

	var reaped []string
	for _, id := range ids {
		var prevLease string
		_, _, err := s.Transition(ctx, id, Change{
			To:      models.StateReady,
			Kind:    models.EventLeaseExpired,
			Actor:   actor,
			Reason:  "lease expired",
			Reclaim: true,
			Check: func(t *models.Ticket, now time.Time) error {
				if t.Owner == nil || !statemachine.IsHeld(t.State) || !t.Owner.Expired(now) {
					return errSkip
				}
				prevLease = t.Owner.LeaseID
				return nil
			},
			EndAttempt: "lease_expired",
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("reap %s: %w", id, err)
		}
		s.logger.Info("reclaimed expired lease", "ticket_id", id, "lease_id", prevLease)
		reaped = append(reaped, id)
	}
	return reaped, nil
}

var errSkip = errors.New("skip")

// Release voluntarily returns an assigned ticket to ready.
func (s *Store) Release(ctx context.Context, ticketID, leaseID, reason string) (*models.Ticket, error) {
	t, _, err := s.Transition(ctx, ticketID, Change{
		To:         models.StateReady,
		Kind:       models.EventReleased,
		Actor:      "scheduler",
		Reason:     reason,
		Check:      RequireLease(leaseID),
		EndAttempt: "released",
	})
	return t, err
}

// ClaimReview takes a review lease on the oldest in_review ticket that has
// no live reviewer. The ticket stays in_review; a review_claimed event is
// recorded. A nil ticket means nothing was awaiting review.
func (s *Store) ClaimReview(ctx context.Context, reviewerID string, lease time.Duration) (*models.Ticket, error) {
	var claimed *models.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		now := s.clock.Now()
		leaseID := uuid.New().String()
		expires := now.Add(lease)

		var id string
		err := tx.QueryRowContext(ctx,
			`UPDATE tickets SET owner_id = ?, lease_id = ?, lease_expires_at = ?, updated_at = ?
			 WHERE id = (
				SELECT id FROM tickets
				WHERE state = ? AND (lease_id IS NULL OR lease_expires_at <= ?)
				ORDER BY priority ASC, updated_at ASC, id ASC
				LIMIT 1
			 ) AND state = ? AND (lease_id IS NULL OR lease_expires_at <= ?)
			 RETURNING id`,
			reviewerID, leaseID, toMillis(expires), toMillis(now),
			models.StateInReview, toMillis(now), models.StateInReview, toMillis(now),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim review: %w", err)
		}

		t, err := getTicketTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := s.appendEventTx(ctx, tx, t, pendingEvent{
			from:    models.StateInReview,
			to:      models.StateInReview,
			kind:    models.EventReviewClaimed,
			actor:   reviewerID,
			payload: map[string]any{"lease_id": leaseID, "expires_at": expires},
		}, now); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if isBusy(err) {
		s.logger.Debug("review claim contention, nothing claimed", "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RequireReviewer is a Check that fails with ErrStaleOwner unless the
// in_review ticket is held by leaseID. A reviewer whose ticket has left
// in_review is stale too. An empty leaseID accepts any ticket with no live
// reviewer.
func RequireReviewer(leaseID string) func(*models.Ticket, time.Time) error {
	return func(t *models.Ticket, now time.Time) error {
		if t.State != models.StateInReview {
			if leaseID != "" {
				return fmt.Errorf("%w: ticket %s is %s", ErrStaleOwner, t.ID, t.State)
			}
			return nil
		}
		if leaseID == "" {
			if t.Owner != nil && !t.Owner.Expired(now) {
				return fmt.Errorf("%w: ticket %s is under review", ErrStaleOwner, t.ID)
			}
			return nil
		}
		if t.Owner == nil || t.Owner.LeaseID != leaseID {
			return fmt.Errorf("%w: ticket %s", ErrStaleOwner, t.ID)
		}
		return nil
	}
}
