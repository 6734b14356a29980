package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/google/uuid"
)

// --- Attempt Operations ---

// startAttemptTx opens an attempt record for the lease t was just claimed
// under.
func startAttemptTx(ctx context.Context, tx *sql.Tx, t *models.Ticket, now time.Time) error {
	if t.Owner == nil {
		return fmt.Errorf("start attempt: ticket %s has no owner", t.ID)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO attempts (id, ticket_id, lease_id, assignee_id, started_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), t.ID, t.Owner.LeaseID, t.Owner.AssigneeID, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// endAttemptTx closes the open attempt for leaseID.
func endAttemptTx(ctx context.Context, tx *sql.Tx, leaseID, outcome, detail string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE attempts SET outcome = ?, detail = ?, ended_at = ? WHERE lease_id = ? AND ended_at IS NULL`,
		outcome, detail, toMillis(now), leaseID,
	)
	if err != nil {
		return fmt.Errorf("end attempt: %w", err)
	}
	return nil
}

// Attempts returns every attempt for a ticket, oldest first.
func (s *Store) Attempts(ctx context.Context, ticketID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticket_id, lease_id, assignee_id, outcome, detail, started_at, ended_at
		 FROM attempts WHERE ticket_id = ? ORDER BY started_at ASC, id ASC`,
		ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var startedAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.TicketID, &a.LeaseID, &a.AssigneeID, &a.Outcome, &a.Detail, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt = fromMillis(startedAt)
		if endedAt.Valid {
			a.EndedAt = fromMillis(endedAt.Int64)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
