package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/swarm/internal/models"
	"github.com/google/uuid"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const ticketColumns = `id, title, description, worker_class, project_id, priority, state,
	owner_id, lease_id, lease_expires_at, retry_count, retry_after, feedback, artifact,
	hold_reason, trace_id, created_at, updated_at`

// NewTicket holds the fields supplied when a ticket is created.
type NewTicket struct {
	Title       string
	Description string
	WorkerClass string
	ProjectID   string
	Priority    int
	DependsOn   []string
	// Draft keeps the ticket in draft; otherwise it is promoted to ready or
	// blocked in the same transaction.
	Draft bool
	Actor string
}

// CreateTicket inserts a new ticket, its dependency edges, and its creation
// events.
func (s *Store) CreateTicket(ctx context.Context, nt NewTicket) (*models.Ticket, error) {
	if strings.TrimSpace(nt.Title) == "" {
		return nil, errors.New("ticket title is required")
	}
	actor := nt.Actor
	if actor == "" {
		actor = "planner"
	}

	var created *models.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		t := &models.Ticket{
			ID:          uuid.New().String(),
			Title:       nt.Title,
			Description: nt.Description,
			WorkerClass: nt.WorkerClass,
			ProjectID:   nt.ProjectID,
			Priority:    nt.Priority,
			State:       models.StateDraft,
			TraceID:     uuid.New().String(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO tickets (id, title, description, worker_class, project_id, priority, state, trace_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Title, t.Description, t.WorkerClass, t.ProjectID, t.Priority, t.State,
			t.TraceID, toMillis(now), toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		if _, err := s.appendEventTx(ctx, tx, t, pendingEvent{
			to:      models.StateDraft,
			kind:    models.EventCreated,
			actor:   actor,
			payload: map[string]any{"title": t.Title, "depends_on": nt.DependsOn},
		}, now); err != nil {
			return err
		}

		seen := make(map[string]bool, len(nt.DependsOn))
		for _, depID := range nt.DependsOn {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			if _, err := getTicketTx(ctx, tx, depID); err != nil {
				return fmt.Errorf("dependency %s: %w", depID, err)
			}
			if err := insertEdgeTx(ctx, tx, t.ID, depID, now); err != nil {
				return err
			}
			t.DependsOn = append(t.DependsOn, depID)
		}

		if !nt.Draft {
			if err := s.promoteTx(ctx, tx, t, actor, "created"); err != nil {
				return err
			}
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Promote moves a draft ticket to ready, or to blocked if any dependency is
// not yet done.
func (s *Store) Promote(ctx context.Context, ticketID, actor string) (*models.Ticket, error) {
	var out *models.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTicketTx(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if err := s.promoteTx(ctx, tx, t, actor, "promoted"); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) promoteTx(ctx context.Context, tx *sql.Tx, t *models.Ticket, actor, reason string) error {
	outstanding, err := outstandingTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	to := models.StateReady
	var payload any
	if len(outstanding) > 0 {
		to = models.StateBlocked
		payload = map[string]any{"outstanding": outstanding}
	}
	return s.transitionTx(ctx, tx, t, Change{
		To:      to,
		Actor:   actor,
		Reason:  reason,
		Payload: payload,
	}, s.clock.Now())
}

// GetTicket retrieves a ticket by ID, including its dependency set.
func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	return getTicketTx(ctx, s.db, id)
}

func getTicketTx(ctx context.Context, q querier, id string) (*models.Ticket, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query ticket: %w", err)
	}
	if t.DependsOn, err = dependenciesTx(ctx, q, id); err != nil {
		return nil, err
	}
	return t, nil
}

// TicketQuery filters ListTickets. Zero fields match everything.
type TicketQuery struct {
	State       models.State
	WorkerClass string
	ProjectID   string
	Limit       int
}

// ListTickets returns tickets ordered by priority then creation time.
func (s *Store) ListTickets(ctx context.Context, q TicketQuery) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var conds []string
	var args []any

	if q.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, q.State)
	}
	if q.WorkerClass != "" {
		conds = append(conds, "worker_class = ?")
		args = append(args, q.WorkerClass)
	}
	if q.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range tickets {
		if tickets[i].DependsOn, err = dependenciesTx(ctx, s.db, tickets[i].ID); err != nil {
			return nil, err
		}
	}
	return tickets, nil
}

// ReadyKeys returns the distinct (worker class, project) pairs that have at
// least one ready ticket.
func (s *Store) ReadyKeys(ctx context.Context) ([]models.Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT worker_class, project_id FROM tickets WHERE state = ? ORDER BY worker_class, project_id`,
		models.StateReady)
	if err != nil {
		return nil, fmt.Errorf("query ready keys: %w", err)
	}
	defer rows.Close()

	var keys []models.Key
	for rows.Next() {
		var k models.Key
		if err := rows.Scan(&k.WorkerClass, &k.ProjectID); err != nil {
			return nil, fmt.Errorf("scan ready key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountByState returns the number of tickets in each state.
func (s *Store) CountByState(ctx context.Context) (map[models.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tickets GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count tickets: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.State]int)
	for rows.Next() {
		var state models.State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func scanTicket(scan func(dest ...any) error) (*models.Ticket, error) {
	var t models.Ticket
	var ownerID, leaseID, feedback sql.NullString
	var leaseExpires, retryAfter sql.NullInt64
	var createdAt, updatedAt int64

	if err := scan(&t.ID, &t.Title, &t.Description, &t.WorkerClass, &t.ProjectID, &t.Priority, &t.State,
		&ownerID, &leaseID, &leaseExpires, &t.RetryCount, &retryAfter, &feedback, &t.Artifact,
		&t.HoldReason, &t.TraceID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if leaseID.Valid && leaseID.String != "" {
		t.Owner = &models.Owner{AssigneeID: ownerID.String, LeaseID: leaseID.String}
		if leaseExpires.Valid {
			t.Owner.ExpiresAt = fromMillis(leaseExpires.Int64)
		}
	}
	t.RetryAfter = timePtr(retryAfter)
	if feedback.Valid && feedback.String != "" {
		if err := json.Unmarshal([]byte(feedback.String), &t.Feedback); err != nil {
			return nil, fmt.Errorf("decode feedback: %w", err)
		}
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}
