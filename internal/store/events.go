package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/audit"
	"github.com/fentz26/swarm/internal/models"
)

// pendingEvent describes an event to append alongside a state change.
type pendingEvent struct {
	from    models.State
	to      models.State
	kind    models.EventKind
	actor   string
	reason  string
	payload any
}

// appendEventTx writes one sealed event row inside tx.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, t *models.Ticket, pe pendingEvent, now time.Time) (*models.Event, error) {
	ev := &models.Event{
		TicketID:  t.ID,
		FromState: pe.from,
		ToState:   pe.to,
		Kind:      pe.kind,
		Actor:     pe.actor,
		Reason:    pe.reason,
		TraceID:   t.TraceID,
		Timestamp: now,
	}
	if err := audit.Seal(ev, pe.payload); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (ticket_id, from_state, to_state, kind, actor, reason, payload, payload_hash, trace_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TicketID, ev.FromState, ev.ToState, ev.Kind, ev.Actor, ev.Reason,
		string(ev.Payload), ev.PayloadHash, ev.TraceID, toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("event seq: %w", err)
	}
	return ev, nil
}

// Events returns all events for a ticket in sequence order.
func (s *Store) Events(ctx context.Context, ticketID string) ([]models.Event, error) {
	return s.ListEvents(ctx, EventQuery{TicketID: ticketID})
}

// EventQuery filters ListEvents.
type EventQuery struct {
	TicketID string
	Kind     models.EventKind
	AfterSeq int64
	Limit    int
}

// ListEvents returns events matching q in ascending sequence order.
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]models.Event, error) {
	query := `SELECT seq, ticket_id, from_state, to_state, kind, actor, reason, payload, payload_hash, trace_id, created_at FROM events`
	var conds []string
	var args []any

	if q.TicketID != "" {
		conds = append(conds, "ticket_id = ?")
		args = append(args, q.TicketID)
	}
	if q.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.AfterSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, q.AfterSeq)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var payload string
		var ts int64
		if err := rows.Scan(&ev.Seq, &ev.TicketID, &ev.FromState, &ev.ToState, &ev.Kind, &ev.Actor,
			&ev.Reason, &payload, &ev.PayloadHash, &ev.TraceID, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.Timestamp = fromMillis(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}
