package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/models"
)

// Dependency graph errors.
var (
	ErrCyclicDependency  = errors.New("dependency would create a cycle")
	ErrDependencyTooDeep = errors.New("dependency chain exceeds maximum depth")
	ErrDependencyLocked  = errors.New("ticket dependencies can no longer change")
)

// DefaultMaxDepth bounds the cycle search when no depth is configured.
const DefaultMaxDepth = 64

func insertEdgeTx(ctx context.Context, tx *sql.Tx, ticketID, dependsOnID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO ticket_deps (ticket_id, depends_on_id, created_at) VALUES (?, ?, ?)`,
		ticketID, dependsOnID, toMillis(now))
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

func dependenciesTx(ctx context.Context, q querier, ticketID string) ([]string, error) {
	return queryIDs(ctx, q,
		`SELECT depends_on_id FROM ticket_deps WHERE ticket_id = ? ORDER BY created_at, depends_on_id`, ticketID)
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// outstandingTx returns the dependencies of ticketID that are not done.
func outstandingTx(ctx context.Context, q querier, ticketID string) ([]string, error) {
	return queryIDs(ctx, q,
		`SELECT d.depends_on_id FROM ticket_deps d JOIN tickets t ON t.id = d.depends_on_id
		 WHERE d.ticket_id = ? AND t.state != ?
		 ORDER BY d.created_at, d.depends_on_id`,
		ticketID, models.StateDone)
}

// Dependencies returns the IDs ticketID depends on.
func (s *Store) Dependencies(ctx context.Context, ticketID string) ([]string, error) {
	return dependenciesTx(ctx, s.db, ticketID)
}

// Outstanding returns the dependencies of ticketID that are not yet done.
func (s *Store) Outstanding(ctx context.Context, ticketID string) ([]string, error) {
	return outstandingTx(ctx, s.db, ticketID)
}

// Dependents returns the IDs of tickets that depend on ticketID and are in
// state. An empty state matches any.
func (s *Store) Dependents(ctx context.Context, ticketID string, state models.State) ([]string, error) {
	if state == "" {
		return queryIDs(ctx, s.db,
			`SELECT ticket_id FROM ticket_deps WHERE depends_on_id = ? ORDER BY ticket_id`, ticketID)
	}
	return queryIDs(ctx, s.db,
		`SELECT d.ticket_id FROM ticket_deps d JOIN tickets t ON t.id = d.ticket_id
		 WHERE d.depends_on_id = ? AND t.state = ?
		 ORDER BY d.ticket_id`,
		ticketID, state)
}

// Stranded returns blocked tickets none of whose dependencies are
// outstanding: tickets whose unblocking cascade never ran or was cut short.
func (s *Store) Stranded(ctx context.Context) ([]string, error) {
	return queryIDs(ctx, s.db,
		`SELECT t.id FROM tickets t
		 WHERE t.state = ? AND NOT EXISTS (
			SELECT 1 FROM ticket_deps d JOIN tickets dep ON dep.id = d.depends_on_id
			WHERE d.ticket_id = t.id AND dep.state != ?)
		 ORDER BY t.priority, t.created_at`,
		models.StateBlocked, models.StateDone)
}

// AddDependency records that ticketID depends on dependsOnID. The edge is
// rejected, leaving the graph unchanged, if it would close a cycle, if the
// search for one exceeds maxDepth, or if ticketID has progressed past the
// point where new dependencies are allowed.
func (s *Store) AddDependency(ctx context.Context, ticketID, dependsOnID string, maxDepth int) error {
	if ticketID == dependsOnID {
		return fmt.Errorf("%w: %s depends on itself", ErrCyclicDependency, ticketID)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTicketTx(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		dep, err := getTicketTx(ctx, tx, dependsOnID)
		if err != nil {
			return fmt.Errorf("dependency %s: %w", dependsOnID, err)
		}

		switch t.State {
		case models.StateDraft, models.StateBlocked:
		case models.StateReady:
			if dep.State != models.StateDone {
				return fmt.Errorf("%w: %s is ready and %s is %s", ErrDependencyLocked, ticketID, dependsOnID, dep.State)
			}
		default:
			return fmt.Errorf("%w: %s is %s", ErrDependencyLocked, ticketID, t.State)
		}

		for _, existing := range t.DependsOn {
			if existing == dependsOnID {
				return nil
			}
		}

		reach, err := canReachTx(ctx, tx, dependsOnID, ticketID, maxDepth)
		if err != nil {
			return err
		}
		if reach {
			return fmt.Errorf("%w: %s already depends on %s", ErrCyclicDependency, dependsOnID, ticketID)
		}
		return insertEdgeTx(ctx, tx, ticketID, dependsOnID, s.clock.Now())
	})
}

// canReachTx reports whether target is reachable from start by following
// depends-on edges, searching breadth first at most maxDepth levels deep.
func canReachTx(ctx context.Context, tx *sql.Tx, start, target string, maxDepth int) (bool, error) {
	visited := map[string]bool{start: true}
	frontier := []string{start}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxDepth {
			return false, fmt.Errorf("%w: more than %d levels below %s", ErrDependencyTooDeep, maxDepth, start)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(frontier)), ",")
		args := make([]any, len(frontier))
		for i, id := range frontier {
			args[i] = id
		}
		next, err := queryIDs(ctx, tx,
			`SELECT DISTINCT depends_on_id FROM ticket_deps WHERE ticket_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return false, err
		}

		frontier = frontier[:0]
		for _, id := range next {
			if id == target {
				return true, nil
			}
			if !visited[id] {
				visited[id] = true
				frontier = append(frontier, id)
			}
		}
	}
	return false, nil
}

// RemoveDependency deletes the edge ticketID -> dependsOnID. A blocked
// ticket whose remaining dependencies are all done moves to ready.
func (s *Store) RemoveDependency(ctx context.Context, ticketID, dependsOnID, actor string) (*models.Ticket, error) {
	var out *models.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTicketTx(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM ticket_deps WHERE ticket_id = ? AND depends_on_id = ?`, ticketID, dependsOnID)
		if err != nil {
			return fmt.Errorf("delete dependency: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			out = t
			return nil
		}
		t.DependsOn = removeID(t.DependsOn, dependsOnID)

		if t.State == models.StateBlocked {
			if _, err := s.unblockTx(ctx, tx, t, actor, map[string]any{"removed": dependsOnID}); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	return out, err
}

// Unblock moves a blocked ticket to ready if every dependency is done,
// re-reading dependency states inside the transaction. It returns the
// outstanding dependency IDs when the ticket stays blocked. Tickets not in
// blocked are left alone.
func (s *Store) Unblock(ctx context.Context, ticketID, trigger, actor string) (bool, []string, error) {
	var unblocked bool
	var outstanding []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		unblocked, outstanding = false, nil
		t, err := getTicketTx(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if t.State != models.StateBlocked {
			return nil
		}
		outstanding, err = s.unblockTx(ctx, tx, t, actor, map[string]any{"trigger": trigger})
		if err != nil {
			return err
		}
		unblocked = len(outstanding) == 0
		return nil
	})
	return unblocked, outstanding, err
}

func (s *Store) unblockTx(ctx context.Context, tx *sql.Tx, t *models.Ticket, actor string, payload map[string]any) ([]string, error) {
	outstanding, err := outstandingTx(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if len(outstanding) > 0 {
		return outstanding, nil
	}
	return nil, s.transitionTx(ctx, tx, t, Change{
		To:      models.StateReady,
		Kind:    models.EventUnblocked,
		Actor:   actor,
		Reason:  "dependencies satisfied",
		Payload: payload,
	}, s.clock.Now())
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
