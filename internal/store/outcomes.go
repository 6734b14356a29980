package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fentz26/swarm/internal/models"
)

// Outcome is one finished dispatch read back from the event log: a
// verification pass (to_state done) or a verification failure.
type Outcome struct {
	Key models.Key
	At  time.Time
	OK  bool
}

// Outcomes returns, for every (worker class, project) key, its most recent
// perKey outcomes recorded after since, oldest first. Every process sharing
// the database sees the same rows.
func (s *Store) Outcomes(ctx context.Context, since time.Time, perKey int) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_class, project_id, created_at, ok FROM (
			SELECT t.worker_class, t.project_id, e.seq, e.created_at,
				e.to_state = ? AS ok,
				ROW_NUMBER() OVER (PARTITION BY t.worker_class, t.project_id ORDER BY e.seq DESC) AS n
			FROM events e JOIN tickets t ON t.id = e.ticket_id
			WHERE e.created_at > ? AND (e.kind = ? OR e.to_state = ?)
		 ) WHERE n <= ?
		 ORDER BY seq`,
		models.StateDone, toMillis(since), models.EventVerificationFailed, models.StateDone, perKey)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var ts int64
		if err := rows.Scan(&o.Key.WorkerClass, &o.Key.ProjectID, &ts, &o.OK); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.At = fromMillis(ts)
		out = append(out, o)
	}
	return out, rows.Err()
}
