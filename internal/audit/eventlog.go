// Package audit provides the ticket event log: sealing events before they
// are written, and reading them back for audit, integrity checks, and
// projection replay.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/statemachine"
)

// ErrTampered is returned when a stored event no longer matches its digest.
var ErrTampered = errors.New("event digest mismatch")

// Seal marshals payload into ev and stamps the event digest. A nil payload
// is stored as an empty JSON object.
func Seal(ev *models.Event, payload any) error {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		raw = data
	}
	ev.Payload = raw
	ev.PayloadHash = Digest(ev)
	return nil
}

// Digest returns the SHA256 of the event's identifying fields and payload.
func Digest(ev *models.Event) string {
	h := sha256.New()
	for _, part := range []string{
		ev.TicketID,
		string(ev.FromState),
		string(ev.ToState),
		string(ev.Kind),
		ev.Actor,
		ev.Reason,
		ev.TraceID,
		strconv.FormatInt(ev.Timestamp.UnixMilli(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(ev.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Source reads events and tickets back from storage.
type Source interface {
	Events(ctx context.Context, ticketID string) ([]models.Event, error)
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
}

// Log is the read side of the event log.
type Log struct {
	src Source
}

// NewLog creates a Log over src.
func NewLog(src Source) *Log {
	return &Log{src: src}
}

// History returns every event for a ticket in sequence order.
func (l *Log) History(ctx context.Context, ticketID string) ([]models.Event, error) {
	return l.src.Events(ctx, ticketID)
}

// Replay rebuilds a ticket's state from its events after checking each
// event's digest.
func (l *Log) Replay(ctx context.Context, ticketID string) (models.State, error) {
	events, err := l.src.Events(ctx, ticketID)
	if err != nil {
		return "", err
	}
	if err := VerifyIntegrity(events); err != nil {
		return "", err
	}
	return statemachine.Replay(events)
}

// Projection compares the cached ticket state with the replayed one.
type Projection struct {
	TicketID string       `json:"ticket_id"`
	Cached   models.State `json:"cached"`
	Replayed models.State `json:"replayed"`
	Events   int          `json:"events"`
}

// Consistent reports whether the cache matches the event log.
func (p Projection) Consistent() bool {
	return p.Cached == p.Replayed
}

// VerifyProjection replays a ticket's events and reports whether the cached
// state agrees.
func (l *Log) VerifyProjection(ctx context.Context, ticketID string) (Projection, error) {
	t, err := l.src.GetTicket(ctx, ticketID)
	if err != nil {
		return Projection{}, err
	}
	events, err := l.src.Events(ctx, ticketID)
	if err != nil {
		return Projection{}, err
	}
	if err := VerifyIntegrity(events); err != nil {
		return Projection{}, err
	}
	replayed, err := statemachine.Replay(events)
	if err != nil {
		return Projection{}, err
	}
	return Projection{TicketID: ticketID, Cached: t.State, Replayed: replayed, Events: len(events)}, nil
}

// VerifyIntegrity recomputes every event digest.
func VerifyIntegrity(events []models.Event) error {
	for i := range events {
		if Digest(&events[i]) != events[i].PayloadHash {
			return fmt.Errorf("%w: seq %d", ErrTampered, events[i].Seq)
		}
	}
	return nil
}

// Feedback collects the feedback recorded on every failed verification of a
// ticket, oldest first.
func Feedback(events []models.Event) [][]models.FeedbackItem {
	var history [][]models.FeedbackItem
	for _, ev := range events {
		if ev.Kind != models.EventVerificationFailed {
			continue
		}
		var p struct {
			Feedback []models.FeedbackItem `json:"feedback"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		history = append(history, p.Feedback)
	}
	return history
}
