// Package models defines the core domain types for Swarm.
package models

import (
	"encoding/json"
	"time"
)

// State represents the lifecycle state of a ticket.
type State string

const (
	StateDraft          State = "draft"
	StateReady          State = "ready"
	StateBlocked        State = "blocked"
	StateAssigned       State = "assigned"
	StateInProgress     State = "in_progress"
	StateInReview       State = "in_review"
	StateSentinelFailed State = "sentinel_failed"
	StatePendingRetry   State = "pending_retry"
	StateOnHold         State = "on_hold"
	StateDone           State = "done"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// AllStates lists every ticket state in lifecycle order.
var AllStates = []State{
	StateDraft, StateReady, StateBlocked, StateAssigned, StateInProgress, StateInReview,
	StateSentinelFailed, StatePendingRetry, StateOnHold, StateDone, StateFailed, StateCancelled,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Owner is the lease held on a ticket while it is claimed.
type Owner struct {
	AssigneeID string    `json:"assignee_id"`
	LeaseID    string    `json:"lease_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has passed at now.
func (o *Owner) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// FeedbackItem is one structured finding from the verification stage.
type FeedbackItem struct {
	Severity string `json:"severity,omitempty"`
	File     string `json:"file,omitempty"`
	Message  string `json:"message"`
}

// Ticket represents a unit of work in the orchestration engine.
type Ticket struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	WorkerClass string         `json:"worker_class"`
	ProjectID   string         `json:"project_id"`
	Priority    int            `json:"priority"`
	State       State          `json:"state"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Owner       *Owner         `json:"owner,omitempty"`
	RetryCount  int            `json:"retry_count"`
	RetryAfter  *time.Time     `json:"retry_after,omitempty"`
	Feedback    []FeedbackItem `json:"feedback,omitempty"`
	Artifact    string         `json:"artifact,omitempty"`
	HoldReason  string         `json:"hold_reason,omitempty"`
	TraceID     string         `json:"trace_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Key returns the circuit breaker key the ticket dispatches under.
func (t *Ticket) Key() Key {
	return Key{WorkerClass: t.WorkerClass, ProjectID: t.ProjectID}
}

// Key identifies a (worker class, project) dispatch target.
type Key struct {
	WorkerClass string `json:"worker_class"`
	ProjectID   string `json:"project_id"`
}

func (k Key) String() string {
	return k.WorkerClass + "/" + k.ProjectID
}

// EventKind classifies an event row.
type EventKind string

const (
	EventCreated            EventKind = "created"
	EventTransition         EventKind = "transition"
	EventClaimed            EventKind = "claimed"
	EventStarted            EventKind = "started"
	EventSubmitted          EventKind = "submitted"
	EventUnblocked          EventKind = "unblocked"
	EventLeaseExpired       EventKind = "lease_expired"
	EventVerificationFailed EventKind = "verification_failed"
	EventRetryScheduled     EventKind = "retry_scheduled"
	EventHeld               EventKind = "held"
	EventCancelled          EventKind = "cancelled"
	EventReviewClaimed      EventKind = "review_claimed"
	EventReleased           EventKind = "released"
)

// Event is an immutable record of a ticket state change.
type Event struct {
	Seq         int64           `json:"seq"`
	TicketID    string          `json:"ticket_id"`
	FromState   State           `json:"from_state,omitempty"`
	ToState     State           `json:"to_state"`
	Kind        EventKind       `json:"kind"`
	Actor       string          `json:"actor"`
	Reason      string          `json:"reason,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"payload_hash"`
	TraceID     string          `json:"trace_id"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Attempt records one dispatched execution of a ticket.
type Attempt struct {
	ID         string    `json:"id"`
	TicketID   string    `json:"ticket_id"`
	LeaseID    string    `json:"lease_id"`
	AssigneeID string    `json:"assignee_id"`
	Outcome    string    `json:"outcome,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
}

// Lock represents a named, time-bounded resource lock.
type Lock struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
