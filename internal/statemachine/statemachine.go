// Package statemachine holds the authoritative ticket transition table.
//
// Every write to a ticket's state goes through Validate (or, for the lease
// reaper only, ValidateReclaim) inside the same transaction that performs the
// guarded update, so two writers racing on one ticket cannot both succeed
// with conflicting transitions.
package statemachine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/swarm/internal/models"
)

// ErrInvalidTransition is matched by every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError describes a rejected transition.
type InvalidTransitionError struct {
	From      models.State
	Attempted models.State
	Allowed   []models.State
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("invalid transition %s -> %s (allowed: %s)",
		e.From, e.Attempted, strings.Join(allowed, ", "))
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions is the canonical edge table. Cancellation from any
// non-terminal state is handled separately in Validate.
var transitions = map[models.State][]models.State{
	models.StateDraft:          {models.StateReady, models.StateBlocked},
	models.StateBlocked:        {models.StateReady},
	models.StateReady:          {models.StateAssigned},
	models.StateAssigned:       {models.StateInProgress, models.StateReady},
	models.StateInProgress:     {models.StateInReview, models.StateFailed},
	models.StateInReview:       {models.StateDone, models.StateSentinelFailed},
	models.StateSentinelFailed: {models.StatePendingRetry, models.StateOnHold},
	models.StatePendingRetry:   {models.StateReady},
	models.StateOnHold:         {models.StateReady, models.StateCancelled},
}

// reclaimEdges are taken only when a lease expires.
var reclaimEdges = map[models.State]models.State{
	models.StateAssigned:   models.StateReady,
	models.StateInProgress: models.StateReady,
}

// IsTerminal reports whether s is a final state.
func IsTerminal(s models.State) bool {
	return s == models.StateDone || s == models.StateFailed || s == models.StateCancelled
}

// IsHeld reports whether a ticket in state s carries a worker lease.
func IsHeld(s models.State) bool {
	return s == models.StateAssigned || s == models.StateInProgress
}

// Allowed returns the states reachable from s, cancellation included.
func Allowed(from models.State) []models.State {
	if IsTerminal(from) || !from.Valid() {
		return nil
	}
	next := append([]models.State(nil), transitions[from]...)
	for _, s := range next {
		if s == models.StateCancelled {
			return next
		}
	}
	return append(next, models.StateCancelled)
}

// Validate returns nil if from -> to is a legal transition and an
// *InvalidTransitionError otherwise.
func Validate(from, to models.State) error {
	for _, s := range Allowed(from) {
		if s == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, Attempted: to, Allowed: Allowed(from)}
}

// ValidateReclaim checks a lease-expiry transition.
func ValidateReclaim(from, to models.State) error {
	if target, ok := reclaimEdges[from]; ok && target == to {
		return nil
	}
	var allowed []models.State
	if target, ok := reclaimEdges[from]; ok {
		allowed = []models.State{target}
	}
	return &InvalidTransitionError{From: from, Attempted: to, Allowed: allowed}
}

// ErrReplayMismatch is returned when an event's from-state does not follow
// the state reached by the events before it.
var ErrReplayMismatch = errors.New("event sequence does not replay")

// Replay folds events in order and returns the state they produce. Events
// that do not change state (from == to) are checked for continuity and
// otherwise skipped.
func Replay(events []models.Event) (models.State, error) {
	var state models.State
	for i, ev := range events {
		if ev.FromState != state {
			return state, fmt.Errorf("%w: event %d (seq %d) expects %q, have %q",
				ErrReplayMismatch, i, ev.Seq, ev.FromState, state)
		}
		if ev.FromState == ev.ToState {
			continue
		}
		if i > 0 {
			if err := Validate(ev.FromState, ev.ToState); err != nil {
				if ev.Kind != models.EventLeaseExpired || ValidateReclaim(ev.FromState, ev.ToState) != nil {
					return state, fmt.Errorf("replay seq %d: %w", ev.Seq, err)
				}
			}
		}
		state = ev.ToState
	}
	return state, nil
}
