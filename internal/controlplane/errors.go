package controlplane

import (
	"errors"

	"github.com/fentz26/swarm/internal/statemachine"
	"github.com/fentz26/swarm/internal/store"
)

// Sentinel errors for control plane operations. Callers match them with
// errors.Is; the store and state machine return wrapped forms.
var (
	ErrInvalidTransition = statemachine.ErrInvalidTransition
	ErrTicketNotFound    = store.ErrTicketNotFound
	ErrStaleOwner        = store.ErrStaleOwner
	ErrConcurrentUpdate  = store.ErrConcurrentUpdate
	ErrCyclicDependency  = store.ErrCyclicDependency
	ErrDependencyTooDeep = store.ErrDependencyTooDeep
	ErrDependencyLocked  = store.ErrDependencyLocked
	ErrResourceLocked    = store.ErrResourceLocked
	ErrLockNotHeld       = store.ErrLockNotHeld
	ErrUnknownOutcome    = errors.New("unknown outcome kind")
)
