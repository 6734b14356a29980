// Package deps resolves the ticket dependency graph: it unblocks dependents
// when a ticket completes and guards edge changes against cycles.
package deps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/store"
)

// Errors returned when an edge change is rejected.
var (
	ErrCyclicDependency  = store.ErrCyclicDependency
	ErrDependencyTooDeep = store.ErrDependencyTooDeep
	ErrDependencyLocked  = store.ErrDependencyLocked
)

// Graph is the persistence the resolver needs.
type Graph interface {
	Dependents(ctx context.Context, ticketID string, state models.State) ([]string, error)
	Unblock(ctx context.Context, ticketID, trigger, actor string) (bool, []string, error)
	Outstanding(ctx context.Context, ticketID string) ([]string, error)
	Stranded(ctx context.Context) ([]string, error)
	AddDependency(ctx context.Context, ticketID, dependsOnID string, maxDepth int) error
	RemoveDependency(ctx context.Context, ticketID, dependsOnID, actor string) (*models.Ticket, error)
}

// Cascade reports what completing a ticket did to its dependents. Trigger
// is the completed ticket, or "sweep" for a Sweep.
type Cascade struct {
	Trigger   string
	Unblocked []string
	// StillBlocked maps each dependent left blocked to its outstanding
	// dependencies. Diagnostic only.
	StillBlocked map[string][]string
}

// Resolver re-evaluates blocked tickets.
type Resolver struct {
	graph    Graph
	maxDepth int
	logger   *slog.Logger
}

// New creates a Resolver. maxDepth bounds the cycle search on AddDependency;
// zero uses store.DefaultMaxDepth. A nil logger discards output.
func New(graph Graph, maxDepth int, logger *slog.Logger) *Resolver {
	if maxDepth <= 0 {
		maxDepth = store.DefaultMaxDepth
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{graph: graph, maxDepth: maxDepth, logger: logger}
}

// OnCompleted unblocks every blocked dependent of ticketID whose
// dependencies are now all done. Each dependent is re-read and moved in its
// own transaction, so a concurrent completion of a sibling dependency can
// never leave a dependent blocked forever: whichever completion commits
// last sees every dependency done. A dependent that fails to unblock does
// not stop the others; the failures are joined into the returned error and
// Sweep picks the dependent up later.
func (r *Resolver) OnCompleted(ctx context.Context, ticketID string) (Cascade, error) {
	c := Cascade{Trigger: ticketID, StillBlocked: make(map[string][]string)}

	dependents, err := r.graph.Dependents(ctx, ticketID, models.StateBlocked)
	if err != nil {
		return c, fmt.Errorf("list dependents: %w", err)
	}
	err = r.unblock(ctx, &c, dependents)
	return c, err
}

// Sweep unblocks blocked tickets whose dependencies are all done but whose
// cascade was interrupted after the last dependency completed.
func (r *Resolver) Sweep(ctx context.Context) (Cascade, error) {
	c := Cascade{Trigger: "sweep", StillBlocked: make(map[string][]string)}

	stranded, err := r.graph.Stranded(ctx)
	if err != nil {
		return c, fmt.Errorf("list stranded tickets: %w", err)
	}
	err = r.unblock(ctx, &c, stranded)
	return c, err
}

func (r *Resolver) unblock(ctx context.Context, c *Cascade, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		unblocked, outstanding, err := r.graph.Unblock(ctx, id, c.Trigger, "resolver")
		if err != nil {
			errs = append(errs, fmt.Errorf("unblock %s: %w", id, err))
			continue
		}
		if unblocked {
			r.logger.Info("ticket unblocked", "ticket_id", id, "trigger", c.Trigger)
			c.Unblocked = append(c.Unblocked, id)
			continue
		}
		if len(outstanding) > 0 {
			c.StillBlocked[id] = outstanding
		}
	}
	return errors.Join(errs...)
}

// AddDependency adds the edge ticketID -> dependsOnID.
func (r *Resolver) AddDependency(ctx context.Context, ticketID, dependsOnID string) error {
	return r.graph.AddDependency(ctx, ticketID, dependsOnID, r.maxDepth)
}

// RemoveDependency removes the edge ticketID -> dependsOnID, unblocking the
// ticket if nothing else is outstanding.
func (r *Resolver) RemoveDependency(ctx context.Context, ticketID, dependsOnID, actor string) (*models.Ticket, error) {
	return r.graph.RemoveDependency(ctx, ticketID, dependsOnID, actor)
}

// Outstanding returns the dependencies of ticketID that are not yet done.
func (r *Resolver) Outstanding(ctx context.Context, ticketID string) ([]string, error) {
	return r.graph.Outstanding(ctx, ticketID)
}
