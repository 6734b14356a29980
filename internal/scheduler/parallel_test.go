package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/store"
)

// Test10ParallelWorkers verifies that the scheduler can run 10 workers in parallel
// without double-claiming tickets.
func Test10ParallelWorkers(t *testing.T) {
	svc, _ := newTestService(t)
	w := newBlockingWorker("test")
	reg, err := connectors.NewRegistry(w)
	if err != nil {
		t.Fatal(err)
	}

	// Configure for 10 parallel workers
	sch := New(svc, reg, testConfig(10, map[string]int{"test": 10}), Options{})

	numTickets := 10
	createTickets(t, svc, "test", numTickets)

	sch.Start(context.Background())
	defer sch.Stop() // Ensure scheduler stops even on test failure to prevent goroutine leaks

	waitFor(t, 30*time.Second, "10 active workers", func() bool {
		return sch.Stats().ActiveWorkers == numTickets && w.running.Load() == int32(numTickets)
	})

	// Verify all tickets are held, each under its own lease
	tickets, err := svc.ListTickets(context.Background(), store.TicketQuery{WorkerClass: "test"})
	if err != nil {
		t.Fatalf("Failed to list tickets: %v", err)
	}

	leases := make(map[string]string) // leaseID -> ticketID
	for _, tk := range tickets {
		if tk.State != models.StateInProgress {
			t.Errorf("Ticket %s is %s, expected in_progress", tk.ID, tk.State)
			continue
		}
		if tk.Owner == nil {
			t.Errorf("Ticket %s is in progress but has no lease", tk.ID)
			continue
		}
		if other, found := leases[tk.Owner.LeaseID]; found {
			t.Errorf("Lease %s holds both %s and %s", tk.Owner.LeaseID, other, tk.ID)
		}
		leases[tk.Owner.LeaseID] = tk.ID
	}
	if len(leases) != numTickets {
		t.Errorf("Expected %d unique leases, got %d", numTickets, len(leases))
	}

	// Every ticket was claimed exactly once.
	events, err := svc.Events(context.Background(), store.EventQuery{Kind: models.EventClaimed})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != numTickets {
		t.Errorf("Expected %d claim events, got %d", numTickets, len(events))
	}

	close(w.release)
	waitFor(t, 10*time.Second, "workers to finish", func() bool {
		return sch.Stats().ActiveWorkers == 0
	})

	t.Logf("SUCCESS: 10 workers running in parallel without double-claim")
}
