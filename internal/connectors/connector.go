// Package connectors defines the worker and verifier contracts the
// scheduler dispatches tickets through.
package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fentz26/swarm/internal/models"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Worker executes tickets of one worker class.
type Worker interface {
	// Class returns the worker class this worker serves.
	Class() string

	// Execute performs the ticket's work. Failures are reported through the
	// returned Outcome, never by panicking or blocking past ctx.
	Execute(ctx context.Context, t *models.Ticket) models.Outcome
}

// Verifier independently checks a submitted artifact.
type Verifier interface {
	Verify(ctx context.Context, t *models.Ticket) (models.Verdict, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc struct {
	Name string
	Fn   func(ctx context.Context, t *models.Ticket) models.Outcome
}

func (w WorkerFunc) Class() string { return w.Name }

func (w WorkerFunc) Execute(ctx context.Context, t *models.Ticket) models.Outcome {
	return w.Fn(ctx, t)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, t *models.Ticket) (models.Verdict, error)

func (f VerifierFunc) Verify(ctx context.Context, t *models.Ticket) (models.Verdict, error) {
	return f(ctx, t)
}

// Registry maps worker classes to workers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates a registry holding workers.
func NewRegistry(workers ...Worker) (*Registry, error) {
	r := &Registry{workers: make(map[string]Worker)}
	for _, w := range workers {
		if err := r.Register(w); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a worker. Each class may be registered once.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.Class()]; exists {
		return fmt.Errorf("worker class %q already registered", w.Class())
	}
	r.workers[w.Class()] = w
	return nil
}

// Get returns the worker for class.
func (r *Registry) Get(class string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[class]
	return w, ok
}

// Classes returns the registered worker classes in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.workers))
	for c := range r.workers {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}
