package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/metrics"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const reaperLock = "reaper"

// Options configures a Scheduler.
type Options struct {
	// ID identifies this scheduler as lease assignee and lock holder. A
	// random id is used when empty.
	ID string
	// Verifier checks submitted tickets. Without one the review loop does
	// not run and tickets wait in review for an external verifier.
	Verifier connectors.Verifier
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Stats is a snapshot of worker pool usage.
type Stats struct {
	ActiveWorkers int            `json:"active_workers"`
	GlobalMax     int            `json:"global_max"`
	ByClass       map[string]int `json:"by_class"`
}

// Scheduler manages ticket dispatching and worker pools.
type Scheduler struct {
	svc      *controlplane.Service
	workers  *connectors.Registry
	verifier connectors.Verifier
	config   *Config
	id       string
	logger   *slog.Logger
	metrics  *metrics.Collector

	global  *semaphore.Weighted
	classes map[string]*semaphore.Weighted
	limiter *rate.Limiter

	// Worker pool state
	mu            sync.Mutex
	activeWorkers int
	classCounts   map[string]int

	// Control
	cancel context.CancelFunc
	loops  *errgroup.Group
	wg     sync.WaitGroup
}

// New creates a new scheduler dispatching to the workers in reg.
func New(svc *controlplane.Service, reg *connectors.Registry, cfg *Config, opts Options) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if opts.ID == "" {
		opts.ID = "scheduler-" + uuid.New().String()[:8]
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	sch := &Scheduler{
		svc:         svc,
		workers:     reg,
		verifier:    opts.Verifier,
		config:      cfg,
		id:          opts.ID,
		logger:      opts.Logger.With("scheduler", opts.ID),
		metrics:     opts.Metrics,
		global:      semaphore.NewWeighted(int64(cfg.GlobalMax)),
		classes:     make(map[string]*semaphore.Weighted),
		classCounts: make(map[string]int),
	}
	for _, class := range reg.Classes() {
		sch.classes[class] = semaphore.NewWeighted(int64(cfg.ClassLimit(class)))
	}
	if cfg.ClaimRate > 0 {
		burst := cfg.ClaimBurst
		if burst <= 0 {
			burst = 1
		}
		sch.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), burst)
	}
	return sch
}

// ID returns the scheduler's assignee id.
func (sch *Scheduler) ID() string { return sch.id }

// Start begins the dispatch, review, and reap loops.
func (sch *Scheduler) Start(ctx context.Context) {
	ctx, sch.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	sch.loops = g

	g.Go(func() error { return sch.loop(gctx, sch.config.PollInterval, sch.dispatch) })
	if sch.verifier != nil {
		g.Go(func() error { return sch.loop(gctx, sch.config.PollInterval, sch.review) })
	}
	g.Go(func() error { return sch.loop(gctx, sch.config.ReapInterval, sch.reap) })

	sch.logger.Info("Scheduler started",
		"classes", sch.workers.Classes(), "global_max", sch.config.GlobalMax, "review", sch.verifier != nil)
}

// Stop gracefully stops the scheduler: loops exit and running workers are
// cancelled and waited for. Tickets whose workers were interrupted keep
// their lease until it expires and the reaper returns them to ready.
func (sch *Scheduler) Stop() {
	if sch.cancel == nil {
		return
	}
	sch.cancel()
	if err := sch.loops.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		sch.logger.Error("scheduler loop failed", "error", err)
	}
	sch.wg.Wait()
	sch.logger.Info("Scheduler stopped")
}

// loop runs fn every interval until ctx is done.
func (sch *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// dispatch claims tickets for every registered worker class until capacity
// or claimable work runs out.
func (sch *Scheduler) dispatch(ctx context.Context) {
	for _, class := range sch.workers.Classes() {
		worker, ok := sch.workers.Get(class)
		if !ok {
			continue
		}
		sem := sch.classes[class]
		if sem == nil {
			continue
		}
		for ctx.Err() == nil {
			// Check if we have capacity for more workers
			if !sch.global.TryAcquire(1) {
				return
			}
			if !sem.TryAcquire(1) {
				sch.global.Release(1)
				break
			}
			release := func() {
				sem.Release(1)
				sch.global.Release(1)
			}
			if sch.limiter != nil && !sch.limiter.Allow() {
				release()
				return
			}

			t, err := sch.svc.ClaimNext(ctx, store.Filter{WorkerClass: class}, sch.id, sch.config.LeaseDuration)
			if err != nil {
				release()
				sch.logger.Error("claim failed", "worker_class", class, "error", err)
				break
			}
			if t == nil {
				release()
				break
			}

			sch.logger.Info("Dispatched ticket", "ticket_id", t.ID, "title", t.Title,
				"worker_class", class, "trace_id", t.TraceID)

			sch.mu.Lock()
			sch.activeWorkers++
			sch.classCounts[class]++
			sch.mu.Unlock()
			sch.metrics.WorkerStarted(class)

			sch.wg.Add(1)
			go sch.runWorker(ctx, worker, t, release)
		}
	}
}

// runWorker executes a claimed ticket and reports the outcome.
func (sch *Scheduler) runWorker(ctx context.Context, w connectors.Worker, t *models.Ticket, release func()) {
	started := time.Now()
	defer sch.wg.Done()
	defer func() {
		release()
		sch.mu.Lock()
		sch.activeWorkers--
		sch.classCounts[w.Class()]--
		sch.mu.Unlock()
		sch.metrics.WorkerFinished(w.Class(), time.Since(started))
	}()

	leaseID := t.Owner.LeaseID
	logger := sch.logger.With("ticket_id", t.ID, "trace_id", t.TraceID)

	running, err := sch.svc.Start(ctx, t.ID, leaseID)
	if err != nil {
		logger.Warn("could not start ticket", "error", err)
		return
	}

	wctx, cancel := context.WithCancel(models.WithTraceID(ctx, t.TraceID))
	defer cancel()
	lost := make(chan struct{})
	go sch.heartbeat(wctx, cancel, running, leaseID, lost, logger)

	out := w.Execute(wctx, running)
	cancel()

	select {
	case <-lost:
		logger.Info("lease lost during execution, dropping result")
		return
	default:
	}
	if ctx.Err() != nil {
		logger.Info("worker interrupted, lease left to expire")
		return
	}

	final, err := sch.svc.ReportResult(ctx, t.ID, leaseID, out)
	if errors.Is(err, controlplane.ErrStaleOwner) {
		logger.Info("result rejected, lease no longer held")
		return
	}
	if err != nil {
		logger.Error("report result failed", "error", err)
		return
	}
	logger.Info("Worker finished ticket", "outcome", out.Kind, "state", final.State)
}

// heartbeat renews the lease until ctx is done. If the lease is lost it
// closes lost and cancels the worker.
func (sch *Scheduler) heartbeat(ctx context.Context, cancel context.CancelFunc, t *models.Ticket, leaseID string, lost chan<- struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(sch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := sch.svc.RenewLease(ctx, t.ID, leaseID, sch.config.LeaseDuration)
			if errors.Is(err, controlplane.ErrStaleOwner) {
				close(lost)
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("lease renewal failed", "error", err)
			}
		}
	}
}

// review verifies tickets waiting in in_review.
func (sch *Scheduler) review(ctx context.Context) {
	for ctx.Err() == nil {
		t, err := sch.svc.ClaimReview(ctx, sch.id, sch.config.ReviewLease)
		if err != nil {
			sch.logger.Error("claim review failed", "error", err)
			return
		}
		if t == nil {
			return
		}
		logger := sch.logger.With("ticket_id", t.ID, "trace_id", t.TraceID)

		verdict, err := sch.verifier.Verify(models.WithTraceID(ctx, t.TraceID), t)
		if err != nil {
			// The review lease expires and another pass retries.
			logger.Warn("verifier failed", "error", err)
			continue
		}
		final, err := sch.svc.ReportVerification(ctx, t.ID, t.Owner.LeaseID, verdict)
		if errors.Is(err, controlplane.ErrStaleOwner) {
			logger.Info("verdict rejected, review lease no longer held")
			continue
		}
		if err != nil {
			logger.Error("report verification failed", "error", err)
			continue
		}
		logger.Info("Verified ticket", "verdict", verdict.Status, "state", final.State)
	}
}

// reap reclaims expired leases and unblocks stranded dependents when this
// scheduler holds the reaper lock.
func (sch *Scheduler) reap(ctx context.Context) {
	if _, err := sch.svc.AcquireLock(ctx, reaperLock, sch.id, sch.config.ReaperLockTTL); err != nil {
		if !errors.Is(err, controlplane.ErrResourceLocked) {
			sch.logger.Error("acquire reaper lock failed", "error", err)
		}
		return
	}
	ids, err := sch.svc.ReapExpiredLeases(ctx)
	if err != nil {
		sch.logger.Error("reap failed", "error", err)
	}
	if len(ids) > 0 {
		sch.logger.Info("Reclaimed expired leases", "count", len(ids), "ticket_ids", ids)
	}
	if _, err := sch.svc.SweepBlocked(ctx); err != nil {
		sch.logger.Error("sweep blocked tickets failed", "error", err)
	}
}

// Stats returns current scheduler statistics.
func (sch *Scheduler) Stats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	byClass := make(map[string]int, len(sch.classCounts))
	for k, v := range sch.classCounts {
		byClass[k] = v
	}
	return Stats{
		ActiveWorkers: sch.activeWorkers,
		GlobalMax:     sch.config.GlobalMax,
		ByClass:       byClass,
	}
}
