// Package metrics exposes engine activity as Prometheus metrics.
//
// Counters:
//   - swarm_transitions_total{from,to}: state changes written to the event log
//   - swarm_claims_total{result}: claim attempts, claimed or empty
//   - swarm_leases_reaped_total: expired leases returned to ready
//   - swarm_retry_decisions_total{decision}: retry or hold after a failure
//   - swarm_escalations_total: tickets parked on_hold
//
// Gauges:
//   - swarm_breaker_state{worker_class,project}: 0 closed, 1 half-open, 2 open
//   - swarm_active_workers{worker_class}: dispatched executions in flight
//
// Histograms:
//   - swarm_dispatch_duration_seconds{worker_class}: worker execution time
//
// Every method is safe on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	claims         *prometheus.CounterVec
	reaped         prometheus.Counter
	retryDecisions *prometheus.CounterVec
	escalations    prometheus.Counter

	breakerState  *prometheus.GaugeVec
	activeWorkers *prometheus.GaugeVec

	dispatchDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with every metric registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_transitions_total",
			Help: "Ticket state transitions recorded in the event log",
		}, []string{"from", "to"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_claims_total",
			Help: "Claim attempts by result",
		}, []string{"result"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_leases_reaped_total",
			Help: "Expired leases returned to ready",
		}),
		retryDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_retry_decisions_total",
			Help: "Retry policy decisions after a failed attempt",
		}, []string{"decision"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_escalations_total",
			Help: "Tickets moved to on_hold",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarm_breaker_state",
			Help: "Circuit breaker state per dispatch key (0 closed, 1 half-open, 2 open)",
		}, []string{"worker_class", "project"}),
		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarm_active_workers",
			Help: "Dispatched worker executions in flight",
		}, []string{"worker_class"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarm_dispatch_duration_seconds",
			Help:    "Worker execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"worker_class"}),
	}

	c.registry.MustRegister(
		c.transitions,
		c.claims,
		c.reaped,
		c.retryDecisions,
		c.escalations,
		c.breakerState,
		c.activeWorkers,
		c.dispatchDuration,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveEvents counts the state changes among events.
func (c *Collector) ObserveEvents(events []models.Event) {
	if c == nil {
		return
	}
	for _, ev := range events {
		if ev.FromState == ev.ToState {
			continue
		}
		from := string(ev.FromState)
		if from == "" {
			from = "none"
		}
		c.transitions.WithLabelValues(from, string(ev.ToState)).Inc()
	}
}

// RecordClaim counts a claim attempt.
func (c *Collector) RecordClaim(claimed bool) {
	if c == nil {
		return
	}
	result := "empty"
	if claimed {
		result = "claimed"
	}
	c.claims.WithLabelValues(result).Inc()
}

// RecordReaped counts n reclaimed leases.
func (c *Collector) RecordReaped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.reaped.Add(float64(n))
}

// RecordRetryDecision counts a retry policy decision.
func (c *Collector) RecordRetryDecision(retry bool) {
	if c == nil {
		return
	}
	decision := "hold"
	if retry {
		decision = "retry"
	}
	c.retryDecisions.WithLabelValues(decision).Inc()
}

// RecordEscalation counts a ticket parked on_hold.
func (c *Collector) RecordEscalation() {
	if c == nil {
		return
	}
	c.escalations.Inc()
}

// SetBreakerState publishes the state of key's circuit.
func (c *Collector) SetBreakerState(key models.Key, state string) {
	if c == nil {
		return
	}
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	c.breakerState.WithLabelValues(key.WorkerClass, key.ProjectID).Set(v)
}

// WorkerStarted and WorkerFinished track in-flight executions per class.
func (c *Collector) WorkerStarted(class string) {
	if c == nil {
		return
	}
	c.activeWorkers.WithLabelValues(class).Inc()
}

func (c *Collector) WorkerFinished(class string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.activeWorkers.WithLabelValues(class).Dec()
	c.dispatchDuration.WithLabelValues(class).Observe(elapsed.Seconds())
}
