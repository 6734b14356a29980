// Package breaker implements per (worker class, project) circuit breakers
// that stop dispatch to a target whose recent attempts mostly fail.
//
// A circuit starts closed and records outcomes in a sliding window bounded
// by both count and age. When the failure ratio over at least MinSamples
// outcomes exceeds FailureThreshold the circuit opens and dispatch is
// suppressed. After Cooldown it becomes half-open and lets exactly one
// trial through: success closes it, failure reopens it. A trial that never
// reports is considered lost after another Cooldown.
//
// Circuit state is held in memory by each process. The outcome windows are
// loaded with Sync from the shared event log, so a verdict reported by any
// process counts toward the same window. Record updates a window directly
// for callers without a shared log.
package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/clock"
	"github.com/fentz26/swarm/internal/models"
)

// State is a circuit state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config holds breaker tunables.
type Config struct {
	WindowSize       int
	WindowDuration   time.Duration
	FailureThreshold float64
	MinSamples       int
	Cooldown         time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:       20,
		WindowDuration:   10 * time.Minute,
		FailureThreshold: 0.5,
		MinSamples:       5,
		Cooldown:         30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.WindowSize <= 0:
		return fmt.Errorf("breaker window_size must be positive, got %d", c.WindowSize)
	case c.MinSamples <= 0 || c.MinSamples > c.WindowSize:
		return fmt.Errorf("breaker min_samples must be in 1..%d, got %d", c.WindowSize, c.MinSamples)
	case c.FailureThreshold <= 0 || c.FailureThreshold >= 1:
		return fmt.Errorf("breaker failure_threshold must be in (0, 1), got %v", c.FailureThreshold)
	case c.Cooldown <= 0:
		return fmt.Errorf("breaker cooldown must be positive, got %s", c.Cooldown)
	case c.WindowDuration < 0:
		return fmt.Errorf("breaker window_duration must be non-negative, got %s", c.WindowDuration)
	}
	return nil
}

type sample struct {
	at time.Time
	ok bool
}

// Sample is one recorded outcome for Sync.
type Sample struct {
	At time.Time
	OK bool
}

type circuit struct {
	state    State
	samples  []sample
	openedAt time.Time
	// halfOpenAt is when the circuit last became half-open.
	halfOpenAt time.Time
	// closedAt is when the circuit last closed after a trial; outcomes
	// up to it belong to the previous window.
	closedAt time.Time
	// trialAt is when the half-open trial was handed out; zero when none
	// is in flight.
	trialAt time.Time
}

// Status is a point-in-time view of one circuit.
type Status struct {
	Key      models.Key `json:"key"`
	State    State      `json:"state"`
	Samples  int        `json:"samples"`
	Failures int        `json:"failures"`
	OpenedAt time.Time  `json:"opened_at,omitempty"`
}

// Breaker tracks one circuit per key. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	clock    clock.Clock
	circuits map[models.Key]*circuit
	onChange func(key models.Key, from, to State)
}

// New creates a Breaker. A nil clock uses the wall clock.
func New(cfg Config, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Breaker{
		cfg:      cfg,
		clock:    clk,
		circuits: make(map[models.Key]*circuit),
	}
}

// OnStateChange registers fn to be called, with the breaker lock held, on
// every circuit state change.
func (b *Breaker) OnStateChange(fn func(key models.Key, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// SetConfig replaces the tunables. Existing windows are kept and trimmed
// on their next update.
func (b *Breaker) SetConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// Config returns the current tunables.
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *Breaker) get(key models.Key) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: Closed}
		b.circuits[key] = c
	}
	return c
}

func (b *Breaker) setState(key models.Key, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if b.onChange != nil {
		b.onChange(key, from, to)
	}
}

// refresh applies time-driven changes: open to half-open after the
// cooldown, and forgetting a half-open trial that never reported.
func (b *Breaker) refresh(key models.Key, c *circuit, now time.Time) {
	switch c.state {
	case Open:
		if now.Sub(c.openedAt) >= b.cfg.Cooldown {
			c.trialAt = time.Time{}
			c.halfOpenAt = now
			b.setState(key, c, HalfOpen)
		}
	case HalfOpen:
		if !c.trialAt.IsZero() && now.Sub(c.trialAt) >= b.cfg.Cooldown {
			c.trialAt = time.Time{}
		}
	}
}

// Blocked returns the keys that must not be dispatched right now: open
// circuits and half-open circuits whose trial is in flight.
func (b *Breaker) Blocked() []models.Key {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var keys []models.Key
	for key, c := range b.circuits {
		b.refresh(key, c, now)
		if c.state == Open || (c.state == HalfOpen && !c.trialAt.IsZero()) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Acquire reports whether a dispatch to key may proceed. In the half-open
// state it grants exactly one trial.
func (b *Breaker) Acquire(key models.Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	c := b.get(key)
	b.refresh(key, c, now)
	switch c.state {
	case Closed:
		return true
	case HalfOpen:
		if c.trialAt.IsZero() {
			c.trialAt = now
			return true
		}
	}
	return false
}

// Record adds the outcome of a dispatch to key.
func (b *Breaker) Record(key models.Key, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	c := b.get(key)
	b.refresh(key, c, now)

	switch c.state {
	case HalfOpen:
		c.trialAt = time.Time{}
		if success {
			c.samples = nil
			c.closedAt = now
			b.setState(key, c, Closed)
			return
		}
		c.openedAt = now
		b.setState(key, c, Open)
	case Open:
		// Late results from dispatches made before the trip are ignored.
	case Closed:
		c.samples = append(c.samples, sample{at: now, ok: success})
		b.trip(key, c, now)
	}
}

// Sync replaces every window with the outcomes in windows, each ordered
// oldest first. A closed circuit takes the outcomes recorded since it last
// closed and trips if they cross the threshold. A half-open circuit is
// resolved by the first outcome recorded since it became half-open. Closed
// circuits missing from windows are emptied.
func (b *Breaker) Sync(windows map[models.Key][]Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	for key := range windows {
		b.get(key)
	}
	for key, c := range b.circuits {
		b.refresh(key, c, now)
		window := windows[key]

		switch c.state {
		case HalfOpen:
			since := c.halfOpenAt.Truncate(time.Millisecond)
			for _, smp := range window {
				if smp.At.Before(since) {
					continue
				}
				c.trialAt = time.Time{}
				if smp.OK {
					c.samples = nil
					c.closedAt = now
					b.setState(key, c, Closed)
				} else {
					c.openedAt = now
					b.setState(key, c, Open)
				}
				break
			}
		case Open:
			c.samples = after(window, c.closedAt)
			b.trim(c, now)
		case Closed:
			c.samples = after(window, c.closedAt)
			b.trip(key, c, now)
		}
	}
}

func after(window []Sample, t time.Time) []sample {
	var out []sample
	for _, smp := range window {
		if smp.At.After(t) {
			out = append(out, sample{at: smp.At, ok: smp.OK})
		}
	}
	return out
}

// trip trims a closed circuit's window and opens it when the failure ratio
// exceeds the threshold.
func (b *Breaker) trip(key models.Key, c *circuit, now time.Time) {
	b.trim(c, now)
	if failures, total := count(c.samples); total >= b.cfg.MinSamples &&
		float64(failures)/float64(total) > b.cfg.FailureThreshold {
		c.openedAt = now
		b.setState(key, c, Open)
	}
}

func (b *Breaker) trim(c *circuit, now time.Time) {
	if b.cfg.WindowDuration > 0 {
		cutoff := now.Add(-b.cfg.WindowDuration)
		i := 0
		for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
			i++
		}
		c.samples = c.samples[i:]
	}
	if over := len(c.samples) - b.cfg.WindowSize; over > 0 {
		c.samples = c.samples[over:]
	}
}

func count(samples []sample) (failures, total int) {
	for _, s := range samples {
		if !s.ok {
			failures++
		}
	}
	return failures, len(samples)
}

// State returns the current state of key's circuit.
func (b *Breaker) State(key models.Key) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return Closed
	}
	b.refresh(key, c, b.clock.Now())
	return c.state
}

// Snapshot returns the status of every known circuit, ordered by key.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	out := make([]Status, 0, len(b.circuits))
	for key, c := range b.circuits {
		b.refresh(key, c, now)
		b.trim(c, now)
		failures, total := count(c.samples)
		st := Status{Key: key, State: c.state, Samples: total, Failures: failures}
		if c.state != Closed {
			st.OpenedAt = c.openedAt
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}
