// Package retry decides what happens to a ticket after a failed attempt:
// whether the failure is worth retrying, how long to back off, and when to
// stop and hold the ticket for a human.
package retry

import (
	"fmt"
	"time"

	"github.com/fentz26/swarm/internal/models"
)

// Class separates failures worth retrying from those that are not.
type Class string

const (
	Transient Class = "transient"
	Terminal  Class = "terminal"
)

// Well-known failure codes.
const (
	CodeNetwork            = "network"
	CodeRateLimit          = "rate_limit"
	CodeTimeout            = "timeout"
	CodeUnavailable        = "unavailable"
	CodeVerificationFailed = "verification_failed"
	CodeWorkerError        = "worker_error"
	CodeAuth               = "auth"
	CodeMalformedInput     = "malformed_input"
	CodePolicyViolation    = "policy_violation"
)

var defaultCodes = map[string]Class{
	CodeNetwork:            Transient,
	CodeRateLimit:          Transient,
	CodeTimeout:            Transient,
	CodeUnavailable:        Transient,
	CodeVerificationFailed: Transient,
	CodeWorkerError:        Transient,
	CodeAuth:               Terminal,
	CodeMalformedInput:     Terminal,
	CodePolicyViolation:    Terminal,
}

// Config holds retry tunables.
type Config struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	DefaultClass Class
	// Codes overrides or extends the built-in code classification.
	Codes map[string]Class
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    5 * time.Second,
		MaxDelay:     5 * time.Minute,
		DefaultClass: Transient,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("retry max_attempts must be >= 0, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return fmt.Errorf("retry base_delay %s exceeds max_delay %s", c.BaseDelay, c.MaxDelay)
	}
	switch c.DefaultClass {
	case "", Transient, Terminal:
	default:
		return fmt.Errorf("retry default_class %q is not transient or terminal", c.DefaultClass)
	}
	for code, class := range c.Codes {
		if class != Transient && class != Terminal {
			return fmt.Errorf("retry code %q has unknown class %q", code, class)
		}
	}
	return nil
}

// Decision is the outcome of applying the policy to a failure.
type Decision struct {
	Retry      bool
	Class      Class
	Delay      time.Duration
	RetryAfter time.Time
	// NextState is pending_retry when retrying and on_hold otherwise.
	NextState  models.State
	HoldReason string
}

// Policy classifies failures and computes backoff.
type Policy struct {
	cfg Config
}

// New creates a Policy. Zero fields in cfg take their defaults.
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.DefaultClass == "" {
		cfg.DefaultClass = def.DefaultClass
	}
	return &Policy{cfg: cfg}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Classify returns the class of a failure reason.
func (p *Policy) Classify(reason models.Reason) Class {
	if class, ok := p.cfg.Codes[reason.Code]; ok {
		return class
	}
	if class, ok := defaultCodes[reason.Code]; ok {
		return class
	}
	return p.cfg.DefaultClass
}

// Backoff returns the delay before retry number retryCount+1.
func (p *Policy) Backoff(retryCount int) time.Duration {
	delay := p.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	if delay > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return delay
}

// Decide applies the policy to a ticket that has just failed with reason.
// The ticket's retry count is the number of retries already taken.
func (p *Policy) Decide(t *models.Ticket, reason models.Reason, now time.Time) Decision {
	class := p.Classify(reason)
	d := Decision{Class: class}

	switch {
	case class == Terminal:
		d.NextState = models.StateOnHold
		d.HoldReason = fmt.Sprintf("terminal failure: %s", reason)
	case t.RetryCount >= p.cfg.MaxAttempts:
		d.NextState = models.StateOnHold
		d.HoldReason = fmt.Sprintf("retries exhausted after %d attempts: %s", t.RetryCount, reason)
	default:
		d.Retry = true
		d.Delay = p.Backoff(t.RetryCount)
		d.RetryAfter = now.Add(d.Delay)
		d.NextState = models.StatePendingRetry
	}
	return d
}
