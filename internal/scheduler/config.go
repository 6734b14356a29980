// Package scheduler provides ticket dispatching with worker pool management.
package scheduler

import (
	"fmt"
	"time"
)

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of concurrent workers across all classes.
	GlobalMax int
	// ByClass defines per worker class concurrency limits.
	ByClass map[string]int

	// PollInterval is how often the dispatch and review loops look for work.
	PollInterval time.Duration
	// LeaseDuration is the lease taken on each claimed ticket.
	LeaseDuration time.Duration
	// HeartbeatInterval is how often a running worker renews its lease.
	HeartbeatInterval time.Duration
	// ReviewLease is the lease taken while a verifier checks a ticket.
	ReviewLease time.Duration
	// ReapInterval is how often expired leases are reclaimed.
	ReapInterval time.Duration
	// ReaperLockTTL bounds how long one scheduler holds the reaper lock.
	ReaperLockTTL time.Duration

	// ClaimRate limits claims per second across all classes. Zero disables
	// the limit.
	ClaimRate  float64
	ClaimBurst int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax: 10,
		ByClass: map[string]int{
			"coder": 5,
		},
		PollInterval:      1 * time.Second,
		LeaseDuration:     5 * time.Minute,
		HeartbeatInterval: 1 * time.Minute,
		ReviewLease:       5 * time.Minute,
		ReapInterval:      15 * time.Second,
		ReaperLockTTL:     30 * time.Second,
		ClaimRate:         20,
		ClaimBurst:        5,
	}
}

// ClassLimit returns the concurrency limit for a worker class.
func (c *Config) ClassLimit(class string) int {
	if limit, ok := c.ByClass[class]; ok {
		return limit
	}
	// Default limit if not specified
	return 1
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.GlobalMax <= 0:
		return fmt.Errorf("scheduler global_max must be positive, got %d", c.GlobalMax)
	case c.PollInterval <= 0 || c.ReapInterval <= 0:
		return fmt.Errorf("scheduler poll_interval and reap_interval must be positive")
	case c.LeaseDuration <= 0 || c.ReviewLease <= 0:
		return fmt.Errorf("scheduler lease durations must be positive")
	case c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseDuration:
		return fmt.Errorf("scheduler heartbeat_interval %s must be positive and shorter than lease_duration %s",
			c.HeartbeatInterval, c.LeaseDuration)
	case c.ClaimRate < 0:
		return fmt.Errorf("scheduler claim_rate must be non-negative, got %v", c.ClaimRate)
	}
	for class, limit := range c.ByClass {
		if limit <= 0 {
			return fmt.Errorf("scheduler by_class[%s] must be positive, got %d", class, limit)
		}
	}
	return nil
}
