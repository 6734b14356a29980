// Package config loads engine configuration from YAML or TOML files.
//
// A file only needs to name the settings it changes; everything else keeps
// the value from Default. Durations are written as Go duration strings
// ("30s", "5m").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/breaker"
	"github.com/fentz26/swarm/internal/connectors/localexec"
	"github.com/fentz26/swarm/internal/retry"
	"github.com/fentz26/swarm/internal/scheduler"
	"github.com/fentz26/swarm/internal/store"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a duration string.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	DBPath             string           `yaml:"db_path" toml:"db_path"`
	LogLevel           string           `yaml:"log_level" toml:"log_level"`
	MaxDependencyDepth int              `yaml:"max_dependency_depth" toml:"max_dependency_depth"`
	Scheduler          SchedulerSection `yaml:"scheduler" toml:"scheduler"`
	Retry              RetrySection     `yaml:"retry" toml:"retry"`
	Breaker            BreakerSection   `yaml:"breaker" toml:"breaker"`
	Workers            []CommandSection `yaml:"workers" toml:"workers"`
	Verifier           *CommandSection  `yaml:"verifier" toml:"verifier"`
}

// SchedulerSection configures dispatch concurrency and timing.
type SchedulerSection struct {
	GlobalMax         int            `yaml:"global_max" toml:"global_max"`
	ByClass           map[string]int `yaml:"by_class" toml:"by_class"`
	PollInterval      Duration       `yaml:"poll_interval" toml:"poll_interval"`
	LeaseDuration     Duration       `yaml:"lease_duration" toml:"lease_duration"`
	HeartbeatInterval Duration       `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ReviewLease       Duration       `yaml:"review_lease" toml:"review_lease"`
	ReapInterval      Duration       `yaml:"reap_interval" toml:"reap_interval"`
	ReaperLockTTL     Duration       `yaml:"reaper_lock_ttl" toml:"reaper_lock_ttl"`
	ClaimRate         float64        `yaml:"claim_rate" toml:"claim_rate"`
	ClaimBurst        int            `yaml:"claim_burst" toml:"claim_burst"`
}

// RetrySection configures the retry policy.
type RetrySection struct {
	MaxAttempts  int               `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay    Duration          `yaml:"base_delay" toml:"base_delay"`
	MaxDelay     Duration          `yaml:"max_delay" toml:"max_delay"`
	DefaultClass string            `yaml:"default_class" toml:"default_class"`
	Codes        map[string]string `yaml:"codes" toml:"codes"`
}

// BreakerSection configures the per-key circuit breakers.
type BreakerSection struct {
	WindowSize       int      `yaml:"window_size" toml:"window_size"`
	WindowDuration   Duration `yaml:"window_duration" toml:"window_duration"`
	FailureThreshold float64  `yaml:"failure_threshold" toml:"failure_threshold"`
	MinSamples       int      `yaml:"min_samples" toml:"min_samples"`
	Cooldown         Duration `yaml:"cooldown" toml:"cooldown"`
}

// CommandSection describes a command-backed worker or verifier.
type CommandSection struct {
	Class   string              `yaml:"class" toml:"class"`
	WorkDir string              `yaml:"workdir" toml:"workdir"`
	Command string              `yaml:"command" toml:"command"`
	Args    []string            `yaml:"args" toml:"args"`
	Timeout Duration            `yaml:"timeout" toml:"timeout"`
	Allow   map[string][]string `yaml:"allow" toml:"allow"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sch := scheduler.DefaultConfig()
	rc := retry.DefaultConfig()
	bc := breaker.DefaultConfig()
	return &Config{
		DBPath:             ".swarm/swarm.db",
		LogLevel:           "info",
		MaxDependencyDepth: store.DefaultMaxDepth,
		Scheduler: SchedulerSection{
			GlobalMax:         sch.GlobalMax,
			ByClass:           sch.ByClass,
			PollInterval:      Duration(sch.PollInterval),
			LeaseDuration:     Duration(sch.LeaseDuration),
			HeartbeatInterval: Duration(sch.HeartbeatInterval),
			ReviewLease:       Duration(sch.ReviewLease),
			ReapInterval:      Duration(sch.ReapInterval),
			ReaperLockTTL:     Duration(sch.ReaperLockTTL),
			ClaimRate:         sch.ClaimRate,
			ClaimBurst:        sch.ClaimBurst,
		},
		Retry: RetrySection{
			MaxAttempts:  rc.MaxAttempts,
			BaseDelay:    Duration(rc.BaseDelay),
			MaxDelay:     Duration(rc.MaxDelay),
			DefaultClass: string(rc.DefaultClass),
		},
		Breaker: BreakerSection{
			WindowSize:       bc.WindowSize,
			WindowDuration:   Duration(bc.WindowDuration),
			FailureThreshold: bc.FailureThreshold,
			MinSamples:       bc.MinSamples,
			Cooldown:         Duration(bc.Cooldown),
		},
	}
}

// Load reads the file at path over Default. The format is chosen by
// extension: .yaml, .yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.MaxDependencyDepth <= 0 {
		return fmt.Errorf("max_dependency_depth must be positive, got %d", c.MaxDependencyDepth)
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return err
	}
	if err := c.RetryConfig().Validate(); err != nil {
		return err
	}
	if err := c.BreakerConfig().Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.Class == "" || w.Command == "" {
			return fmt.Errorf("workers[%d]: class and command are required", i)
		}
		if seen[w.Class] {
			return fmt.Errorf("workers[%d]: duplicate class %q", i, w.Class)
		}
		seen[w.Class] = true
	}
	if c.Verifier != nil && c.Verifier.Command == "" {
		return fmt.Errorf("verifier: command is required")
	}
	return nil
}

// SchedulerConfig converts the scheduler section.
func (c *Config) SchedulerConfig() *scheduler.Config {
	s := c.Scheduler
	return &scheduler.Config{
		GlobalMax:         s.GlobalMax,
		ByClass:           s.ByClass,
		PollInterval:      s.PollInterval.Std(),
		LeaseDuration:     s.LeaseDuration.Std(),
		HeartbeatInterval: s.HeartbeatInterval.Std(),
		ReviewLease:       s.ReviewLease.Std(),
		ReapInterval:      s.ReapInterval.Std(),
		ReaperLockTTL:     s.ReaperLockTTL.Std(),
		ClaimRate:         s.ClaimRate,
		ClaimBurst:        s.ClaimBurst,
	}
}

// RetryConfig converts the retry section.
func (c *Config) RetryConfig() retry.Config {
	r := c.Retry
	var codes map[string]retry.Class
	if len(r.Codes) > 0 {
		codes = make(map[string]retry.Class, len(r.Codes))
		for code, class := range r.Codes {
			codes[code] = retry.Class(class)
		}
	}
	return retry.Config{
		MaxAttempts:  r.MaxAttempts,
		BaseDelay:    r.BaseDelay.Std(),
		MaxDelay:     r.MaxDelay.Std(),
		DefaultClass: retry.Class(r.DefaultClass),
		Codes:        codes,
	}
}

// BreakerConfig converts the breaker section.
func (c *Config) BreakerConfig() breaker.Config {
	b := c.Breaker
	return breaker.Config{
		WindowSize:       b.WindowSize,
		WindowDuration:   b.WindowDuration.Std(),
		FailureThreshold: b.FailureThreshold,
		MinSamples:       b.MinSamples,
		Cooldown:         b.Cooldown.Std(),
	}
}

// WorkerConfigs converts the worker sections.
func (c *Config) WorkerConfigs() []localexec.Config {
	out := make([]localexec.Config, 0, len(c.Workers))
	for _, w := range c.Workers {
		out = append(out, w.exec())
	}
	return out
}

// VerifierConfig converts the verifier section. It returns false when no
// verifier is configured.
func (c *Config) VerifierConfig() (localexec.Config, bool) {
	if c.Verifier == nil {
		return localexec.Config{}, false
	}
	return c.Verifier.exec(), true
}

func (s CommandSection) exec() localexec.Config {
	return localexec.Config{
		Class:   s.Class,
		WorkDir: s.WorkDir,
		Command: s.Command,
		Args:    s.Args,
		Timeout: s.Timeout.Std(),
		Allow:   s.Allow,
	}
}
