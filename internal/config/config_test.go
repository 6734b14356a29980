package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.RetryConfig().MaxAttempts)
	assert.Equal(t, 20, cfg.BreakerConfig().WindowSize)
	assert.Positive(t, cfg.SchedulerConfig().GlobalMax)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "swarm.yaml", `
db_path: /var/lib/swarm.db
scheduler:
  global_max: 4
  by_class:
    coder: 2
  lease_duration: 90s
retry:
  max_attempts: 5
  base_delay: 2s
  codes:
    flaky_test: transient
    license: terminal
breaker:
  cooldown: 1m
workers:
  - class: coder
    command: go
    args: [test, ./...]
    timeout: 10m
verifier:
  command: go
  args: [vet, ./...]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/swarm.db", cfg.DBPath)
	sch := cfg.SchedulerConfig()
	assert.Equal(t, 4, sch.GlobalMax)
	assert.Equal(t, 2, sch.ClassLimit("coder"))
	assert.Equal(t, 90*time.Second, sch.LeaseDuration)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Scheduler.PollInterval.Std(), sch.PollInterval)

	rc := cfg.RetryConfig()
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, 2*time.Second, rc.BaseDelay)
	assert.Equal(t, retry.Terminal, rc.Codes["license"])

	assert.Equal(t, time.Minute, cfg.BreakerConfig().Cooldown)
	assert.Equal(t, 0.5, cfg.BreakerConfig().FailureThreshold)

	workers := cfg.WorkerConfigs()
	require.Len(t, workers, 1)
	assert.Equal(t, "coder", workers[0].Class)
	assert.Equal(t, []string{"test", "./..."}, workers[0].Args)
	assert.Equal(t, 10*time.Minute, workers[0].Timeout)

	v, ok := cfg.VerifierConfig()
	require.True(t, ok)
	assert.Equal(t, []string{"vet", "./..."}, v.Args)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "swarm.toml", `
db_path = "swarm.db"
max_dependency_depth = 16

[retry]
max_attempts = 1
max_delay = "30s"

[breaker]
failure_threshold = 0.25
min_samples = 10

[[workers]]
class = "docs"
command = "git"
args = ["diff"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "swarm.db", cfg.DBPath)
	assert.Equal(t, 16, cfg.MaxDependencyDepth)
	assert.Equal(t, 1, cfg.RetryConfig().MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.RetryConfig().MaxDelay)
	assert.Equal(t, 0.25, cfg.BreakerConfig().FailureThreshold)
	assert.Equal(t, 10, cfg.BreakerConfig().MinSamples)
	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, "docs", cfg.Workers[0].Class)

	_, ok := cfg.VerifierConfig()
	assert.False(t, ok)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown extension", "swarm.json", `{}`},
		{"bad duration", "bad.yaml", "retry:\n  base_delay: soon\n"},
		{"invalid threshold", "bad.toml", "[breaker]\nfailure_threshold = 1.5\n"},
		{"base above max", "delay.yaml", "retry:\n  base_delay: 10m\n  max_delay: 1m\n"},
		{"worker without command", "w.yaml", "workers:\n  - class: coder\n"},
		{"duplicate worker", "dup.yaml", "workers:\n  - {class: a, command: go}\n  - {class: a, command: git}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "swarm.yaml", "retry:\n  max_attempts: 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "swarm.yaml", "retry:\n  max_attempts: not-a-number\n")
	writeFile(t, dir, "other.yaml", "retry:\n  max_attempts: 9\n")
	time.Sleep(300 * time.Millisecond)
	writeFile(t, dir, "swarm.yaml", "retry:\n  max_attempts: 7\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7, cfg.RetryConfig().MaxAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
