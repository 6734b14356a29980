package retry

import (
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	p := New(DefaultConfig())

	tests := []struct {
		code string
		want Class
	}{
		{CodeNetwork, Transient},
		{CodeRateLimit, Transient},
		{CodeTimeout, Transient},
		{CodeUnavailable, Transient},
		{CodeVerificationFailed, Transient},
		{CodeWorkerError, Transient},
		{CodeAuth, Terminal},
		{CodeMalformedInput, Terminal},
		{CodePolicyViolation, Terminal},
		{"something_new", Transient},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Classify(models.Reason{Code: tt.code}))
		})
	}
}

func TestClassify_Overrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultClass = Terminal
	cfg.Codes = map[string]Class{CodeTimeout: Terminal, "flaky_test": Transient}
	p := New(cfg)

	assert.Equal(t, Terminal, p.Classify(models.Reason{Code: CodeTimeout}))
	assert.Equal(t, Transient, p.Classify(models.Reason{Code: "flaky_test"}))
	assert.Equal(t, Terminal, p.Classify(models.Reason{Code: "unknown"}))
}

func TestBackoff(t *testing.T) {
	p := New(Config{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second})

	assert.Equal(t, 1*time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(60))
}

func TestDecide_MonotonicUntilHold(t *testing.T) {
	p := New(Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	ticket := &models.Ticket{ID: "t1"}
	reason := models.Reason{Code: CodeNetwork}

	var lastDelay time.Duration
	for i := 0; i < 3; i++ {
		d := p.Decide(ticket, reason, now)
		require.True(t, d.Retry, "attempt %d", i)
		assert.Equal(t, models.StatePendingRetry, d.NextState)
		assert.Greater(t, d.Delay, lastDelay)
		assert.Equal(t, now.Add(d.Delay), d.RetryAfter)
		lastDelay = d.Delay
		ticket.RetryCount++
	}

	d := p.Decide(ticket, reason, now)
	assert.False(t, d.Retry)
	assert.Equal(t, models.StateOnHold, d.NextState)
	assert.Contains(t, d.HoldReason, "retries exhausted")
	assert.Equal(t, Transient, d.Class)
}

func TestDecide_Terminal(t *testing.T) {
	p := New(DefaultConfig())
	ticket := &models.Ticket{ID: "t1"}

	d := p.Decide(ticket, models.Reason{Code: CodeAuth, Message: "token revoked"}, now)
	assert.False(t, d.Retry)
	assert.Equal(t, Terminal, d.Class)
	assert.Equal(t, models.StateOnHold, d.NextState)
	assert.Contains(t, d.HoldReason, "token revoked")
	assert.True(t, d.RetryAfter.IsZero())
}

func TestDecide_ZeroAttempts(t *testing.T) {
	p := New(Config{MaxAttempts: 0})
	d := p.Decide(&models.Ticket{}, models.Reason{Code: CodeNetwork}, now)
	assert.Equal(t, models.StateOnHold, d.NextState)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxAttempts = -1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.BaseDelay = time.Hour
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.DefaultClass = "maybe"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Codes = map[string]Class{"x": "sometimes"}
	assert.Error(t, bad.Validate())
}
