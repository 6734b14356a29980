// Package localexec provides a local command executor with an allowlist.
// It serves both as a Worker, running a command per ticket, and as a
// Verifier, running a check command against the submitted artifact.
package localexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
)

// defaultAllowed defines the built-in allowlist of executable commands.
var defaultAllowed = map[string][]string{
	"go":  {"test", "vet"},
	"git": {"diff", "status"},
}

// Conventional exit codes mapped to failure codes.
var exitCodes = map[int]string{
	2:   "malformed_input",
	75:  "unavailable", // EX_TEMPFAIL
	77:  "auth",        // EX_NOPERM
	124: "timeout",
}

// Config describes one command-backed worker or verifier.
type Config struct {
	Class   string
	WorkDir string
	Command string
	Args    []string
	Timeout time.Duration
	Allow   map[string][]string
}

// LocalExec runs allowlisted commands on the local machine.
type LocalExec struct {
	cfg     Config
	allowed map[string][]string
}

var (
	_ connectors.Worker   = (*LocalExec)(nil)
	_ connectors.Verifier = (*LocalExec)(nil)
)

// New creates a new LocalExec connector. Entries in cfg.Allow extend the
// built-in allowlist.
func New(cfg Config) *LocalExec {
	allowed := make(map[string][]string, len(defaultAllowed)+len(cfg.Allow))
	for cmd, subs := range defaultAllowed {
		allowed[cmd] = subs
	}
	for cmd, subs := range cfg.Allow {
		allowed[cmd] = append(append([]string(nil), allowed[cmd]...), subs...)
	}
	return &LocalExec{cfg: cfg, allowed: allowed}
}

// Class returns the worker class this connector serves.
func (l *LocalExec) Class() string {
	return l.cfg.Class
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allowed[cmd]
	if !ok {
		return false
	}

	if len(args) == 0 {
		return false
	}

	// Check if the first arg (subcommand) is allowed
	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// ErrNotAllowed is returned by Run for commands outside the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// Run runs a command if it's in the allowlist.
func (l *LocalExec) Run(ctx context.Context, env []string, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.cfg.WorkDir != "" {
		execCmd.Dir = l.cfg.WorkDir
	}
	execCmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// ticketEnv exposes the ticket to the child process.
func ticketEnv(t *models.Ticket) []string {
	env := []string{
		"SWARM_TICKET_ID=" + t.ID,
		"SWARM_TICKET_TITLE=" + t.Title,
		"SWARM_TICKET_DESCRIPTION=" + t.Description,
		"SWARM_PROJECT_ID=" + t.ProjectID,
		"SWARM_TRACE_ID=" + t.TraceID,
		fmt.Sprintf("SWARM_RETRY_COUNT=%d", t.RetryCount),
	}
	if len(t.Feedback) > 0 {
		if data, err := json.Marshal(t.Feedback); err == nil {
			env = append(env, "SWARM_FEEDBACK="+string(data))
		}
	}
	if t.Artifact != "" {
		env = append(env, "SWARM_ARTIFACT="+t.Artifact)
	}
	return env
}

// Execute runs the configured command for a ticket. Exit status 0 is a
// success whose stdout becomes the artifact; anything else is a failure
// classified by exit code.
func (l *LocalExec) Execute(ctx context.Context, t *models.Ticket) models.Outcome {
	res, err := l.Run(ctx, ticketEnv(t), l.cfg.Command, l.cfg.Args)
	if err != nil {
		return models.Failure(runFailure(err))
	}
	if res.ExitCode == 0 {
		return models.Success(res.Stdout)
	}
	return models.Failure(models.Reason{
		Code:    exitReason(res.ExitCode),
		Message: fmt.Sprintf("exit %d: %s", res.ExitCode, lastLine(res.Stderr)),
	})
}

// Verify runs the configured command as a check against the ticket's
// artifact. Exit status 0 passes; otherwise every non-empty output line
// becomes a feedback item.
func (l *LocalExec) Verify(ctx context.Context, t *models.Ticket) (models.Verdict, error) {
	res, err := l.Run(ctx, ticketEnv(t), l.cfg.Command, l.cfg.Args)
	if err != nil {
		if errors.Is(err, ErrNotAllowed) {
			return models.Verdict{}, err
		}
		return models.Verdict{}, fmt.Errorf("run verifier: %w", err)
	}
	if res.ExitCode == 0 {
		return models.Verdict{Status: models.VerdictPassed}, nil
	}

	var feedback []models.FeedbackItem
	for _, line := range strings.Split(res.Stdout+"\n"+res.Stderr, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			feedback = append(feedback, models.FeedbackItem{Severity: "error", Message: line})
		}
	}
	return models.Verdict{
		Status:   models.VerdictFailed,
		Reason:   models.Reason{Code: "verification_failed", Message: fmt.Sprintf("check exited %d", res.ExitCode)},
		Feedback: feedback,
	}, nil
}

func runFailure(err error) models.Reason {
	switch {
	case errors.Is(err, ErrNotAllowed):
		return models.Reason{Code: "policy_violation", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return models.Reason{Code: "timeout", Message: err.Error()}
	case errors.Is(err, exec.ErrNotFound):
		return models.Reason{Code: "unavailable", Message: err.Error()}
	default:
		return models.Reason{Code: "worker_error", Message: err.Error()}
	}
}

func exitReason(code int) string {
	if reason, ok := exitCodes[code]; ok {
		return reason
	}
	return "worker_error"
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
