// Package store provides SQLite-backed persistence for Swarm.
//
// Store is the only component that touches persistent state. Ticket state is
// written exclusively by Transition (and the claim primitive, which uses the
// same event path), and every state change appends its event row inside the
// same SQL transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/clock"
	_ "modernc.org/sqlite"
)

// Sentinel errors returned by the store.
var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrStaleOwner     = errors.New("lease no longer held by caller")
	ErrResourceLocked = errors.New("resource already locked")
	ErrLockNotHeld    = errors.New("lock not held by this holder")
)

const (
	defaultBusyRetries = 5
	busyBaseDelay      = 20 * time.Millisecond
	busyMaxDelay       = 400 * time.Millisecond
)

// Store provides access to the Swarm SQLite database.
type Store struct {
	db          *sql.DB
	clock       clock.Clock
	logger      *slog.Logger
	busyRetries int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps and lease math.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger for operational messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithBusyRetries sets how many times a transaction is retried when SQLite
// reports the database as busy.
func WithBusyRetries(n int) Option {
	return func(s *Store) { s.busyRetries = n }
}

// New creates a new Store and runs migrations.
func New(dbPath string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets readers proceed while one writer holds the lock; the busy
	// timeout makes concurrent writers from other processes queue instead of
	// failing immediately.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:          db,
		clock:       clock.Real(),
		logger:      slog.New(slog.DiscardHandler),
		busyRetries: defaultBusyRetries,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		worker_class TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 2,
		state TEXT NOT NULL,
		owner_id TEXT,
		lease_id TEXT,
		lease_expires_at INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_after INTEGER,
		feedback TEXT,
		artifact TEXT NOT NULL DEFAULT '',
		hold_reason TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ticket_deps (
		ticket_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (ticket_id, depends_on_id),
		FOREIGN KEY (ticket_id) REFERENCES tickets(id),
		FOREIGN KEY (depends_on_id) REFERENCES tickets(id)
	);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		payload_hash TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id)
	);

	CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events
	BEGIN
		SELECT RAISE(ABORT, 'events are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events
	BEGIN
		SELECT RAISE(ABORT, 'events are append-only');
	END;

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		assignee_id TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id)
	);

	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL UNIQUE,
		holder_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_claim ON tickets(state, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_tickets_lease ON tickets(state, lease_expires_at);
	CREATE INDEX IF NOT EXISTS idx_ticket_deps_depends_on ON ticket_deps(depends_on_id);
	CREATE INDEX IF NOT EXISTS idx_events_ticket ON events(ticket_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_ticket ON attempts(ticket_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// withTx runs fn in a transaction, retrying the whole transaction when
// SQLite reports the database busy or locked.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.busyRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == s.busyRetries {
			break
		}
		delay := busyBaseDelay << uint(attempt)
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.Int64N(int64(delay/2)+1))
		s.logger.Debug("database busy, retrying transaction", "attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// --- time helpers ---

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
