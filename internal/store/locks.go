package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/google/uuid"
)

// --- Lock Operations ---

// AcquireLock takes a named lock for holderID until ttl passes. A holder
// that already owns the lock has its expiry extended. Returns
// ErrResourceLocked if another holder owns a live lock.
func (s *Store) AcquireLock(ctx context.Context, resourceID, holderID string, ttl time.Duration) (*models.Lock, error) {
	var lock *models.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()

		// Clean up expired locks for this resource within the transaction
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE resource_id = ? AND expires_at <= ?`, resourceID, toMillis(now)); err != nil {
			return fmt.Errorf("clean expired locks: %w", err)
		}

		existing, err := getLockTx(ctx, tx, resourceID, now)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.HolderID != holderID {
				return ErrResourceLocked
			}
			existing.ExpiresAt = now.Add(ttl)
			if _, err := tx.ExecContext(ctx,
				`UPDATE locks SET expires_at = ? WHERE id = ?`, toMillis(existing.ExpiresAt), existing.ID); err != nil {
				return fmt.Errorf("extend lock: %w", err)
			}
			lock = existing
			return nil
		}

		lock = &models.Lock{
			ID:         uuid.New().String(),
			ResourceID: resourceID,
			HolderID:   holderID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO locks (id, resource_id, holder_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			lock.ID, lock.ResourceID, lock.HolderID, toMillis(lock.CreatedAt), toMillis(lock.ExpiresAt),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return ErrResourceLocked
			}
			return fmt.Errorf("insert lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// GetLock returns the live lock on resourceID, or nil if there is none.
func (s *Store) GetLock(ctx context.Context, resourceID string) (*models.Lock, error) {
	return getLockTx(ctx, s.db, resourceID, s.clock.Now())
}

func getLockTx(ctx context.Context, q querier, resourceID string, now time.Time) (*models.Lock, error) {
	var lock models.Lock
	var createdAt, expiresAt int64
	err := q.QueryRowContext(ctx,
		`SELECT id, resource_id, holder_id, created_at, expires_at
		 FROM locks WHERE resource_id = ? AND expires_at > ?`,
		resourceID, toMillis(now),
	).Scan(&lock.ID, &lock.ResourceID, &lock.HolderID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	lock.CreatedAt = fromMillis(createdAt)
	lock.ExpiresAt = fromMillis(expiresAt)
	return &lock, nil
}

// ReleaseLock releases resourceID if holderID owns it.
func (s *Store) ReleaseLock(ctx context.Context, resourceID, holderID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource_id = ? AND holder_id = ?`, resourceID, holderID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
