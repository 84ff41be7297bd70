package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReservationLease bounds how long an uncompleted reservation blocks its key.
// After the lease a crashed holder's key can be claimed again.
const ReservationLease = time.Minute

// IdempotencyRecord maps a client key to the movement it produced. MovementID
// is empty while the reservation is in flight.
type IdempotencyRecord struct {
	Key        string    `json:"key"`
	MovementID string    `json:"movement_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Pending reports whether the holder has not completed yet.
func (r IdempotencyRecord) Pending() bool {
	return r.MovementID == ""
}

// IdempotencyStore persists processed keys in PostgreSQL.
type IdempotencyStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// NewIdempotencyStore constructs the store. Completed keys are honoured for retention.
func NewIdempotencyStore(pool *pgxpool.Pool, retention time.Duration) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, retention: retention}
}

// Reserve claims key. It returns the existing record and false when another
// request already holds or completed it.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	if key == "" {
		return IdempotencyRecord{}, false, ErrIdempotencyKeyRequired
	}
	now := time.Now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		var rec IdempotencyRecord
		err := s.pool.QueryRow(ctx, `INSERT INTO idempotency_keys (key, movement_id, created_at)
VALUES ($1, NULL, $2)
ON CONFLICT (key) DO UPDATE SET movement_id = NULL, created_at = EXCLUDED.created_at
WHERE idempotency_keys.created_at < $3
   OR (idempotency_keys.movement_id IS NULL AND idempotency_keys.created_at < $4)
RETURNING key, created_at`, key, now, now.Add(-s.retention), now.Add(-ReservationLease)).Scan(&rec.Key, &rec.CreatedAt)
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, fmt.Errorf("shared: reserve idempotency key: %w", err)
		}
		err = s.pool.QueryRow(ctx, `SELECT key, COALESCE(movement_id::text, ''), created_at FROM idempotency_keys WHERE key = $1`, key).
			Scan(&rec.Key, &rec.MovementID, &rec.CreatedAt)
		if err == nil {
			return rec, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, fmt.Errorf("shared: load idempotency key: %w", err)
		}
		// released between the two statements
	}
	return IdempotencyRecord{}, false, fmt.Errorf("shared: reserve idempotency key %s: contention", key)
}

// Complete records the movement produced for key.
func (s *IdempotencyStore) Complete(ctx context.Context, key, movementID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE idempotency_keys SET movement_id = $2::uuid, created_at = $3 WHERE key = $1`, key, movementID, time.Now().UTC())
	return err
}

// Release removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrIdempotencyKeyRequired
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND movement_id IS NULL`, key)
	return err
}

// Cleanup removes entries older than retention and returns how many were deleted.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = s.retention
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
