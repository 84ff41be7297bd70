package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore keeps reservations as JSON values. Pending entries
// expire after ReservationLease, completed ones after retention.
type RedisIdempotencyStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisIdempotencyStore constructs the store.
func NewRedisIdempotencyStore(client *redis.Client, retention time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, retention: retention}
}

// Reserve implements the engine's idempotency port with SET NX.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	if key == "" {
		return IdempotencyRecord{}, false, ErrIdempotencyKeyRequired
	}
	rec := IdempotencyRecord{Key: key, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	redisKey := IdempotencyRedisKey(key)
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.client.SetNX(ctx, redisKey, raw, ReservationLease).Result()
		if err != nil {
			return IdempotencyRecord{}, false, fmt.Errorf("shared: reserve idempotency key: %w", err)
		}
		if ok {
			return rec, true, nil
		}
		payload, err := s.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return IdempotencyRecord{}, false, fmt.Errorf("shared: load idempotency key: %w", err)
		}
		var existing IdempotencyRecord
		if err := json.Unmarshal(payload, &existing); err != nil {
			return IdempotencyRecord{}, false, fmt.Errorf("shared: decode idempotency key: %w", err)
		}
		return existing, false, nil
	}
	return IdempotencyRecord{}, false, fmt.Errorf("shared: reserve idempotency key %s: contention", key)
}

// Complete stores the movement id and extends the entry to the retention window.
func (s *RedisIdempotencyStore) Complete(ctx context.Context, key, movementID string) error {
	raw, err := json.Marshal(IdempotencyRecord{Key: key, MovementID: movementID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, IdempotencyRedisKey(key), raw, s.retention).Err()
}

// Release drops a pending reservation.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	redisKey := IdempotencyRedisKey(key)
	payload, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var existing IdempotencyRecord
	if err := json.Unmarshal(payload, &existing); err == nil && !existing.Pending() {
		return nil
	}
	return s.client.Del(ctx, redisKey).Err()
}
