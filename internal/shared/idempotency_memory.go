package shared

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotencyStore is the single-process variant used in memory mode and tests.
type MemoryIdempotencyStore struct {
	mu        sync.Mutex
	records   map[string]IdempotencyRecord
	retention time.Duration
	now       func() time.Time
}

// NewMemoryIdempotencyStore constructs the store.
func NewMemoryIdempotencyStore(retention time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		records:   make(map[string]IdempotencyRecord),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryIdempotencyStore) expired(rec IdempotencyRecord, now time.Time) bool {
	if rec.Pending() {
		return now.Sub(rec.CreatedAt) > ReservationLease
	}
	return s.retention > 0 && now.Sub(rec.CreatedAt) > s.retention
}

// Reserve claims key unless a live record exists.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string) (IdempotencyRecord, bool, error) {
	if key == "" {
		return IdempotencyRecord{}, false, ErrIdempotencyKeyRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if rec, ok := s.records[key]; ok && !s.expired(rec, now) {
		return rec, false, nil
	}
	rec := IdempotencyRecord{Key: key, CreatedAt: now}
	s.records[key] = rec
	return rec, true, nil
}

// Complete records the movement produced for key.
func (s *MemoryIdempotencyStore) Complete(_ context.Context, key, movementID string) error {
	s.mu.Lock()
	s.records[key] = IdempotencyRecord{Key: key, MovementID: movementID, CreatedAt: s.now()}
	s.mu.Unlock()
	return nil
}

// Release drops a pending reservation.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	if rec, ok := s.records[key]; ok && rec.Pending() {
		delete(s.records, key)
	}
	s.mu.Unlock()
	return nil
}

// Cleanup removes expired entries and returns how many were dropped.
func (s *MemoryIdempotencyStore) Cleanup(_ context.Context, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for key, rec := range s.records {
		if s.expired(rec, now) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}
