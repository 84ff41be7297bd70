package inventory

import (
	"context"
	"sync"
	"time"
)

// Ledger is the append-only movement history.
type Ledger interface {
	// Append stores m and assigns Seq and CreatedAt. Appending the same ID twice
	// returns the stored movement instead of a second row.
	Append(ctx context.Context, m Movement) (Movement, error)
	Get(ctx context.Context, id string) (Movement, error)
	// GetByIdempotencyKey returns the movement recorded under key or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (Movement, error)
	// Query returns matching movements newest first.
	Query(ctx context.Context, filter MovementFilter) ([]Movement, error)
	// Recent feeds activity streams, newest first.
	Recent(ctx context.Context, limit int) ([]Movement, error)
	// Balances returns the signed sum of all deltas per key.
	Balances(ctx context.Context) (map[Key]int64, error)
}

// MemoryLedger keeps movements in commit order.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []Movement
	byID    map[string]int
	byKey   map[string]int
	seq     int64
	last    time.Time
	now     func() time.Time
}

// NewMemoryLedger builds an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byID: make(map[string]int), byKey: make(map[string]int), now: func() time.Time { return time.Now().UTC() }}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, m Movement) (Movement, error) {
	if m.ID == "" {
		return Movement{}, newValidationError("id", "movement id required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.byID[m.ID]; ok {
		return l.entries[idx], nil
	}
	// One movement per idempotency key, like the unique index in PostgreSQL.
	if idx, ok := l.byKey[m.IdempotencyKey]; ok && m.IdempotencyKey != "" {
		return l.entries[idx], nil
	}
	ts := l.now()
	if ts.Before(l.last) {
		ts = l.last
	}
	l.last = ts
	l.seq++
	m.Seq = l.seq
	m.CreatedAt = ts
	l.byID[m.ID] = len(l.entries)
	if m.IdempotencyKey != "" {
		l.byKey[m.IdempotencyKey] = len(l.entries)
	}
	l.entries = append(l.entries, m)
	return m, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, id string) (Movement, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[id]
	if !ok {
		return Movement{}, ErrNotFound
	}
	return l.entries[idx], nil
}

// GetByIdempotencyKey implements Ledger.
func (l *MemoryLedger) GetByIdempotencyKey(_ context.Context, key string) (Movement, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byKey[key]
	if !ok || key == "" {
		return Movement{}, ErrNotFound
	}
	return l.entries[idx], nil
}

// Query implements Ledger.
func (l *MemoryLedger) Query(_ context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.NormalizedLimit()
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Movement, 0, min(limit, len(l.entries)))
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Matches(l.entries[i]) {
			out = append(out, l.entries[i])
		}
	}
	return out, nil
}

// Recent implements Ledger.
func (l *MemoryLedger) Recent(ctx context.Context, limit int) ([]Movement, error) {
	return l.Query(ctx, MovementFilter{Limit: limit})
}

// Balances implements Ledger.
func (l *MemoryLedger) Balances(_ context.Context) (map[Key]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[Key]int64)
	for _, m := range l.entries {
		for _, d := range m.Deltas() {
			out[d.Key] += d.Amount
		}
	}
	return out, nil
}
