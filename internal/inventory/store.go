package inventory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"
)

// Store owns current quantities. Apply is the single synchronization point:
// a batch is applied entirely or not at all, serialized per key.
type Store interface {
	Get(ctx context.Context, key Key) (Record, error)
	// Apply applies deltas atomically. onCommit, when set, runs after the batch is
	// durable and before the key locks are released.
	Apply(ctx context.Context, deltas []Delta, onCommit func([]Change)) ([]Change, error)
	// Snapshot returns every committed record; a batch is either fully visible or not at all.
	Snapshot(ctx context.Context) ([]Record, error)
}

// mergeDeltas sums amounts per key and returns them in lock order.
func mergeDeltas(deltas []Delta) []Delta {
	sums := make(map[Key]int64, len(deltas))
	keys := make([]Key, 0, len(deltas))
	for _, d := range deltas {
		if _, ok := sums[d.Key]; !ok {
			keys = append(keys, d.Key)
		}
		sums[d.Key] += d.Amount
	}
	keys = sortKeys(keys)
	out := make([]Delta, 0, len(keys))
	for _, k := range keys {
		out = append(out, Delta{Key: k, Amount: sums[k]})
	}
	return out
}

func deltaKeys(deltas []Delta) []Key {
	keys := make([]Key, 0, len(deltas))
	for _, d := range deltas {
		keys = append(keys, d.Key)
	}
	return keys
}

// planChanges computes the post-image of every record or reports the keys
// that would go negative.
func planChanges(current map[Key]Record, deltas []Delta, now time.Time) ([]Change, error) {
	changes := make([]Change, 0, len(deltas))
	var shortfalls []Shortfall
	for _, d := range deltas {
		before, ok := current[d.Key]
		if !ok {
			before = Record{Key: d.Key}
		}
		if d.Amount > 0 && before.QuantityOnHand > math.MaxInt64-d.Amount {
			return nil, newValidationError("quantity", fmt.Sprintf("%s would exceed the maximum quantity", d.Key))
		}
		after := before
		after.QuantityOnHand = before.QuantityOnHand + d.Amount
		after.Version = before.Version + 1
		after.UpdatedAt = now
		if after.QuantityOnHand < 0 {
			shortfalls = append(shortfalls, Shortfall{Key: d.Key, Available: before.QuantityOnHand, Requested: -d.Amount})
			continue
		}
		changes = append(changes, Change{Before: before, After: after})
	}
	if len(shortfalls) > 0 {
		return nil, &InsufficientStockError{Shortfalls: shortfalls}
	}
	return changes, nil
}

const memoryShards = 32

// MemoryStore is an in-process Store. Writers on disjoint keys share only a
// read lock on the commit gate; Snapshot takes the gate exclusively.
type MemoryStore struct {
	locks  *KeyLocker
	gate   sync.RWMutex
	shards [memoryShards]memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	records map[Key]Record
}

// NewMemoryStore builds an empty store guarded by locks.
func NewMemoryStore(locks *KeyLocker) *MemoryStore {
	s := &MemoryStore{locks: locks, now: func() time.Time { return time.Now().UTC() }}
	for i := range s.shards {
		s.shards[i].records = make(map[Key]Record)
	}
	return s
}

func (s *MemoryStore) shard(k Key) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.String()))
	return &s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) read(k Key) (Record, bool) {
	sh := s.shard(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[k]
	return rec, ok
}

// Get returns the record or a zero-quantity record when none exists yet.
func (s *MemoryStore) Get(_ context.Context, key Key) (Record, error) {
	if rec, ok := s.read(key); ok {
		return rec, nil
	}
	return Record{Key: key}, nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(ctx context.Context, deltas []Delta, onCommit func([]Change)) ([]Change, error) {
	merged := mergeDeltas(deltas)
	if len(merged) == 0 {
		return nil, newValidationError("deltas", "at least one delta required")
	}
	release, err := s.locks.Acquire(ctx, deltaKeys(merged))
	if err != nil {
		return nil, err
	}
	defer release()

	current := make(map[Key]Record, len(merged))
	for _, d := range merged {
		if rec, ok := s.read(d.Key); ok {
			current[d.Key] = rec
		}
	}
	changes, err := planChanges(current, merged, s.now())
	if err != nil {
		return nil, err
	}

	s.gate.RLock()
	for _, c := range changes {
		sh := s.shard(c.After.Key)
		sh.mu.Lock()
		sh.records[c.After.Key] = c.After
		sh.mu.Unlock()
	}
	s.gate.RUnlock()

	if onCommit != nil {
		onCommit(changes)
	}
	return changes, nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context) ([]Record, error) {
	s.gate.Lock()
	var out []Record
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, rec := range sh.records {
			out = append(out, rec)
		}
		sh.mu.RUnlock()
	}
	s.gate.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}
