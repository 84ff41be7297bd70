package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// KeyLocker hands out one exclusive lock per inventory key. Keys are always
// acquired in Key.Less order so two batches sharing keys cannot deadlock.
type KeyLocker struct {
	mu      sync.Mutex
	entries map[Key]*keyEntry
	timeout time.Duration
	onWait  func(time.Duration)
}

type keyEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyLocker builds a locker. A zero timeout waits as long as ctx allows.
func NewKeyLocker(timeout time.Duration) *KeyLocker {
	return &KeyLocker{entries: make(map[Key]*keyEntry), timeout: timeout}
}

// ObserveWait registers a callback receiving the time spent acquiring locks.
func (l *KeyLocker) ObserveWait(fn func(time.Duration)) {
	l.onWait = fn
}

// Acquire blocks until every key is held, ctx is done, or the bounded wait
// elapses. The returned release func is safe to call more than once.
func (l *KeyLocker) Acquire(ctx context.Context, keys []Key) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ordered := sortKeys(keys)
	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	held := make([]*keyEntry, 0, len(ordered))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].sem.Release(1)
			l.unref(ordered[i])
		}
	}
	for _, k := range ordered {
		entry := l.ref(k)
		if err := entry.sem.Acquire(waitCtx, 1); err != nil {
			l.unref(k)
			unlock()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, ErrConcurrencyTimeout
		}
		held = append(held, entry)
	}
	if l.onWait != nil {
		l.onWait(time.Since(start))
	}
	var once sync.Once
	return func() { once.Do(unlock) }, nil
}

func (l *KeyLocker) ref(k Key) *keyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[k]
	if !ok {
		entry = &keyEntry{sem: semaphore.NewWeighted(1)}
		l.entries[k] = entry
	}
	entry.refs++
	return entry
}

func (l *KeyLocker) unref(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[k]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, k)
	}
}

// sortKeys returns the distinct keys in lock order.
func sortKeys(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
