package inventory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func key(product, warehouse, location string) Key {
	return Key{ProductID: product, WarehouseID: warehouse, LocationID: location}
}

func TestMergeDeltasSumsPerKey(t *testing.T) {
	a, b := key("p", "w", "a"), key("p", "w", "b")
	merged := mergeDeltas([]Delta{{Key: b, Amount: 2}, {Key: a, Amount: 5}, {Key: b, Amount: -1}})
	require.Equal(t, []Delta{{Key: a, Amount: 5}, {Key: b, Amount: 1}}, merged)
}

func TestMemoryStoreApplyAndGet(t *testing.T) {
	store := NewMemoryStore(NewKeyLocker(time.Second))
	ctx := context.Background()
	k := key("p1", "w1", "l1")

	rec, err := store.Get(ctx, k)
	require.NoError(t, err)
	require.False(t, rec.Exists())
	require.Zero(t, rec.QuantityOnHand)

	var committed []Change
	changes, err := store.Apply(ctx, []Delta{{Key: k, Amount: 7}}, func(c []Change) { committed = c })
	require.NoError(t, err)
	require.Equal(t, changes, committed)
	require.False(t, changes[0].Before.Exists())
	require.Equal(t, int64(7), changes[0].After.QuantityOnHand)
	require.Equal(t, int64(1), changes[0].After.Version)

	rec, err = store.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.QuantityOnHand)

	_, err = store.Apply(ctx, nil, nil)
	require.ErrorIs(t, err, ErrValidation)
}

func TestMemoryStoreRejectsQuantityOverflow(t *testing.T) {
	store := NewMemoryStore(NewKeyLocker(time.Second))
	ctx := context.Background()
	k := key("p1", "w1", "l1")

	_, err := store.Apply(ctx, []Delta{{Key: k, Amount: math.MaxInt64}}, nil)
	require.NoError(t, err)

	_, err = store.Apply(ctx, []Delta{{Key: k, Amount: 1}}, nil)
	require.ErrorIs(t, err, ErrValidation)

	rec, err := store.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), rec.QuantityOnHand)
	require.Equal(t, int64(1), rec.Version)
}

func TestMemoryStoreRejectsNegativeAtomically(t *testing.T) {
	store := NewMemoryStore(NewKeyLocker(time.Second))
	ctx := context.Background()
	a, b := key("p1", "w1", "a"), key("p1", "w1", "b")
	_, err := store.Apply(ctx, []Delta{{Key: a, Amount: 4}}, nil)
	require.NoError(t, err)

	called := false
	_, err = store.Apply(ctx, []Delta{{Key: a, Amount: -5}, {Key: b, Amount: 5}}, func([]Change) { called = true })
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.False(t, called)

	var short *InsufficientStockError
	require.True(t, errors.As(err, &short))
	require.Equal(t, int64(4), short.Available())
	require.Equal(t, int64(5), short.Shortfalls[0].Requested)

	recA, _ := store.Get(ctx, a)
	recB, _ := store.Get(ctx, b)
	require.Equal(t, int64(4), recA.QuantityOnHand)
	require.False(t, recB.Exists())
}

func TestMemoryStoreDisjointKeysDoNotBlock(t *testing.T) {
	locks := NewKeyLocker(time.Second)
	store := NewMemoryStore(locks)
	held := key("p1", "w1", "a")

	release, err := locks.Acquire(context.Background(), []Key{held})
	require.NoError(t, err)
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := store.Apply(context.Background(), []Delta{{Key: key("p1", "w1", "b"), Amount: 1}}, nil)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("apply on a disjoint key blocked")
	}
}

func TestMemoryStoreSnapshotNeverSeesHalfTransfer(t *testing.T) {
	store := NewMemoryStore(NewKeyLocker(time.Second))
	ctx := context.Background()
	a, b := key("p1", "w1", "a"), key("p1", "w2", "b")
	_, err := store.Apply(ctx, []Delta{{Key: a, Amount: 50}, {Key: b, Amount: 50}}, nil)
	require.NoError(t, err)

	var g errgroup.Group
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		dir := int64(1)
		if i%2 == 1 {
			dir = -1
		}
		g.Go(func() error {
			for n := 0; n < 200; n++ {
				_, err := store.Apply(ctx, []Delta{{Key: a, Amount: -dir}, {Key: b, Amount: dir}}, nil)
				if err != nil && !errors.Is(err, ErrInsufficientStock) {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			records, err := store.Snapshot(ctx)
			if err != nil {
				return err
			}
			var total int64
			for _, rec := range records {
				total += rec.QuantityOnHand
			}
			if total != 100 {
				return errors.New("snapshot observed a partial transfer")
			}
		}
	})

	time.Sleep(50 * time.Millisecond)
	close(stop)
	require.NoError(t, g.Wait())
}
