package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyLockerOrdersAndDedups(t *testing.T) {
	a := Key{ProductID: "p1", WarehouseID: "w1", LocationID: "a"}
	b := Key{ProductID: "p1", WarehouseID: "w1", LocationID: "b"}
	c := Key{ProductID: "p0", WarehouseID: "w9", LocationID: "z"}

	got := sortKeys([]Key{b, a, c, a})
	require.Equal(t, []Key{c, a, b}, got)
}

func TestKeyLockerTimeout(t *testing.T) {
	locker := NewKeyLocker(20 * time.Millisecond)
	k := Key{ProductID: "p", WarehouseID: "w", LocationID: "l"}

	release, err := locker.Acquire(context.Background(), []Key{k})
	require.NoError(t, err)

	_, err = locker.Acquire(context.Background(), []Key{k})
	require.ErrorIs(t, err, ErrConcurrencyTimeout)

	release()
	release()
	again, err := locker.Acquire(context.Background(), []Key{k})
	require.NoError(t, err)
	again()
	require.Empty(t, locker.entries)
}

func TestKeyLockerHonoursCancellation(t *testing.T) {
	locker := NewKeyLocker(time.Second)
	k := Key{ProductID: "p", WarehouseID: "w", LocationID: "l"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := locker.Acquire(ctx, []Key{k})
	require.ErrorIs(t, err, context.Canceled)

	release, err := locker.Acquire(context.Background(), []Key{k})
	require.NoError(t, err)
	defer release()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, []Key{k})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLockerPartialFailureReleasesHeldKeys(t *testing.T) {
	locker := NewKeyLocker(20 * time.Millisecond)
	a := Key{ProductID: "p", WarehouseID: "w", LocationID: "a"}
	b := Key{ProductID: "p", WarehouseID: "w", LocationID: "b"}

	holdB, err := locker.Acquire(context.Background(), []Key{b})
	require.NoError(t, err)

	_, err = locker.Acquire(context.Background(), []Key{a, b})
	require.ErrorIs(t, err, ErrConcurrencyTimeout)

	// a must be free again
	holdA, err := locker.Acquire(context.Background(), []Key{a})
	require.NoError(t, err)
	holdA()
	holdB()
}

func TestKeyLockerReportsWait(t *testing.T) {
	locker := NewKeyLocker(0)
	var observed []time.Duration
	locker.ObserveWait(func(d time.Duration) { observed = append(observed, d) })

	release, err := locker.Acquire(context.Background(), []Key{{ProductID: "p"}})
	require.NoError(t, err)
	release()
	require.Len(t, observed, 1)
}
