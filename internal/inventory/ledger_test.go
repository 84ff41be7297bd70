package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerAppendIsIdempotentPerID(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	m := Movement{ID: "m1", Type: MovementReceipt, ProductID: "p1", Quantity: 3, Destination: &Place{WarehouseID: "w1", LocationID: "l1"}}

	first, err := ledger.Append(ctx, m)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Seq)
	require.False(t, first.CreatedAt.IsZero())

	second, err := ledger.Append(ctx, m)
	require.NoError(t, err)
	require.Equal(t, first, second)

	all, err := ledger.Query(ctx, MovementFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = ledger.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = ledger.Append(ctx, Movement{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestMemoryLedgerOneMovementPerIdempotencyKey(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	m := Movement{ID: "m1", IdempotencyKey: "po-7", Type: MovementReceipt, ProductID: "p1", Quantity: 3, Destination: &Place{WarehouseID: "w1", LocationID: "l1"}}

	first, err := ledger.Append(ctx, m)
	require.NoError(t, err)

	got, err := ledger.GetByIdempotencyKey(ctx, "po-7")
	require.NoError(t, err)
	require.Equal(t, first, got)

	m.ID = "m2"
	dup, err := ledger.Append(ctx, m)
	require.NoError(t, err)
	require.Equal(t, "m1", dup.ID)

	_, err = ledger.Get(ctx, "m2")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = ledger.GetByIdempotencyKey(ctx, "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = ledger.GetByIdempotencyKey(ctx, "po-8")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryLedgerQueryOrderAndFilters(t *testing.T) {
	ledger := NewMemoryLedger()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	ledger.now = func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}
	ctx := context.Background()
	w1 := &Place{WarehouseID: "w1", LocationID: "a"}
	w2 := &Place{WarehouseID: "w2", LocationID: "b"}

	for i, m := range []Movement{
		{ID: "1", Type: MovementReceipt, ProductID: "p1", Quantity: 10, Destination: w1},
		{ID: "2", Type: MovementTransfer, ProductID: "p1", Quantity: 4, Source: w1, Destination: w2},
		{ID: "3", Type: MovementReceipt, ProductID: "p2", Quantity: 1, Destination: w2},
		{ID: "4", Type: MovementShipment, ProductID: "p1", Quantity: 2, Source: w2},
	} {
		stored, err := ledger.Append(ctx, m)
		require.NoError(t, err)
		require.Equal(t, int64(i+1), stored.Seq)
	}

	got, err := ledger.Query(ctx, MovementFilter{ProductID: "p1"})
	require.NoError(t, err)
	require.Equal(t, []string{"4", "2", "1"}, ids(got))

	got, err = ledger.Query(ctx, MovementFilter{WarehouseID: "w2"})
	require.NoError(t, err)
	require.Equal(t, []string{"4", "3", "2"}, ids(got))

	got, err = ledger.Query(ctx, MovementFilter{Type: MovementReceipt, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, ids(got))

	got, err = ledger.Query(ctx, MovementFilter{From: base.Add(2 * time.Minute), To: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.Equal(t, []string{"3", "2"}, ids(got))

	recent, err := ledger.Recent(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"4", "3"}, ids(recent))

	balances, err := ledger.Balances(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(6), balances[key("p1", "w1", "a")])
	require.Equal(t, int64(2), balances[key("p1", "w2", "b")])
	require.Equal(t, int64(1), balances[key("p2", "w2", "b")])
}

func TestMemoryLedgerTimestampsAreMonotonic(t *testing.T) {
	ledger := NewMemoryLedger()
	later := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return later }
	ctx := context.Background()
	first, err := ledger.Append(ctx, Movement{ID: "a"})
	require.NoError(t, err)

	ledger.now = func() time.Time { return later.Add(-time.Hour) }
	second, err := ledger.Append(ctx, Movement{ID: "b"})
	require.NoError(t, err)
	require.False(t, second.CreatedAt.Before(first.CreatedAt))
}

func TestMovementFilterLimit(t *testing.T) {
	require.Equal(t, 100, MovementFilter{}.NormalizedLimit())
	require.Equal(t, 1000, MovementFilter{Limit: 5000}.NormalizedLimit())
	require.Equal(t, 7, MovementFilter{Limit: 7}.NormalizedLimit())
}

func ids(movements []Movement) []string {
	out := make([]string, 0, len(movements))
	for _, m := range movements {
		out = append(out, m.ID)
	}
	return out
}
