package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLowStockPolicy(t *testing.T) {
	for raw, want := range map[string]LowStockPolicy{
		"":             LowStockAggregate,
		"Aggregate":    LowStockAggregate,
		"location":     LowStockPerLocation,
		"per_location": LowStockPerLocation,
	} {
		got, err := ParseLowStockPolicy(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got)
	}
	_, err := ParseLowStockPolicy("warehouse")
	require.ErrorIs(t, err, ErrValidation)
}

func TestCheckAvailability(t *testing.T) {
	f := newFixture(t, nil, EngineConfig{})
	ctx := context.Background()
	f.apply(t, receipt("p1", 12, at("w1", "l1")))

	res, err := f.avail.CheckAvailability(ctx, "p1", "w1", "l1", 12)
	require.NoError(t, err)
	require.True(t, res.Available)

	res, err = f.avail.CheckAvailability(ctx, "p1", "w1", "l1", 13)
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Equal(t, int64(12), res.CurrentQuantity)

	// never stocked
	res, err = f.avail.CheckAvailability(ctx, "p1", "w1", "l2", 0)
	require.NoError(t, err)
	require.Equal(t, AvailabilityResult{Available: true}, res)

	_, err = f.avail.CheckAvailability(ctx, "", "w1", "l1", 1)
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.avail.CheckAvailability(ctx, "p1", "w1", "l1", -1)
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.avail.CheckAvailability(ctx, "p9", "w1", "l1", 1)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.avail.CheckAvailability(ctx, "p1", "w2", "l1", 1)
	require.ErrorIs(t, err, ErrValidation)
}

func TestLowStockAggregate(t *testing.T) {
	f := newFixture(t, nil, EngineConfig{})
	ctx := context.Background()
	f.apply(t, receipt("p1", 6, at("w1", "l1")))
	f.apply(t, receipt("p1", 4, at("w2", "l3")))

	items, err := f.avail.ListLowStock(ctx, LowStockAggregate)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// out of stock first, ties by product id
	require.Equal(t, "p2", items[0].ProductID)
	require.Equal(t, StatusOutOfStock, items[0].Status)
	require.Zero(t, items[0].Severity)
	require.Equal(t, "p3", items[1].ProductID)
	require.Equal(t, StatusOutOfStock, items[1].Status)

	// quantity == reorder point is still low
	require.Equal(t, "p1", items[2].ProductID)
	require.Equal(t, int64(10), items[2].Quantity)
	require.Equal(t, StatusLowStock, items[2].Status)
	require.InDelta(t, 1.0, items[2].Severity, 1e-9)
	require.Empty(t, items[2].WarehouseID)

	f.apply(t, receipt("p1", 1, at("w1", "l1")))
	items, err = f.avail.ListLowStock(ctx, "")
	require.NoError(t, err)
	for _, item := range items {
		require.NotEqual(t, "p1", item.ProductID)
	}
}

func TestLowStockPerLocation(t *testing.T) {
	f := newFixture(t, nil, EngineConfig{})
	ctx := context.Background()
	f.apply(t, receipt("p1", 11, at("w1", "l1")))
	f.apply(t, receipt("p1", 3, at("w2", "l3")))
	f.apply(t, receipt("p2", 5, at("w1", "l2")))
	f.apply(t, receipt("p2", 2, at("w2", "l3")))
	f.apply(t, shipment("p2", 2, at("w2", "l3")))

	items, err := f.avail.ListLowStock(ctx, LowStockPerLocation)
	require.NoError(t, err)
	require.Len(t, items, 3)

	require.Equal(t, LowStockItem{
		ProductID: "p2", SKU: "SKU-2", Name: "Washer", WarehouseID: "w2", LocationID: "l3",
		Quantity: 0, ReorderPoint: 5, Status: StatusOutOfStock, Severity: 0,
	}, items[0])
	require.Equal(t, "p1", items[1].ProductID)
	require.Equal(t, "w2", items[1].WarehouseID)
	require.InDelta(t, 0.3, items[1].Severity, 1e-9)
	require.Equal(t, "p2", items[2].ProductID)
	require.Equal(t, "l2", items[2].LocationID)
	require.Equal(t, StatusLowStock, items[2].Status)
}
