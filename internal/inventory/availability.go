package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/stockledger/internal/masterdata"
)

// LowStockPolicy selects how quantities are compared against reorder points.
type LowStockPolicy string

const (
	// LowStockAggregate sums a product across every warehouse and location.
	LowStockAggregate LowStockPolicy = "aggregate"
	// LowStockPerLocation evaluates each inventory record on its own.
	LowStockPerLocation LowStockPolicy = "location"
)

// ParseLowStockPolicy accepts "aggregate" or "location" in any case. Empty
// input yields the aggregate policy.
func ParseLowStockPolicy(raw string) (LowStockPolicy, error) {
	switch LowStockPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", LowStockAggregate:
		return LowStockAggregate, nil
	case LowStockPerLocation, "per_location", "per-location":
		return LowStockPerLocation, nil
	}
	return "", newValidationError("policy", fmt.Sprintf("unknown low stock policy %q", raw))
}

// StockStatus classifies a low-stock item.
type StockStatus string

const (
	// StatusOutOfStock means nothing is on hand.
	StatusOutOfStock StockStatus = "OUT_OF_STOCK"
	// StatusLowStock means stock is at or below the reorder point but above zero.
	StatusLowStock StockStatus = "LOW_STOCK"
)

// AvailabilityResult answers CheckAvailability.
type AvailabilityResult struct {
	Available         bool  `json:"available"`
	CurrentQuantity   int64 `json:"current_quantity"`
	AvailableQuantity int64 `json:"available_quantity"`
}

// LowStockItem is one entry of the low-stock report. WarehouseID and
// LocationID are empty under the aggregate policy.
type LowStockItem struct {
	ProductID    string      `json:"product_id"`
	SKU          string      `json:"sku"`
	Name         string      `json:"name"`
	WarehouseID  string      `json:"warehouse_id,omitempty"`
	LocationID   string      `json:"location_id,omitempty"`
	Quantity     int64       `json:"quantity"`
	ReorderPoint int64       `json:"reorder_point"`
	Status       StockStatus `json:"status"`
	Severity     float64     `json:"severity"`
}

// Availability answers read-only stock questions from committed state.
type Availability struct {
	store     Store
	directory Directory
	policy    LowStockPolicy
}

// NewAvailability builds the service. defaultPolicy applies when callers pass
// an empty policy.
func NewAvailability(store Store, directory Directory, defaultPolicy LowStockPolicy) *Availability {
	if defaultPolicy == "" {
		defaultPolicy = LowStockAggregate
	}
	return &Availability{store: store, directory: directory, policy: defaultPolicy}
}

// CheckAvailability reports whether required units sit at the location.
func (a *Availability) CheckAvailability(ctx context.Context, productID, warehouseID, locationID string, required int64) (AvailabilityResult, error) {
	fields := make(map[string]string)
	if strings.TrimSpace(productID) == "" {
		fields["product_id"] = "required"
	}
	if strings.TrimSpace(warehouseID) == "" {
		fields["warehouse_id"] = "required"
	}
	if strings.TrimSpace(locationID) == "" {
		fields["location_id"] = "required"
	}
	if required < 0 {
		fields["quantity"] = "must not be negative"
	}
	if len(fields) > 0 {
		return AvailabilityResult{}, &ValidationError{Fields: fields}
	}
	if _, err := a.directory.GetProduct(ctx, productID); err != nil {
		return AvailabilityResult{}, directoryError("product", productID, err)
	}
	if err := checkPlace(ctx, a.directory, warehouseID, locationID); err != nil {
		return AvailabilityResult{}, err
	}

	rec, err := a.store.Get(ctx, Key{ProductID: productID, WarehouseID: warehouseID, LocationID: locationID})
	if err != nil {
		return AvailabilityResult{}, persistenceError("get record", err)
	}
	return AvailabilityResult{
		Available:         rec.QuantityOnHand >= required,
		CurrentQuantity:   rec.QuantityOnHand,
		AvailableQuantity: rec.QuantityOnHand,
	}, nil
}

// ListLowStock returns every product (or record) at or below its reorder
// point, most severe first.
func (a *Availability) ListLowStock(ctx context.Context, policy LowStockPolicy) ([]LowStockItem, error) {
	if policy == "" {
		policy = a.policy
	}
	products, err := a.directory.ListProducts(ctx)
	if err != nil {
		return nil, persistenceError("list products", err)
	}
	records, err := a.store.Snapshot(ctx)
	if err != nil {
		return nil, persistenceError("snapshot", err)
	}

	var items []LowStockItem
	switch policy {
	case LowStockAggregate:
		items = aggregateLowStock(products, records)
	case LowStockPerLocation:
		items = locationLowStock(products, records)
	default:
		return nil, newValidationError("policy", fmt.Sprintf("unknown low stock policy %q", policy))
	}
	sortLowStock(items)
	return items, nil
}

func aggregateLowStock(products []masterdata.Product, records []Record) []LowStockItem {
	totals := make(map[string]int64, len(products))
	for _, rec := range records {
		totals[rec.ProductID] += rec.QuantityOnHand
	}
	var items []LowStockItem
	for _, p := range products {
		qty := totals[p.ID]
		if qty > p.ReorderPoint {
			continue
		}
		items = append(items, lowStockItem(p, qty))
	}
	return items
}

// locationLowStock only considers records that exist; a product never
// stocked at a location is not reported for it.
func locationLowStock(products []masterdata.Product, records []Record) []LowStockItem {
	byID := make(map[string]masterdata.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	var items []LowStockItem
	for _, rec := range records {
		p, ok := byID[rec.ProductID]
		if !ok || rec.QuantityOnHand > p.ReorderPoint {
			continue
		}
		item := lowStockItem(p, rec.QuantityOnHand)
		item.WarehouseID = rec.WarehouseID
		item.LocationID = rec.LocationID
		items = append(items, item)
	}
	return items
}

func lowStockItem(p masterdata.Product, qty int64) LowStockItem {
	item := LowStockItem{
		ProductID:    p.ID,
		SKU:          p.SKU,
		Name:         p.Name,
		Quantity:     qty,
		ReorderPoint: p.ReorderPoint,
		Status:       StatusLowStock,
		Severity:     severity(qty, p.ReorderPoint),
	}
	if qty == 0 {
		item.Status = StatusOutOfStock
	}
	return item
}

// severity is quantity/reorderPoint; out of stock is always 0.
func severity(qty, reorderPoint int64) float64 {
	if qty <= 0 || reorderPoint <= 0 {
		return 0
	}
	return float64(qty) / float64(reorderPoint)
}

func sortLowStock(items []LowStockItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.WarehouseID != b.WarehouseID {
			return a.WarehouseID < b.WarehouseID
		}
		return a.LocationID < b.LocationID
	})
}
