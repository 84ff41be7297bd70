package masterdata

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an id is unknown to the directory.
var ErrNotFound = errors.New("masterdata: not found")

// Product represents a stocked item.
type Product struct {
	ID           string `json:"id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Unit         string `json:"unit"`
	ReorderPoint int64  `json:"reorder_point"`
}

// Warehouse represents a physical site.
type Warehouse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Capacity int64  `json:"capacity"`
}

// Location is a bin or zone inside a warehouse.
type Location struct {
	ID          string `json:"id"`
	WarehouseID string `json:"warehouse_id"`
	Code        string `json:"code,omitempty"`
}

// Catalog is the full directory content, used for seeding and caching.
type Catalog struct {
	Products   []Product   `json:"products"`
	Warehouses []Warehouse `json:"warehouses"`
	Locations  []Location  `json:"locations"`
}

// Source loads the catalog from a backing store.
type Source interface {
	LoadCatalog(ctx context.Context) (Catalog, error)
}

// Validate checks reorder points and location ownership.
func (c Catalog) Validate() error {
	warehouses := make(map[string]struct{}, len(c.Warehouses))
	for _, w := range c.Warehouses {
		if w.ID == "" {
			return errors.New("masterdata: warehouse id required")
		}
		warehouses[w.ID] = struct{}{}
	}
	for _, p := range c.Products {
		if p.ID == "" {
			return errors.New("masterdata: product id required")
		}
		if p.ReorderPoint < 0 {
			return errors.New("masterdata: product " + p.ID + " has negative reorder point")
		}
	}
	for _, l := range c.Locations {
		if l.ID == "" {
			return errors.New("masterdata: location id required")
		}
		if _, ok := warehouses[l.WarehouseID]; !ok {
			return errors.New("masterdata: location " + l.ID + " references unknown warehouse " + l.WarehouseID)
		}
	}
	return nil
}
