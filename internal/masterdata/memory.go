package masterdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Directory serves lookups from an in-memory catalog.
type Directory struct {
	mu         sync.RWMutex
	products   map[string]Product
	warehouses map[string]Warehouse
	locations  map[string]Location
}

// NewDirectory indexes catalog. It returns an error when catalog is inconsistent.
func NewDirectory(catalog Catalog) (*Directory, error) {
	d := &Directory{}
	if err := d.Replace(catalog); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadSeedFile reads a JSON catalog from path.
func LoadSeedFile(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("masterdata: read seed: %w", err)
	}
	var catalog Catalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("masterdata: decode seed: %w", err)
	}
	return catalog, nil
}

// Replace swaps the indexed catalog.
func (d *Directory) Replace(catalog Catalog) error {
	if err := catalog.Validate(); err != nil {
		return err
	}
	products := make(map[string]Product, len(catalog.Products))
	for _, p := range catalog.Products {
		products[p.ID] = p
	}
	warehouses := make(map[string]Warehouse, len(catalog.Warehouses))
	for _, w := range catalog.Warehouses {
		warehouses[w.ID] = w
	}
	locations := make(map[string]Location, len(catalog.Locations))
	for _, l := range catalog.Locations {
		locations[l.ID] = l
	}
	d.mu.Lock()
	d.products, d.warehouses, d.locations = products, warehouses, locations
	d.mu.Unlock()
	return nil
}

// GetProduct returns the product or ErrNotFound.
func (d *Directory) GetProduct(_ context.Context, id string) (Product, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

// GetWarehouse returns the warehouse or ErrNotFound.
func (d *Directory) GetWarehouse(_ context.Context, id string) (Warehouse, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.warehouses[id]
	if !ok {
		return Warehouse{}, ErrNotFound
	}
	return w, nil
}

// GetLocation returns the location or ErrNotFound.
func (d *Directory) GetLocation(_ context.Context, id string) (Location, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.locations[id]
	if !ok {
		return Location{}, ErrNotFound
	}
	return l, nil
}

// ListProducts returns products ordered by id.
func (d *Directory) ListProducts(_ context.Context) ([]Product, error) {
	d.mu.RLock()
	out := make([]Product, 0, len(d.products))
	for _, p := range d.products {
		out = append(out, p)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListWarehouses returns warehouses ordered by id.
func (d *Directory) ListWarehouses(_ context.Context) ([]Warehouse, error) {
	d.mu.RLock()
	out := make([]Warehouse, 0, len(d.warehouses))
	for _, w := range d.warehouses {
		out = append(out, w)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListLocations returns the locations of warehouseID, or all of them when
// warehouseID is empty.
func (d *Directory) ListLocations(_ context.Context, warehouseID string) ([]Location, error) {
	d.mu.RLock()
	out := make([]Location, 0, len(d.locations))
	for _, l := range d.locations {
		if warehouseID == "" || l.WarehouseID == warehouseID {
			out = append(out, l)
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadCatalog implements Source so a Directory can back a cache.
func (d *Directory) LoadCatalog(ctx context.Context) (Catalog, error) {
	products, _ := d.ListProducts(ctx)
	warehouses, _ := d.ListWarehouses(ctx)
	locations, _ := d.ListLocations(ctx, "")
	return Catalog{Products: products, Warehouses: warehouses, Locations: locations}, nil
}
