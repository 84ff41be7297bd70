package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads and seeds the catalog tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new master data repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadCatalog implements Source.
func (r *Repository) LoadCatalog(ctx context.Context) (Catalog, error) {
	var catalog Catalog

	rows, err := r.pool.Query(ctx, `SELECT id, sku, name, unit, reorder_point FROM products ORDER BY id`)
	if err != nil {
		return Catalog{}, fmt.Errorf("masterdata: list products: %w", err)
	}
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Unit, &p.ReorderPoint); err != nil {
			rows.Close()
			return Catalog{}, err
		}
		catalog.Products = append(catalog.Products, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Catalog{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT id, name, address, capacity FROM warehouses ORDER BY id`)
	if err != nil {
		return Catalog{}, fmt.Errorf("masterdata: list warehouses: %w", err)
	}
	for rows.Next() {
		var w Warehouse
		if err := rows.Scan(&w.ID, &w.Name, &w.Address, &w.Capacity); err != nil {
			rows.Close()
			return Catalog{}, err
		}
		catalog.Warehouses = append(catalog.Warehouses, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Catalog{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT id, warehouse_id, code FROM locations ORDER BY id`)
	if err != nil {
		return Catalog{}, fmt.Errorf("masterdata: list locations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.WarehouseID, &l.Code); err != nil {
			return Catalog{}, err
		}
		catalog.Locations = append(catalog.Locations, l)
	}
	return catalog, rows.Err()
}

// GetProduct loads one product.
func (r *Repository) GetProduct(ctx context.Context, id string) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, unit, reorder_point FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.Unit, &p.ReorderPoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

// Seed upserts catalog in one transaction.
func (r *Repository) Seed(ctx context.Context, catalog Catalog) error {
	if err := catalog.Validate(); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, w := range catalog.Warehouses {
		batch.Queue(`INSERT INTO warehouses (id, name, address, capacity) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, address = EXCLUDED.address, capacity = EXCLUDED.capacity`,
			w.ID, w.Name, w.Address, w.Capacity)
	}
	for _, l := range catalog.Locations {
		batch.Queue(`INSERT INTO locations (id, warehouse_id, code) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET warehouse_id = EXCLUDED.warehouse_id, code = EXCLUDED.code`,
			l.ID, l.WarehouseID, l.Code)
	}
	for _, p := range catalog.Products {
		batch.Queue(`INSERT INTO products (id, sku, name, unit, reorder_point) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET sku = EXCLUDED.sku, name = EXCLUDED.name, unit = EXCLUDED.unit, reorder_point = EXCLUDED.reorder_point`,
			p.ID, p.SKU, p.Name, p.Unit, p.ReorderPoint)
	}
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}
