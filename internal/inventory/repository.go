package inventory

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// PostgresStore keeps inventory records in PostgreSQL. The in-process
// KeyLocker serializes callers inside one instance; row locks taken in the
// same key order serialize instances.
//
// The batch runs at READ COMMITTED: FOR UPDATE then reads the newest committed
// row once the lock is granted. Under REPEATABLE READ a second instance would
// fail with a serialization error instead of waiting its turn.
type PostgresStore struct {
	pool  *pgxpool.Pool
	locks *KeyLocker
	now   func() time.Time
}

var storeTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// NewPostgresStore constructs PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, locks *KeyLocker) *PostgresStore {
	return &PostgresStore{pool: pool, locks: locks, now: func() time.Time { return time.Now().UTC() }}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key Key) (Record, error) {
	rec := Record{Key: key}
	err := s.pool.QueryRow(ctx, `SELECT quantity_on_hand, version, updated_at FROM inventory_records
WHERE product_id = $1 AND warehouse_id = $2 AND location_id = $3`,
		key.ProductID, key.WarehouseID, key.LocationID).Scan(&rec.QuantityOnHand, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{Key: key}, nil
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Apply implements Store.
func (s *PostgresStore) Apply(ctx context.Context, deltas []Delta, onCommit func([]Change)) ([]Change, error) {
	merged := mergeDeltas(deltas)
	if len(merged) == 0 {
		return nil, newValidationError("deltas", "at least one delta required")
	}
	release, err := s.locks.Acquire(ctx, deltaKeys(merged))
	if err != nil {
		return nil, err
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	var changes []Change
	err = db.WithTxOptions(ctx, s.pool, storeTxOptions, func(tx pgx.Tx) error {
		current := make(map[Key]Record, len(merged))
		for _, d := range merged {
			if _, err := tx.Exec(ctx, `INSERT INTO inventory_records (product_id, warehouse_id, location_id, quantity_on_hand, version, updated_at)
VALUES ($1, $2, $3, 0, 0, $4) ON CONFLICT DO NOTHING`,
				d.Key.ProductID, d.Key.WarehouseID, d.Key.LocationID, s.now()); err != nil {
				return err
			}
			rec := Record{Key: d.Key}
			if err := tx.QueryRow(ctx, `SELECT quantity_on_hand, version, updated_at FROM inventory_records
WHERE product_id = $1 AND warehouse_id = $2 AND location_id = $3 FOR UPDATE`,
				d.Key.ProductID, d.Key.WarehouseID, d.Key.LocationID).Scan(&rec.QuantityOnHand, &rec.Version, &rec.UpdatedAt); err != nil {
				return err
			}
			current[d.Key] = rec
		}

		planned, err := planChanges(current, merged, s.now())
		if err != nil {
			return err
		}
		for _, c := range planned {
			if _, err := tx.Exec(ctx, `UPDATE inventory_records SET quantity_on_hand = $4, version = $5, updated_at = $6
WHERE product_id = $1 AND warehouse_id = $2 AND location_id = $3`,
				c.After.ProductID, c.After.WarehouseID, c.After.LocationID,
				c.After.QuantityOnHand, c.After.Version, c.After.UpdatedAt); err != nil {
				return err
			}
		}
		changes = planned
		return nil
	})
	if err != nil {
		return nil, err
	}
	if onCommit != nil {
		onCommit(changes)
	}
	return changes, nil
}

// Snapshot implements Store. One statement reads one MVCC snapshot, so a
// transfer is either fully visible or not at all.
func (s *PostgresStore) Snapshot(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT product_id, warehouse_id, location_id, quantity_on_hand, version, updated_at
FROM inventory_records WHERE version > 0 ORDER BY product_id, warehouse_id, location_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ProductID, &rec.WarehouseID, &rec.LocationID, &rec.QuantityOnHand, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PostgresLedger stores movements in stock_movements.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger constructs PostgresLedger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const movementColumns = `id::text, seq, idempotency_key, type, product_id, quantity,
source_warehouse_id, source_location_id, dest_warehouse_id, dest_location_id,
created_at, created_by, reference, note`

// Append implements Ledger.
func (l *PostgresLedger) Append(ctx context.Context, m Movement) (Movement, error) {
	if m.ID == "" {
		return Movement{}, newValidationError("id", "movement id required")
	}
	srcWh, srcLoc := placeColumns(m.Source)
	dstWh, dstLoc := placeColumns(m.Destination)
	err := l.pool.QueryRow(ctx, `INSERT INTO stock_movements (id, idempotency_key, type, product_id, quantity,
source_warehouse_id, source_location_id, dest_warehouse_id, dest_location_id, created_by, reference, note)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT DO NOTHING
RETURNING seq, created_at`,
		m.ID, m.IdempotencyKey, string(m.Type), m.ProductID, m.Quantity,
		srcWh, srcLoc, dstWh, dstLoc, m.CreatedBy, m.Reference, m.Note).Scan(&m.Seq, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict on id or on idempotency_key.
		stored, err := l.Get(ctx, m.ID)
		if errors.Is(err, ErrNotFound) {
			return l.GetByIdempotencyKey(ctx, m.IdempotencyKey)
		}
		return stored, err
	}
	if err != nil {
		return Movement{}, err
	}
	return m, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, id string) (Movement, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Movement{}, ErrNotFound
	}
	m, err := scanMovement(l.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, ErrNotFound
	}
	return m, err
}

// GetByIdempotencyKey implements Ledger.
func (l *PostgresLedger) GetByIdempotencyKey(ctx context.Context, key string) (Movement, error) {
	if key == "" {
		return Movement{}, ErrNotFound
	}
	m, err := scanMovement(l.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, ErrNotFound
	}
	return m, err
}

// Query implements Ledger. Filters are composed dynamically.
func (l *PostgresLedger) Query(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE 1=1`
	args := []interface{}{}
	argCount := 0

	if filter.ProductID != "" {
		argCount++
		query += ` AND product_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.ProductID)
	}
	if filter.WarehouseID != "" {
		argCount++
		query += ` AND (source_warehouse_id = $` + strconv.Itoa(argCount) + ` OR dest_warehouse_id = $` + strconv.Itoa(argCount) + `)`
		args = append(args, filter.WarehouseID)
	}
	if filter.Type != "" {
		argCount++
		query += ` AND type = $` + strconv.Itoa(argCount)
		args = append(args, string(filter.Type))
	}
	if !filter.From.IsZero() {
		argCount++
		query += ` AND created_at >= $` + strconv.Itoa(argCount)
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		argCount++
		query += ` AND created_at <= $` + strconv.Itoa(argCount)
		args = append(args, filter.To)
	}
	argCount++
	query += ` ORDER BY created_at DESC, seq DESC LIMIT $` + strconv.Itoa(argCount)
	args = append(args, filter.NormalizedLimit())

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Recent implements Ledger.
func (l *PostgresLedger) Recent(ctx context.Context, limit int) ([]Movement, error) {
	return l.Query(ctx, MovementFilter{Limit: limit})
}

// Balances implements Ledger.
func (l *PostgresLedger) Balances(ctx context.Context) (map[Key]int64, error) {
	rows, err := l.pool.Query(ctx, `SELECT product_id, source_warehouse_id, source_location_id, -SUM(quantity)::bigint
FROM stock_movements WHERE source_warehouse_id IS NOT NULL
GROUP BY product_id, source_warehouse_id, source_location_id
UNION ALL
SELECT product_id, dest_warehouse_id, dest_location_id, SUM(quantity)::bigint
FROM stock_movements WHERE dest_warehouse_id IS NOT NULL
GROUP BY product_id, dest_warehouse_id, dest_location_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Key]int64)
	for rows.Next() {
		var k Key
		var sum int64
		if err := rows.Scan(&k.ProductID, &k.WarehouseID, &k.LocationID, &sum); err != nil {
			return nil, err
		}
		out[k] += sum
	}
	return out, rows.Err()
}

func placeColumns(p *Place) (pgtype.Text, pgtype.Text) {
	if p.IsZero() {
		return pgtype.Text{}, pgtype.Text{}
	}
	return pgtype.Text{String: p.WarehouseID, Valid: true}, pgtype.Text{String: p.LocationID, Valid: true}
}

func placeFromColumns(wh, loc pgtype.Text) *Place {
	if !wh.Valid {
		return nil
	}
	return &Place{WarehouseID: wh.String, LocationID: loc.String}
}

func scanMovement(row pgx.Row) (Movement, error) {
	var (
		m                      Movement
		typ                    string
		srcWh, srcLoc          pgtype.Text
		dstWh, dstLoc          pgtype.Text
		reference, note, actor pgtype.Text
	)
	err := row.Scan(&m.ID, &m.Seq, &m.IdempotencyKey, &typ, &m.ProductID, &m.Quantity,
		&srcWh, &srcLoc, &dstWh, &dstLoc, &m.CreatedAt, &actor, &reference, &note)
	if err != nil {
		return Movement{}, err
	}
	m.Type = MovementType(typ)
	m.Source = placeFromColumns(srcWh, srcLoc)
	m.Destination = placeFromColumns(dstWh, dstLoc)
	m.CreatedBy = actor.String
	m.Reference = reference.String
	m.Note = note.String
	return m, nil
}
