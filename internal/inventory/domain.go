package inventory

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MovementType enumerates supported inventory movements.
type MovementType string

const (
	// MovementReceipt brings stock into a destination location.
	MovementReceipt MovementType = "RECEIPT"
	// MovementShipment takes stock out of a source location.
	MovementShipment MovementType = "SHIPMENT"
	// MovementTransfer moves stock between two locations as one atomic pair.
	MovementTransfer MovementType = "TRANSFER"
	// MovementAdjustment corrects a single location (cycle counts, write-offs).
	MovementAdjustment MovementType = "ADJUSTMENT"
)

var upper = cases.Upper(language.Und)

// ParseMovementType normalises user input such as "receipt" or " Transfer ".
func ParseMovementType(raw string) (MovementType, bool) {
	t := MovementType(upper.String(strings.TrimSpace(raw)))
	switch t {
	case MovementReceipt, MovementShipment, MovementTransfer, MovementAdjustment:
		return t, true
	}
	return t, false
}

// Key identifies one inventory record.
type Key struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	LocationID  string `json:"location_id"`
}

// Less reports whether k sorts before other. This is the global lock order.
func (k Key) Less(other Key) bool {
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	if k.WarehouseID != other.WarehouseID {
		return k.WarehouseID < other.WarehouseID
	}
	return k.LocationID < other.LocationID
}

func (k Key) String() string {
	return k.ProductID + "/" + k.WarehouseID + "/" + k.LocationID
}

// Place addresses a storage location inside a warehouse.
type Place struct {
	WarehouseID string `json:"warehouse_id" validate:"required"`
	LocationID  string `json:"location_id" validate:"required"`
}

// IsZero reports whether the place is unset.
func (p *Place) IsZero() bool {
	return p == nil || (p.WarehouseID == "" && p.LocationID == "")
}

// Equal compares two places by value.
func (p *Place) Equal(other *Place) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.WarehouseID == other.WarehouseID && p.LocationID == other.LocationID
}

func (p *Place) key(productID string) Key {
	return Key{ProductID: productID, WarehouseID: p.WarehouseID, LocationID: p.LocationID}
}

// Record holds the current quantity for one key.
type Record struct {
	Key
	QuantityOnHand int64     `json:"quantity_on_hand"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Exists reports whether any movement has ever touched the record.
func (r Record) Exists() bool {
	return r.Version > 0
}

// Delta is a signed change applied to one record.
type Delta struct {
	Key    Key
	Amount int64
}

// Change describes the effect of one applied delta.
type Change struct {
	Before Record
	After  Record
}

// Movement is the immutable ledger entry for one applied request.
type Movement struct {
	ID             string       `json:"id"`
	Seq            int64        `json:"seq"`
	IdempotencyKey string       `json:"idempotency_key"`
	Type           MovementType `json:"type"`
	ProductID      string       `json:"product_id"`
	Quantity       int64        `json:"quantity"`
	Source         *Place       `json:"source,omitempty"`
	Destination    *Place       `json:"destination,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	CreatedBy      string       `json:"created_by"`
	Reference      string       `json:"reference,omitempty"`
	Note           string       `json:"note,omitempty"`
}

// Deltas returns the signed quantity changes the movement represents.
func (m Movement) Deltas() []Delta {
	var deltas []Delta
	if !m.Source.IsZero() {
		deltas = append(deltas, Delta{Key: m.Source.key(m.ProductID), Amount: -m.Quantity})
	}
	if !m.Destination.IsZero() {
		deltas = append(deltas, Delta{Key: m.Destination.key(m.ProductID), Amount: m.Quantity})
	}
	return deltas
}

// MovementRequest is the caller's intent to change stock.
type MovementRequest struct {
	IdempotencyKey string       `json:"idempotency_key" validate:"required,max=128"`
	Type           MovementType `json:"type" validate:"required,oneof=RECEIPT SHIPMENT TRANSFER ADJUSTMENT"`
	ProductID      string       `json:"product_id" validate:"required"`
	Quantity       int64        `json:"quantity" validate:"gt=0"`
	Source         *Place       `json:"source,omitempty" validate:"omitempty"`
	Destination    *Place       `json:"destination,omitempty" validate:"omitempty"`
	CreatedBy      string       `json:"-"`
	Reference      string       `json:"reference,omitempty" validate:"max=255"`
	Note           string       `json:"note,omitempty" validate:"max=1024"`
}

// sameIntent reports whether m was produced by an equivalent request.
func (r MovementRequest) sameIntent(m Movement) bool {
	return r.Type == m.Type &&
		r.ProductID == m.ProductID &&
		r.Quantity == m.Quantity &&
		placeOrNil(r.Source).Equal(m.Source) &&
		placeOrNil(r.Destination).Equal(m.Destination)
}

func placeOrNil(p *Place) *Place {
	if p.IsZero() {
		return nil
	}
	return p
}

// MovementFilter narrows ledger queries. Zero values mean "any".
type MovementFilter struct {
	ProductID   string
	WarehouseID string
	Type        MovementType
	From        time.Time
	To          time.Time
	Limit       int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// NormalizedLimit clamps Limit into the supported range.
func (f MovementFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return defaultQueryLimit
	case f.Limit > maxQueryLimit:
		return maxQueryLimit
	}
	return f.Limit
}

// Matches reports whether m satisfies the filter, ignoring Limit.
func (f MovementFilter) Matches(m Movement) bool {
	if f.ProductID != "" && m.ProductID != f.ProductID {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.WarehouseID != "" {
		src := m.Source != nil && m.Source.WarehouseID == f.WarehouseID
		dst := m.Destination != nil && m.Destination.WarehouseID == f.WarehouseID
		if !src && !dst {
			return false
		}
	}
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.CreatedAt.After(f.To) {
		return false
	}
	return true
}
