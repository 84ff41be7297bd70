package inventory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation marks requests with missing or inconsistent fields.
	ErrValidation = errors.New("inventory: validation failed")
	// ErrNotFound indicates an unknown product, warehouse, location or movement.
	ErrNotFound = errors.New("inventory: not found")
	// ErrInsufficientStock is returned when a movement would drive a record negative.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrDuplicateRequest indicates the idempotency key was already committed.
	ErrDuplicateRequest = errors.New("inventory: duplicate request")
	// ErrConcurrencyTimeout indicates the key locks could not be acquired in time.
	ErrConcurrencyTimeout = errors.New("inventory: timed out waiting for record locks")
	// ErrPersistence indicates the ledger or store is unavailable.
	ErrPersistence = errors.New("inventory: persistence failure")
)

// ValidationError lists offending fields.
type ValidationError struct {
	Fields map[string]string
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Shortfall reports one key that would have gone negative.
type Shortfall struct {
	Key       Key   `json:"key"`
	Available int64 `json:"available"`
	Requested int64 `json:"requested"`
}

// InsufficientStockError carries the current quantities so callers can retry with less.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s available=%d requested=%d", s.Key, s.Available, s.Requested))
	}
	return fmt.Sprintf("%s: %s", ErrInsufficientStock, strings.Join(parts, ", "))
}

// Is lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Available returns the current quantity of the first short key.
func (e *InsufficientStockError) Available() int64 {
	if len(e.Shortfalls) == 0 {
		return 0
	}
	return e.Shortfalls[0].Available
}

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
