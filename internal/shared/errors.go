package shared

import "errors"

var (
	// ErrIdempotencyKeyRequired is returned when a store receives an empty key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
	// ErrUnauthenticated indicates the request carries no principal.
	ErrUnauthenticated = errors.New("unauthenticated")
)
