package inventory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Validator checks a request without applying it.
type Validator interface {
	Validate(ctx context.Context, req MovementRequest) (MovementRequest, error)
}

// DemoApplier answers movement requests with simulated results and never
// changes stock. Reads pass through to the wrapped service.
type DemoApplier struct {
	MovementService
	validator Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewDemoApplier wraps inner. v is usually the same Engine.
func NewDemoApplier(inner MovementService, v Validator, logger *slog.Logger) *DemoApplier {
	return &DemoApplier{MovementService: inner, validator: v, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Apply validates req and returns a movement that was not recorded.
func (d *DemoApplier) Apply(ctx context.Context, req MovementRequest) (Outcome, error) {
	req, err := d.validator.Validate(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	m := Movement{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Type:           req.Type,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Source:         req.Source,
		Destination:    req.Destination,
		CreatedAt:      d.now(),
		CreatedBy:      req.CreatedBy,
		Reference:      req.Reference,
		Note:           req.Note,
	}
	d.logger.Info("demo movement simulated", slog.String("type", string(m.Type)), slog.String("product_id", m.ProductID))
	return Outcome{Movement: m}, nil
}
