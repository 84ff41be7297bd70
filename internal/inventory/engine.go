package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/notify"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Directory resolves catalog and warehouse ids.
type Directory interface {
	GetProduct(ctx context.Context, id string) (masterdata.Product, error)
	GetWarehouse(ctx context.Context, id string) (masterdata.Warehouse, error)
	GetLocation(ctx context.Context, id string) (masterdata.Location, error)
	ListProducts(ctx context.Context) ([]masterdata.Product, error)
}

// IdempotencyStore remembers which movement an idempotency key produced.
type IdempotencyStore interface {
	// Reserve claims key. When the key is already held it returns the existing
	// record and false; MovementID is empty while the holder is still in flight.
	Reserve(ctx context.Context, key string) (shared.IdempotencyRecord, bool, error)
	Complete(ctx context.Context, key, movementID string) error
	Release(ctx context.Context, key string) error
}

// Publisher receives committed state transitions.
type Publisher interface {
	Publish(evt notify.Event)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder collects engine metrics.
type Recorder interface {
	ObserveMovement(movementType, result string)
	ObserveAppendRetry()
}

// EngineConfig groups tuning knobs.
type EngineConfig struct {
	AppendAttempts  int
	AppendBackoff   time.Duration
	ReservationWait time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.AppendAttempts <= 0 {
		c.AppendAttempts = 5
	}
	if c.AppendBackoff <= 0 {
		c.AppendBackoff = 50 * time.Millisecond
	}
	if c.ReservationWait <= 0 {
		c.ReservationWait = 5 * time.Second
	}
	return c
}

// EngineDeps lists the collaborators of Engine. Store, Ledger, Directory and
// Idempotency are required.
type EngineDeps struct {
	Store       Store
	Ledger      Ledger
	Directory   Directory
	Idempotency IdempotencyStore
	Publisher   Publisher
	Audit       AuditPort
	Metrics     Recorder
	Logger      *slog.Logger
}

// Engine validates movement requests and applies them to the store and ledger.
type Engine struct {
	store     Store
	ledger    Ledger
	directory Directory
	idem      IdempotencyStore
	publisher Publisher
	audit     AuditPort
	metrics   Recorder
	logger    *slog.Logger
	validate  *validator.Validate
	cfg       EngineConfig

	flight singleflight.Group

	mu     sync.Mutex
	parked map[string]Movement
	calls  map[string]*sharedCall

	newID func() string
}

const (
	reservationPoll = 20 * time.Millisecond
	// maxRejoin bounds how often a live caller restarts a shared call that
	// was cancelled by callers who left before it.
	maxRejoin = 3
)

// sharedCall is the context of one collapsed apply. It is cancelled only when
// every caller waiting on it has gone away.
type sharedCall struct {
	ctx       context.Context
	cancel    context.CancelFunc
	waiters   int
	committed atomic.Bool
}

// NewEngine builds Engine.
func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     deps.Store,
		ledger:    deps.Ledger,
		directory: deps.Directory,
		idem:      deps.Idempotency,
		publisher: deps.Publisher,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    logger,
		validate:  newValidator(),
		cfg:       cfg.withDefaults(),
		parked:    make(map[string]Movement),
		calls:     make(map[string]*sharedCall),
		newID:     func() string { return uuid.NewString() },
	}
}

// Outcome is the result of Apply.
type Outcome struct {
	Movement Movement
	// Replayed is set when the idempotency key had already been committed and
	// Movement is the original result.
	Replayed bool

	owner *byte
}

// ApplyMovement validates req and applies it exactly once per idempotency key.
// A replayed key returns the originally committed movement and a nil error.
func (e *Engine) ApplyMovement(ctx context.Context, req MovementRequest) (Movement, error) {
	out, err := e.Apply(ctx, req)
	return out.Movement, err
}

// Validate runs every check ApplyMovement performs before touching state.
func (e *Engine) Validate(ctx context.Context, req MovementRequest) (MovementRequest, error) {
	req = normalizeRequest(req)
	if err := e.validateRequest(req); err != nil {
		return req, err
	}
	if err := e.resolve(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

// Apply is ApplyMovement that also reports whether the result was replayed.
func (e *Engine) Apply(ctx context.Context, req MovementRequest) (Outcome, error) {
	req, err := e.Validate(ctx, req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			e.observe(req.Type, "invalid")
		} else {
			e.observe(req.Type, "rejected")
		}
		return Outcome{}, err
	}

	var out Outcome
	for attempt := 1; ; attempt++ {
		out, err = e.collapse(ctx, req)
		if errors.Is(err, context.Canceled) && ctx.Err() == nil && attempt < maxRejoin {
			continue
		}
		break
	}
	if err != nil {
		e.observe(req.Type, resultLabel(err))
		return Outcome{}, err
	}
	if !req.sameIntent(out.Movement) {
		e.observe(req.Type, "conflict")
		return Outcome{}, fmt.Errorf("%w: key %s already used for a different movement", ErrDuplicateRequest, req.IdempotencyKey)
	}
	return out, nil
}

// collapse joins the in-flight apply for the idempotency key or starts one.
// A caller whose ctx ends stops waiting unless the batch already committed;
// the shared work keeps going while anyone else still waits.
func (e *Engine) collapse(ctx context.Context, req MovementRequest) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	key := req.IdempotencyKey
	call := e.joinCall(ctx, key)
	defer e.leaveCall(key, call)

	token := new(byte)
	ch := e.flight.DoChan(key, func() (interface{}, error) {
		out, err := e.applyOnce(call.ctx, req, &call.committed)
		out.owner = token
		return out, err
	})
	done := ctx.Done()
	for {
		select {
		case res := <-ch:
			if res.Err != nil {
				return Outcome{}, res.Err
			}
			out := res.Val.(Outcome)
			if out.owner != token {
				out.Replayed = true
			}
			out.owner = nil
			return out, nil
		case <-done:
			if call.committed.Load() {
				done = nil
				continue
			}
			return Outcome{}, ctx.Err()
		}
	}
}

func (e *Engine) joinCall(ctx context.Context, key string) *sharedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	call, ok := e.calls[key]
	if !ok {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		call = &sharedCall{ctx: callCtx, cancel: cancel}
		e.calls[key] = call
	}
	call.waiters++
	return call
}

func (e *Engine) leaveCall(key string, call *sharedCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	call.waiters--
	if call.waiters > 0 {
		return
	}
	call.cancel()
	if e.calls[key] == call {
		delete(e.calls, key)
	}
}

func (e *Engine) applyOnce(ctx context.Context, req MovementRequest, committed *atomic.Bool) (Outcome, error) {
	key := req.IdempotencyKey
	if m, ok := e.parkedMovement(key); ok {
		e.logger.Info("retrying parked ledger append", slog.String("movement_id", m.ID), slog.String("idempotency_key", key))
		stored, err := e.finishAppend(context.WithoutCancel(ctx), key, m)
		return Outcome{Movement: stored}, err
	}

	rec, reserved, err := e.reserve(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if !reserved {
		m, err := e.replay(ctx, rec)
		return Outcome{Movement: m, Replayed: true}, err
	}
	// The reservation may be fresh only because an earlier one lapsed before
	// it was completed; the ledger is authoritative.
	prior, err := e.ledger.GetByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		e.logger.Warn("idempotency key found in ledger after reservation lapsed",
			slog.String("movement_id", prior.ID), slog.String("idempotency_key", key))
		if err := e.idem.Complete(context.WithoutCancel(ctx), key, prior.ID); err != nil {
			e.logger.Warn("complete idempotency key", slog.String("idempotency_key", key), slog.Any("error", err))
		}
		e.observe(prior.Type, "replayed")
		return Outcome{Movement: prior, Replayed: true}, nil
	case !errors.Is(err, ErrNotFound):
		e.releaseKey(ctx, key)
		return Outcome{}, persistenceError("lookup idempotency key", err)
	}

	m := Movement{
		ID:             e.newID(),
		IdempotencyKey: key,
		Type:           req.Type,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Source:         placeOrNil(req.Source),
		Destination:    placeOrNil(req.Destination),
		CreatedBy:      req.CreatedBy,
		Reference:      req.Reference,
		Note:           req.Note,
	}
	_, err = e.store.Apply(ctx, m.Deltas(), func(changes []Change) {
		committed.Store(true)
		e.publishChanges(m, changes)
	})
	if err != nil {
		e.releaseKey(ctx, key)
		return Outcome{}, classifyApplyError(err)
	}
	stored, err := e.finishAppend(context.WithoutCancel(ctx), key, m)
	return Outcome{Movement: stored}, err
}

func (e *Engine) releaseKey(ctx context.Context, key string) {
	if err := e.idem.Release(context.WithoutCancel(ctx), key); err != nil {
		e.logger.Warn("release idempotency key", slog.String("idempotency_key", key), slog.Any("error", err))
	}
}

// reserve claims the idempotency key, waiting while another caller holds it
// without having committed yet.
func (e *Engine) reserve(ctx context.Context, key string) (shared.IdempotencyRecord, bool, error) {
	deadline := time.Now().Add(e.cfg.ReservationWait)
	for {
		rec, reserved, err := e.idem.Reserve(ctx, key)
		if err != nil {
			return shared.IdempotencyRecord{}, false, persistenceError("reserve idempotency key", err)
		}
		if reserved || rec.MovementID != "" {
			return rec, reserved, nil
		}
		if time.Now().After(deadline) {
			return rec, false, ErrConcurrencyTimeout
		}
		if err := sleepCtx(ctx, reservationPoll); err != nil {
			return rec, false, err
		}
	}
}

func (e *Engine) replay(ctx context.Context, rec shared.IdempotencyRecord) (Movement, error) {
	m, err := e.ledger.Get(ctx, rec.MovementID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Movement{}, fmt.Errorf("%w: movement %s for idempotency key %s", ErrPersistence, rec.MovementID, rec.Key)
		}
		return Movement{}, persistenceError("load replayed movement", err)
	}
	e.observe(m.Type, "replayed")
	e.logger.Info("idempotent replay", slog.String("movement_id", m.ID), slog.String("idempotency_key", rec.Key))
	return m, nil
}

// finishAppend writes m to the ledger. The state change already happened, so
// failures park the movement for the next retry instead of rolling back.
func (e *Engine) finishAppend(ctx context.Context, key string, m Movement) (Movement, error) {
	var stored Movement
	err := e.retry(ctx, func() error {
		var appendErr error
		stored, appendErr = e.ledger.Append(ctx, m)
		return appendErr
	})
	if err != nil {
		e.park(key, m)
		e.logger.Error("ledger append failed after state change",
			slog.String("movement_id", m.ID),
			slog.String("idempotency_key", key),
			slog.Any("error", err))
		return Movement{}, persistenceError("append movement", err)
	}
	e.unpark(key)

	if err := e.retry(ctx, func() error { return e.idem.Complete(ctx, key, stored.ID) }); err != nil {
		e.logger.Error("complete idempotency key", slog.String("idempotency_key", key), slog.Any("error", err))
	}

	if e.publisher != nil {
		e.publisher.Publish(notify.Event{
			Entity:       notify.EntityStockMovement,
			Operation:    notify.OperationInsert,
			Key:          stored.ID,
			ProductID:    stored.ProductID,
			WarehouseIDs: movementWarehouses(stored),
			After:        stored,
		})
	}
	if e.audit != nil {
		if err := e.audit.Record(ctx, shared.AuditLog{
			ActorID:  stored.CreatedBy,
			Action:   fmt.Sprintf("inventory:%s", stored.Type),
			Entity:   "stock_movement",
			EntityID: stored.ID,
			Meta: map[string]any{
				"product_id": stored.ProductID,
				"quantity":   stored.Quantity,
				"reference":  stored.Reference,
			},
			At: stored.CreatedAt,
		}); err != nil {
			e.logger.Warn("audit movement", slog.String("movement_id", stored.ID), slog.Any("error", err))
		}
	}
	e.observe(stored.Type, "applied")
	e.logger.Info("movement applied",
		slog.String("movement_id", stored.ID),
		slog.Int64("seq", stored.Seq),
		slog.String("type", string(stored.Type)),
		slog.String("product_id", stored.ProductID),
		slog.Int64("quantity", stored.Quantity))
	return stored, nil
}

func (e *Engine) retry(ctx context.Context, fn func() error) error {
	backoff := e.cfg.AppendBackoff
	var err error
	for attempt := 1; attempt <= e.cfg.AppendAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == e.cfg.AppendAttempts {
			break
		}
		if e.metrics != nil {
			e.metrics.ObserveAppendRetry()
		}
		if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
		backoff *= 2
	}
	return err
}

func (e *Engine) publishChanges(m Movement, changes []Change) {
	if e.publisher == nil {
		return
	}
	for _, c := range changes {
		evt := notify.Event{
			Entity:       notify.EntityInventoryRecord,
			Operation:    notify.OperationUpdate,
			Key:          c.After.Key.String(),
			ProductID:    c.After.ProductID,
			WarehouseIDs: []string{c.After.WarehouseID},
			After:        c.After,
			MovementID:   m.ID,
		}
		if c.Before.Exists() {
			evt.Before = c.Before
		} else {
			evt.Operation = notify.OperationInsert
		}
		e.publisher.Publish(evt)
	}
}

func (e *Engine) parkedMovement(key string) (Movement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.parked[key]
	return m, ok
}

func (e *Engine) park(key string, m Movement) {
	e.mu.Lock()
	e.parked[key] = m
	e.mu.Unlock()
}

func (e *Engine) unpark(key string) {
	e.mu.Lock()
	delete(e.parked, key)
	e.mu.Unlock()
}

func (e *Engine) observe(t MovementType, result string) {
	if e.metrics != nil {
		e.metrics.ObserveMovement(string(t), result)
	}
}

// QueryMovements returns ledger entries matching filter, newest first.
func (e *Engine) QueryMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Type != "" {
		t, ok := ParseMovementType(string(filter.Type))
		if !ok {
			return nil, newValidationError("type", "unknown movement type")
		}
		filter.Type = t
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return nil, newValidationError("from", "must not be after to")
	}
	movements, err := e.ledger.Query(ctx, filter)
	if err != nil {
		return nil, persistenceError("query movements", err)
	}
	return movements, nil
}

// RecentMovements feeds the activity stream.
func (e *Engine) RecentMovements(ctx context.Context, limit int) ([]Movement, error) {
	movements, err := e.ledger.Recent(ctx, MovementFilter{Limit: limit}.NormalizedLimit())
	if err != nil {
		return nil, persistenceError("recent movements", err)
	}
	return movements, nil
}

// GetMovement loads one ledger entry.
func (e *Engine) GetMovement(ctx context.Context, id string) (Movement, error) {
	m, err := e.ledger.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Movement{}, err
		}
		return Movement{}, persistenceError("get movement", err)
	}
	return m, nil
}

func normalizeRequest(req MovementRequest) MovementRequest {
	req.Type, _ = ParseMovementType(string(req.Type))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Source = cleanPlace(req.Source)
	req.Destination = cleanPlace(req.Destination)
	return req
}

func cleanPlace(p *Place) *Place {
	if p.IsZero() {
		return nil
	}
	return &Place{WarehouseID: strings.TrimSpace(p.WarehouseID), LocationID: strings.TrimSpace(p.LocationID)}
}

func (e *Engine) validateRequest(req MovementRequest) error {
	fields := make(map[string]string)
	if err := e.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return newValidationError("request", err.Error())
		}
		for _, fe := range verrs {
			fields[fieldName(fe)] = fe.Tag()
		}
	}
	hasSrc, hasDst := req.Source != nil, req.Destination != nil
	switch req.Type {
	case MovementReceipt:
		if !hasDst {
			fields["destination"] = "required"
		}
		if hasSrc {
			fields["source"] = "not allowed"
		}
	case MovementShipment:
		if !hasSrc {
			fields["source"] = "required"
		}
		if hasDst {
			fields["destination"] = "not allowed"
		}
	case MovementTransfer:
		if !hasSrc {
			fields["source"] = "required"
		}
		if !hasDst {
			fields["destination"] = "required"
		}
		if hasSrc && hasDst && req.Source.Equal(req.Destination) {
			fields["destination"] = "must differ from source"
		}
	case MovementAdjustment:
		if hasSrc == hasDst {
			fields["source"] = "exactly one of source or destination"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// resolve checks every referenced id against the directory.
func (e *Engine) resolve(ctx context.Context, req MovementRequest) error {
	if _, err := e.directory.GetProduct(ctx, req.ProductID); err != nil {
		return directoryError("product", req.ProductID, err)
	}
	for _, p := range []*Place{req.Source, req.Destination} {
		if p == nil {
			continue
		}
		if err := checkPlace(ctx, e.directory, p.WarehouseID, p.LocationID); err != nil {
			return err
		}
	}
	return nil
}

func checkPlace(ctx context.Context, dir Directory, warehouseID, locationID string) error {
	if _, err := dir.GetWarehouse(ctx, warehouseID); err != nil {
		return directoryError("warehouse", warehouseID, err)
	}
	loc, err := dir.GetLocation(ctx, locationID)
	if err != nil {
		return directoryError("location", locationID, err)
	}
	if loc.WarehouseID != warehouseID {
		return newValidationError("location_id", fmt.Sprintf("location %s does not belong to warehouse %s", locationID, warehouseID))
	}
	return nil
}

func directoryError(kind, id string, err error) error {
	if errors.Is(err, masterdata.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return persistenceError("lookup "+kind, err)
}

func classifyApplyError(err error) error {
	switch {
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrConcurrencyTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return persistenceError("apply deltas", err)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrConcurrencyTimeout):
		return "timeout"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

func movementWarehouses(m Movement) []string {
	var out []string
	if m.Source != nil {
		out = append(out, m.Source.WarehouseID)
	}
	if m.Destination != nil && (m.Source == nil || m.Destination.WarehouseID != m.Source.WarehouseID) {
		out = append(out, m.Destination.WarehouseID)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
