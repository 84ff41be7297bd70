package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/notify"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// MovementService is what the HTTP layer needs from Engine. DemoApplier
// satisfies it as well.
type MovementService interface {
	Apply(ctx context.Context, req MovementRequest) (Outcome, error)
	QueryMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	RecentMovements(ctx context.Context, limit int) ([]Movement, error)
	GetMovement(ctx context.Context, id string) (Movement, error)
}

// ChangeFeed is the subscription side of the notifier.
type ChangeFeed interface {
	Subscribe(entity notify.Entity, filter notify.Filter, handler notify.Handler) (*notify.Subscription, error)
	Unsubscribe(sub *notify.Subscription)
}

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger       *slog.Logger
	movements    MovementService
	availability *Availability
	feed         ChangeFeed
	heartbeat    time.Duration
	onSubscribe  func(delta int)
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, movements MovementService, availability *Availability, feed ChangeFeed) *Handler {
	return &Handler{logger: logger, movements: movements, availability: availability, feed: feed, heartbeat: 15 * time.Second}
}

// ObserveSubscribers registers a callback receiving +1/-1 as change streams open and close.
func (h *Handler) ObserveSubscribers(fn func(delta int)) {
	h.onSubscribe = fn
}

// MountRoutes registers request/response inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handleCreateMovement)
	r.Get("/movements", h.handleListMovements)
	r.Get("/movements/recent", h.handleRecentMovements)
	r.Get("/movements/{id}", h.handleGetMovement)
	r.Get("/availability", h.handleAvailability)
	r.Get("/low-stock", h.handleLowStock)
}

// MountStream registers the long-lived change stream. It must sit outside
// any request timeout middleware.
func (h *Handler) MountStream(r chi.Router) {
	r.Get("/changes", h.handleChanges)
}

type movementPayload struct {
	IdempotencyKey string       `json:"idempotency_key"`
	Type           MovementType `json:"type"`
	ProductID      string       `json:"product_id"`
	Quantity       int64        `json:"quantity"`
	Source         *Place       `json:"source"`
	Destination    *Place       `json:"destination"`
	Reference      string       `json:"reference"`
	Note           string       `json:"note"`
}

func (h *Handler) handleCreateMovement(w http.ResponseWriter, r *http.Request) {
	var payload movementPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	switch {
	case key == "":
		key = payload.IdempotencyKey
	case payload.IdempotencyKey != "" && payload.IdempotencyKey != key:
		h.writeError(w, r, newValidationError("idempotency_key", "header and body disagree"))
		return
	}
	req := MovementRequest{
		IdempotencyKey: key,
		Type:           payload.Type,
		ProductID:      payload.ProductID,
		Quantity:       payload.Quantity,
		Source:         payload.Source,
		Destination:    payload.Destination,
		Reference:      payload.Reference,
		Note:           payload.Note,
	}
	if p, ok := shared.PrincipalFromContext(r.Context()); ok {
		req.CreatedBy = p.Subject
	}

	out, err := h.movements.Apply(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Location", "/api/v1/movements/"+out.Movement.ID)
	httpx.JSON(w, status, out.Movement)
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	filter, err := parseMovementFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	movements, err := h.movements.QueryMovements(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": nonNil(movements)})
}

func (h *Handler) handleRecentMovements(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	movements, err := h.movements.RecentMovements(r.Context(), int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": nonNil(movements)})
}

func (h *Handler) handleGetMovement(w http.ResponseWriter, r *http.Request) {
	m, err := h.movements.GetMovement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	required, err := parseIntParam(r, "quantity")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.availability.CheckAvailability(r.Context(), q.Get("product_id"), q.Get("warehouse_id"), q.Get("location_id"), required)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	var policy LowStockPolicy
	if raw := r.URL.Query().Get("policy"); raw != "" {
		parsed, err := ParseLowStockPolicy(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		policy = parsed
	}
	items, err := h.availability.ListLowStock(r.Context(), policy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []LowStockItem{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": items})
}

func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Problem(w, http.StatusInternalServerError, "Streaming Unsupported", "")
		return
	}
	q := r.URL.Query()
	entity := notify.Entity(q.Get("entity"))
	switch entity {
	case "", notify.EntityInventoryRecord, notify.EntityStockMovement:
	default:
		h.writeError(w, r, newValidationError("entity", "must be inventory_record or stock_movement"))
		return
	}
	filter := notify.Filter{ProductID: q.Get("product_id"), WarehouseID: q.Get("warehouse_id")}

	ctx := r.Context()
	events := make(chan notify.Event)
	sub, err := h.feed.Subscribe(entity, filter, func(evt notify.Event) {
		select {
		case events <- evt:
		case <-ctx.Done():
		}
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer h.feed.Unsubscribe(sub)
	if h.onSubscribe != nil {
		h.onSubscribe(1)
		defer h.onSubscribe(-1)
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("encode change event", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Operation, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	var short *InsufficientStockError
	switch {
	case errors.As(err, &verr):
		httpx.ProblemWith(w, http.StatusBadRequest, "Validation Failed", verr.Error(), map[string]any{"fields": verr.Fields})
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &short):
		httpx.ProblemWith(w, http.StatusConflict, "Insufficient Stock", short.Error(), map[string]any{
			"available":  short.Available(),
			"shortfalls": short.Shortfalls,
		})
	case errors.Is(err, ErrDuplicateRequest):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrConcurrencyTimeout), errors.Is(err, context.DeadlineExceeded):
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnavailable, err))
	default:
		h.logger.Error("inventory request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseMovementFilter(r *http.Request) (MovementFilter, error) {
	q := r.URL.Query()
	filter := MovementFilter{
		ProductID:   q.Get("product_id"),
		WarehouseID: q.Get("warehouse_id"),
		Type:        MovementType(q.Get("type")),
	}
	var err error
	if filter.From, err = parseTimeParam(r, "from"); err != nil {
		return MovementFilter{}, err
	}
	if filter.To, err = parseTimeParam(r, "to"); err != nil {
		return MovementFilter{}, err
	}
	limit, err := parseIntParam(r, "limit")
	if err != nil {
		return MovementFilter{}, err
	}
	filter.Limit = int(limit)
	return filter, nil
}

func parseIntParam(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, newValidationError(name, "must be an integer")
	}
	return v, nil
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, newValidationError(name, "must be RFC3339 or YYYY-MM-DD")
}

func nonNil(movements []Movement) []Movement {
	if movements == nil {
		return []Movement{}
	}
	return movements
}
