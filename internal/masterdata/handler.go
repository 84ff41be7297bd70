package masterdata

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Handler exposes read-only directory endpoints.
type Handler struct {
	logger *slog.Logger
	dir    *Directory
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, dir *Directory) *Handler {
	return &Handler{logger: logger, dir: dir}
}

// MountRoutes registers master data routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.showProduct)
	r.Get("/warehouses", h.listWarehouses)
	r.Get("/warehouses/{id}", h.showWarehouse)
	r.Get("/warehouses/{id}/locations", h.listLocations)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.dir.ListProducts(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": products})
}

func (h *Handler) showProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.dir.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) listWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := h.dir.ListWarehouses(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": warehouses})
}

func (h *Handler) showWarehouse(w http.ResponseWriter, r *http.Request) {
	wh, err := h.dir.GetWarehouse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wh)
}

func (h *Handler) listLocations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.dir.GetWarehouse(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	locations, err := h.dir.ListLocations(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": locations})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	h.logger.Error("masterdata request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
