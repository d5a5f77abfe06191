package order

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nimbleshop/commerce-core/internal/common"
)

// Reader is the read-side persistence order handlers need.
type Reader interface {
	OrderByID(ctx context.Context, id string) (Order, error)
	OrderByPurchaseID(ctx context.Context, purchaseID string) (Order, error)
	OrderItems(ctx context.Context, orderID string) ([]Item, error)
}

// Handler exposes finalized orders over HTTP. Orders are immutable; this is
// strictly a read surface.
type Handler struct {
	Store Reader
}

// Get returns an order with its frozen lines.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	o, err := h.Store.OrderByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, r, o)
}

// GetByPurchase returns the order finalized for a purchase id. Shoppers poll
// this after being redirected back from the gateway.
func (h *Handler) GetByPurchase(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	o, err := h.Store.OrderByPurchaseID(r.Context(), chi.URLParam(r, "purchaseId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, r, o)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, o Order) {
	items, err := h.Store.OrderItems(r.Context(), o.ID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load order items", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"order": o,
			"items": items,
		},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
}
