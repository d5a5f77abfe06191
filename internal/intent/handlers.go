package intent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/common"
	"github.com/nimbleshop/commerce-core/internal/order"
)

// Handler exposes checkout intent operations over HTTP.
type Handler struct {
	Manager   *Manager
	Validator *validator.Validate
}

// Create opens a payment intent for the cart. Repeating the call with an
// unchanged cart returns the same intent.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Manager == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "intent manager not configured", nil)
		return
	}
	var payload struct {
		Customer order.Customer `json:"customer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if h.Validator != nil {
		if err := h.Validator.Struct(payload.Customer); err != nil {
			common.JSONError(w, http.StatusBadRequest, "INVALID_CUSTOMER", err.Error(), nil)
			return
		}
	}
	it, err := h.Manager.CreateIntent(r.Context(), chi.URLParam(r, "id"), payload.Customer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": it})
}

// Validate reports whether the stored intent still matches the cart.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	if h.Manager == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "intent manager not configured", nil)
		return
	}
	v, err := h.Manager.Validate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": v})
}

// Get returns the intent stored on the cart, if any.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Manager == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "intent manager not configured", nil)
		return
	}
	it, found, err := h.Manager.Stored(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !found {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "no intent stored for cart", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": it})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusConflict, "EMPTY_CART", err.Error(), nil)
	case errors.Is(err, ErrCartChanged):
		common.JSONError(w, http.StatusConflict, "CART_CHANGED", err.Error(), nil)
	case errors.Is(err, ErrInvalidCustomer):
		common.JSONError(w, http.StatusBadRequest, "INVALID_CUSTOMER", err.Error(), nil)
	case errors.Is(err, ErrGateway):
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_ERROR", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}
