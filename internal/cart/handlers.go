package cart

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nimbleshop/commerce-core/internal/common"
	"github.com/nimbleshop/commerce-core/internal/condition"
	"github.com/nimbleshop/commerce-core/internal/money"
)

// Handler wires cart operations to HTTP. Preview, when set, renders a
// pricing snapshot of the current cart into every response; it is a func
// rather than an interface to avoid a dependency on the pricing package.
type Handler struct {
	Svc     *Service
	Preview func(c Cart) (any, error)
}

type itemPayload struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Price      int64                 `json:"price"`
	Qty        int                   `json:"qty"`
	Conditions []condition.Condition `json:"conditions,omitempty"`
}

// Create creates or returns a cart for the given instance.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var payload struct {
		CartID   string `json:"cartId"`
		Instance string `json:"instance"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	instance := strings.TrimSpace(payload.Instance)
	if instance == "" {
		instance = "default"
	}
	c, err := h.Svc.EnsureCart(r.Context(), payload.CartID, instance)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": h.view(c)})
}

// Get returns cart contents plus a pricing preview.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.view(c)})
}

// AddItem appends or merges a line.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var payload itemPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	c, err := h.Svc.AddItem(r.Context(), chi.URLParam(r, "id"), Item{
		ID:         payload.ID,
		Name:       payload.Name,
		UnitPrice:  money.Money{Amount: payload.Price, Currency: h.Svc.Currency},
		Qty:        payload.Qty,
		Conditions: payload.Conditions,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.view(c)})
}

// UpdateQty sets a line quantity.
func (h *Handler) UpdateQty(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Qty int `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	c, err := h.Svc.UpdateQty(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"), payload.Qty)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.view(c)})
}

// RemoveItem deletes a line.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.Svc.RemoveItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.view(c)})
}

// AddCondition attaches a cart-level condition.
func (h *Handler) AddCondition(w http.ResponseWriter, r *http.Request) {
	var cond condition.Condition
	if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	c, err := h.Svc.AddCondition(r.Context(), chi.URLParam(r, "id"), cond)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.view(c)})
}

// RemoveCondition detaches a cart-level condition by name.
func (h *Handler) RemoveCondition(w http.ResponseWriter, r *http.Request) {
	c, err := h.Svc.RemoveCondition(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.view(c)})
}

// AddItemCondition attaches a condition to a single line.
func (h *Handler) AddItemCondition(w http.ResponseWriter, r *http.Request) {
	var cond condition.Condition
	if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	c, err := h.Svc.AddItemCondition(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"), cond)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.view(c)})
}

// Clear empties the cart.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	c, err := h.Svc.Clear(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.view(c)})
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (Cart, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return Cart{}, false
	}
	c, err := h.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return Cart{}, false
	}
	return c, true
}

func (h *Handler) view(c Cart) map[string]any {
	out := map[string]any{
		"cartId":     c.ID,
		"instance":   c.Instance,
		"currency":   c.Currency,
		"version":    c.Version,
		"items":      c.Items,
		"conditions": c.Conditions,
		"itemCount":  c.ItemCount(),
	}
	if h.Preview != nil {
		if snap, err := h.Preview(c); err == nil {
			out["pricing"] = snap
		}
	}
	return out
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusConflict, "EMPTY_CART", err.Error(), nil)
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, condition.ErrBadValue),
		errors.Is(err, condition.ErrOperatorMismatch):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}
