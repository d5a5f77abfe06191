package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nimbleshop/commerce-core/internal/condition"
	"github.com/nimbleshop/commerce-core/internal/money"
)

// ErrInvalidInput is returned when the provided payload is invalid.
var ErrInvalidInput = errors.New("invalid input")

// ErrEmptyCart is returned when an operation requires at least one item.
var ErrEmptyCart = errors.New("cart is empty")

// Service encapsulates cart domain operations. Every mutation goes through
// Store.Update so the version counter increases on each of them.
type Service struct {
	Store    Store
	Currency string
}

// EnsureCart loads the cart with the given id, creating it when absent.
func (s *Service) EnsureCart(ctx context.Context, id, instance string) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	c, err := s.Store.Get(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Cart{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(s.Currency))
	if currency == "" {
		currency = "USD"
	}
	return s.Store.Create(ctx, Cart{
		ID:       id,
		Instance: instance,
		Currency: currency,
	})
}

// Get returns the cart or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	return s.Store.Get(ctx, id)
}

// AddItem appends a line to the cart, or increments the quantity when the
// same item id is already present.
func (s *Service) AddItem(ctx context.Context, cartID string, item Item) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	if item.Qty <= 0 {
		return Cart{}, fmt.Errorf("qty must be positive: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(item.ID) == "" {
		return Cart{}, fmt.Errorf("item id required: %w", ErrInvalidInput)
	}
	for _, cond := range item.Conditions {
		if err := cond.Validate(); err != nil {
			return Cart{}, err
		}
	}
	return s.Store.Update(ctx, cartID, func(c *Cart) error {
		if item.UnitPrice.Currency != c.Currency {
			return fmt.Errorf("item %s priced in %s, cart is %s: %w",
				item.ID, item.UnitPrice.Currency, c.Currency, money.ErrCurrencyMismatch)
		}
		if idx := c.FindItem(item.ID); idx >= 0 {
			c.Items[idx].Qty += item.Qty
			return nil
		}
		c.Items = append(c.Items, item)
		return nil
	})
}

// UpdateQty sets the quantity for an existing line.
func (s *Service) UpdateQty(ctx context.Context, cartID, itemID string, qty int) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	if qty <= 0 {
		return Cart{}, fmt.Errorf("qty must be positive: %w", ErrInvalidInput)
	}
	return s.Store.Update(ctx, cartID, func(c *Cart) error {
		idx := c.FindItem(itemID)
		if idx < 0 {
			return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
		}
		c.Items[idx].Qty = qty
		return nil
	})
}

// RemoveItem deletes a line. Removing the last item clears cart conditions
// and metadata as well: an empty cart carries no conditions.
func (s *Service) RemoveItem(ctx context.Context, cartID, itemID string) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	return s.Store.Update(ctx, cartID, func(c *Cart) error {
		idx := c.FindItem(itemID)
		if idx < 0 {
			return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
		}
		c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
		if len(c.Items) == 0 {
			c.Conditions = nil
			c.Metadata = nil
		}
		return nil
	})
}

// AddCondition attaches a cart-level condition, replacing any existing
// condition with the same name.
func (s *Service) AddCondition(ctx context.Context, cartID string, cond condition.Condition) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	if strings.TrimSpace(cond.Name) == "" {
		return Cart{}, fmt.Errorf("condition name required: %w", ErrInvalidInput)
	}
	if err := cond.Validate(); err != nil {
		return Cart{}, err
	}
	return s.Store.Update(ctx, cartID, func(c *Cart) error {
		if c.Empty() {
			return ErrEmptyCart
		}
		for i := range c.Conditions {
			if c.Conditions[i].Name == cond.Name {
				c.Conditions[i] = cond
				return nil
			}
		}
		c.Conditions = append(c.Conditions, cond)
		return nil
	})
}

// RemoveCondition detaches a cart-level condition by name.
func (s *Service) RemoveCondition(ctx context.Context, cartID, name string) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	return s.Store.Update(ctx, cartID, func(c *Cart) error {
		for i := range c.Conditions {
			if c.Conditions[i].Name == name {
				c.Conditions = append(c.Conditions[:i], c.Conditions[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("condition %s: %w", name, ErrNotFound)
	})
}

// AddItemCondition attaches a condition to a single line.
func (s *Service) AddItemCondition(ctx context.Context, cartID, itemID string, cond condition.Condition) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	if err := cond.Validate(); err != nil {
		return Cart{}, err
	}
	return s.Store.Update(ctx, cartID, func(c *Cart) error {
		idx := c.FindItem(itemID)
		if idx < 0 {
			return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
		}
		for i := range c.Items[idx].Conditions {
			if c.Items[idx].Conditions[i].Name == cond.Name {
				c.Items[idx].Conditions[i] = cond
				return nil
			}
		}
		c.Items[idx].Conditions = append(c.Items[idx].Conditions, cond)
		return nil
	})
}

// SetMetadata writes a checkout-relevant metadata entry. The write bumps
// the cart version like any other mutation.
func (s *Service) SetMetadata(ctx context.Context, cartID, key string, value any) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	if strings.TrimSpace(key) == "" {
		return Cart{}, fmt.Errorf("metadata key required: %w", ErrInvalidInput)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Cart{}, fmt.Errorf("encode metadata %s: %w", key, err)
	}
	return s.Store.Update(ctx, cartID, func(c *Cart) error {
		if c.Metadata == nil {
			c.Metadata = make(map[string]json.RawMessage, 1)
		}
		c.Metadata[key] = raw
		return nil
	})
}

// Metadata reads a metadata entry into out, reporting whether it exists.
func (s *Service) Metadata(ctx context.Context, cartID, key string, out any) (bool, error) {
	if s == nil || s.Store == nil {
		return false, errors.New("cart service not configured")
	}
	c, err := s.Store.Get(ctx, cartID)
	if err != nil {
		return false, err
	}
	raw, ok := c.Metadata[key]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	return true, nil
}

// Clear empties the cart entirely: items, conditions and metadata. The
// version still increases; it is never reset.
func (s *Service) Clear(ctx context.Context, cartID string) (Cart, error) {
	if s == nil || s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	return s.Store.Update(ctx, cartID, func(c *Cart) error {
		c.Items = nil
		c.Conditions = nil
		c.Metadata = nil
		return nil
	})
}
