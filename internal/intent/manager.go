package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/gateway"
	"github.com/nimbleshop/commerce-core/internal/obs"
	"github.com/nimbleshop/commerce-core/internal/order"
	"github.com/nimbleshop/commerce-core/internal/pricing"
)

var (
	// ErrCartChanged is a conflict: the cart moved on while the intent was
	// being created. The caller decides whether to refresh and retry.
	ErrCartChanged = errors.New("intent: cart changed")
	// ErrEmptyCart is returned when attempting checkout on an empty cart.
	ErrEmptyCart = errors.New("intent: cart is empty")
	// ErrInvalidCustomer is returned when required customer data is missing.
	ErrInvalidCustomer = errors.New("intent: invalid customer data")
	// ErrGateway wraps upstream gateway failures. No intent is persisted
	// when it is returned.
	ErrGateway = errors.New("intent: gateway error")
)

// Manager freezes pricing snapshots into payment intents bound to external
// purchase identifiers.
type Manager struct {
	Carts   *cart.Service
	Engine  *pricing.Engine
	Gateway gateway.Provider
	TTL     time.Duration
	Now     func() time.Time
}

func (m *Manager) now() time.Time {
	if m != nil && m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) ttl() time.Duration {
	if m == nil || m.TTL <= 0 {
		return 15 * time.Minute
	}
	return m.TTL
}

// CreateIntent computes a pricing snapshot, opens a purchase with the
// gateway and writes the frozen intent into cart metadata. An existing
// unexpired intent for the unchanged cart is reused instead of opening a
// second purchase. On gateway failure nothing is persisted.
func (m *Manager) CreateIntent(ctx context.Context, cartID string, customer order.Customer) (Intent, error) {
	if m == nil || m.Carts == nil || m.Engine == nil || m.Gateway == nil {
		return Intent{}, errors.New("intent manager not configured")
	}
	ctx, span := otel.Tracer("intent.Manager").Start(ctx, "Manager.CreateIntent")
	defer span.End()

	result := "error"
	defer func() {
		if obs.PaymentIntentTotal != nil {
			obs.PaymentIntentTotal.WithLabelValues(result).Inc()
		}
	}()

	if strings.TrimSpace(customer.Name) == "" || strings.TrimSpace(customer.Email) == "" {
		return Intent{}, fmt.Errorf("name and email are required: %w", ErrInvalidCustomer)
	}
	c, err := m.Carts.Get(ctx, cartID)
	if err != nil {
		return Intent{}, err
	}
	if c.Empty() {
		return Intent{}, ErrEmptyCart
	}
	if existing, ok, err := m.stored(c); err == nil && ok && existing.Active(m.now()) && existing.CartVersion == c.Version {
		span.SetAttributes(attribute.String("intent.purchase_id", existing.PurchaseID))
		result = "reused"
		return existing, nil
	} else if err != nil {
		return Intent{}, err
	}

	start := time.Now()
	snap, err := m.Engine.Compute(c)
	if obs.PricingComputeDuration != nil {
		obs.PricingComputeDuration.Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		return Intent{}, err
	}
	purchase, err := m.Gateway.CreatePurchase(ctx, gateway.PurchaseRequest{
		Reference: c.ID,
		Amount:    snap.Totals.Total.Amount,
		Currency:  snap.Currency,
		Metadata: map[string]string{
			"cart_id":      c.ID,
			"cart_version": fmt.Sprintf("%d", c.Version),
		},
	})
	if err != nil {
		span.RecordError(err)
		return Intent{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	now := m.now()
	it := Intent{
		PurchaseID:  purchase.PurchaseID,
		CheckoutURL: purchase.CheckoutURL,
		Snapshot:    snap,
		Customer:    customer,
		Status:      StatusCreated,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl()),
	}
	if purchase.ExpiresAt > 0 {
		it.ExpiresAt = time.Unix(purchase.ExpiresAt, 0)
	}

	// The store bumps the version before applying the mutation, so the
	// intent records the version the cart has once the write lands. A
	// content change that slipped in since the snapshot was computed shows
	// up as a larger-than-expected version and aborts the write.
	expectVersion := c.Version + 1
	_, err = m.Carts.Store.Update(ctx, cartID, func(cur *cart.Cart) error {
		if cur.Version != expectVersion {
			return fmt.Errorf("version %d, snapshot taken at %d: %w", cur.Version, c.Version, ErrCartChanged)
		}
		it.CartVersion = cur.Version
		it.Snapshot.CartVersion = cur.Version
		raw, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode intent: %w", err)
		}
		if cur.Metadata == nil {
			cur.Metadata = map[string]json.RawMessage{}
		}
		cur.Metadata[MetadataKey] = raw
		return nil
	})
	if err != nil {
		return Intent{}, err
	}
	span.SetAttributes(attribute.String("intent.purchase_id", it.PurchaseID))
	result = "created"
	return it, nil
}

// Validate compares the cart version against the stored intent. A mismatch
// means the cart changed since the intent froze; that blocks a new
// conflicting intent but never invalidates finalization of the stored one.
func (m *Manager) Validate(ctx context.Context, cartID string) (Validation, error) {
	if m == nil || m.Carts == nil {
		return Validation{}, errors.New("intent manager not configured")
	}
	c, err := m.Carts.Get(ctx, cartID)
	if err != nil {
		return Validation{}, err
	}
	it, ok, err := m.stored(c)
	if err != nil {
		return Validation{}, err
	}
	if !ok {
		return Validation{IsValid: false}, nil
	}
	v := Validation{
		HasActiveIntent: it.Active(m.now()),
		CartChanged:     it.CartVersion != c.Version,
	}
	v.IsValid = v.HasActiveIntent && !v.CartChanged
	return v, nil
}

// Stored returns the intent recorded on the cart, if any.
func (m *Manager) Stored(ctx context.Context, cartID string) (Intent, bool, error) {
	if m == nil || m.Carts == nil {
		return Intent{}, false, errors.New("intent manager not configured")
	}
	c, err := m.Carts.Get(ctx, cartID)
	if err != nil {
		return Intent{}, false, err
	}
	return m.stored(c)
}

func (m *Manager) stored(c cart.Cart) (Intent, bool, error) {
	raw, ok := c.Metadata[MetadataKey]
	if !ok {
		return Intent{}, false, nil
	}
	var it Intent
	if err := json.Unmarshal(raw, &it); err != nil {
		return Intent{}, false, fmt.Errorf("decode intent: %w", err)
	}
	return it, true, nil
}
