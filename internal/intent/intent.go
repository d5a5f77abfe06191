package intent

import (
	"time"

	"github.com/nimbleshop/commerce-core/internal/order"
	"github.com/nimbleshop/commerce-core/internal/pricing"
)

// MetadataKey is the cart metadata entry the intent lives under.
const MetadataKey = "payment_intent"

// Status tracks the lifecycle of a payment intent. Succeeded and failed are
// terminal; transitions are performed only by the finalizer.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Intent freezes a pricing snapshot plus customer data against a specific
// cart version and an external purchase identifier. It is read-only after
// creation except for status transitions; a newer intent supersedes it
// rather than mutating it.
type Intent struct {
	PurchaseID  string           `json:"purchaseId"`
	CheckoutURL string           `json:"checkoutUrl"`
	CartVersion int64            `json:"cartVersion"`
	Snapshot    pricing.Snapshot `json:"snapshot"`
	Customer    order.Customer   `json:"customer"`
	Status      Status           `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
}

// Active reports whether the intent is still awaiting gateway confirmation.
func (i Intent) Active(now time.Time) bool {
	return i.Status == StatusCreated && now.Before(i.ExpiresAt)
}

// Validation is the advisory result of comparing a cart against its stored
// intent. It gates creation of a second, conflicting intent; it never gates
// finalization of an intent already awaiting confirmation.
type Validation struct {
	IsValid         bool `json:"isValid"`
	CartChanged     bool `json:"cartChanged"`
	HasActiveIntent bool `json:"hasActiveIntent"`
}
