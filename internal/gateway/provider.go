package gateway

import (
	"context"
	"net/http"
)

// PurchaseRequest captures what the gateway needs to open a purchase.
type PurchaseRequest struct {
	Reference string
	Amount    int64
	Currency  string
	Metadata  map[string]string
}

// PurchaseResponse is the minimal result of opening a purchase.
type PurchaseResponse struct {
	PurchaseID  string
	CheckoutURL string
	ExpiresAt   int64
}

// WebhookResult contains the normalised data extracted from a gateway
// notification after signature verification.
type WebhookResult struct {
	Valid      bool
	PurchaseID string
	// Reference is the merchant-side reference supplied when the purchase
	// was created (the cart identifier).
	Reference string
	Amount    int64
	Status    string
	Payload   []byte
	Err       error
}

// Provider abstracts the operations required from the upstream payment
// gateway. Signature verification is the provider's concern; callers only
// see the boolean outcome.
type Provider interface {
	CreatePurchase(ctx context.Context, req PurchaseRequest) (PurchaseResponse, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error)
}

// Normalised webhook statuses shared by all providers.
const (
	StatusPaid    = "PAID"
	StatusFailed  = "FAILED"
	StatusExpired = "EXPIRED"
	StatusPending = "PENDING"
)
