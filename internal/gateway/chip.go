package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nimbleshop/commerce-core/internal/resilience"
)

// Chip talks to a CHIP-style purchases API: a bearer-token POST opens a
// purchase and returns {id, checkout_url}; webhook notifications carry an
// X-Signature header computed as HMAC-SHA256 over the raw body.
type Chip struct {
	BaseURL       string
	APIKey        string
	BrandID       string
	WebhookSecret string
	HTTP          *resilience.HTTPClient
}

type chipPurchasePayload struct {
	BrandID   string            `json:"brand_id"`
	Reference string            `json:"reference"`
	Purchase  chipPurchaseBlock `json:"purchase"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type chipPurchaseBlock struct {
	Currency string             `json:"currency"`
	Products []chipProductBlock `json:"products"`
}

type chipProductBlock struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

type chipPurchaseResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
	DueStrict   bool   `json:"due_strict"`
	Due         int64  `json:"due"`
}

// CreatePurchase opens a purchase with the gateway. The call runs with a
// bounded timeout and is not retried here; retry policy belongs to the
// caller.
func (c Chip) CreatePurchase(ctx context.Context, req PurchaseRequest) (PurchaseResponse, error) {
	if c.HTTP == nil {
		return PurchaseResponse{}, errors.New("gateway: http client not configured")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return PurchaseResponse{}, errors.New("gateway: reference is required")
	}
	if req.Amount <= 0 {
		return PurchaseResponse{}, fmt.Errorf("gateway: invalid amount %d", req.Amount)
	}
	payload := chipPurchasePayload{
		BrandID:   c.BrandID,
		Reference: req.Reference,
		Purchase: chipPurchaseBlock{
			Currency: req.Currency,
			Products: []chipProductBlock{{Name: "order " + req.Reference, Price: req.Amount}},
		},
		Metadata: req.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return PurchaseResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/purchases/", bytes.NewReader(body))
	if err != nil {
		return PurchaseResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(ctx, httpReq)
	if err != nil {
		return PurchaseResponse{}, fmt.Errorf("gateway: create purchase: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PurchaseResponse{}, fmt.Errorf("gateway: create purchase: unexpected status %s", resp.Status)
	}
	var decoded chipPurchaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return PurchaseResponse{}, fmt.Errorf("gateway: decode purchase response: %w", err)
	}
	if decoded.ID == "" {
		return PurchaseResponse{}, errors.New("gateway: purchase response missing id")
	}
	expires := decoded.Due
	if expires == 0 {
		expires = time.Now().Add(15 * time.Minute).Unix()
	}
	return PurchaseResponse{
		PurchaseID:  decoded.ID,
		CheckoutURL: decoded.CheckoutURL,
		ExpiresAt:   expires,
	}, nil
}

type chipWebhookPayload struct {
	ID        string `json:"id"`
	Event     string `json:"event_type"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Purchase  struct {
		Total    int64  `json:"total"`
		Currency string `json:"currency"`
	} `json:"purchase"`
}

// VerifyWebhook validates the X-Signature header and normalises the payload.
// An invalid signature yields Valid=false, not an error; transport-level
// problems yield an error.
func (c Chip) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	secret := strings.TrimSpace(c.WebhookSecret)
	if secret == "" {
		return WebhookResult{}, errors.New("gateway: webhook secret not configured")
	}
	provided := strings.TrimSpace(r.Header.Get("X-Signature"))
	if provided == "" {
		return WebhookResult{Valid: false, Err: errors.New("missing signature")}, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	var payload chipWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	if payload.ID == "" {
		return WebhookResult{Valid: false, Err: errors.New("missing purchase id")}, nil
	}
	return WebhookResult{
		Valid:      true,
		PurchaseID: payload.ID,
		Reference:  payload.Reference,
		Amount:     payload.Purchase.Total,
		Status:     normaliseChipStatus(payload.Status),
		Payload:    body,
	}, nil
}

// Sign computes the webhook signature for a payload. Exported for tests and
// the local sandbox tooling.
func (c Chip) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.WebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normaliseChipStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "success", "settled":
		return StatusPaid
	case "error", "failed", "cancelled", "canceled":
		return StatusFailed
	case "expired", "overdue":
		return StatusExpired
	default:
		return StatusPending
	}
}
