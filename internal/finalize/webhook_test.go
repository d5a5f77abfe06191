package finalize_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nimbleshop/commerce-core/internal/finalize"
	"github.com/nimbleshop/commerce-core/internal/gateway"
	"github.com/nimbleshop/commerce-core/internal/order"
	"github.com/nimbleshop/commerce-core/internal/store"
)

func chipPayload(t *testing.T, f *fixture, status string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":        f.intent.PurchaseID,
		"status":    status,
		"reference": f.cartID,
		"purchase": map[string]any{
			"total":    f.intent.Snapshot.Totals.Total.Amount,
			"currency": "USD",
		},
	})
	require.NoError(t, err)
	return body
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	chip := gateway.Chip{WebhookSecret: "hook-secret"}
	h := finalize.Webhook{Provider: chip, Finalizer: f.fin}

	body := chipPayload(t, f, "paid")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Signature", "deadbeef")
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Nothing reached the finalizer.
	require.Empty(t, f.log.ByPurchase(f.intent.PurchaseID))
}

func TestWebhookFinalizesVerifiedEvent(t *testing.T) {
	f := newFixture(t)
	chip := gateway.Chip{WebhookSecret: "hook-secret"}
	h := finalize.Webhook{Provider: chip, Finalizer: f.fin}

	body := chipPayload(t, f, "paid")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Signature", chip.Sign(body))
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var out finalize.Outcome
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.False(t, out.Duplicate)
	require.Equal(t, f.intent.PurchaseID, out.Order.PurchaseID)
}

func TestWebhookReplayShortCircuits(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	chip := gateway.Chip{WebhookSecret: "hook-secret"}
	h := finalize.Webhook{Provider: chip, Finalizer: f.fin, Replay: client, ReplayTTL: time.Minute}

	body := chipPayload(t, f, "paid")
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
		req.Header.Set("X-Signature", chip.Sign(body))
		rr := httptest.NewRecorder()
		h.Handle(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	// The second delivery was answered from the replay cache without a second
	// processed record.
	var processed int
	for _, r := range f.log.ByPurchase(f.intent.PurchaseID) {
		if r.Status == "processed" {
			processed++
		}
	}
	require.Equal(t, 1, processed)
}

// flakyOrderStore fails the first payment lookup with a transient error and
// behaves normally afterwards.
type flakyOrderStore struct {
	*store.MemoryOrderStore
	mu      sync.Mutex
	tripped bool
}

func (s *flakyOrderStore) PaymentByPurchaseID(ctx context.Context, purchaseID string) (order.Payment, error) {
	s.mu.Lock()
	first := !s.tripped
	s.tripped = true
	s.mu.Unlock()
	if first {
		return order.Payment{}, errors.New("connection reset")
	}
	return s.MemoryOrderStore.PaymentByPurchaseID(ctx, purchaseID)
}

func TestWebhookRedeliveryAfterFaultIsProcessed(t *testing.T) {
	f := newFixture(t)
	f.fin.Orders = &flakyOrderStore{MemoryOrderStore: f.orders}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	chip := gateway.Chip{WebhookSecret: "hook-secret"}
	h := finalize.Webhook{Provider: chip, Finalizer: f.fin, Replay: client, ReplayTTL: time.Minute}

	body := chipPayload(t, f, "paid")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Signature", chip.Sign(body))
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	// The gateway redelivers the identical payload after a 5xx. The failed
	// attempt must not leave a replay cache entry behind, or the retry would
	// be acknowledged as a duplicate without ever creating the order.
	retry := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	retry.Header.Set("X-Signature", chip.Sign(body))
	rr2 := httptest.NewRecorder()
	h.Handle(rr2, retry)
	require.Equal(t, http.StatusOK, rr2.Code)

	var out finalize.Outcome
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &out))
	require.False(t, out.Duplicate)
	require.False(t, out.Ignored)

	p, err := f.orders.PaymentByPurchaseID(context.Background(), f.intent.PurchaseID)
	require.NoError(t, err)
	require.Equal(t, order.PaymentPaid, p.Status)
}

func TestWebhookFaultReturns500(t *testing.T) {
	f := newFixture(t)
	chip := gateway.Chip{WebhookSecret: "hook-secret"}
	h := finalize.Webhook{Provider: chip, Finalizer: f.fin}

	body, err := json.Marshal(map[string]any{
		"id":        f.intent.PurchaseID,
		"status":    "paid",
		"reference": f.cartID,
		"purchase": map[string]any{
			"total":    f.intent.Snapshot.Totals.Total.Amount + 1,
			"currency": "USD",
		},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Signature", chip.Sign(body))
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}
