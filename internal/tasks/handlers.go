package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/events"
	"github.com/nimbleshop/commerce-core/internal/intent"
	"github.com/nimbleshop/commerce-core/internal/lock"
)

// IntentSweepStore lists carts whose awaiting intent is past expiry.
type IntentSweepStore interface {
	ExpiredIntentCarts(ctx context.Context, now time.Time) ([]string, error)
}

// Handlers processes background tasks on the worker.
type Handlers struct {
	Carts  cart.Store
	Sweep  IntentSweepStore
	Bus    *events.Bus
	Lock   *lock.Locker
	Logger zerolog.Logger
	Now    func() time.Time
}

func (h *Handlers) now() time.Time {
	if h != nil && h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Register attaches all task handlers to the mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProcessingAlert, h.HandleProcessingAlert)
	mux.HandleFunc(TypeIntentSweep, h.HandleIntentSweep)
}

// HandleProcessingAlert surfaces a finalization fault to operators. The
// structured error log is the alert channel; log shippers route it onward.
func (h *Handlers) HandleProcessingAlert(ctx context.Context, t *asynq.Task) error {
	var payload ProcessingAlertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode alert payload: %w", err)
	}
	h.Logger.Error().
		Str("purchase_id", payload.PurchaseID).
		Str("reason", payload.Reason).
		Time("occurred_at", payload.OccurredAt).
		Msg("payment finalization requires operator attention")
	return nil
}

// HandleIntentSweep marks expired awaiting intents. The gateway sends no
// cancellation for abandoned purchases; this sweep is what retires them.
func (h *Handlers) HandleIntentSweep(ctx context.Context, _ *asynq.Task) error {
	if h == nil || h.Carts == nil || h.Sweep == nil {
		return errors.New("tasks: sweep not configured")
	}
	// Only one worker sweeps at a time; expireIntent is idempotent anyway,
	// the lock just keeps duplicate events out.
	if h.Lock != nil {
		return h.Lock.WithLock(ctx, "intents:sweep", time.Minute, h.sweep)
	}
	return h.sweep(ctx)
}

func (h *Handlers) sweep(ctx context.Context) error {
	now := h.now().UTC()
	ids, err := h.Sweep.ExpiredIntentCarts(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired intents: %w", err)
	}
	for _, id := range ids {
		if err := h.expireIntent(ctx, id, now); err != nil {
			h.Logger.Error().Err(err).Str("cart_id", id).Msg("failed to expire intent")
		}
	}
	if len(ids) > 0 {
		h.Logger.Info().Int("expired", len(ids)).Msg("intent expiry sweep completed")
	}
	return nil
}

func (h *Handlers) expireIntent(ctx context.Context, cartID string, now time.Time) error {
	var expired *intent.Intent
	_, err := h.Carts.Update(ctx, cartID, func(c *cart.Cart) error {
		raw, ok := c.Metadata[intent.MetadataKey]
		if !ok {
			return nil
		}
		var it intent.Intent
		if err := json.Unmarshal(raw, &it); err != nil {
			return fmt.Errorf("decode intent: %w", err)
		}
		// Re-check under the lock; a webhook may have settled it meanwhile.
		if it.Status != intent.StatusCreated || now.Before(it.ExpiresAt) {
			return nil
		}
		it.Status = intent.StatusExpired
		it.Reason = "intent expired without gateway confirmation"
		encoded, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode intent: %w", err)
		}
		c.Metadata[intent.MetadataKey] = encoded
		expired = &it
		return nil
	})
	if err != nil {
		return err
	}
	if expired != nil && h.Bus != nil {
		_, _ = h.Bus.Emit(ctx, events.TopicIntentExpired, cartID, map[string]any{
			"cartId":     cartID,
			"purchaseId": expired.PurchaseID,
		})
	}
	return nil
}
