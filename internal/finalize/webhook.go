package finalize

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/nimbleshop/commerce-core/internal/common"
	"github.com/nimbleshop/commerce-core/internal/gateway"
)

// Webhook receives gateway callbacks, verifies them and hands the verified
// event to the finalizer. Responses follow the gateway retry contract: only
// a processing fault returns 5xx; duplicates and orphans acknowledge with
// 2xx so the gateway stops resending.
type Webhook struct {
	Provider  gateway.Provider
	Finalizer *Finalizer
	Replay    *redis.Client
	ReplayTTL time.Duration
}

// Handle processes one gateway callback.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Provider == nil || h.Finalizer == nil {
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	result, err := h.Provider.VerifyWebhook(r, body)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_VERIFY_ERROR", err.Error(), nil)
		return
	}
	if !result.Valid {
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	// The replay cache is an optimization against notification storms. A
	// replay that slips past it still lands on the duplicate path below.
	var replayKey string
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = fmt.Sprintf("wh:%s", common.Sha256Hex(string(body)))
		fresh, err := h.Replay.SetNX(r.Context(), replayKey, "1", h.ReplayTTL).Result()
		if err == nil && !fresh {
			common.JSON(w, http.StatusOK, map[string]any{"duplicate": true})
			return
		}
	}

	out, err := h.Finalizer.OnGatewayEvent(r.Context(), Event{
		PurchaseID: result.PurchaseID,
		CartID:     result.Reference,
		Status:     result.Status,
		Amount:     result.Amount,
		Payload:    result.Payload,
	})
	if err != nil {
		// A fault answers 5xx so the gateway redelivers. The redelivery
		// carries the identical payload, so the replay key must not outlive
		// the failed attempt or the retry would be swallowed as a duplicate.
		if replayKey != "" {
			h.Replay.Del(context.WithoutCancel(r.Context()), replayKey)
		}
		common.JSONError(w, http.StatusInternalServerError, "FINALIZE_ERROR", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, out)
}
