package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// Task type names routed through asynq.
const (
	TypeProcessingAlert = "alerts:payment_processing"
	TypeIntentSweep     = "intents:expire_sweep"
)

// ProcessingAlertPayload describes a finalization fault needing operator
// attention.
type ProcessingAlertPayload struct {
	PurchaseID string    `json:"purchaseId"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Client enqueues background tasks. It satisfies finalize.Alerter.
type Client struct {
	Asynq *asynq.Client
}

// ProcessingFailed enqueues an operator alert for a webhook processing fault.
func (c *Client) ProcessingFailed(ctx context.Context, purchaseID, reason string) error {
	if c == nil || c.Asynq == nil {
		return errors.New("tasks: client not configured")
	}
	payload, err := json.Marshal(ProcessingAlertPayload{
		PurchaseID: purchaseID,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = c.Asynq.EnqueueContext(ctx, asynq.NewTask(TypeProcessingAlert, payload),
		asynq.MaxRetry(5), asynq.Queue("alerts"))
	return err
}

// EnqueueIntentSweep schedules one expiry sweep pass. The worker runs these
// periodically; a unique key collapses overlapping schedules.
func (c *Client) EnqueueIntentSweep(ctx context.Context) error {
	if c == nil || c.Asynq == nil {
		return errors.New("tasks: client not configured")
	}
	_, err := c.Asynq.EnqueueContext(ctx, asynq.NewTask(TypeIntentSweep, nil),
		asynq.Unique(time.Minute), asynq.Queue("maintenance"))
	return err
}
