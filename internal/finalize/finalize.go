package finalize

import (
	"context"

	"github.com/nimbleshop/commerce-core/internal/order"
	"github.com/nimbleshop/commerce-core/internal/store"
)

// Store is the order-side persistence the finalizer needs. The
// CreateOrderWithPayment implementation must be atomic and must surface
// order.ErrDuplicatePurchase when the purchase id is already recorded.
type Store interface {
	OrderByID(ctx context.Context, id string) (order.Order, error)
	OrderByPurchaseID(ctx context.Context, purchaseID string) (order.Order, error)
	OrderItems(ctx context.Context, orderID string) ([]order.Item, error)
	PaymentByPurchaseID(ctx context.Context, purchaseID string) (order.Payment, error)
	CreateOrderWithPayment(ctx context.Context, o order.Order, items []order.Item, p order.Payment) (order.Order, order.Payment, error)
	MarkPaymentFailed(ctx context.Context, purchaseID, reason string) (order.Payment, error)
}

// EventLog durably records every gateway notification before and after
// processing, whatever the outcome.
type EventLog interface {
	Append(ctx context.Context, rec store.EventRecord) error
}

// Alerter notifies operators about processing faults that need human eyes,
// typically by enqueueing a background task.
type Alerter interface {
	ProcessingFailed(ctx context.Context, purchaseID, reason string) error
}

// Event is a verified, normalised gateway notification.
type Event struct {
	PurchaseID string
	// CartID is the merchant reference the purchase was opened with.
	CartID  string
	Status  string
	Amount  int64
	Payload []byte
}

// Outcome reports what a notification resolved to. Duplicate means the
// purchase was already finalized and the stored result is returned; Ignored
// means the event could not be tied to an awaiting intent and was dropped
// after logging.
type Outcome struct {
	Duplicate bool          `json:"duplicate"`
	Ignored   bool          `json:"ignored"`
	Reason    string        `json:"reason,omitempty"`
	Order     order.Order   `json:"order,omitzero"`
	Payment   order.Payment `json:"payment,omitzero"`
}

// Event log statuses.
const (
	logReceived  = "received"
	logProcessed = "processed"
	logDuplicate = "duplicate"
	logIgnored   = "ignored"
	logFailed    = "failed"
)
