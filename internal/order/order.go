package order

import (
	"errors"
	"time"

	"github.com/nimbleshop/commerce-core/internal/money"
)

var (
	// ErrNotFound indicates no order/payment exists for the given key.
	ErrNotFound = errors.New("order: not found")
	// ErrDuplicatePurchase signals that a payment row already exists for
	// the purchase id. The unique constraint on purchase_id is the sole
	// idempotency guard: callers treat this as "already processed,
	// re-fetch and return".
	ErrDuplicatePurchase = errors.New("order: purchase already recorded")
)

// Status enumerates order states.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

// PaymentStatus enumerates payment states. Paid and failed are terminal.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Customer is the customer data frozen into the intent at creation time.
type Customer struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email" validate:"required,email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Order is the immutable record materialized exactly once per purchase id.
type Order struct {
	ID            string      `json:"id"`
	CartID        string      `json:"cartId"`
	PurchaseID    string      `json:"purchaseId"`
	Status        Status      `json:"status"`
	Currency      string      `json:"currency"`
	Subtotal      money.Money `json:"subtotal"`
	DiscountTotal money.Money `json:"discountTotal"`
	TaxTotal      money.Money `json:"taxTotal"`
	ShippingTotal money.Money `json:"shippingTotal"`
	Total         money.Money `json:"total"`
	Customer      Customer    `json:"customer"`
	FailureReason string      `json:"failureReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Item is a frozen order line copied from the pricing snapshot.
type Item struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"orderId"`
	SKU       string      `json:"sku"`
	Name      string      `json:"name"`
	UnitPrice money.Money `json:"unitPrice"`
	Qty       int         `json:"qty"`
	LineTotal money.Money `json:"lineTotal"`
}

// Payment is keyed externally by PurchaseID, which carries a unique index.
type Payment struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"orderId"`
	PurchaseID    string        `json:"purchaseId"`
	Status        PaymentStatus `json:"status"`
	Amount        money.Money   `json:"amount"`
	FailureReason string        `json:"failureReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}
