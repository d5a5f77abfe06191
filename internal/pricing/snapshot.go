package pricing

import (
	"github.com/nimbleshop/commerce-core/internal/condition"
	"github.com/nimbleshop/commerce-core/internal/money"
)

// LineItem is the frozen form of a cart line inside a snapshot.
type LineItem struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	UnitPrice money.Money `json:"unitPrice"`
	Qty       int         `json:"qty"`
	LineTotal money.Money `json:"lineTotal"`
}

// AppliedCondition records a cart-level condition that contributed to the
// total, with the delta it computed. Conditions excluded by their rule or by
// stacking resolution do not appear here at all.
type AppliedCondition struct {
	Name   string           `json:"name"`
	Kind   condition.Kind   `json:"kind"`
	Target condition.Target `json:"target"`
	Amount money.Money      `json:"amount"`
}

// Totals aggregates the monetary components of a snapshot.
type Totals struct {
	Subtotal                  money.Money `json:"subtotal"`
	SubtotalWithoutConditions money.Money `json:"subtotalWithoutConditions"`
	DiscountTotal             money.Money `json:"discountTotal"`
	TaxTotal                  money.Money `json:"taxTotal"`
	ShippingTotal             money.Money `json:"shippingTotal"`
	Total                     money.Money `json:"total"`
	Savings                   money.Money `json:"savings"`
}

// Snapshot is an immutable, fully-materialized pricing breakdown taken at a
// point in time. It is a value copied out of the live cart, never a view
// over it: later cart mutations cannot change an existing snapshot.
type Snapshot struct {
	Items       []LineItem         `json:"items"`
	Conditions  []AppliedCondition `json:"conditions"`
	Totals      Totals             `json:"totals"`
	Currency    string             `json:"currency"`
	CartVersion int64              `json:"cartVersion"`
}
