package cart

import (
	"encoding/json"

	"github.com/nimbleshop/commerce-core/internal/condition"
	"github.com/nimbleshop/commerce-core/internal/money"
)

// Item is a single cart line. Item-level conditions adjust this line only.
type Item struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	UnitPrice  money.Money           `json:"unitPrice"`
	Qty        int                   `json:"qty"`
	Conditions []condition.Condition `json:"conditions,omitempty"`
}

// Cart is the mutable aggregate a shopper edits. It is the sole writable
// source of truth for current state; it is never the record of what was
// charged — that is the frozen pricing snapshot inside a payment intent.
type Cart struct {
	ID         string                     `json:"id"`
	Instance   string                     `json:"instance"`
	Currency   string                     `json:"currency"`
	Items      []Item                     `json:"items"`
	Conditions []condition.Condition      `json:"conditions,omitempty"`
	Version    int64                      `json:"version"`
	Metadata   map[string]json.RawMessage `json:"metadata,omitempty"`
}

// ItemCount returns the total quantity across all lines.
func (c Cart) ItemCount() int {
	count := 0
	for _, it := range c.Items {
		count += it.Qty
	}
	return count
}

// Empty reports whether the cart has no items.
func (c Cart) Empty() bool {
	return len(c.Items) == 0
}

// FindItem returns the index of the item with the given id, or -1.
func (c Cart) FindItem(itemID string) int {
	for i, it := range c.Items {
		if it.ID == itemID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can hand carts across goroutines
// without sharing slices or the metadata map.
func (c Cart) Clone() Cart {
	out := c
	out.Items = make([]Item, len(c.Items))
	for i, it := range c.Items {
		out.Items[i] = it
		out.Items[i].Conditions = append([]condition.Condition(nil), it.Conditions...)
	}
	out.Conditions = append([]condition.Condition(nil), c.Conditions...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]json.RawMessage, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}
