package pricing_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/condition"
	"github.com/nimbleshop/commerce-core/internal/money"
	"github.com/nimbleshop/commerce-core/internal/pricing"
)

func usd(amount int64) money.Money {
	return money.MustNew(amount, "USD")
}

func testCart(items ...cart.Item) cart.Cart {
	return cart.Cart{ID: "c1", Instance: "default", Currency: "USD", Items: items, Version: 1}
}

func TestComputeWorkedExample(t *testing.T) {
	// One item at 1000 minor units, qty 2, a -10% promo on the subtotal and
	// a +500 shipping charge on the running total.
	c := testCart(cart.Item{ID: "sku-1", Name: "Widget", UnitPrice: usd(1000), Qty: 2})
	c.Conditions = []condition.Condition{
		{Name: "promo", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-10%", Priority: 1},
		{Name: "ship", Kind: condition.KindShipping, Target: condition.TargetTotal, Value: "+500", Priority: 2},
	}
	snap, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := snap.Totals.Subtotal.Amount; got != 2000 {
		t.Fatalf("subtotal = %d, want 2000", got)
	}
	if got := snap.Totals.DiscountTotal.Amount; got != -200 {
		t.Fatalf("discount total = %d, want -200", got)
	}
	if got := snap.Totals.ShippingTotal.Amount; got != 500 {
		t.Fatalf("shipping total = %d, want 500", got)
	}
	if got := snap.Totals.Total.Amount; got != 2300 {
		t.Fatalf("total = %d, want 2300", got)
	}
	if got := snap.Totals.Savings.Amount; got != 200 {
		t.Fatalf("savings = %d, want 200", got)
	}
	if len(snap.Conditions) != 2 {
		t.Fatalf("expected 2 applied conditions, got %d", len(snap.Conditions))
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	c := testCart(
		cart.Item{ID: "a", Name: "A", UnitPrice: usd(333), Qty: 3},
		cart.Item{ID: "b", Name: "B", UnitPrice: usd(125), Qty: 1},
	)
	c.Conditions = []condition.Condition{
		{Name: "vat", Kind: condition.KindTax, Target: condition.TargetSubtotal, Value: "7.5%", Priority: 5},
		{Name: "promo", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-5%", Priority: 1},
	}
	engine := pricing.NewEngine(pricing.Config{Currency: "USD"})
	first, err := engine.Compute(c)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	second, err := engine.Compute(c)
	if err != nil {
		t.Fatalf("compute again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshots differ:\n%+v\n%+v", first, second)
	}
}

func TestSubtotalBaseUnaffectedByEarlierTotalCondition(t *testing.T) {
	// Shipping applies first (priority 1) on the running total; the tax on
	// the subtotal must still be computed from the pre-condition subtotal.
	c := testCart(cart.Item{ID: "a", Name: "A", UnitPrice: usd(10_000), Qty: 1})
	c.Conditions = []condition.Condition{
		{Name: "ship", Kind: condition.KindShipping, Target: condition.TargetTotal, Value: "+900", Priority: 1},
		{Name: "vat", Kind: condition.KindTax, Target: condition.TargetSubtotal, Value: "6%", Priority: 2},
	}
	snap, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// 6% of 10000, not of 10900.
	if got := snap.Totals.TaxTotal.Amount; got != 600 {
		t.Fatalf("tax = %d, want 600", got)
	}
	if got := snap.Totals.Total.Amount; got != 11_500 {
		t.Fatalf("total = %d, want 11500", got)
	}
}

func TestTotalTargetCompounds(t *testing.T) {
	c := testCart(cart.Item{ID: "a", Name: "A", UnitPrice: usd(1000), Qty: 1})
	c.Conditions = []condition.Condition{
		{Name: "fee1", Kind: condition.KindFee, Target: condition.TargetTotal, Value: "+10%", Priority: 1},
		{Name: "fee2", Kind: condition.KindFee, Target: condition.TargetTotal, Value: "+10%", Priority: 2},
	}
	snap, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// Second fee compounds on 1100.
	if got := snap.Totals.Total.Amount; got != 1210 {
		t.Fatalf("total = %d, want 1210", got)
	}
}

func TestExclusionGroupLowestPriorityWins(t *testing.T) {
	c := testCart(cart.Item{ID: "a", Name: "A", UnitPrice: usd(1000), Qty: 1})
	c.Conditions = []condition.Condition{
		{Name: "deal-b", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-20%", Priority: 2, Stackable: true, ExclusionGroup: "deals"},
		{Name: "deal-a", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-10%", Priority: 1, Stackable: true, ExclusionGroup: "deals"},
	}
	snap, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(snap.Conditions) != 1 || snap.Conditions[0].Name != "deal-a" {
		t.Fatalf("expected only deal-a to apply, got %+v", snap.Conditions)
	}
	if got := snap.Totals.Total.Amount; got != 900 {
		t.Fatalf("total = %d, want 900", got)
	}
}

func TestNonStackableDiscountExcludesOthers(t *testing.T) {
	c := testCart(cart.Item{ID: "a", Name: "A", UnitPrice: usd(1000), Qty: 1})
	c.Conditions = []condition.Condition{
		{Name: "solo", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-10%", Priority: 1},
		{Name: "extra", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-5%", Priority: 2, Stackable: true},
		{Name: "vat", Kind: condition.KindTax, Target: condition.TargetSubtotal, Value: "6%", Priority: 3},
	}
	snap, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	names := make([]string, 0, len(snap.Conditions))
	for _, ac := range snap.Conditions {
		names = append(names, ac.Name)
	}
	if !reflect.DeepEqual(names, []string{"solo", "vat"}) {
		t.Fatalf("expected [solo vat], got %v", names)
	}
}

func TestGroupLoserDoesNotSuppressGroupWinner(t *testing.T) {
	c := testCart(cart.Item{ID: "a", Name: "A", UnitPrice: usd(1000), Qty: 1})
	// The non-stackable -20% loses its exclusion group to the stackable -10%.
	// Losing the group removes it entirely; it must not drag the winner down
	// with it via the non-stackable rule.
	c.Conditions = []condition.Condition{
		{Name: "loser", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-20%", Priority: 2, ExclusionGroup: "deals"},
		{Name: "winner", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-10%", Priority: 1, Stackable: true, ExclusionGroup: "deals"},
	}
	snap, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(snap.Conditions) != 1 || snap.Conditions[0].Name != "winner" {
		t.Fatalf("expected only winner to apply, got %+v", snap.Conditions)
	}
	if got := snap.Totals.Total.Amount; got != 900 {
		t.Fatalf("total = %d, want 900", got)
	}
}

func TestDynamicConditionOmittedNotZeroed(t *testing.T) {
	c := testCart(cart.Item{ID: "a", Name: "A", UnitPrice: usd(1000), Qty: 1})
	c.Conditions = []condition.Condition{
		{Name: "bulk", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-10%", Priority: 1, Rule: condition.MinTotal{Amount: 5000}},
	}
	snap, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(snap.Conditions) != 0 {
		t.Fatalf("expected no applied conditions, got %+v", snap.Conditions)
	}
	if got := snap.Totals.Total.Amount; got != 1000 {
		t.Fatalf("total = %d, want 1000", got)
	}
}

func TestItemConditionsApplyInPriorityOrder(t *testing.T) {
	item := cart.Item{
		ID: "a", Name: "A", UnitPrice: usd(1000), Qty: 2,
		Conditions: []condition.Condition{
			{Name: "markup", Kind: condition.KindFee, Target: condition.TargetItem, Value: "+10%", Priority: 2},
			{Name: "sale", Kind: condition.KindDiscount, Target: condition.TargetItem, Value: "-500", Priority: 1},
		},
	}
	snap, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(testCart(item))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// (2000 - 500) then +10% of 1500.
	if got := snap.Items[0].LineTotal.Amount; got != 1650 {
		t.Fatalf("line total = %d, want 1650", got)
	}
	if got := snap.Totals.Subtotal.Amount; got != 1650 {
		t.Fatalf("subtotal = %d, want 1650", got)
	}
	if got := snap.Totals.SubtotalWithoutConditions.Amount; got != 2000 {
		t.Fatalf("subtotal without conditions = %d, want 2000", got)
	}
}

func TestNegativeTotalIsHardErrorWithoutFloor(t *testing.T) {
	c := testCart(cart.Item{ID: "a", Name: "A", UnitPrice: usd(100), Qty: 1})
	c.Conditions = []condition.Condition{
		{Name: "too-big", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "-500", Priority: 1},
	}
	if _, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c); !errors.Is(err, pricing.ErrNegativeTotal) {
		t.Fatalf("expected ErrNegativeTotal, got %v", err)
	}
	snap, err := pricing.NewEngine(pricing.Config{Currency: "USD", FloorAtZero: true}).Compute(c)
	if err != nil {
		t.Fatalf("compute with floor: %v", err)
	}
	if got := snap.Totals.Total.Amount; got != 0 {
		t.Fatalf("floored total = %d, want 0", got)
	}
}

func TestMalformedConditionSurfacesError(t *testing.T) {
	c := testCart(cart.Item{ID: "a", Name: "A", UnitPrice: usd(100), Qty: 1})
	c.Conditions = []condition.Condition{
		{Name: "broken", Kind: condition.KindDiscount, Target: condition.TargetSubtotal, Value: "ten percent", Priority: 1},
	}
	if _, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c); !errors.Is(err, condition.ErrBadValue) {
		t.Fatalf("expected ErrBadValue, got %v", err)
	}
}

func TestCurrencyMismatchSurfacesError(t *testing.T) {
	c := testCart(cart.Item{ID: "a", Name: "A", UnitPrice: money.MustNew(100, "EUR"), Qty: 1})
	if _, err := pricing.NewEngine(pricing.Config{Currency: "USD"}).Compute(c); !errors.Is(err, money.ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}
