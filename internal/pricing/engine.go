package pricing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/condition"
	"github.com/nimbleshop/commerce-core/internal/money"
)

var (
	// ErrNegativeTotal is returned when applied conditions would push the
	// total below zero and no floor policy is configured.
	ErrNegativeTotal = errors.New("pricing: total would be negative")
	// ErrInvalidTarget is returned for a cart-level condition targeting
	// items, or vice versa. A configuration bug, never retried.
	ErrInvalidTarget = errors.New("pricing: condition target not valid for scope")
)

// Config carries the engine defaults. It is passed explicitly so the engine
// stays testable in isolation; nothing is read from ambient globals.
type Config struct {
	// Currency is used when a cart does not declare one.
	Currency string
	// FloorAtZero clamps a negative total to zero instead of failing.
	FloorAtZero bool
}

// Engine orders and applies item-level and cart-level conditions to produce
// a deterministic pricing snapshot.
type Engine struct {
	cfg Config
}

// NewEngine constructs an engine with the provided configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Compute prices the cart as it stands right now. It is a pure function of
// the cart state: calling it twice on the same state yields identical
// snapshots, and no memoization can serve stale results after a mutation.
//
// Malformed condition values, currency mismatches and negative totals are
// caller/configuration bugs and surface synchronously.
func (e *Engine) Compute(c cart.Cart) (Snapshot, error) {
	currency := c.Currency
	if currency == "" {
		currency = e.cfg.Currency
	}
	if currency == "" {
		return Snapshot{}, errors.New("pricing: no currency configured")
	}

	zero := money.Money{Amount: 0, Currency: currency}
	rawSubtotal := zero
	for _, it := range c.Items {
		if it.UnitPrice.Currency != currency {
			return Snapshot{}, fmt.Errorf("pricing: item %s: %w", it.ID, money.ErrCurrencyMismatch)
		}
		rawSubtotal.Amount += it.UnitPrice.Amount * int64(it.Qty)
	}
	state := condition.State{Subtotal: rawSubtotal, ItemCount: c.ItemCount()}

	items := make([]LineItem, 0, len(c.Items))
	subtotal := zero
	for _, it := range c.Items {
		line, err := e.computeLine(it, state, currency)
		if err != nil {
			return Snapshot{}, err
		}
		items = append(items, line)
		subtotal.Amount += line.LineTotal.Amount
	}

	applicable, err := resolveStacking(c.Conditions, state)
	if err != nil {
		return Snapshot{}, err
	}

	applied := make([]AppliedCondition, 0, len(applicable))
	totals := Totals{
		Subtotal:                  subtotal,
		SubtotalWithoutConditions: rawSubtotal,
		DiscountTotal:             zero,
		TaxTotal:                  zero,
		ShippingTotal:             zero,
	}
	running := subtotal
	for _, cond := range applicable {
		var base money.Money
		switch cond.Target {
		case condition.TargetSubtotal:
			// Subtotal-targeted conditions always base on the original
			// subtotal, unaffected by cart-level conditions applied
			// earlier in priority order.
			base = subtotal
		case condition.TargetTotal:
			base = running
		default:
			return Snapshot{}, fmt.Errorf("pricing: condition %q targets %q: %w", cond.Name, cond.Target, ErrInvalidTarget)
		}
		delta, err := cond.Apply(base, state)
		if err != nil {
			if errors.Is(err, condition.ErrNotApplicable) {
				continue
			}
			return Snapshot{}, err
		}
		running, err = running.Add(delta)
		if err != nil {
			return Snapshot{}, fmt.Errorf("pricing: condition %q: %w", cond.Name, err)
		}
		applied = append(applied, AppliedCondition{
			Name:   cond.Name,
			Kind:   cond.Kind,
			Target: cond.Target,
			Amount: delta,
		})
		switch cond.Kind {
		case condition.KindDiscount:
			totals.DiscountTotal.Amount += delta.Amount
		case condition.KindTax:
			totals.TaxTotal.Amount += delta.Amount
		case condition.KindShipping:
			totals.ShippingTotal.Amount += delta.Amount
		}
	}

	if running.IsNegative() {
		if !e.cfg.FloorAtZero {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNegativeTotal, running)
		}
		running = zero
	}
	totals.Total = running
	totals.Savings = zero
	if running.Amount < subtotal.Amount {
		totals.Savings.Amount = subtotal.Amount - running.Amount
	}

	return Snapshot{
		Items:       items,
		Conditions:  applied,
		Totals:      totals,
		Currency:    currency,
		CartVersion: c.Version,
	}, nil
}

func (e *Engine) computeLine(it cart.Item, state condition.State, currency string) (LineItem, error) {
	base := it.UnitPrice.MulInt(int64(it.Qty))
	line := base
	conds := sortedByPriority(it.Conditions)
	for _, cond := range conds {
		if cond.Target != condition.TargetItem && cond.Target != "" {
			return LineItem{}, fmt.Errorf("pricing: item condition %q targets %q: %w", cond.Name, cond.Target, ErrInvalidTarget)
		}
		delta, err := cond.Apply(line, state)
		if err != nil {
			if errors.Is(err, condition.ErrNotApplicable) {
				continue
			}
			return LineItem{}, err
		}
		line, err = line.Add(delta)
		if err != nil {
			return LineItem{}, fmt.Errorf("pricing: item %s condition %q: %w", it.ID, cond.Name, err)
		}
	}
	if line.IsNegative() {
		if !e.cfg.FloorAtZero {
			return LineItem{}, fmt.Errorf("pricing: item %s: %w", it.ID, ErrNegativeTotal)
		}
		line = money.Money{Amount: 0, Currency: currency}
	}
	return LineItem{
		ID:        it.ID,
		Name:      it.Name,
		UnitPrice: it.UnitPrice,
		Qty:       it.Qty,
		LineTotal: line,
	}, nil
}

// resolveStacking filters cart-level conditions for mutual exclusivity
// before application:
//
//   - conditions whose rule evaluates false are dropped (not zeroed);
//   - at most one condition per exclusion group may apply, the one with the
//     lowest priority value winning;
//   - when any non-stackable discount is active only a single discount
//     survives: the lowest-priority non-stackable one.
//
// The survivors come back in ascending priority order, insertion order
// breaking ties, so application is deterministic.
func resolveStacking(conds []condition.Condition, state condition.State) ([]condition.Condition, error) {
	ordered := sortedByPriority(conds)

	active := ordered[:0:0]
	for _, cond := range ordered {
		if err := cond.Validate(); err != nil {
			return nil, err
		}
		if !cond.Applicable(state) {
			continue
		}
		active = append(active, cond)
	}

	groupWinner := make(map[string]int, len(active))
	for i, cond := range active {
		if cond.ExclusionGroup == "" {
			continue
		}
		if _, seen := groupWinner[cond.ExclusionGroup]; !seen {
			// Sorted ascending, so the first member wins its group.
			groupWinner[cond.ExclusionGroup] = i
		}
	}

	// Exclusion groups resolve before the non-stackable rule: a discount
	// that loses its group is gone entirely and must not suppress the
	// discounts that did survive.
	survivors := make([]condition.Condition, 0, len(active))
	for i, cond := range active {
		if cond.ExclusionGroup != "" && groupWinner[cond.ExclusionGroup] != i {
			continue
		}
		survivors = append(survivors, cond)
	}

	soleDiscount := -1
	for i, cond := range survivors {
		if cond.Kind == condition.KindDiscount && !cond.Stackable {
			soleDiscount = i
			break
		}
	}
	if soleDiscount < 0 {
		return survivors, nil
	}

	result := make([]condition.Condition, 0, len(survivors))
	for i, cond := range survivors {
		if cond.Kind == condition.KindDiscount && i != soleDiscount {
			continue
		}
		result = append(result, cond)
	}
	return result, nil
}

func sortedByPriority(conds []condition.Condition) []condition.Condition {
	out := append([]condition.Condition(nil), conds...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}
