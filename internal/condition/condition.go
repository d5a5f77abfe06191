package condition

import (
	"errors"
	"fmt"

	"github.com/nimbleshop/commerce-core/internal/money"
)

var (
	// ErrNotApplicable signals a dynamic condition whose rule evaluated
	// false. The condition is excluded from totals entirely, which is
	// distinct from contributing a zero delta.
	ErrNotApplicable = errors.New("condition: not applicable")
	// ErrBadValue is returned when a value expression cannot be parsed.
	// This is a configuration error and is never coerced to zero.
	ErrBadValue = errors.New("condition: invalid value expression")
	// ErrOperatorMismatch is returned when a declared operator disagrees
	// with the syntax of the value expression.
	ErrOperatorMismatch = errors.New("condition: operator does not match value syntax")
)

// Kind classifies what a condition represents.
type Kind string

const (
	KindDiscount Kind = "discount"
	KindTax      Kind = "tax"
	KindFee      Kind = "fee"
	KindShipping Kind = "shipping"
)

// Target selects the base a condition applies to. Item conditions adjust a
// single line; subtotal conditions always base on the original cart
// subtotal; total conditions base on the running total.
type Target string

const (
	TargetItem     Target = "item"
	TargetSubtotal Target = "subtotal"
	TargetTotal    Target = "total"
)

// Operator is the arithmetic effect encoded in a value expression.
type Operator string

const (
	OpAdd      Operator = "+"
	OpSubtract Operator = "-"
	OpMultiply Operator = "*"
	OpDivide   Operator = "/"
	OpPercent  Operator = "%"
)

// State is the cart-shaped input a rule predicate sees.
type State struct {
	Subtotal  money.Money
	ItemCount int
}

// Rule gates a dynamic condition. When Evaluate returns false the condition
// is omitted from pricing for that computation.
type Rule interface {
	Evaluate(state State) bool
}

// MinTotal requires the cart subtotal to reach a threshold in minor units.
type MinTotal struct {
	Amount int64
}

// Evaluate implements Rule.
func (r MinTotal) Evaluate(state State) bool {
	return state.Subtotal.Amount >= r.Amount
}

// MinItems requires a minimum number of cart items.
type MinItems struct {
	Count int
}

// Evaluate implements Rule.
func (r MinItems) Evaluate(state State) bool {
	return state.ItemCount >= r.Count
}

// RuleFunc adapts a plain function into a Rule.
type RuleFunc func(state State) bool

// Evaluate implements Rule.
func (f RuleFunc) Evaluate(state State) bool {
	return f(state)
}

// Condition is a named, typed pricing rule. Value holds the raw expression
// (e.g. "-10%", "+500", "6%"); its syntax determines percentage vs fixed and
// charge vs discount as documented on Parse.
type Condition struct {
	Name           string   `json:"name"`
	Kind           Kind     `json:"kind"`
	Target         Target   `json:"target"`
	Value          string   `json:"value"`
	Operator       Operator `json:"operator,omitempty"`
	Priority       int      `json:"priority"`
	Stackable      bool     `json:"stackable"`
	ExclusionGroup string   `json:"exclusionGroup,omitempty"`
	Rule           Rule     `json:"-"`
}

// Dynamic reports whether the condition carries a rule predicate.
func (c Condition) Dynamic() bool {
	return c.Rule != nil
}

// Applicable evaluates the rule predicate, if any, against cart state.
func (c Condition) Applicable(state State) bool {
	if c.Rule == nil {
		return true
	}
	return c.Rule.Evaluate(state)
}

// Apply computes the signed delta this condition contributes on top of the
// provided base. Dynamic conditions whose rule evaluates false return
// ErrNotApplicable before any arithmetic happens.
func (c Condition) Apply(base money.Money, state State) (money.Money, error) {
	if !c.Applicable(state) {
		return money.Money{}, ErrNotApplicable
	}
	v, err := c.parsed()
	if err != nil {
		return money.Money{}, err
	}
	return v.delta(base), nil
}

// IsDiscount reports whether the condition reduces the base. Derived from
// the value syntax, falling back to the condition kind for unsigned values.
func (c Condition) IsDiscount() bool {
	v, err := c.parsed()
	if err != nil {
		return c.Kind == KindDiscount
	}
	return v.IsDiscount
}

// IsCharge is the complement of IsDiscount: exactly one of the two holds
// for any parseable condition.
func (c Condition) IsCharge() bool {
	return !c.IsDiscount()
}

// Validate parses the value expression and checks operator agreement,
// surfacing configuration errors ahead of any pricing run.
func (c Condition) Validate() error {
	v, err := Parse(c.Value, c.Kind)
	if err != nil {
		return fmt.Errorf("condition %q: %w", c.Name, err)
	}
	if c.Operator != "" && c.Operator != v.Operator {
		return fmt.Errorf("condition %q: declared %q, value implies %q: %w", c.Name, c.Operator, v.Operator, ErrOperatorMismatch)
	}
	return nil
}

func (c Condition) parsed() (Value, error) {
	v, err := Parse(c.Value, c.Kind)
	if err != nil {
		return Value{}, fmt.Errorf("condition %q: %w", c.Name, err)
	}
	if c.Operator != "" && c.Operator != v.Operator {
		return Value{}, fmt.Errorf("condition %q: declared %q, value implies %q: %w", c.Name, c.Operator, v.Operator, ErrOperatorMismatch)
	}
	return v, nil
}
