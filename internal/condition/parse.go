package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nimbleshop/commerce-core/internal/money"
)

// Value is the parsed form of a condition value expression.
type Value struct {
	Operator     Operator
	IsPercentage bool
	IsDiscount   bool
	// Bps holds the rate in basis points when IsPercentage is set.
	Bps int64
	// Fixed holds the amount in minor units for fixed-value conditions.
	Fixed int64
	// Factor holds the scale numerator (denominator 10000) for the
	// multiplicative operators.
	Factor int64
}

const factorScale = 10_000

// Parse interprets a condition value expression.
//
//	"-10%"  ten percent discount
//	"+10%"  ten percent charge
//	"6%"    six percent, charge/discount decided by the condition kind
//	"+500"  fixed 500 minor-unit charge
//	"-5"    fixed 5 minor-unit discount
//	"*1.25" multiply the base by 1.25
//	"/2"    divide the base by 2
//
// An unsigned value defaults to discount when kind is discount, charge
// otherwise. A parse failure is a configuration error.
func Parse(raw string, kind Kind) (Value, error) {
	expr := strings.TrimSpace(raw)
	if expr == "" {
		return Value{}, fmt.Errorf("%w: empty value", ErrBadValue)
	}

	switch expr[0] {
	case '*', '/':
		op := OpMultiply
		if expr[0] == '/' {
			op = OpDivide
		}
		factor, err := parseScaled(expr[1:], 4)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q", ErrBadValue, raw)
		}
		if factor <= 0 {
			return Value{}, fmt.Errorf("%w: %q: factor must be positive", ErrBadValue, raw)
		}
		v := Value{Operator: op, Factor: factor}
		// A multiplier below one (or divisor above one) shrinks the base.
		if op == OpMultiply {
			v.IsDiscount = factor < factorScale
		} else {
			v.IsDiscount = factor > factorScale
		}
		return v, nil
	}

	discount := kind == KindDiscount
	switch expr[0] {
	case '+':
		discount = false
		expr = expr[1:]
	case '-':
		discount = true
		expr = expr[1:]
	}

	if strings.HasSuffix(expr, "%") {
		bps, err := parseScaled(strings.TrimSuffix(expr, "%"), 2)
		if err != nil || bps < 0 {
			return Value{}, fmt.Errorf("%w: %q", ErrBadValue, raw)
		}
		return Value{Operator: OpPercent, IsPercentage: true, IsDiscount: discount, Bps: bps}, nil
	}

	fixed, err := strconv.ParseInt(expr, 10, 64)
	if err != nil || fixed < 0 {
		return Value{}, fmt.Errorf("%w: %q", ErrBadValue, raw)
	}
	op := OpAdd
	if discount {
		op = OpSubtract
	}
	return Value{Operator: op, IsDiscount: discount, Fixed: fixed}, nil
}

// delta computes the signed contribution of the value on top of base.
// Rounding happens half-up exactly once per condition.
func (v Value) delta(base money.Money) money.Money {
	switch v.Operator {
	case OpMultiply:
		scaled := base.MulRatio(v.Factor, factorScale)
		d, _ := scaled.Sub(base)
		return d
	case OpDivide:
		scaled := base.MulRatio(factorScale, v.Factor)
		d, _ := scaled.Sub(base)
		return d
	case OpPercent:
		d := base.Percent(v.Bps)
		if v.IsDiscount {
			return d.Neg()
		}
		return d
	default:
		d := money.Money{Amount: v.Fixed, Currency: base.Currency}
		if v.IsDiscount {
			return d.Neg()
		}
		return d
	}
}

// parseScaled parses a non-negative decimal with at most maxFrac fractional
// digits into an integer scaled by 10^maxFrac.
func parseScaled(raw string, maxFrac int) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	whole := s
	frac := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole, frac = s[:idx], s[idx+1:]
		if len(frac) == 0 || len(frac) > maxFrac {
			return 0, fmt.Errorf("unsupported precision in %q", raw)
		}
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	scale := int64(1)
	for i := 0; i < maxFrac; i++ {
		scale *= 10
	}
	result := w * scale
	if frac != "" {
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, err
		}
		pad := maxFrac - len(frac)
		for i := 0; i < pad; i++ {
			f *= 10
		}
		result += f
	}
	return result, nil
}
