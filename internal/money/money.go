package money

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCurrencyMismatch is returned when two values with different currencies
// are combined.
var ErrCurrencyMismatch = errors.New("money: currency mismatch")

// ErrInvalidCurrency is returned when a currency code is not a 3-letter code.
var ErrInvalidCurrency = errors.New("money: invalid currency code")

// Money is a fixed-point monetary value: an amount in minor units plus an
// ISO-4217 currency code. The zero value is "0 units of no currency" and is
// only useful as an error return.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// New constructs a Money value after validating the currency code.
func New(amount int64, currency string) (Money, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if len(code) != 3 {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	return Money{Amount: amount, Currency: code}, nil
}

// MustNew is New but panics on invalid input. Intended for tests and
// compile-time constants.
func MustNew(amount int64, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Add returns m + other. Both operands must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

// Sub returns m - other. Both operands must share a currency.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

// MulInt returns m scaled by an integer factor. No rounding is involved.
func (m Money) MulInt(factor int64) Money {
	return Money{Amount: m.Amount * factor, Currency: m.Currency}
}

// Percent applies a rate expressed in basis points (1% == 100 bps) to the
// amount, rounding half-up exactly once at the end of the computation.
func (m Money) Percent(bps int64) Money {
	return Money{Amount: roundHalfUpDiv(m.Amount*bps, 10_000), Currency: m.Currency}
}

// MulRatio returns m * num/den rounded half-up once. den must be non-zero.
func (m Money) MulRatio(num, den int64) Money {
	return Money{Amount: roundHalfUpDiv(m.Amount*num, den), Currency: m.Currency}
}

// Neg returns the value with the amount sign flipped.
func (m Money) Neg() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool {
	return m.Amount < 0
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// String renders the value as "<amount> <currency>" in minor units.
func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}

// roundHalfUpDiv divides num by den rounding half-up: .5 moves away from
// zero for positive quotients and towards zero-plus for negative ones, i.e.
// -2.5 rounds to -2 and 2.5 rounds to 3, matching the single documented
// rounding rule used across pricing.
func roundHalfUpDiv(num, den int64) int64 {
	if den < 0 {
		num, den = -num, -den
	}
	if num >= 0 {
		return (num + den/2) / den
	}
	// For negative numerators half-up means rounding .5 towards positive
	// infinity: -2.5 -> -2.
	return -((-num + den/2 - 1) / den)
}
