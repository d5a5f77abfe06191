package money

import (
	"errors"
	"testing"
)

func TestNewNormalisesCurrency(t *testing.T) {
	m, err := New(1500, " usd ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Currency != "USD" {
		t.Fatalf("expected USD, got %s", m.Currency)
	}
}

func TestNewRejectsBadCurrency(t *testing.T) {
	if _, err := New(10, "US"); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
}

func TestAddCurrencyMismatch(t *testing.T) {
	usd := MustNew(100, "USD")
	eur := MustNew(100, "EUR")
	if _, err := usd.Add(eur); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestPercentRoundsHalfUpOnce(t *testing.T) {
	cases := []struct {
		amount int64
		bps    int64
		want   int64
	}{
		{1000, 1000, 100},  // 10% of 1000
		{1005, 1000, 101},  // 100.5 rounds up
		{1004, 1000, 100},  // 100.4 rounds down
		{333, 333, 11},     // 11.0889 -> 11
		{1005, -1000, -100}, // -100.5 rounds towards +inf
		{999, 5, 0},
	}
	for _, tc := range cases {
		got := Money{Amount: tc.amount, Currency: "USD"}.Percent(tc.bps).Amount
		if got != tc.want {
			t.Fatalf("Percent(%d bps) of %d = %d, want %d", tc.bps, tc.amount, got, tc.want)
		}
	}
}

func TestMulRatio(t *testing.T) {
	m := MustNew(1000, "USD")
	if got := m.MulRatio(1, 3).Amount; got != 333 {
		t.Fatalf("1000/3 = %d, want 333", got)
	}
	if got := m.MulRatio(3, 2).Amount; got != 1500 {
		t.Fatalf("1000*3/2 = %d, want 1500", got)
	}
}
