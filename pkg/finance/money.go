package finance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money represents a monetary value in a specific currency.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Scale       int    `json:"scale"` // e.g. 2 for USD, 6 for USDC
}

var ErrInvalidAmount = errors.New("finance: invalid amount")

// scales lists the minor-unit exponent for the currencies we settle in.
var scales = map[string]int{
	"USD":  2,
	"EUR":  2,
	"USDC": 6,
	"USDT": 6,
	"BTC":  8,
	"ETH":  18,
}

// ScaleOf returns the minor-unit exponent for currency. Unknown currencies default to 2.
func ScaleOf(currency string) int {
	if s, ok := scales[strings.ToUpper(currency)]; ok {
		return s
	}
	return 2
}

// NewMoney creates a new Money instance.
func NewMoney(amount int64, currency string) Money {
	return Money{
		AmountMinor: amount,
		Currency:    currency,
		Scale:       ScaleOf(currency),
	}
}

// ParseAmount converts a decimal string such as "0.01" into minor units of currency.
// More fractional digits than the currency scale is an error, never a silent rounding.
func ParseAmount(s, currency string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	scale := ScaleOf(currency)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > scale {
		return Money{}, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, scale)
	}
	frac += strings.Repeat("0", scale-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || f < 0 {
			return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	unit := pow10(scale)
	if unit == 0 || w > (math.MaxInt64-f)/unit {
		return Money{}, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, s)
	}
	amount := w*unit + f
	if neg {
		amount = -amount
	}
	return Money{AmountMinor: amount, Currency: currency, Scale: scale}, nil
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		if v > math.MaxInt64/10 {
			return 0
		}
		v *= 10
	}
	return v
}

// String renders the amount as a decimal, e.g. "0.010000 USDC".
func (m Money) String() string {
	return m.Decimal() + " " + m.Currency
}

// Decimal renders only the numeric part.
func (m Money) Decimal() string {
	amt := m.AmountMinor
	sign := ""
	if amt < 0 {
		sign = "-"
		amt = -amt
	}
	if m.Scale <= 0 {
		return sign + strconv.FormatInt(amt, 10)
	}
	digits := strconv.FormatInt(amt, 10)
	if len(digits) <= m.Scale {
		digits = strings.Repeat("0", m.Scale-len(digits)+1) + digits
	}
	cut := len(digits) - m.Scale
	return sign + digits[:cut] + "." + digits[cut:]
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if err := m.compatible(other); err != nil {
		return Money{}, err
	}
	if (other.AmountMinor > 0 && m.AmountMinor > math.MaxInt64-other.AmountMinor) ||
		(other.AmountMinor < 0 && m.AmountMinor < math.MinInt64-other.AmountMinor) {
		return Money{}, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// Sub subtracts other Money from m. Returns error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.compatible(other); err != nil {
		return Money{}, err
	}
	return m.Add(Money{AmountMinor: -other.AmountMinor, Currency: other.Currency, Scale: other.Scale})
}

// Equal reports whether both amounts denote the same value in the same currency.
func (m Money) Equal(other Money) bool {
	return m.compatible(other) == nil && m.AmountMinor == other.AmountMinor
}

func (m Money) compatible(other Money) error {
	if !strings.EqualFold(m.Currency, other.Currency) {
		return fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	return nil
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is < 0.
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}
