// Package money provides precise decimal handling for wallet amounts.
// Ledger balances are stored as int64 minor units; this package converts
// between that representation and the decimal strings used on the wire.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents ISO 4217 currency codes
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	NGN Currency = "NGN"
	KES Currency = "KES"
	JPY Currency = "JPY"
)

// minorExponent is the number of decimal places of the minor unit.
var minorExponent = map[Currency]int32{
	USD: 2,
	EUR: 2,
	GBP: 2,
	NGN: 2,
	KES: 2,
	JPY: 0,
}

var (
	ErrNegativeAmount      = errors.New("amount cannot be negative")
	ErrInvalidAmount       = errors.New("invalid amount format")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrPrecision           = errors.New("amount has more decimal places than the currency allows")
	ErrOverflow            = errors.New("amount out of range")
)

// ParseCurrency validates a currency code
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := minorExponent[c]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// Exponent returns the number of decimal places of the currency's minor unit
func (c Currency) Exponent() int32 {
	return minorExponent[c]
}

// Amount represents a non-negative monetary value in a single currency.
type Amount struct {
	value    decimal.Decimal
	currency Currency
}

// Parse creates an Amount from its decimal string representation ("50.00")
func Parse(value string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if d.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	if _, ok := minorExponent[currency]; !ok {
		return Amount{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	if !d.Equal(d.Round(currency.Exponent())) {
		return Amount{}, fmt.Errorf("%w: %s", ErrPrecision, value)
	}
	return Amount{value: d, currency: currency}, nil
}

// FromMinor creates Amount from the smallest currency unit
func FromMinor(minor int64, currency Currency) Amount {
	d := decimal.New(minor, -currency.Exponent())
	return Amount{value: d, currency: currency}
}

// Minor returns the amount in the smallest currency unit
func (a Amount) Minor() (int64, error) {
	scaled := a.value.Shift(a.currency.Exponent())
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrPrecision
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, ErrOverflow
	}
	return scaled.IntPart(), nil
}

// Currency returns the currency
func (a Amount) Currency() Currency {
	return a.currency
}

// IsPositive returns true if amount > 0
func (a Amount) IsPositive() bool {
	return a.value.IsPositive()
}

// String returns formatted string representation
func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.StringValue(), a.currency)
}

// StringValue returns just the numeric value as string
func (a Amount) StringValue() string {
	return a.value.StringFixed(a.currency.Exponent())
}

// MarshalJSON implements json.Marshaler
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value    string   `json:"value"`
		Currency Currency `json:"currency"`
	}{
		Value:    a.StringValue(),
		Currency: a.currency,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Amount) UnmarshalJSON(data []byte) error {
	var v struct {
		Value    string   `json:"value"`
		Currency Currency `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	amount, err := Parse(v.Value, v.Currency)
	if err != nil {
		return err
	}
	*a = amount
	return nil
}
