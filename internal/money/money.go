// Package money centralizes fixed-point decimal handling.
//
// Every price, quantity and balance in the system is a decimal with six
// fractional digits. Intermediate math keeps full precision; values are
// quantized half-up at settlement boundaries.
package money

import (
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits for all monetary values.
const Scale = 6

// Quantize6 rounds half-up to six decimal places.
func Quantize6(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// MulQuant multiplies price by quantity and quantizes the result.
func MulQuant(price, qty decimal.Decimal) decimal.Decimal {
	return Quantize6(price.Mul(qty))
}

// ParsePositive converts a string and requires the result to be > 0.
func ParsePositive(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Clamp bounds d into [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}
