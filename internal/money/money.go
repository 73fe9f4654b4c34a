// Package money holds the single rounding policy for currency values.
//
// Currency is fixed at two decimal places and rounded half-up (ties away
// from zero). Intermediate math keeps full precision; only persisted or
// returned values go through Round.
package money

import "github.com/shopspring/decimal"

// Scale is the number of decimal places for currency and percentages.
const Scale int32 = 2

var hundred = decimal.NewFromInt(100)

// Round rounds d half-up to Scale places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Percent returns part/whole*100 at full precision. A zero whole yields zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.DivRound(whole, 16).Mul(hundred)
}

// RoundPct is the presentation rounding for percentages.
func RoundPct(pct decimal.Decimal) decimal.Decimal {
	return pct.Round(Scale)
}

// Mul returns price*qty rounded to currency precision.
func Mul(price decimal.Decimal, qty int64) decimal.Decimal {
	return Round(price.Mul(decimal.NewFromInt(qty)))
}
