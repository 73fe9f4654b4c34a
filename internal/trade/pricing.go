package trade

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/stockwise/trading-engine/internal/money"
)

var (
	slippageMin  = decimal.RequireFromString("1.0005")
	slippageStep = decimal.New(1, -7) // factor resolution
	brokerageCap = decimal.RequireFromString("20.00")
	brokerageFee = decimal.RequireFromString("0.001")
)

// slippageSteps is the number of steps between 1.0005 and 1.0010.
const slippageSteps = 5000

// Slippage returns the multiplier applied to a quoted price.
type Slippage func() decimal.Decimal

// RandomSlippage draws a factor uniformly from [1.0005, 1.0010].
func RandomSlippage() decimal.Decimal {
	n := rand.Intn(slippageSteps + 1)
	return slippageMin.Add(slippageStep.Mul(decimal.NewFromInt(int64(n))))
}

// FixedSlippage always returns factor.
func FixedSlippage(factor decimal.Decimal) Slippage {
	return func() decimal.Decimal { return factor }
}

// ExecutionPrice applies factor to the quote at currency precision.
func ExecutionPrice(quoted, factor decimal.Decimal) decimal.Decimal {
	return money.Round(quoted.Mul(factor))
}

// Brokerage is 0.1% of notional, capped at 20.00.
func Brokerage(notional decimal.Decimal) decimal.Decimal {
	fee := money.Round(notional.Mul(brokerageFee))
	return decimal.Min(fee, brokerageCap)
}
