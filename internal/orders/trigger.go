package orders

import (
	"github.com/shopspring/decimal"

	"github.com/stockwise/trading-engine/internal/model"
)

// ShouldFire reports whether an order of type t with target fires at price.
//
// STOP_LOSS shares LIMIT_BUY's condition (price <= target). A protective
// stop would normally be the same comparison on the sell side; keeping it
// literal means a stop placed above the market fires on the next cycle.
func ShouldFire(t model.OrderType, price, target decimal.Decimal) bool {
	switch t {
	case model.OrderLimitBuy:
		return price.LessThanOrEqual(target)
	case model.OrderLimitSell:
		return price.GreaterThanOrEqual(target)
	case model.OrderStopLoss:
		return price.LessThanOrEqual(target)
	}
	return false
}
