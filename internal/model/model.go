// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StartingBalance is the cash every account is funded with on opening and
// the baseline for leaderboard returns.
var StartingBalance = decimal.RequireFromString("100000.00")

// Action is the side of an executed trade.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// ExecutionType records how a transaction came to be executed.
type ExecutionType string

const (
	ExecutionMarket   ExecutionType = "MARKET"
	ExecutionLimit    ExecutionType = "LIMIT"
	ExecutionStopLoss ExecutionType = "STOP_LOSS"
)

// Valid reports whether t is a known execution type.
func (t ExecutionType) Valid() bool {
	switch t {
	case ExecutionMarket, ExecutionLimit, ExecutionStopLoss:
		return true
	}
	return false
}

// OrderType is the kind of conditional order.
type OrderType string

const (
	OrderLimitBuy  OrderType = "LIMIT_BUY"
	OrderLimitSell OrderType = "LIMIT_SELL"
	OrderStopLoss  OrderType = "STOP_LOSS"
)

// Valid reports whether t is a known conditional order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderLimitBuy, OrderLimitSell, OrderStopLoss:
		return true
	}
	return false
}

// Action returns the trade side a fired order executes.
func (t OrderType) Action() Action {
	if t == OrderLimitBuy {
		return ActionBuy
	}
	return ActionSell
}

// ExecutionType returns the type recorded on the transaction a fired order produces.
func (t OrderType) ExecutionType() ExecutionType {
	if t == OrderStopLoss {
		return ExecutionStopLoss
	}
	return ExecutionLimit
}

// OrderStatus is the lifecycle state of a conditional order.
// PENDING transitions exactly once, to EXECUTED or CANCELLED.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderExecuted  OrderStatus = "EXECUTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderExecuted || s == OrderCancelled
}

// Wallet is an owner's cash balance. Balance is never negative after a
// committed operation.
type Wallet struct {
	Owner     string          `json:"owner" db:"owner_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is an owner's holding in one ticker. Quantity is always > 0;
// a position that reaches zero is deleted.
type Position struct {
	Owner       string          `json:"owner" db:"owner_id"`
	Ticker      string          `json:"ticker" db:"ticker"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price" db:"avg_buy_price"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Account is a consistent read of a wallet together with its positions.
type Account struct {
	Wallet    Wallet     `json:"wallet"`
	Positions []Position `json:"positions"`
}

// Transaction is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID         string           `json:"id" db:"id"`
	Owner      string           `json:"owner" db:"owner_id"`
	Ticker     string           `json:"ticker" db:"ticker"`
	Action     Action           `json:"action" db:"action"`
	Quantity   int64            `json:"quantity" db:"quantity"`
	Price      decimal.Decimal  `json:"price" db:"price"`             // executed price after slippage
	Brokerage  decimal.Decimal  `json:"brokerage" db:"brokerage"`     // fee charged
	TotalValue decimal.Decimal  `json:"total_value" db:"total_value"` // price * quantity
	OrderType  ExecutionType    `json:"order_type" db:"order_type"`
	OrderID    string           `json:"order_id,omitempty" db:"order_id"` // set when a conditional order fired
	PnL        *decimal.Decimal `json:"pnl,omitempty" db:"pnl"`           // realized, sells only
	Timestamp  time.Time        `json:"timestamp" db:"executed_at"`
}

// Order is a conditional order held until its trigger condition is met.
type Order struct {
	ID          string          `json:"id" db:"id"`
	Owner       string          `json:"owner" db:"owner_id"`
	Ticker      string          `json:"ticker" db:"ticker"`
	Type        OrderType       `json:"order_type" db:"order_type"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	TargetPrice decimal.Decimal `json:"target_price" db:"target_price"`
	Status      OrderStatus     `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// PortfolioSnapshot is the once-per-day valuation of an owner's portfolio.
// (Owner, Date) is unique.
type PortfolioSnapshot struct {
	Owner         string          `json:"owner" db:"owner_id"`
	Date          time.Time       `json:"date" db:"date"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"`
	CashBalance   decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	InvestedValue decimal.Decimal `json:"invested_value" db:"invested_value"`
	DailyPnL      decimal.Decimal `json:"daily_pnl" db:"daily_pnl"`
}

// LeaderboardEntry is one ranked row of the leaderboard. Derived, never persisted.
type LeaderboardEntry struct {
	Rank      int             `json:"rank"`
	Owner     string          `json:"owner"`
	ReturnPct decimal.Decimal `json:"return_pct"`
}

// Holding is one valued position in a portfolio view.
type Holding struct {
	Ticker       string          `json:"ticker"`
	Quantity     int64           `json:"quantity"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Invested     decimal.Decimal `json:"invested"`
	CurrentValue decimal.Decimal `json:"current_value"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPct       decimal.Decimal `json:"pnl_pct"`
}

// PortfolioSummary aggregates all holdings plus cash.
type PortfolioSummary struct {
	TotalInvested     decimal.Decimal `json:"total_invested"`
	TotalCurrentValue decimal.Decimal `json:"total_current_value"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
	TotalPnLPct       decimal.Decimal `json:"total_pnl_pct"`
	CashBalance       decimal.Decimal `json:"cash_balance"`
	PortfolioValue    decimal.Decimal `json:"portfolio_value"`
}

// Portfolio is a point-in-time mark-to-market view of one owner's account.
// Tickers without a usable quote are listed in Stale and left out of the totals.
type Portfolio struct {
	Owner    string           `json:"owner"`
	Holdings []Holding        `json:"holdings"`
	Summary  PortfolioSummary `json:"summary"`
	Stale    []string         `json:"stale,omitempty"`
	AsOf     time.Time        `json:"as_of"`
}

// DateOf returns the civil date of t in loc, as midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
