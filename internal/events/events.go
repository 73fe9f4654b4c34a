// Package events fans engine events out to observers: websocket clients
// and the Kafka event stream. Publishing is best-effort and never blocks
// or fails a committed trade.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeTradeExecuted  = "trade_executed"
	TypeOrderPlaced    = "order_placed"
	TypeOrderExecuted  = "order_executed"
	TypeOrderCancelled = "order_cancelled"
)

// Event is a JSON message describing a committed state change.
type Event struct {
	Type      string    `json:"type"`
	Owner     string    `json:"owner"`
	Ticker    string    `json:"ticker"`
	Action    string    `json:"action,omitempty"`
	OrderType string    `json:"order_type,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Quantity  int64     `json:"quantity,omitempty"`
	Price     string    `json:"price,omitempty"`
	Brokerage string    `json:"brokerage,omitempty"`
	PnL       string    `json:"pnl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block callers for long.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi publishes to each publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}
