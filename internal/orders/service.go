// Package orders manages conditional orders: placement, cancellation, and
// the matcher that fires them when their trigger condition is met.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/events"
	"github.com/stockwise/trading-engine/internal/ledger"
	"github.com/stockwise/trading-engine/internal/metrics"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/money"
	"github.com/stockwise/trading-engine/internal/store"
	"github.com/stockwise/trading-engine/internal/trade"
)

var (
	ErrOrderNotFound     = errors.New("orders: order not found")
	ErrInvalidOrderState = errors.New("orders: order is not pending")
	ErrInvalidOrder      = errors.New("orders: invalid order")
)

// Service places and cancels conditional orders.
type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	publisher events.Publisher
	now       func() time.Time
	logger    *zap.Logger
}

// NewService creates an order service. A nil publisher discards events.
func NewService(s store.Store, l *ledger.Ledger, p events.Publisher, logger *zap.Logger) *Service {
	if p == nil {
		p = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     s,
		ledger:    l,
		publisher: p,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("orders"),
	}
}

// PlaceRequest describes a new conditional order.
type PlaceRequest struct {
	Owner       string
	Ticker      string
	Type        model.OrderType
	Quantity    int64
	TargetPrice decimal.Decimal
}

// Place validates and persists a PENDING order. Funds and holdings are not
// reserved; they are checked when the order fires.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (model.Order, error) {
	if !req.Type.Valid() {
		return model.Order{}, fmt.Errorf("%w: unknown type %q", ErrInvalidOrder, req.Type)
	}
	if req.Quantity <= 0 {
		return model.Order{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	target := money.Round(req.TargetPrice)
	if !target.IsPositive() {
		return model.Order{}, fmt.Errorf("%w: target price must be positive", ErrInvalidOrder)
	}
	ticker, err := trade.NormalizeTicker(req.Ticker)
	if err != nil {
		return model.Order{}, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	if _, err := s.ledger.Account(ctx, req.Owner); err != nil {
		return model.Order{}, err
	}

	now := s.now()
	o := model.Order{
		ID:          uuid.New().String(),
		Owner:       req.Owner,
		Ticker:      ticker,
		Type:        req.Type,
		Quantity:    req.Quantity,
		TargetPrice: target,
		Status:      model.OrderPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return model.Order{}, err
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Type), "placed").Inc()
	s.logger.Info("order placed",
		zap.String("order_id", o.ID),
		zap.String("owner", o.Owner),
		zap.String("ticker", o.Ticker),
		zap.String("type", string(o.Type)),
		zap.Int64("qty", o.Quantity),
		zap.Stringer("target", o.TargetPrice),
	)
	s.publisher.Publish(ctx, orderEvent(events.TypeOrderPlaced, o))
	return o, nil
}

// Cancel moves one of owner's PENDING orders to CANCELLED under the owner's
// critical section, so it cannot race a fill of the same order.
func (s *Service) Cancel(ctx context.Context, owner, orderID string) (model.Order, error) {
	var cancelled model.Order
	err := s.ledger.WithOwner(ctx, owner, func(tx store.Tx) error {
		o, err := tx.Order(orderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			return fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrInvalidOrderState)
		}
		if err := tx.TransitionOrder(orderID, model.OrderPending, model.OrderCancelled); err != nil {
			return err
		}
		o.Status = model.OrderCancelled
		o.UpdatedAt = s.now()
		cancelled = o
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	case errors.Is(err, store.ErrStatusConflict):
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, ErrInvalidOrderState)
	case err != nil:
		return model.Order{}, err
	}

	metrics.OrdersTotal.WithLabelValues(string(cancelled.Type), "cancelled").Inc()
	s.logger.Info("order cancelled", zap.String("order_id", orderID), zap.String("owner", owner))
	s.publisher.Publish(ctx, orderEvent(events.TypeOrderCancelled, cancelled))
	return cancelled, nil
}

// Get returns one of owner's orders.
func (s *Service) Get(ctx context.Context, owner, orderID string) (model.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && o.Owner != owner) {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}
	return o, err
}

// ListPending returns owner's PENDING orders, newest first.
func (s *Service) ListPending(ctx context.Context, owner string) ([]model.Order, error) {
	return s.List(ctx, owner, model.OrderPending)
}

// List returns owner's orders in status, or all of them for an empty status.
func (s *Service) List(ctx context.Context, owner string, status model.OrderStatus) ([]model.Order, error) {
	orders, err := s.store.ListOrders(ctx, owner, status)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

func orderEvent(typ string, o model.Order) events.Event {
	return events.Event{
		Type:      typ,
		Owner:     o.Owner,
		Ticker:    o.Ticker,
		Action:    string(o.Type.Action()),
		OrderType: string(o.Type),
		OrderID:   o.ID,
		Quantity:  o.Quantity,
		Price:     o.TargetPrice.String(),
		Timestamp: o.UpdatedAt,
	}
}
