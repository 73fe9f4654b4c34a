// Package ledger is the only mutator of wallet and position state. Every
// mutation for one owner runs inside that owner's critical section: the
// in-process OwnerLocks entry plus the store's owner-scoped transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/money"
	"github.com/stockwise/trading-engine/internal/store"
)

var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInsufficientShares = errors.New("ledger: insufficient shares")
	ErrNoSuchPosition     = errors.New("ledger: no such position")
	ErrConcurrencyTimeout = errors.New("ledger: owner lock not acquired in time")
	ErrAccountNotFound    = errors.New("ledger: account not found")
	ErrAccountExists      = errors.New("ledger: account already exists")
	ErrPositionOverflow   = errors.New("ledger: position quantity overflow")
)

// DefaultLockTimeout bounds critical-section acquisition.
const DefaultLockTimeout = 5 * time.Second

// Fill is an execution to be booked: quantity at an already-slipped price
// with its brokerage. A non-empty OrderID moves that order from PENDING to
// EXECUTED in the same unit.
type Fill struct {
	Owner     string
	Ticker    string
	Quantity  int64
	Price     decimal.Decimal
	Brokerage decimal.Decimal
	OrderType model.ExecutionType
	OrderID   string
}

// BuyResult is the committed outcome of ApplyBuy.
type BuyResult struct {
	Transaction model.Transaction
	Balance     decimal.Decimal
	Position    model.Position
}

// SellResult is the committed outcome of ApplySell. Remaining is zero when
// the position was closed and removed.
type SellResult struct {
	Transaction model.Transaction
	Balance     decimal.Decimal
	RealizedPnL decimal.Decimal
	Remaining   int64
}

// Ledger books fills against a Store.
type Ledger struct {
	store       store.Store
	locks       *OwnerLocks
	lockTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.lockTimeout = d }
}

// WithNow overrides the timestamp source for rows the ledger writes.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over s.
func New(s store.Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:       s,
		locks:       NewOwnerLocks(),
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithOwner runs fn inside owner's critical section. Errors returned by fn
// pass through unchanged; nothing fn wrote is committed in that case.
func (l *Ledger) WithOwner(ctx context.Context, owner string, fn func(tx store.Tx) error) error {
	unlock, err := l.locks.Acquire(ctx, owner, l.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrConcurrencyTimeout) {
			l.logger.Warn("owner lock timeout", zap.String("owner", owner), zap.Duration("timeout", l.lockTimeout))
		}
		return err
	}
	defer unlock()

	var fnErr error
	err = l.store.InTx(ctx, owner, func(tx store.Tx) error {
		fnErr = fn(tx)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", owner, ErrAccountNotFound)
	case errors.Is(err, store.ErrLockTimeout):
		return fmt.Errorf("%s: %w", owner, ErrConcurrencyTimeout)
	}
	return err
}

// OpenAccount funds a new wallet with model.StartingBalance.
func (l *Ledger) OpenAccount(ctx context.Context, owner string) (model.Wallet, error) {
	w := model.Wallet{
		Owner:     owner,
		Balance:   model.StartingBalance,
		CreatedAt: l.now(),
	}
	if err := l.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return model.Wallet{}, fmt.Errorf("%s: %w", owner, ErrAccountExists)
		}
		return model.Wallet{}, err
	}
	l.logger.Info("account opened", zap.String("owner", owner), zap.Stringer("balance", w.Balance))
	return w, nil
}

// Account returns a consistent read of owner's wallet and positions.
func (l *Ledger) Account(ctx context.Context, owner string) (model.Account, error) {
	acct, err := l.store.GetAccount(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return model.Account{}, fmt.Errorf("%s: %w", owner, ErrAccountNotFound)
	}
	return acct, err
}

// ApplyBuy debits price*qty+brokerage and folds qty into the position at a
// recomputed weighted average price.
func (l *Ledger) ApplyBuy(ctx context.Context, f Fill) (BuyResult, error) {
	var res BuyResult
	err := l.WithOwner(ctx, f.Owner, func(tx store.Tx) error {
		if err := claimOrder(tx, f.OrderID); err != nil {
			return err
		}

		w, err := tx.Wallet()
		if err != nil {
			return err
		}
		cost := money.Mul(f.Price, f.Quantity)
		debit := cost.Add(f.Brokerage)
		if w.Balance.LessThan(debit) {
			return fmt.Errorf("need %s, have %s: %w", debit, w.Balance, ErrInsufficientFunds)
		}

		pos, err := tx.Position(f.Ticker)
		if err != nil {
			return err
		}
		now := l.now()
		next := model.Position{
			Owner:       f.Owner,
			Ticker:      f.Ticker,
			Quantity:    f.Quantity,
			AvgBuyPrice: money.Round(f.Price),
			UpdatedAt:   now,
		}
		if pos != nil {
			if pos.Quantity > math.MaxInt64-f.Quantity {
				return fmt.Errorf("hold %d %s, buying %d: %w", pos.Quantity, f.Ticker, f.Quantity, ErrPositionOverflow)
			}
			next.Quantity = pos.Quantity + f.Quantity
			next.AvgBuyPrice = weightedAverage(pos.AvgBuyPrice, pos.Quantity, f.Price, f.Quantity)
		}

		balance := money.Round(w.Balance.Sub(debit))
		if err := tx.SetBalance(balance); err != nil {
			return err
		}
		if err := tx.SavePosition(next); err != nil {
			return err
		}
		t := l.transaction(f, model.ActionBuy, cost, now)
		if err := tx.AppendTransaction(t); err != nil {
			return err
		}

		res = BuyResult{Transaction: t, Balance: balance, Position: next}
		return nil
	})
	if err != nil {
		return BuyResult{}, err
	}
	return res, nil
}

// ApplySell credits price*qty-brokerage, decrements the position (removing
// it at zero) and records realized P&L against the average buy price.
func (l *Ledger) ApplySell(ctx context.Context, f Fill) (SellResult, error) {
	var res SellResult
	err := l.WithOwner(ctx, f.Owner, func(tx store.Tx) error {
		if err := claimOrder(tx, f.OrderID); err != nil {
			return err
		}

		pos, err := tx.Position(f.Ticker)
		if err != nil {
			return err
		}
		if pos == nil {
			return fmt.Errorf("%s: %w", f.Ticker, ErrNoSuchPosition)
		}
		if pos.Quantity < f.Quantity {
			return fmt.Errorf("hold %d %s, selling %d: %w", pos.Quantity, f.Ticker, f.Quantity, ErrInsufficientShares)
		}

		w, err := tx.Wallet()
		if err != nil {
			return err
		}
		proceeds := money.Mul(f.Price, f.Quantity)
		balance := money.Round(w.Balance.Add(proceeds).Sub(f.Brokerage))
		if balance.IsNegative() {
			return fmt.Errorf("brokerage exceeds balance: %w", ErrInsufficientFunds)
		}
		pnl := money.Round(f.Price.Sub(pos.AvgBuyPrice).Mul(decimal.NewFromInt(f.Quantity)))

		now := l.now()
		remaining := pos.Quantity - f.Quantity
		if err := tx.SetBalance(balance); err != nil {
			return err
		}
		if remaining == 0 {
			err = tx.DeletePosition(f.Ticker)
		} else {
			pos.Quantity = remaining
			pos.UpdatedAt = now
			err = tx.SavePosition(*pos)
		}
		if err != nil {
			return err
		}

		t := l.transaction(f, model.ActionSell, proceeds, now)
		t.PnL = &pnl
		if err := tx.AppendTransaction(t); err != nil {
			return err
		}

		res = SellResult{Transaction: t, Balance: balance, RealizedPnL: pnl, Remaining: remaining}
		return nil
	})
	if err != nil {
		return SellResult{}, err
	}
	return res, nil
}

func (l *Ledger) transaction(f Fill, action model.Action, total decimal.Decimal, at time.Time) model.Transaction {
	orderType := f.OrderType
	if orderType == "" {
		orderType = model.ExecutionMarket
	}
	return model.Transaction{
		ID:         uuid.New().String(),
		Owner:      f.Owner,
		Ticker:     f.Ticker,
		Action:     action,
		Quantity:   f.Quantity,
		Price:      money.Round(f.Price),
		Brokerage:  money.Round(f.Brokerage),
		TotalValue: total,
		OrderType:  orderType,
		OrderID:    f.OrderID,
		Timestamp:  at,
	}
}

// claimOrder moves a fired order out of PENDING within the current unit.
func claimOrder(tx store.Tx, orderID string) error {
	if orderID == "" {
		return nil
	}
	return tx.TransitionOrder(orderID, model.OrderPending, model.OrderExecuted)
}

// weightedAverage is (a*qa + b*qb) / (qa+qb) at currency precision.
func weightedAverage(a decimal.Decimal, qa int64, b decimal.Decimal, qb int64) decimal.Decimal {
	num := a.Mul(decimal.NewFromInt(qa)).Add(b.Mul(decimal.NewFromInt(qb)))
	return money.Round(num.DivRound(decimal.NewFromInt(qa+qb), 16))
}
