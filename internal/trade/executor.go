// Package trade turns a trader's intent into an execution against a live
// quote: market-hours gate, quote fetch, slippage, brokerage, then the
// ledger commit.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/clock"
	"github.com/stockwise/trading-engine/internal/events"
	"github.com/stockwise/trading-engine/internal/ledger"
	"github.com/stockwise/trading-engine/internal/market"
	"github.com/stockwise/trading-engine/internal/metrics"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/money"
	"github.com/stockwise/trading-engine/internal/store"
)

var (
	ErrMarketClosed     = errors.New("trade: market is closed")
	ErrPriceUnavailable = errors.New("trade: price unavailable")
	ErrInvalidQuantity  = errors.New("trade: quantity must be a positive integer")
	ErrInvalidOrderType = errors.New("trade: unknown order type")
)

// DefaultQuoteTimeout bounds each oracle lookup unless overridden.
const DefaultQuoteTimeout = 3 * time.Second

// Executor executes market buys and sells, and fills triggered orders.
type Executor struct {
	ledger       *ledger.Ledger
	oracle       market.PriceOracle
	market       market.Clock
	clock        clock.Clock
	slippage     Slippage
	quoteTimeout time.Duration
	quoteMaxAge  time.Duration
	publisher    events.Publisher
	logger       *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSlippage replaces RandomSlippage.
func WithSlippage(s Slippage) Option {
	return func(e *Executor) { e.slippage = s }
}

// WithQuoteTimeout bounds each oracle lookup.
func WithQuoteTimeout(d time.Duration) Option {
	return func(e *Executor) { e.quoteTimeout = d }
}

// WithQuoteMaxAge rejects quotes older than d. Zero disables the check.
func WithQuoteMaxAge(d time.Duration) Option {
	return func(e *Executor) { e.quoteMaxAge = d }
}

// WithClock overrides the wall clock used for the market gate and quote age.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithPublisher sets where committed trades are announced.
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// NewExecutor creates an Executor.
func NewExecutor(l *ledger.Ledger, oracle market.PriceOracle, hours market.Clock, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		ledger:       l,
		oracle:       oracle,
		market:       hours,
		clock:        clock.Real{},
		slippage:     RandomSlippage,
		quoteTimeout: DefaultQuoteTimeout,
		publisher:    events.Nop{},
		logger:       logger.Named("trade"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Request/Response types ---

// BuyRequest is a market buy. OrderType defaults to MARKET.
type BuyRequest struct {
	Owner     string
	Ticker    string
	Quantity  int64
	OrderType model.ExecutionType
}

// BuyResult is the outcome of a committed buy.
type BuyResult struct {
	TransactionID    string          `json:"transaction_id"`
	Ticker           string          `json:"ticker"`
	Quantity         int64           `json:"quantity"`
	ExecPrice        decimal.Decimal `json:"price"`
	Brokerage        decimal.Decimal `json:"brokerage"`
	TotalDeducted    decimal.Decimal `json:"total_deducted"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

// SellRequest is a market sell.
type SellRequest struct {
	Owner    string
	Ticker   string
	Quantity int64
}

// SellResult is the outcome of a committed sell.
type SellResult struct {
	TransactionID    string          `json:"transaction_id"`
	Ticker           string          `json:"ticker"`
	Quantity         int64           `json:"quantity"`
	ExecPrice        decimal.Decimal `json:"price"`
	Brokerage        decimal.Decimal `json:"brokerage"`
	NetCredited      decimal.Decimal `json:"net_credited"`
	RealizedPnL      decimal.Decimal `json:"pnl"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

// Buy executes a market buy at the current quote plus slippage.
func (e *Executor) Buy(ctx context.Context, req BuyRequest) (BuyResult, error) {
	start := time.Now()
	res, err := e.buy(ctx, req)
	e.observe(model.ActionBuy, start, err)
	return res, err
}

func (e *Executor) buy(ctx context.Context, req BuyRequest) (BuyResult, error) {
	if req.OrderType == "" {
		req.OrderType = model.ExecutionMarket
	}
	if !req.OrderType.Valid() {
		return BuyResult{}, fmt.Errorf("%w: %s", ErrInvalidOrderType, req.OrderType)
	}
	ticker, err := e.validate(req.Ticker, req.Quantity)
	if err != nil {
		return BuyResult{}, err
	}
	if err := e.gate(); err != nil {
		return BuyResult{}, err
	}

	quote, err := e.Quote(ctx, ticker)
	if err != nil {
		return BuyResult{}, err
	}
	fill, err := e.price(req.Owner, ticker, req.Quantity, quote)
	if err != nil {
		return BuyResult{}, err
	}
	fill.OrderType = req.OrderType

	booked, err := e.ledger.ApplyBuy(ctx, fill)
	if err != nil {
		return BuyResult{}, err
	}
	e.announce(ctx, events.TypeTradeExecuted, booked.Transaction)

	return BuyResult{
		TransactionID:    booked.Transaction.ID,
		Ticker:           ticker,
		Quantity:         req.Quantity,
		ExecPrice:        fill.Price,
		Brokerage:        fill.Brokerage,
		TotalDeducted:    booked.Transaction.TotalValue.Add(fill.Brokerage),
		RemainingBalance: booked.Balance,
	}, nil
}

// Sell executes a market sell at the current quote with slippage applied.
func (e *Executor) Sell(ctx context.Context, req SellRequest) (SellResult, error) {
	start := time.Now()
	res, err := e.sell(ctx, req)
	e.observe(model.ActionSell, start, err)
	return res, err
}

func (e *Executor) sell(ctx context.Context, req SellRequest) (SellResult, error) {
	ticker, err := e.validate(req.Ticker, req.Quantity)
	if err != nil {
		return SellResult{}, err
	}
	if err := e.gate(); err != nil {
		return SellResult{}, err
	}
	// Fail fast on holdings before paying for a quote; the ledger re-checks
	// under the owner's lock.
	if err := e.precheckShares(ctx, req.Owner, ticker, req.Quantity); err != nil {
		return SellResult{}, err
	}

	quote, err := e.Quote(ctx, ticker)
	if err != nil {
		return SellResult{}, err
	}
	fill, err := e.price(req.Owner, ticker, req.Quantity, quote)
	if err != nil {
		return SellResult{}, err
	}
	fill.OrderType = model.ExecutionMarket

	booked, err := e.ledger.ApplySell(ctx, fill)
	if err != nil {
		return SellResult{}, err
	}
	e.announce(ctx, events.TypeTradeExecuted, booked.Transaction)

	return SellResult{
		TransactionID:    booked.Transaction.ID,
		Ticker:           ticker,
		Quantity:         req.Quantity,
		ExecPrice:        fill.Price,
		Brokerage:        fill.Brokerage,
		NetCredited:      booked.Transaction.TotalValue.Sub(fill.Brokerage),
		RealizedPnL:      booked.RealizedPnL,
		RemainingBalance: booked.Balance,
	}, nil
}

// FillOrder executes a triggered conditional order against the quote that
// fired it. The order's PENDING→EXECUTED transition commits with the trade,
// so a second fill of the same order fails with store.ErrStatusConflict.
func (e *Executor) FillOrder(ctx context.Context, o model.Order, quote market.Price) (model.Transaction, error) {
	action := o.Type.Action()
	start := time.Now()

	fill, err := e.price(o.Owner, o.Ticker, o.Quantity, quote)
	if err != nil {
		e.observe(action, start, err)
		return model.Transaction{}, err
	}
	fill.OrderType = o.Type.ExecutionType()
	fill.OrderID = o.ID

	var t model.Transaction
	if action == model.ActionBuy {
		var booked ledger.BuyResult
		booked, err = e.ledger.ApplyBuy(ctx, fill)
		t = booked.Transaction
	} else {
		var booked ledger.SellResult
		booked, err = e.ledger.ApplySell(ctx, fill)
		t = booked.Transaction
	}
	e.observe(action, start, err)
	if err != nil {
		return model.Transaction{}, err
	}

	e.announce(ctx, events.TypeTradeExecuted, t)
	return t, nil
}

// Quote fetches a usable quote for ticker under the quote timeout. Any
// failure, including a stale or non-positive price, is ErrPriceUnavailable.
func (e *Executor) Quote(ctx context.Context, ticker string) (market.Price, error) {
	qctx, cancel := context.WithTimeout(ctx, e.quoteTimeout)
	defer cancel()

	p, err := e.oracle.Quote(qctx, ticker)
	if err != nil {
		return market.Price{}, fmt.Errorf("%s: %w: %w", ticker, ErrPriceUnavailable, err)
	}
	if !p.Price.IsPositive() {
		return market.Price{}, fmt.Errorf("%s: non-positive quote %s: %w", ticker, p.Price, ErrPriceUnavailable)
	}
	if e.quoteMaxAge > 0 && !p.AsOf.IsZero() {
		if age := e.clock.Now().Sub(p.AsOf); age > e.quoteMaxAge {
			return market.Price{}, fmt.Errorf("%s: quote is %s old: %w", ticker, age.Round(time.Second), ErrPriceUnavailable)
		}
	}
	return p, nil
}

// IsOpen reports whether the market accepts trades right now.
func (e *Executor) IsOpen() bool {
	return e.market.IsOpen(e.clock.Now())
}

func (e *Executor) gate() error {
	if !e.IsOpen() {
		return ErrMarketClosed
	}
	return nil
}

func (e *Executor) validate(ticker string, qty int64) (string, error) {
	if qty <= 0 {
		return "", ErrInvalidQuantity
	}
	return NormalizeTicker(ticker)
}

func (e *Executor) precheckShares(ctx context.Context, owner, ticker string, qty int64) error {
	acct, err := e.ledger.Account(ctx, owner)
	if err != nil {
		return err
	}
	for _, p := range acct.Positions {
		if p.Ticker != ticker {
			continue
		}
		if p.Quantity < qty {
			return fmt.Errorf("hold %d %s, selling %d: %w", p.Quantity, ticker, qty, ledger.ErrInsufficientShares)
		}
		return nil
	}
	return fmt.Errorf("%s: %w", ticker, ledger.ErrNoSuchPosition)
}

// price builds the fill: slipped execution price and brokerage on notional.
// A quote that rounds to a zero execution price is unusable.
func (e *Executor) price(owner, ticker string, qty int64, quote market.Price) (ledger.Fill, error) {
	exec := ExecutionPrice(quote.Price, e.slippage())
	if !exec.IsPositive() {
		return ledger.Fill{}, fmt.Errorf("%s: quote %s executes at %s: %w", ticker, quote.Price, exec, ErrPriceUnavailable)
	}
	return ledger.Fill{
		Owner:     owner,
		Ticker:    ticker,
		Quantity:  qty,
		Price:     exec,
		Brokerage: Brokerage(money.Mul(exec, qty)),
	}, nil
}

func (e *Executor) announce(ctx context.Context, typ string, t model.Transaction) {
	metrics.TradesTotal.WithLabelValues(string(t.Action), string(t.OrderType)).Inc()

	fields := []zap.Field{
		zap.String("owner", t.Owner),
		zap.String("ticker", t.Ticker),
		zap.String("action", string(t.Action)),
		zap.Int64("qty", t.Quantity),
		zap.Stringer("exec_price", t.Price),
		zap.Stringer("brokerage", t.Brokerage),
	}
	if t.OrderID != "" {
		fields = append(fields, zap.String("order_id", t.OrderID))
	}
	e.logger.Info("trade executed", fields...)

	ev := events.Event{
		Type:      typ,
		Owner:     t.Owner,
		Ticker:    t.Ticker,
		Action:    string(t.Action),
		OrderType: string(t.OrderType),
		OrderID:   t.OrderID,
		Quantity:  t.Quantity,
		Price:     t.Price.String(),
		Brokerage: t.Brokerage.String(),
		Timestamp: t.Timestamp,
	}
	if t.PnL != nil {
		ev.PnL = t.PnL.String()
	}
	e.publisher.Publish(ctx, ev)
}

func (e *Executor) observe(action model.Action, start time.Time, err error) {
	metrics.TradeLatency.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradeFailures.WithLabelValues(string(action), Reason(err)).Inc()
	}
}

// Reason maps a trade error onto a stable label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidTicker), errors.Is(err, ErrInvalidOrderType):
		return "invalid_request"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ledger.ErrNoSuchPosition):
		return "no_such_position"
	case errors.Is(err, ledger.ErrConcurrencyTimeout):
		return "concurrency_timeout"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, store.ErrStatusConflict):
		return "order_state_conflict"
	}
	return "internal"
}
