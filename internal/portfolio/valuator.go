// Package portfolio marks holdings to market and takes the daily
// portfolio snapshots.
package portfolio

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/market"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/money"
)

// DefaultQuoteTimeout bounds one batched price lookup.
const DefaultQuoteTimeout = 3 * time.Second

// Accounts reads an owner's wallet and positions consistently.
type Accounts interface {
	Account(ctx context.Context, owner string) (model.Account, error)
}

// Valuation is the priced view of a set of positions.
type Valuation struct {
	Holdings     []model.Holding
	Stale        []string
	Invested     decimal.Decimal
	CurrentValue decimal.Decimal
}

// MarkToMarket values positions at prices. A position without a price is
// reported in Stale and contributes nothing to either total.
func MarkToMarket(positions []model.Position, prices map[string]market.Price) Valuation {
	v := Valuation{Holdings: []model.Holding{}}
	for _, p := range positions {
		quote, ok := prices[p.Ticker]
		if !ok || !quote.Price.IsPositive() {
			v.Stale = append(v.Stale, p.Ticker)
			continue
		}
		invested := money.Mul(p.AvgBuyPrice, p.Quantity)
		current := money.Mul(quote.Price, p.Quantity)
		pnl := current.Sub(invested)

		v.Holdings = append(v.Holdings, model.Holding{
			Ticker:       p.Ticker,
			Quantity:     p.Quantity,
			AvgBuyPrice:  p.AvgBuyPrice,
			CurrentPrice: quote.Price,
			Invested:     invested,
			CurrentValue: current,
			PnL:          pnl,
			PnLPct:       money.RoundPct(money.Percent(pnl, invested)),
		})
		v.Invested = v.Invested.Add(invested)
		v.CurrentValue = v.CurrentValue.Add(current)
	}
	return v
}

// Valuator computes point-in-time portfolio views.
type Valuator struct {
	accounts     Accounts
	oracle       market.PriceOracle
	quoteTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewValuator creates a Valuator. A zero quoteTimeout uses DefaultQuoteTimeout.
func NewValuator(accounts Accounts, oracle market.PriceOracle, quoteTimeout time.Duration, logger *zap.Logger) *Valuator {
	if quoteTimeout <= 0 {
		quoteTimeout = DefaultQuoteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Valuator{
		accounts:     accounts,
		oracle:       oracle,
		quoteTimeout: quoteTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger.Named("portfolio"),
	}
}

// Valuate marks owner's holdings to market. Quote failures degrade to
// stale tickers; only failing to read the account is an error.
func (v *Valuator) Valuate(ctx context.Context, owner string) (model.Portfolio, error) {
	acct, err := v.accounts.Account(ctx, owner)
	if err != nil {
		return model.Portfolio{}, err
	}

	val := MarkToMarket(acct.Positions, v.prices(ctx, acct.Positions))
	cash := acct.Wallet.Balance
	totalPnL := val.CurrentValue.Sub(val.Invested)

	return model.Portfolio{
		Owner:    owner,
		Holdings: val.Holdings,
		Summary: model.PortfolioSummary{
			TotalInvested:     val.Invested,
			TotalCurrentValue: val.CurrentValue,
			TotalPnL:          totalPnL,
			TotalPnLPct:       money.RoundPct(money.Percent(totalPnL, val.Invested)),
			CashBalance:       cash,
			PortfolioValue:    val.CurrentValue.Add(cash),
		},
		Stale: val.Stale,
		AsOf:  v.now(),
	}, nil
}

// MarketValue returns cash plus the priced value of acct's positions.
func (v *Valuator) MarketValue(ctx context.Context, acct model.Account) (total, invested decimal.Decimal) {
	val := MarkToMarket(acct.Positions, v.prices(ctx, acct.Positions))
	return acct.Wallet.Balance.Add(val.CurrentValue), val.CurrentValue
}

func (v *Valuator) prices(ctx context.Context, positions []model.Position) map[string]market.Price {
	if len(positions) == 0 {
		return nil
	}
	symbols := make([]string, len(positions))
	for i, p := range positions {
		symbols[i] = p.Ticker
	}

	qctx, cancel := context.WithTimeout(ctx, v.quoteTimeout)
	defer cancel()
	prices, err := v.oracle.QuoteMany(qctx, symbols)
	if err != nil {
		v.logger.Warn("price lookup failed", zap.Strings("tickers", symbols), zap.Error(err))
	}
	return prices
}
