package leaderboard

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/clock"
	"github.com/stockwise/trading-engine/internal/market"
	"github.com/stockwise/trading-engine/internal/metrics"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/money"
	"github.com/stockwise/trading-engine/internal/portfolio"
	"github.com/stockwise/trading-engine/internal/store"
)

// JobName labels ranker metrics and logs.
const JobName = "update-leaderboard"

const (
	DefaultTop = 20
	MaxTop     = 100
)

// Result is the outcome of one ranking pass.
type Result struct {
	portfolio.BatchResult
	MarketClosed bool `json:"market_closed"`
}

// Ranker recomputes every owner's return and writes it to a Board.
type Ranker struct {
	store    store.Store
	valuator *portfolio.Valuator
	board    Board
	market   market.Clock
	clock    clock.Clock
	logger   *zap.Logger
}

// NewRanker creates a Ranker gated by hours.
func NewRanker(s store.Store, v *portfolio.Valuator, b Board, hours market.Clock, clk clock.Clock, logger *zap.Logger) *Ranker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		store:    s,
		valuator: v,
		board:    b,
		market:   hours,
		clock:    clk,
		logger:   logger.Named("leaderboard"),
	}
}

// ReturnPct is (total - StartingBalance) / StartingBalance * 100 at full precision.
func ReturnPct(total decimal.Decimal) decimal.Decimal {
	return money.Percent(total.Sub(model.StartingBalance), model.StartingBalance)
}

// Run ranks every owner. It does nothing while the market is closed.
//
// A clean pass replaces the ranking wholesale, dropping owners that no
// longer exist. When some owners fail, only the successful ones are
// written so the failed owners keep their previous score.
func (r *Ranker) Run(ctx context.Context) (Result, error) {
	var res Result
	if !r.market.IsOpen(r.clock.Now()) {
		res.MarketClosed = true
		r.logger.Debug("market closed, skipping leaderboard update")
		return res, nil
	}

	owners, err := r.store.ListOwners(ctx)
	if err != nil {
		return res, err
	}

	scores := make(map[string]float64, len(owners))
	for _, owner := range owners {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		acct, err := r.store.GetAccount(ctx, owner)
		if err != nil {
			res.Failed++
			r.logger.Warn("ranking failed", zap.String("owner", owner), zap.Error(err))
			continue
		}
		total, _ := r.valuator.MarketValue(ctx, acct)
		scores[owner] = ReturnPct(total).InexactFloat64()
		res.Succeeded++
	}

	write := r.board.Replace
	if res.Failed > 0 {
		write = r.board.Set
	}
	if err := write(ctx, scores); err != nil {
		return res, err
	}

	metrics.LeaderboardEntries.Set(float64(len(scores)))
	metrics.JobItems.WithLabelValues(JobName, "succeeded").Add(float64(res.Succeeded))
	metrics.JobItems.WithLabelValues(JobName, "failed").Add(float64(res.Failed))
	r.logger.Info("leaderboard updated", zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
	return res, nil
}

// Tick is Run shaped for the scheduler.
func (r *Ranker) Tick(ctx context.Context) error {
	_, err := r.Run(ctx)
	return err
}

// Top returns ranks 1..n. n <= 0 means DefaultTop; n is capped at MaxTop.
func (r *Ranker) Top(ctx context.Context, n int) ([]model.LeaderboardEntry, error) {
	switch {
	case n <= 0:
		n = DefaultTop
	case n > MaxTop:
		n = MaxTop
	}
	scores, err := r.board.TopN(ctx, n)
	if err != nil {
		return nil, err
	}
	entries := make([]model.LeaderboardEntry, len(scores))
	for i, s := range scores {
		entries[i] = model.LeaderboardEntry{
			Rank:      i + 1,
			Owner:     s.Owner,
			ReturnPct: money.RoundPct(decimal.NewFromFloat(s.Value)),
		}
	}
	return entries, nil
}
