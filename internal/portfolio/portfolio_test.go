package portfolio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwise/trading-engine/internal/ledger"
	"github.com/stockwise/trading-engine/internal/market"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/portfolio"
	"github.com/stockwise/trading-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	ledger   *ledger.Ledger
	store    *store.MemoryStore
	oracle   *market.StaticOracle
	valuator *portfolio.Valuator
}

func newTestEnv(t *testing.T, owners ...string) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, nil)
	for _, owner := range owners {
		_, err := l.OpenAccount(context.Background(), owner)
		require.NoError(t, err)
	}
	oracle := market.NewStaticOracle()
	return &testEnv{
		ledger:   l,
		store:    ms,
		oracle:   oracle,
		valuator: portfolio.NewValuator(l, oracle, time.Second, nil),
	}
}

func (env *testEnv) hold(t *testing.T, owner, ticker string, qty int64, price string) {
	t.Helper()
	_, err := env.ledger.ApplyBuy(context.Background(), ledger.Fill{
		Owner: owner, Ticker: ticker, Quantity: qty, Price: d(price), Brokerage: decimal.Zero,
	})
	require.NoError(t, err)
}

func TestMarkToMarket(t *testing.T) {
	positions := []model.Position{
		{Ticker: "INFY", Quantity: 10, AvgBuyPrice: d("100.07")},
		{Ticker: "TCS", Quantity: 3, AvgBuyPrice: d("3000")},
		{Ticker: "WIPRO", Quantity: 1, AvgBuyPrice: d("0")},
	}
	prices := map[string]market.Price{
		"INFY":  {Symbol: "INFY", Price: d("110.00")},
		"WIPRO": {Symbol: "WIPRO", Price: d("400")},
	}

	v := portfolio.MarkToMarket(positions, prices)
	require.Len(t, v.Holdings, 2)
	assert.Equal(t, []string{"TCS"}, v.Stale)

	infy := v.Holdings[0]
	assert.True(t, infy.Invested.Equal(d("1000.70")))
	assert.True(t, infy.CurrentValue.Equal(d("1100.00")))
	assert.True(t, infy.PnL.Equal(d("99.30")))
	// 99.30 / 1000.70 = 9.9230...%
	assert.True(t, infy.PnLPct.Equal(d("9.92")), "pct %s", infy.PnLPct)

	// Zero cost basis reports a zero percentage.
	assert.True(t, v.Holdings[1].PnLPct.IsZero())

	assert.True(t, v.Invested.Equal(d("1000.70")))
	assert.True(t, v.CurrentValue.Equal(d("1500.00")))
}

func TestValuate(t *testing.T) {
	env := newTestEnv(t, "u1")
	env.hold(t, "u1", "INFY", 10, "100")
	env.hold(t, "u1", "TCS", 1, "3000")
	env.oracle.Set("INFY", d("120"))
	env.oracle.Fail("TCS", errors.New("feed down"))

	p, err := env.valuator.Valuate(context.Background(), "u1")
	require.NoError(t, err)

	require.Len(t, p.Holdings, 1)
	assert.Equal(t, []string{"TCS"}, p.Stale)
	s := p.Summary
	assert.True(t, s.CashBalance.Equal(d("96000")), "cash %s", s.CashBalance)
	assert.True(t, s.TotalInvested.Equal(d("1000")))
	assert.True(t, s.TotalCurrentValue.Equal(d("1200")))
	assert.True(t, s.TotalPnL.Equal(d("200")))
	assert.True(t, s.TotalPnLPct.Equal(d("20")))
	assert.True(t, s.PortfolioValue.Equal(d("97200")))
}

func TestValuate_EmptyAndMissing(t *testing.T) {
	env := newTestEnv(t, "u1")

	p, err := env.valuator.Valuate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, p.Holdings)
	assert.True(t, p.Summary.PortfolioValue.Equal(model.StartingBalance))
	assert.True(t, p.Summary.TotalPnLPct.IsZero())

	_, err = env.valuator.Valuate(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestSnapshotJob_DailyPnLAndIdempotence(t *testing.T) {
	env := newTestEnv(t, "u1")
	ctx := context.Background()
	env.hold(t, "u1", "INFY", 10, "100")
	job := portfolio.NewSnapshotJob(env.store, env.valuator, time.UTC, nil)

	day1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	env.oracle.Set("INFY", d("100"))
	res, err := job.Run(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, portfolio.BatchResult{Processed: 1, Succeeded: 1}, res)

	first, err := env.store.GetSnapshot(ctx, "u1", day1)
	require.NoError(t, err)
	assert.True(t, first.TotalValue.Equal(model.StartingBalance))
	assert.True(t, first.InvestedValue.Equal(d("1000")))
	assert.True(t, first.DailyPnL.IsZero())

	day2 := day1.AddDate(0, 0, 1)
	env.oracle.Set("INFY", d("105.50"))
	_, err = job.Run(ctx, day2)
	require.NoError(t, err)
	_, err = job.Run(ctx, day2.Add(15*time.Hour))
	require.NoError(t, err)

	snaps, err := job.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	second := snaps[1]
	assert.True(t, second.Date.Equal(day2))
	assert.True(t, second.TotalValue.Equal(d("100055")), "total %s", second.TotalValue)
	assert.True(t, second.CashBalance.Equal(d("99000")))
	assert.True(t, second.DailyPnL.Equal(d("55")), "daily %s", second.DailyPnL)
}

func TestSnapshotJob_MissingQuoteContributesZero(t *testing.T) {
	env := newTestEnv(t, "u1")
	env.hold(t, "u1", "INFY", 10, "100")
	job := portfolio.NewSnapshotJob(env.store, env.valuator, time.UTC, nil)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	_, err := job.Run(context.Background(), day)
	require.NoError(t, err)

	snap, err := env.store.GetSnapshot(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.True(t, snap.InvestedValue.IsZero())
	assert.True(t, snap.TotalValue.Equal(d("99000")))
}

// flakyStore fails account reads for one owner.
type flakyStore struct {
	*store.MemoryStore
	broken string
}

func (s flakyStore) GetAccount(ctx context.Context, owner string) (model.Account, error) {
	if owner == s.broken {
		return model.Account{}, errors.New("connection reset")
	}
	return s.MemoryStore.GetAccount(ctx, owner)
}

func TestSnapshotJob_IsolatesOwnerFailures(t *testing.T) {
	env := newTestEnv(t, "u1", "u2", "u3")
	fs := flakyStore{MemoryStore: env.store, broken: "u2"}
	job := portfolio.NewSnapshotJob(fs, env.valuator, time.UTC, nil)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	res, err := job.Run(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, portfolio.BatchResult{Processed: 3, Succeeded: 2, Failed: 1}, res)

	_, err = env.store.GetSnapshot(context.Background(), "u2", day)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.store.GetSnapshot(context.Background(), "u3", day)
	assert.NoError(t, err)
}

func TestSnapshotJob_HistoryEmpty(t *testing.T) {
	env := newTestEnv(t, "u1")
	job := portfolio.NewSnapshotJob(env.store, env.valuator, time.UTC, nil)

	snaps, err := job.History(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, snaps)
	assert.Empty(t, snaps)
}
