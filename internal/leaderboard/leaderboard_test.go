package leaderboard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwise/trading-engine/internal/clock"
	"github.com/stockwise/trading-engine/internal/leaderboard"
	"github.com/stockwise/trading-engine/internal/ledger"
	"github.com/stockwise/trading-engine/internal/market"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/portfolio"
	"github.com/stockwise/trading-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newRedisBoard(t *testing.T) (*leaderboard.RedisBoard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return leaderboard.NewRedisBoard(rdb), mr
}

func boards(t *testing.T) map[string]leaderboard.Board {
	rb, _ := newRedisBoard(t)
	return map[string]leaderboard.Board{
		"redis":  rb,
		"memory": leaderboard.NewMemoryBoard(),
	}
}

func owners(scores []leaderboard.Score) []string {
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.Owner
	}
	return out
}

func TestBoard_Ordering(t *testing.T) {
	for name, b := range boards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Replace(ctx, map[string]float64{
				"alice": 1.5, "bob": 3.25, "carol": -2, "dave": 1.5,
			}))

			top, err := b.TopN(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"bob", "dave", "alice", "carol"}, owners(top))
			assert.Equal(t, 3.25, top[0].Value)

			top, err = b.TopN(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"bob", "dave"}, owners(top))

			top, err = b.TopN(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, top)
		})
	}
}

func TestBoard_SetVersusReplace(t *testing.T) {
	for name, b := range boards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Replace(ctx, map[string]float64{"alice": 1, "bob": 2}))

			require.NoError(t, b.Set(ctx, map[string]float64{"alice": 5}))
			top, _ := b.TopN(ctx, 10)
			assert.Equal(t, []string{"alice", "bob"}, owners(top))

			require.NoError(t, b.Replace(ctx, map[string]float64{"carol": 0}))
			top, _ = b.TopN(ctx, 10)
			assert.Equal(t, []string{"carol"}, owners(top))

			require.NoError(t, b.Replace(ctx, nil))
			top, _ = b.TopN(ctx, 10)
			assert.Empty(t, top)
		})
	}
}

func TestRedisBoard_ReplaceLeavesNoTempKey(t *testing.T) {
	b, mr := newRedisBoard(t)
	require.NoError(t, b.Replace(context.Background(), map[string]float64{"alice": 1}))

	assert.Equal(t, []string{leaderboard.Key}, mr.Keys())
	score, err := mr.ZScore(leaderboard.Key, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
}

type closedMarket struct{}

func (closedMarket) IsOpen(time.Time) bool { return false }

type testEnv struct {
	ledger *ledger.Ledger
	store  *store.MemoryStore
	oracle *market.StaticOracle
	board  *leaderboard.MemoryBoard
	ranker *leaderboard.Ranker
}

func newTestEnv(t *testing.T, s store.Store, ms *store.MemoryStore, hours market.Clock) *testEnv {
	t.Helper()
	l := ledger.New(ms, nil)
	ctx := context.Background()
	for _, owner := range []string{"u1", "u2", "u3"} {
		_, err := l.OpenAccount(ctx, owner)
		require.NoError(t, err)
	}
	oracle := market.NewStaticOracle()
	board := leaderboard.NewMemoryBoard()
	v := portfolio.NewValuator(l, oracle, time.Second, nil)
	clk := clock.NewFixed(time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC))
	return &testEnv{
		ledger: l,
		store:  ms,
		oracle: oracle,
		board:  board,
		ranker: leaderboard.NewRanker(s, v, board, hours, clk, nil),
	}
}

func (env *testEnv) hold(t *testing.T, owner, ticker string, qty int64, price string) {
	t.Helper()
	_, err := env.ledger.ApplyBuy(context.Background(), ledger.Fill{
		Owner: owner, Ticker: ticker, Quantity: qty, Price: d(price),
	})
	require.NoError(t, err)
}

func TestReturnPct(t *testing.T) {
	assert.True(t, leaderboard.ReturnPct(d("101000")).Equal(d("1")))
	assert.True(t, leaderboard.ReturnPct(model.StartingBalance).IsZero())
	assert.True(t, leaderboard.ReturnPct(d("99500")).Equal(d("-0.5")))
}

func TestRanker_Run(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnv(t, ms, ms, market.AlwaysOpen{})
	ctx := context.Background()
	env.hold(t, "u1", "INFY", 10, "100")
	env.hold(t, "u3", "TCS", 10, "100")
	env.oracle.Set("INFY", d("200"))
	env.oracle.Set("TCS", d("50"))

	res, err := env.ranker.Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.MarketClosed)
	assert.Equal(t, portfolio.BatchResult{Processed: 3, Succeeded: 3}, res.BatchResult)

	top, err := env.ranker.Top(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "u1", top[0].Owner)
	assert.Equal(t, 1, top[0].Rank)
	assert.True(t, top[0].ReturnPct.Equal(d("1")))
	assert.Equal(t, "u2", top[1].Owner)
	assert.Equal(t, 2, top[1].Rank)
	assert.Equal(t, "u3", top[2].Owner)
	assert.True(t, top[2].ReturnPct.Equal(d("-0.5")))

	top, err = env.ranker.Top(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestRanker_RoundsForPresentation(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnv(t, ms, ms, market.AlwaysOpen{})
	ctx := context.Background()
	env.hold(t, "u1", "INFY", 3, "100")
	env.oracle.Set("INFY", d("100.01"))

	_, err := env.ranker.Run(ctx)
	require.NoError(t, err)

	// 0.03 / 100000 * 100 = 0.00003%
	top, err := env.ranker.Top(ctx, 3)
	require.NoError(t, err)
	for _, e := range top {
		assert.True(t, e.ReturnPct.IsZero(), "%s: %s", e.Owner, e.ReturnPct)
	}
}

func TestRanker_MarketClosed(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnv(t, ms, ms, closedMarket{})

	res, err := env.ranker.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.MarketClosed)
	assert.Zero(t, res.Processed)

	top, _ := env.board.TopN(context.Background(), 10)
	assert.Empty(t, top)
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

func TestRanker_FailedOwnerKeepsPreviousScore(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := flakyStore{MemoryStore: ms, broken: "u2"}
	env := newTestEnv(t, fs, ms, market.AlwaysOpen{})
	ctx := context.Background()
	require.NoError(t, env.board.Replace(ctx, map[string]float64{"u2": 42, "gone": 7}))

	res, err := env.ranker.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, portfolio.BatchResult{Processed: 3, Succeeded: 2, Failed: 1}, res.BatchResult)

	top, err := env.board.TopN(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "gone", "u3", "u1"}, owners(top))
	assert.Equal(t, 42.0, top[0].Value)
}

func TestRanker_CleanRunDropsUnknownOwners(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnv(t, ms, ms, market.AlwaysOpen{})
	ctx := context.Background()
	require.NoError(t, env.board.Replace(ctx, map[string]float64{"gone": 7}))

	_, err := env.ranker.Run(ctx)
	require.NoError(t, err)

	top, _ := env.board.TopN(ctx, 10)
	assert.Equal(t, []string{"u3", "u2", "u1"}, owners(top))
}
