package orders_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwise/trading-engine/internal/events"
	"github.com/stockwise/trading-engine/internal/ledger"
	"github.com/stockwise/trading-engine/internal/market"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/orders"
	"github.com/stockwise/trading-engine/internal/store"
	"github.com/stockwise/trading-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type switchableMarket struct {
	mu   sync.Mutex
	open bool
}

func (m *switchableMarket) IsOpen(time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *switchableMarket) set(open bool) {
	m.mu.Lock()
	m.open = open
	m.mu.Unlock()
}

type testEnv struct {
	svc     *orders.Service
	matcher *orders.Matcher
	ledger  *ledger.Ledger
	store   *store.MemoryStore
	oracle  *market.StaticOracle
	market  *switchableMarket
	events  *recorder
}

// newTestEnv wires a service and matcher over an in-memory store with a
// funded account u1, an open market, and slippage fixed at 1.0007.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, nil)
	_, err := l.OpenAccount(context.Background(), "u1")
	require.NoError(t, err)

	oracle := market.NewStaticOracle()
	mkt := &switchableMarket{open: true}
	rec := &recorder{}
	exec := trade.NewExecutor(l, oracle, mkt, nil,
		trade.WithSlippage(trade.FixedSlippage(d("1.0007"))),
		trade.WithPublisher(rec),
	)
	return &testEnv{
		svc:     orders.NewService(ms, l, rec, nil),
		matcher: orders.NewMatcher(ms, exec, rec, nil),
		ledger:  l,
		store:   ms,
		oracle:  oracle,
		market:  mkt,
		events:  rec,
	}
}

func (env *testEnv) place(t *testing.T, ticker string, typ model.OrderType, qty int64, target string) model.Order {
	t.Helper()
	o, err := env.svc.Place(context.Background(), orders.PlaceRequest{
		Owner: "u1", Ticker: ticker, Type: typ, Quantity: qty, TargetPrice: d(target),
	})
	require.NoError(t, err)
	return o
}

func TestShouldFire(t *testing.T) {
	tests := []struct {
		typ    model.OrderType
		price  string
		target string
		want   bool
	}{
		{model.OrderLimitBuy, "90", "95", true},
		{model.OrderLimitBuy, "95", "95", true},
		{model.OrderLimitBuy, "96", "95", false},
		{model.OrderLimitSell, "96", "95", true},
		{model.OrderLimitSell, "95", "95", true},
		{model.OrderLimitSell, "94", "95", false},
		{model.OrderStopLoss, "90", "95", true},
		{model.OrderStopLoss, "96", "95", false},
		{model.OrderType("BOGUS"), "1", "1", false},
	}
	for _, tt := range tests {
		got := orders.ShouldFire(tt.typ, d(tt.price), d(tt.target))
		assert.Equal(t, tt.want, got, "%s price=%s target=%s", tt.typ, tt.price, tt.target)
	}
}

func TestPlace(t *testing.T) {
	env := newTestEnv(t)

	o := env.place(t, " infy ", model.OrderLimitBuy, 5, "95.005")
	assert.Equal(t, "INFY", o.Ticker)
	assert.Equal(t, model.OrderPending, o.Status)
	assert.True(t, o.TargetPrice.Equal(d("95.01")), "target %s", o.TargetPrice)
	assert.NotEmpty(t, o.ID)

	pending, err := env.svc.ListPending(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, o.ID, pending[0].ID)
	assert.Equal(t, []string{events.TypeOrderPlaced}, env.events.types())
}

func TestPlace_SellWithoutHoldingsIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	o := env.place(t, "TCS", model.OrderLimitSell, 100, "4000")
	assert.Equal(t, model.OrderPending, o.Status)
}

func TestPlace_Invalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []orders.PlaceRequest{
		{Owner: "u1", Ticker: "INFY", Type: "MARKET", Quantity: 1, TargetPrice: d("1")},
		{Owner: "u1", Ticker: "INFY", Type: model.OrderLimitBuy, Quantity: 0, TargetPrice: d("1")},
		{Owner: "u1", Ticker: "INFY", Type: model.OrderLimitBuy, Quantity: 1, TargetPrice: d("0")},
		{Owner: "u1", Ticker: "INFY", Type: model.OrderLimitBuy, Quantity: 1, TargetPrice: d("0.004")},
		{Owner: "u1", Ticker: "IN FY", Type: model.OrderLimitBuy, Quantity: 1, TargetPrice: d("1")},
	}
	for _, req := range cases {
		_, err := env.svc.Place(ctx, req)
		assert.ErrorIs(t, err, orders.ErrInvalidOrder, "%+v", req)
	}

	_, err := env.svc.Place(ctx, orders.PlaceRequest{
		Owner: "ghost", Ticker: "INFY", Type: model.OrderLimitBuy, Quantity: 1, TargetPrice: d("1"),
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.place(t, "INFY", model.OrderLimitBuy, 1, "95")

	cancelled, err := env.svc.Cancel(ctx, "u1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)

	stored, err := env.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, stored.Status)

	_, err = env.svc.Cancel(ctx, "u1", o.ID)
	assert.ErrorIs(t, err, orders.ErrInvalidOrderState)

	assert.Equal(t, []string{events.TypeOrderPlaced, events.TypeOrderCancelled}, env.events.types())
}

func TestCancel_NotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.OpenAccount(ctx, "u2")
	require.NoError(t, err)
	o := env.place(t, "INFY", model.OrderLimitBuy, 1, "95")

	_, err = env.svc.Cancel(ctx, "u1", "missing")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	// Another owner's order is reported as missing.
	_, err = env.svc.Cancel(ctx, "u2", o.ID)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	_, err = env.svc.Get(ctx, "u2", o.ID)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	_, err = env.svc.Cancel(ctx, "ghost", o.ID)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	got, err := env.svc.Get(ctx, "u1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)
}

func TestRunCycle_LimitBuyFiresAtTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.place(t, "INFY", model.OrderLimitBuy, 10, "95.00")
	env.oracle.Set("INFY", d("90.00"))

	res, err := env.matcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, orders.CycleResult{Scanned: 1, Executed: 1}, res)

	stored, _ := env.store.GetOrder(ctx, o.ID)
	assert.Equal(t, model.OrderExecuted, stored.Status)

	txs, _ := env.store.ListTransactions(ctx, "u1")
	require.Len(t, txs, 1)
	assert.Equal(t, o.ID, txs[0].OrderID)
	assert.Equal(t, model.ExecutionLimit, txs[0].OrderType)
	// 90 * 1.0007 = 90.063 → 90.06
	assert.True(t, txs[0].Price.Equal(d("90.06")), "price %s", txs[0].Price)

	assert.Equal(t, []string{
		events.TypeOrderPlaced, events.TypeTradeExecuted, events.TypeOrderExecuted,
	}, env.events.types())
}

func TestRunCycle_QuoteFailureIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.place(t, "INFY", model.OrderLimitBuy, 1, "95")
	second := env.place(t, "TCS", model.OrderLimitBuy, 1, "3000")
	env.oracle.Fail("INFY", errors.New("feed down"))
	env.oracle.Set("TCS", d("2900"))

	res, err := env.matcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, orders.CycleResult{Scanned: 2, Executed: 1, Failed: 1}, res)

	o, _ := env.store.GetOrder(ctx, first.ID)
	assert.Equal(t, model.OrderPending, o.Status)
	o, _ = env.store.GetOrder(ctx, second.ID)
	assert.Equal(t, model.OrderExecuted, o.Status)

	// The failed order is picked up once the feed recovers.
	env.oracle.Set("INFY", d("90"))
	res, err = env.matcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, orders.CycleResult{Scanned: 1, Executed: 1}, res)
}

func TestRunCycle_ExecutionFailureLeavesOrderPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.place(t, "MRF", model.OrderLimitBuy, 1, "200000")
	env.oracle.Set("MRF", d("130000"))

	res, err := env.matcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, orders.CycleResult{Scanned: 1, Failed: 1}, res)

	stored, _ := env.store.GetOrder(ctx, o.ID)
	assert.Equal(t, model.OrderPending, stored.Status)
	acct, _ := env.store.GetAccount(ctx, "u1")
	assert.True(t, acct.Wallet.Balance.Equal(model.StartingBalance))
}

func TestRunCycle_WaitingAndIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.place(t, "INFY", model.OrderLimitSell, 1, "120")
	env.oracle.Set("INFY", d("100"))

	res, err := env.matcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, orders.CycleResult{Scanned: 1, Waiting: 1}, res)

	// Fire a LIMIT_BUY, then rerun: it must not fill twice.
	env.place(t, "TCS", model.OrderLimitBuy, 2, "3000")
	env.oracle.Set("TCS", d("2900"))
	_, err = env.matcher.RunCycle(ctx)
	require.NoError(t, err)
	res, err = env.matcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Executed)

	txs, _ := env.store.ListTransactions(ctx, "u1")
	assert.Len(t, txs, 1)
}

func TestRunCycle_StopLossSellsAtTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.ApplyBuy(ctx, ledger.Fill{
		Owner: "u1", Ticker: "INFY", Quantity: 5, Price: d("100"), Brokerage: d("0"),
	})
	require.NoError(t, err)

	o := env.place(t, "INFY", model.OrderStopLoss, 5, "95")
	env.oracle.Set("INFY", d("94"))

	res, err := env.matcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	txs, _ := env.store.ListTransactions(ctx, "u1")
	require.Len(t, txs, 2)
	assert.Equal(t, model.ActionSell, txs[0].Action)
	assert.Equal(t, model.ExecutionStopLoss, txs[0].OrderType)
	assert.Equal(t, o.ID, txs[0].OrderID)
	acct, _ := env.store.GetAccount(ctx, "u1")
	assert.Empty(t, acct.Positions)
}

func TestRunCycle_MarketClosedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.place(t, "INFY", model.OrderLimitBuy, 1, "95")
	env.oracle.Set("INFY", d("90"))
	env.market.set(false)

	res, err := env.matcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, orders.CycleResult{MarketClosed: true}, res)

	stored, _ := env.store.GetOrder(ctx, o.ID)
	assert.Equal(t, model.OrderPending, stored.Status)
}

func TestRunCycle_ConcurrentCyclesFillOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.place(t, "INFY", model.OrderLimitBuy, 1, "95")
	env.oracle.Set("INFY", d("90"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.matcher.RunCycle(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	txs, _ := env.store.ListTransactions(ctx, "u1")
	assert.Len(t, txs, 1)
}
