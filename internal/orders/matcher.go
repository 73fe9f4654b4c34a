package orders

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/events"
	"github.com/stockwise/trading-engine/internal/metrics"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/store"
	"github.com/stockwise/trading-engine/internal/trade"
)

// JobName labels matcher metrics and logs.
const JobName = "process-pending-orders"

// CycleResult summarises one matcher pass.
type CycleResult struct {
	Scanned      int  `json:"scanned"`
	Executed     int  `json:"executed"`
	Failed       int  `json:"failed"`
	Waiting      int  `json:"waiting"`
	MarketClosed bool `json:"market_closed"`
}

// Matcher evaluates PENDING orders against live quotes and fills the ones
// whose trigger condition holds.
type Matcher struct {
	store     store.Store
	exec      *trade.Executor
	publisher events.Publisher
	logger    *zap.Logger
}

// NewMatcher creates a matcher. A nil publisher discards events.
func NewMatcher(s store.Store, exec *trade.Executor, p events.Publisher, logger *zap.Logger) *Matcher {
	if p == nil {
		p = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{store: s, exec: exec, publisher: p, logger: logger.Named("matcher")}
}

// Tick is RunCycle shaped for the scheduler.
func (m *Matcher) Tick(ctx context.Context) error {
	_, err := m.RunCycle(ctx)
	return err
}

// RunCycle scans every PENDING order once. Per-order failures are counted
// and never stop the pass; the returned error is reserved for failing to
// list the orders at all. The whole pass is a no-op while the market is closed.
func (m *Matcher) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	if !m.exec.IsOpen() {
		res.MarketClosed = true
		m.logger.Debug("market closed, skipping order processing")
		return res, nil
	}

	pending, err := m.store.ListPendingOrders(ctx)
	if err != nil {
		return res, err
	}
	res.Scanned = len(pending)

	for _, o := range pending {
		if ctx.Err() != nil {
			break
		}
		switch m.evaluate(ctx, o) {
		case outcomeExecuted:
			res.Executed++
		case outcomeFailed:
			res.Failed++
		default:
			res.Waiting++
		}
	}

	metrics.JobItems.WithLabelValues(JobName, "executed").Add(float64(res.Executed))
	metrics.JobItems.WithLabelValues(JobName, "failed").Add(float64(res.Failed))
	metrics.JobItems.WithLabelValues(JobName, "waiting").Add(float64(res.Waiting))
	m.logger.Info("orders processed",
		zap.Int("scanned", res.Scanned),
		zap.Int("executed", res.Executed),
		zap.Int("failed", res.Failed),
		zap.Int("waiting", res.Waiting),
	)
	return res, ctx.Err()
}

type outcome int

const (
	outcomeWaiting outcome = iota
	outcomeExecuted
	outcomeFailed
)

func (m *Matcher) evaluate(ctx context.Context, o model.Order) outcome {
	log := m.logger.With(zap.String("order_id", o.ID), zap.String("owner", o.Owner), zap.String("ticker", o.Ticker))

	quote, err := m.exec.Quote(ctx, o.Ticker)
	if err != nil {
		log.Warn("quote failed", zap.Error(err))
		return outcomeFailed
	}
	if !ShouldFire(o.Type, quote.Price, o.TargetPrice) {
		return outcomeWaiting
	}

	t, err := m.exec.FillOrder(ctx, o, quote)
	if errors.Is(err, store.ErrStatusConflict) {
		// Cancelled or filled by someone else since it was listed.
		log.Debug("order no longer pending")
		return outcomeWaiting
	}
	if err != nil {
		log.Warn("order execution failed", zap.Stringer("quote", quote.Price), zap.Error(err))
		return outcomeFailed
	}

	o.Status = model.OrderExecuted
	o.UpdatedAt = time.Now().UTC()
	metrics.OrdersTotal.WithLabelValues(string(o.Type), "executed").Inc()
	log.Info("order executed", zap.Stringer("quote", quote.Price), zap.Stringer("exec_price", t.Price))

	ev := orderEvent(events.TypeOrderExecuted, o)
	ev.Price = t.Price.String()
	m.publisher.Publish(ctx, ev)
	return outcomeExecuted
}
