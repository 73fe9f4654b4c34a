package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/metrics"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/money"
	"github.com/stockwise/trading-engine/internal/store"
)

// SnapshotJobName labels snapshot metrics and logs.
const SnapshotJobName = "take-portfolio-snapshots"

// BatchResult counts per-owner outcomes of a batch job.
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// SnapshotJob persists one PortfolioSnapshot per owner per day.
type SnapshotJob struct {
	store    store.Store
	valuator *Valuator
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

// NewSnapshotJob creates a SnapshotJob. Dates are civil dates in loc.
func NewSnapshotJob(s store.Store, v *Valuator, loc *time.Location, logger *zap.Logger) *SnapshotJob {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotJob{
		store:    s,
		valuator: v,
		location: loc,
		now:      time.Now,
		logger:   logger.Named("snapshots"),
	}
}

// RunToday snapshots every owner for today's date in the job's location.
func (j *SnapshotJob) RunToday(ctx context.Context) error {
	_, err := j.Run(ctx, model.DateOf(j.now(), j.location))
	return err
}

// Run snapshots every owner for date. Re-running for the same date
// overwrites that day's rows. One owner's failure never stops the others;
// the returned error is reserved for failing to list owners.
func (j *SnapshotJob) Run(ctx context.Context, date time.Time) (BatchResult, error) {
	var res BatchResult
	date = model.DateOf(date, nil)

	owners, err := j.store.ListOwners(ctx)
	if err != nil {
		return res, err
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		res.Processed++
		if err := j.snapshot(ctx, owner, date); err != nil {
			res.Failed++
			j.logger.Warn("snapshot failed", zap.String("owner", owner), zap.Error(err))
			continue
		}
		res.Succeeded++
	}

	metrics.JobItems.WithLabelValues(SnapshotJobName, "succeeded").Add(float64(res.Succeeded))
	metrics.JobItems.WithLabelValues(SnapshotJobName, "failed").Add(float64(res.Failed))
	j.logger.Info("snapshots taken",
		zap.String("date", date.Format(time.DateOnly)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res, ctx.Err()
}

func (j *SnapshotJob) snapshot(ctx context.Context, owner string, date time.Time) error {
	acct, err := j.store.GetAccount(ctx, owner)
	if err != nil {
		return err
	}
	total, invested := j.valuator.MarketValue(ctx, acct)
	total = money.Round(total)

	dailyPnL := decimal.Zero
	prev, err := j.store.GetSnapshot(ctx, owner, date.AddDate(0, 0, -1))
	switch {
	case err == nil:
		dailyPnL = total.Sub(prev.TotalValue)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("previous snapshot: %w", err)
	}

	return j.store.UpsertSnapshot(ctx, model.PortfolioSnapshot{
		Owner:         owner,
		Date:          date,
		TotalValue:    total,
		CashBalance:   acct.Wallet.Balance,
		InvestedValue: money.Round(invested),
		DailyPnL:      dailyPnL,
	})
}

// History returns owner's snapshots ordered by date.
func (j *SnapshotJob) History(ctx context.Context, owner string) ([]model.PortfolioSnapshot, error) {
	snaps, err := j.store.ListSnapshots(ctx, owner)
	if err != nil {
		return nil, err
	}
	if snaps == nil {
		snaps = []model.PortfolioSnapshot{}
	}
	return snaps, nil
}
