package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticOracle serves prices set in memory. Used for development and tests.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]Price
	fail   map[string]error
	now    func() time.Time
}

// NewStaticOracle creates an empty oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		prices: make(map[string]Price),
		fail:   make(map[string]error),
		now:    time.Now,
	}
}

var _ PriceOracle = (*StaticOracle)(nil)

// Set records price for symbol, stamped with the current time.
func (o *StaticOracle) Set(symbol string, price decimal.Decimal) {
	o.SetQuote(Price{Symbol: symbol, Price: price, Source: "static", AsOf: o.now().UTC()})
}

// SetQuote records a full quote.
func (o *StaticOracle) SetQuote(p Price) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[p.Symbol] = p
	delete(o.fail, p.Symbol)
}

// Fail makes every lookup of symbol return err until it is Set again.
func (o *StaticOracle) Fail(symbol string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail[symbol] = err
}

// Delete removes symbol.
func (o *StaticOracle) Delete(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, symbol)
	delete(o.fail, symbol)
}

func (o *StaticOracle) Quote(ctx context.Context, symbol string) (Price, error) {
	if err := ctx.Err(); err != nil {
		return Price{}, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if err, ok := o.fail[symbol]; ok {
		return Price{}, err
	}
	p, ok := o.prices[symbol]
	if !ok {
		return Price{}, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	return p, nil
}

func (o *StaticOracle) QuoteMany(ctx context.Context, symbols []string) (map[string]Price, error) {
	result := make(map[string]Price, len(symbols))
	for _, sym := range symbols {
		if p, err := o.Quote(ctx, sym); err == nil {
			result[sym] = p
		}
	}
	return result, ctx.Err()
}
