// Package market holds the engine's view of the outside market: the price
// oracle that quotes tickers and the session clock that gates trading.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoQuote is returned when the oracle has no usable price for a symbol.
var ErrNoQuote = errors.New("market: no quote")

// Price is one quote as written by the price feed.
type Price struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change    decimal.Decimal `json:"change"`
	ChangePct decimal.Decimal `json:"change_percent"`
	Source    string          `json:"source,omitempty"`
	AsOf      time.Time       `json:"as_of"`
}

// PriceOracle quotes tickers. Lookups are best-effort: any error means the
// price is unavailable right now.
type PriceOracle interface {
	// Quote returns the latest price for symbol, or ErrNoQuote.
	Quote(ctx context.Context, symbol string) (Price, error)

	// QuoteMany quotes every symbol it can. Symbols without a quote are
	// absent from the result; the error is reserved for total failure.
	QuoteMany(ctx context.Context, symbols []string) (map[string]Price, error)
}
