package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOracle reads the price cache the external feed maintains at
// price:{SYMBOL}. Values are JSON documents shaped like Price; a missing
// as_of is stamped with the read time.
type RedisOracle struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisOracle creates an oracle over rdb.
func NewRedisOracle(rdb *redis.Client) *RedisOracle {
	return &RedisOracle{rdb: rdb, now: time.Now}
}

var _ PriceOracle = (*RedisOracle)(nil)

func (o *RedisOracle) Quote(ctx context.Context, symbol string) (Price, error) {
	data, err := o.rdb.Get(ctx, PriceKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Price{}, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	if err != nil {
		return Price{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	return o.decode(symbol, data)
}

func (o *RedisOracle) QuoteMany(ctx context.Context, symbols []string) (map[string]Price, error) {
	result := make(map[string]Price, len(symbols))
	if len(symbols) == 0 {
		return result, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = PriceKey(sym)
	}
	vals, err := o.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("quote many: %w", err)
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if p, err := o.decode(symbols[i], []byte(s)); err == nil {
			result[symbols[i]] = p
		}
	}
	return result, nil
}

func (o *RedisOracle) decode(symbol string, data []byte) (Price, error) {
	var p Price
	if err := json.Unmarshal(data, &p); err != nil {
		return Price{}, fmt.Errorf("decode %s: %w", symbol, err)
	}
	if !p.Price.IsPositive() {
		return Price{}, fmt.Errorf("%s: non-positive price: %w", symbol, ErrNoQuote)
	}
	if p.Symbol == "" {
		p.Symbol = symbol
	}
	if p.AsOf.IsZero() {
		p.AsOf = o.now().UTC()
	}
	return p, nil
}

// PriceKey is the cache key the feed writes a symbol's quote under.
func PriceKey(symbol string) string { return fmt.Sprintf("price:%s", symbol) }
