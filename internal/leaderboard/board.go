// Package leaderboard ranks owners by return on the starting balance.
package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Key is the sorted set holding the current ranking.
const Key = "leaderboard:returns"

// Score is one owner's ranked value.
type Score struct {
	Owner string
	Value float64
}

// Board is a ranked set keyed by owner.
type Board interface {
	// Set upserts scores, leaving other owners untouched.
	Set(ctx context.Context, scores map[string]float64) error
	// Replace swaps the whole ranking for scores in one step.
	Replace(ctx context.Context, scores map[string]float64) error
	// TopN returns the n highest scores, descending. Equal scores are
	// ordered by owner, descending.
	TopN(ctx context.Context, n int) ([]Score, error)
}

// RedisBoard keeps the ranking in a Redis sorted set.
type RedisBoard struct {
	rdb *redis.Client
	key string
}

// NewRedisBoard creates a board on Key.
func NewRedisBoard(rdb *redis.Client) *RedisBoard {
	return &RedisBoard{rdb: rdb, key: Key}
}

var _ Board = (*RedisBoard)(nil)

func (b *RedisBoard) Set(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	if err := b.rdb.ZAdd(ctx, b.key, members(scores)...).Err(); err != nil {
		return fmt.Errorf("leaderboard set: %w", err)
	}
	return nil
}

// Replace builds the new ranking under a temporary key and renames it over
// the live one, so readers never see a partial ranking.
func (b *RedisBoard) Replace(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		if err := b.rdb.Del(ctx, b.key).Err(); err != nil {
			return fmt.Errorf("leaderboard clear: %w", err)
		}
		return nil
	}

	tmp := b.key + ":building"
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tmp)
		pipe.ZAdd(ctx, tmp, members(scores)...)
		pipe.Rename(ctx, tmp, b.key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("leaderboard replace: %w", err)
	}
	return nil
}

func (b *RedisBoard) TopN(ctx context.Context, n int) ([]Score, error) {
	if n <= 0 {
		return []Score{}, nil
	}
	zs, err := b.rdb.ZRevRangeWithScores(ctx, b.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard top: %w", err)
	}
	out := make([]Score, 0, len(zs))
	for _, z := range zs {
		owner, _ := z.Member.(string)
		out = append(out, Score{Owner: owner, Value: z.Score})
	}
	return out, nil
}

func members(scores map[string]float64) []redis.Z {
	zs := make([]redis.Z, 0, len(scores))
	for owner, v := range scores {
		zs = append(zs, redis.Z{Score: v, Member: owner})
	}
	return zs
}

// MemoryBoard is an in-process Board with the same ordering as RedisBoard.
type MemoryBoard struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewMemoryBoard creates an empty board.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{scores: make(map[string]float64)}
}

var _ Board = (*MemoryBoard)(nil)

func (b *MemoryBoard) Set(_ context.Context, scores map[string]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for owner, v := range scores {
		b.scores[owner] = v
	}
	return nil
}

func (b *MemoryBoard) Replace(_ context.Context, scores map[string]float64) error {
	next := make(map[string]float64, len(scores))
	for owner, v := range scores {
		next[owner] = v
	}
	b.mu.Lock()
	b.scores = next
	b.mu.Unlock()
	return nil
}

func (b *MemoryBoard) TopN(_ context.Context, n int) ([]Score, error) {
	b.mu.RLock()
	out := make([]Score, 0, len(b.scores))
	for owner, v := range b.scores {
		out = append(out, Score{Owner: owner, Value: v})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Owner > out[j].Owner
	})
	if n < 0 {
		n = 0
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}
