package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockwise/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for history reads. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
//
// Wallet and position reads always hit the primary: staleness there is not
// tolerable.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

var _ Store = (*CachedStore)(nil)

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, owner string, fn func(tx Tx) error) error {
	if err := s.primary.InTx(ctx, owner, fn); err != nil {
		return err
	}
	// A committed unit may have appended to the ledger.
	s.rdb.Del(ctx, transactionsKey(owner))
	return nil
}

func (s *CachedStore) UpsertSnapshot(ctx context.Context, snap model.PortfolioSnapshot) error {
	if err := s.primary.UpsertSnapshot(ctx, snap); err != nil {
		return err
	}
	s.rdb.Del(ctx, snapshotsKey(snap.Owner))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListTransactions(ctx context.Context, owner string) ([]model.Transaction, error) {
	var cached []model.Transaction
	if s.get(ctx, transactionsKey(owner), &cached) {
		return cached, nil
	}

	txs, err := s.primary.ListTransactions(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.set(ctx, transactionsKey(owner), txs)
	return txs, nil
}

func (s *CachedStore) ListSnapshots(ctx context.Context, owner string) ([]model.PortfolioSnapshot, error) {
	var cached []model.PortfolioSnapshot
	if s.get(ctx, snapshotsKey(owner), &cached) {
		return cached, nil
	}

	snaps, err := s.primary.ListSnapshots(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.set(ctx, snapshotsKey(owner), snaps)
	return snaps, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateWallet(ctx context.Context, w model.Wallet) error {
	return s.primary.CreateWallet(ctx, w)
}

func (s *CachedStore) GetAccount(ctx context.Context, owner string) (model.Account, error) {
	return s.primary.GetAccount(ctx, owner)
}

func (s *CachedStore) ListOwners(ctx context.Context) ([]string, error) {
	return s.primary.ListOwners(ctx)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, owner string, status model.OrderStatus) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, owner, status)
}

func (s *CachedStore) ListPendingOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListPendingOrders(ctx)
}

func (s *CachedStore) GetSnapshot(ctx context.Context, owner string, date time.Time) (model.PortfolioSnapshot, error) {
	return s.primary.GetSnapshot(ctx, owner, date)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func transactionsKey(owner string) string { return fmt.Sprintf("transactions:%s", owner) }
func snapshotsKey(owner string) string    { return fmt.Sprintf("snapshots:%s", owner) }
