package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockwise/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx stages writes and applies them under a single write lock at commit,
// so readers never observe half of a unit.
type MemoryStore struct {
	mu        sync.RWMutex
	wallets   map[string]*model.Wallet
	positions map[string]map[string]*model.Position // owner → ticker → position
	ledger    []model.Transaction
	orders    map[string]*model.Order
	snapshots map[snapshotKey]model.PortfolioSnapshot
}

type snapshotKey struct {
	owner string
	date  string
}

func newSnapshotKey(owner string, date time.Time) snapshotKey {
	return snapshotKey{owner: owner, date: date.Format(time.DateOnly)}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*model.Wallet),
		positions: make(map[string]map[string]*model.Position),
		orders:    make(map[string]*model.Order),
		snapshots: make(map[snapshotKey]model.PortfolioSnapshot),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateWallet(_ context.Context, w model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.Owner]; ok {
		return fmt.Errorf("wallet for %s: %w", w.Owner, ErrAlreadyExists)
	}
	copy := w
	s.wallets[w.Owner] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, owner string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[owner]
	if !ok {
		return model.Account{}, fmt.Errorf("wallet for %s: %w", owner, ErrNotFound)
	}

	positions := make([]model.Position, 0, len(s.positions[owner]))
	for _, p := range s.positions[owner] {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticker < positions[j].Ticker })

	return model.Account{Wallet: *w, Positions: positions}, nil
}

func (s *MemoryStore) ListOwners(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := make([]string, 0, len(s.wallets))
	for owner := range s.wallets {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, owner string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].Owner == owner {
			result = append(result, s.ledger[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyExists)
	}
	copy := o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return *o, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, owner string, status model.OrderStatus) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Owner == owner && (status == "" || o.Status == status) {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Status == model.OrderPending {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, snap model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[newSnapshotKey(snap.Owner, snap.Date)] = snap
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, owner string, date time.Time) (model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[newSnapshotKey(owner, date)]
	if !ok {
		return model.PortfolioSnapshot{}, fmt.Errorf("snapshot %s@%s: %w", owner, date.Format(time.DateOnly), ErrNotFound)
	}
	return snap, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, owner string) ([]model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PortfolioSnapshot
	for key, snap := range s.snapshots {
		if key.owner == owner {
			result = append(result, snap)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.Before(result[j].Date) })
	return result, nil
}

func (s *MemoryStore) InTx(_ context.Context, owner string, fn func(tx Tx) error) error {
	s.mu.RLock()
	w, ok := s.wallets[owner]
	var wallet model.Wallet
	if ok {
		wallet = *w
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wallet for %s: %w", owner, ErrNotFound)
	}

	tx := &memTx{
		store:       s,
		owner:       owner,
		wallet:      wallet,
		positions:   make(map[string]*model.Position),
		transitions: make(map[string]transition),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

// commit applies a staged unit. Order transitions are re-validated under
// the write lock before anything is applied.
func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, tr := range tx.transitions {
		o, ok := s.orders[id]
		if !ok {
			return fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		if o.Status != tr.from {
			return fmt.Errorf("order %s is %s: %w", id, o.Status, ErrStatusConflict)
		}
	}

	if tx.wallet.Balance.IsNegative() {
		return fmt.Errorf("wallet for %s: %w", tx.owner, ErrConstraint)
	}
	for ticker, p := range tx.positions {
		if p != nil && p.Quantity <= 0 {
			return fmt.Errorf("position %s/%s qty %d: %w", tx.owner, ticker, p.Quantity, ErrConstraint)
		}
	}

	now := time.Now().UTC()
	if tx.balanceSet {
		s.wallets[tx.owner].Balance = tx.wallet.Balance
	}

	held := s.positions[tx.owner]
	if held == nil {
		held = make(map[string]*model.Position)
		s.positions[tx.owner] = held
	}
	for ticker, p := range tx.positions {
		if p == nil {
			delete(held, ticker)
			continue
		}
		copy := *p
		held[ticker] = &copy
	}

	s.ledger = append(s.ledger, tx.transactions...)

	for id, tr := range tx.transitions {
		s.orders[id].Status = tr.to
		s.orders[id].UpdatedAt = now
	}
	return nil
}

type transition struct {
	from, to model.OrderStatus
}

// memTx stages writes for one owner. A nil entry in positions marks a delete.
type memTx struct {
	store        *MemoryStore
	owner        string
	wallet       model.Wallet
	balanceSet   bool
	positions    map[string]*model.Position
	transactions []model.Transaction
	transitions  map[string]transition
}

func (tx *memTx) Wallet() (model.Wallet, error) {
	return tx.wallet, nil
}

func (tx *memTx) SetBalance(balance decimal.Decimal) error {
	tx.wallet.Balance = balance
	tx.balanceSet = true
	return nil
}

func (tx *memTx) Position(ticker string) (*model.Position, error) {
	if p, staged := tx.positions[ticker]; staged {
		if p == nil {
			return nil, nil
		}
		copy := *p
		return &copy, nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	p, ok := tx.store.positions[tx.owner][ticker]
	if !ok {
		return nil, nil
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) SavePosition(p model.Position) error {
	p.Owner = tx.owner
	tx.positions[p.Ticker] = &p
	return nil
}

func (tx *memTx) DeletePosition(ticker string) error {
	tx.positions[ticker] = nil
	return nil
}

func (tx *memTx) AppendTransaction(t model.Transaction) error {
	t.Owner = tx.owner
	tx.transactions = append(tx.transactions, t)
	return nil
}

func (tx *memTx) Order(id string) (model.Order, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	o, ok := tx.store.orders[id]
	if !ok || o.Owner != tx.owner {
		return model.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	copy := *o
	if tr, staged := tx.transitions[id]; staged {
		copy.Status = tr.to
	}
	return copy, nil
}

func (tx *memTx) TransitionOrder(id string, from, to model.OrderStatus) error {
	o, err := tx.Order(id)
	if err != nil {
		return err
	}
	if o.Status != from {
		return fmt.Errorf("order %s is %s: %w", id, o.Status, ErrStatusConflict)
	}
	prev, staged := tx.transitions[id]
	if staged {
		from = prev.from
	}
	tx.transitions[id] = transition{from: from, to: to}
	return nil
}
