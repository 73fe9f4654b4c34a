// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for history reads), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockwise/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when inserting a row whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrStatusConflict is returned when an order status transition finds
	// the order in a different state than expected.
	ErrStatusConflict = errors.New("store: order status conflict")

	// ErrConstraint is returned when a commit would violate a row invariant
	// (negative balance, non-positive position quantity).
	ErrConstraint = errors.New("store: constraint violation")

	// ErrLockTimeout is returned when the owner's rows could not be locked
	// within the configured bound.
	ErrLockTimeout = errors.New("store: lock timeout")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for history reads.
//
// Wallet and position rows are only mutated through InTx.
type Store interface {
	// --- Accounts ---

	// CreateWallet persists a new wallet. Returns ErrAlreadyExists if the
	// owner already has one.
	CreateWallet(ctx context.Context, w model.Wallet) error

	// GetAccount returns the owner's wallet and positions as one consistent read.
	GetAccount(ctx context.Context, owner string) (model.Account, error)

	// ListOwners returns every owner holding a wallet.
	ListOwners(ctx context.Context) ([]string, error)

	// --- Immutable ledger ---

	// ListTransactions returns the owner's transactions, newest first.
	ListTransactions(ctx context.Context, owner string) ([]model.Transaction, error)

	// --- Conditional orders ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o model.Order) error

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, id string) (model.Order, error)

	// ListOrders returns the owner's orders, newest first. An empty status
	// returns all of them.
	ListOrders(ctx context.Context, owner string, status model.OrderStatus) ([]model.Order, error)

	// ListPendingOrders returns every PENDING order across owners, oldest first.
	ListPendingOrders(ctx context.Context) ([]model.Order, error)

	// --- Snapshots ---

	// UpsertSnapshot writes the snapshot keyed by (owner, date), replacing
	// any existing row for that key.
	UpsertSnapshot(ctx context.Context, s model.PortfolioSnapshot) error

	// GetSnapshot retrieves the snapshot for (owner, date).
	GetSnapshot(ctx context.Context, owner string, date time.Time) (model.PortfolioSnapshot, error)

	// ListSnapshots returns the owner's snapshots ordered by date.
	ListSnapshots(ctx context.Context, owner string) ([]model.PortfolioSnapshot, error)

	// --- Atomic owner unit ---

	// InTx runs fn against the owner's locked wallet. Every write made
	// through tx commits together when fn returns nil, and none do otherwise.
	InTx(ctx context.Context, owner string, fn func(tx Tx) error) error
}

// Tx is the owner-scoped view handed to InTx callbacks.
type Tx interface {
	// Wallet returns the locked wallet, reflecting writes made in this tx.
	Wallet() (model.Wallet, error)

	// SetBalance replaces the wallet balance.
	SetBalance(balance decimal.Decimal) error

	// Position returns the owner's position in ticker, or nil if none exists.
	Position(ticker string) (*model.Position, error)

	// SavePosition inserts or replaces a position.
	SavePosition(p model.Position) error

	// DeletePosition removes the owner's position in ticker.
	DeletePosition(ticker string) error

	// AppendTransaction records an immutable transaction.
	AppendTransaction(t model.Transaction) error

	// Order returns one of the owner's orders. Orders of other owners are
	// reported as ErrNotFound.
	Order(id string) (model.Order, error)

	// TransitionOrder moves an order from one status to another, failing
	// with ErrStatusConflict when it is no longer in from.
	TransitionOrder(id string, from, to model.OrderStatus) error
}
