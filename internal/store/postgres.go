package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockwise/trading-engine/internal/model"
)

//go:embed schema.sql
var schema string

// SQLSTATE codes the store translates into sentinels.
const (
	codeUniqueViolation  = "23505"
	codeCheckViolation   = "23514"
	codeLockNotAvailable = "55P03"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout bounds
// how long InTx waits for the owner's wallet row; zero leaves the server default.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (owner_id, balance, created_at) VALUES ($1, $2::NUMERIC, $3)`,
		w.Owner, w.Balance.String(), w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create wallet %s: %w", w.Owner, translate(err))
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, owner string) (model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return model.Account{}, err
	}
	defer tx.Rollback(ctx)

	var acct model.Account
	var balance string
	err = tx.QueryRow(ctx,
		`SELECT owner_id, balance::TEXT, created_at FROM wallets WHERE owner_id = $1`, owner).
		Scan(&acct.Wallet.Owner, &balance, &acct.Wallet.CreatedAt)
	if err != nil {
		return model.Account{}, fmt.Errorf("get wallet %s: %w", owner, translate(err))
	}
	acct.Wallet.Balance, _ = decimal.NewFromString(balance)

	acct.Positions, err = queryPositions(ctx, tx, owner)
	if err != nil {
		return model.Account{}, err
	}
	return acct, tx.Commit(ctx)
}

func (s *PostgresStore) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT owner_id FROM wallets ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) ListTransactions(ctx context.Context, owner string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, ticker, action, quantity,
		        price::TEXT, brokerage::TEXT, total_value::TEXT,
		        order_type, COALESCE(order_id, ''), pnl::TEXT, executed_at
		 FROM transactions WHERE owner_id = $1 ORDER BY executed_at DESC, id DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var price, brokerage, total string
		var pnl *string
		if err := rows.Scan(&t.ID, &t.Owner, &t.Ticker, &t.Action, &t.Quantity,
			&price, &brokerage, &total,
			&t.OrderType, &t.OrderID, &pnl, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		t.Brokerage, _ = decimal.NewFromString(brokerage)
		t.TotalValue, _ = decimal.NewFromString(total)
		if pnl != nil {
			v, _ := decimal.NewFromString(*pnl)
			t.PnL = &v
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, owner_id, ticker, order_type, quantity, target_price, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		o.ID, o.Owner, o.Ticker, o.Type, o.Quantity, o.TargetPrice.String(),
		o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, translate(err))
	}
	return nil
}

const orderColumns = `id, owner_id, ticker, order_type, quantity, target_price::TEXT, status, created_at, updated_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return model.Order{}, fmt.Errorf("get order %s: %w", id, translate(err))
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, owner string, status model.OrderStatus) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE owner_id = $1 AND ($2::TEXT = '' OR status = $2::TEXT)
		 ORDER BY created_at DESC`, owner, string(status))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY created_at`, model.OrderPending)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap model.PortfolioSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolio_snapshots (owner_id, date, total_value, cash_balance, invested_value, daily_pnl)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (owner_id, date) DO UPDATE
		 SET total_value = EXCLUDED.total_value,
		     cash_balance = EXCLUDED.cash_balance,
		     invested_value = EXCLUDED.invested_value,
		     daily_pnl = EXCLUDED.daily_pnl`,
		snap.Owner, snap.Date,
		snap.TotalValue.String(), snap.CashBalance.String(),
		snap.InvestedValue.String(), snap.DailyPnL.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snap.Owner, translate(err))
	}
	return nil
}

const snapshotColumns = `owner_id, date, total_value::TEXT, cash_balance::TEXT, invested_value::TEXT, daily_pnl::TEXT`

func (s *PostgresStore) GetSnapshot(ctx context.Context, owner string, date time.Time) (model.PortfolioSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM portfolio_snapshots WHERE owner_id = $1 AND date = $2`, owner, date)
	if err != nil {
		return model.PortfolioSnapshot{}, err
	}
	snaps, err := collectSnapshots(rows)
	if err != nil {
		return model.PortfolioSnapshot{}, err
	}
	if len(snaps) == 0 {
		return model.PortfolioSnapshot{}, fmt.Errorf("snapshot %s@%s: %w", owner, date.Format(time.DateOnly), ErrNotFound)
	}
	return snaps[0], nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, owner string) ([]model.PortfolioSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM portfolio_snapshots WHERE owner_id = $1 ORDER BY date`, owner)
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

// InTx locks the owner's wallet row with SELECT ... FOR UPDATE and runs fn
// inside the same database transaction.
func (s *PostgresStore) InTx(ctx context.Context, owner string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	ptx := &pgTx{ctx: ctx, tx: tx, owner: owner}
	var balance string
	err = tx.QueryRow(ctx,
		`SELECT owner_id, balance::TEXT, created_at FROM wallets WHERE owner_id = $1 FOR UPDATE`, owner).
		Scan(&ptx.wallet.Owner, &balance, &ptx.wallet.CreatedAt)
	if err != nil {
		return fmt.Errorf("lock wallet %s: %w", owner, translate(err))
	}
	ptx.wallet.Balance, _ = decimal.NewFromString(balance)

	if err := fn(ptx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", owner, translate(err))
	}
	return nil
}

// pgTx writes straight through to the open transaction; the wallet row is
// already locked, so the cached copy stays authoritative.
type pgTx struct {
	ctx    context.Context
	tx     pgx.Tx
	owner  string
	wallet model.Wallet
}

func (t *pgTx) Wallet() (model.Wallet, error) {
	return t.wallet, nil
}

func (t *pgTx) SetBalance(balance decimal.Decimal) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE wallets SET balance = $2::NUMERIC WHERE owner_id = $1`, t.owner, balance.String())
	if err != nil {
		return fmt.Errorf("set balance %s: %w", t.owner, translate(err))
	}
	t.wallet.Balance = balance
	return nil
}

func (t *pgTx) Position(ticker string) (*model.Position, error) {
	var p model.Position
	var avg string
	err := t.tx.QueryRow(t.ctx,
		`SELECT owner_id, ticker, quantity, avg_buy_price::TEXT, updated_at
		 FROM positions WHERE owner_id = $1 AND ticker = $2`, t.owner, ticker).
		Scan(&p.Owner, &p.Ticker, &p.Quantity, &avg, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.AvgBuyPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (t *pgTx) SavePosition(p model.Position) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO positions (owner_id, ticker, quantity, avg_buy_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (owner_id, ticker) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     avg_buy_price = EXCLUDED.avg_buy_price,
		     updated_at = EXCLUDED.updated_at`,
		t.owner, p.Ticker, p.Quantity, p.AvgBuyPrice.String(), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", t.owner, p.Ticker, translate(err))
	}
	return nil
}

func (t *pgTx) DeletePosition(ticker string) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM positions WHERE owner_id = $1 AND ticker = $2`, t.owner, ticker)
	return err
}

func (t *pgTx) AppendTransaction(tr model.Transaction) error {
	var pnl *string
	if tr.PnL != nil {
		v := tr.PnL.String()
		pnl = &v
	}
	var orderID *string
	if tr.OrderID != "" {
		orderID = &tr.OrderID
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO transactions (id, owner_id, ticker, action, quantity, price, brokerage, total_value,
		                           order_type, order_id, pnl, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11::NUMERIC, $12)`,
		tr.ID, t.owner, tr.Ticker, tr.Action, tr.Quantity,
		tr.Price.String(), tr.Brokerage.String(), tr.TotalValue.String(),
		tr.OrderType, orderID, pnl, tr.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", tr.ID, translate(err))
	}
	return nil
}

func (t *pgTx) Order(id string) (model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(t.ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND owner_id = $2`, id, t.owner))
	if err != nil {
		return model.Order{}, fmt.Errorf("get order %s: %w", id, translate(err))
	}
	return o, nil
}

func (t *pgTx) TransitionOrder(id string, from, to model.OrderStatus) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE orders SET status = $4, updated_at = now()
		 WHERE id = $1 AND owner_id = $2 AND status = $3`, id, t.owner, from, to)
	if err != nil {
		return fmt.Errorf("transition order %s: %w", id, translate(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := t.Order(id); err != nil {
			return err
		}
		return fmt.Errorf("order %s is not %s: %w", id, from, ErrStatusConflict)
	}
	return nil
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryPositions(ctx context.Context, q pgxQuerier, owner string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT owner_id, ticker, quantity, avg_buy_price::TEXT, updated_at
		 FROM positions WHERE owner_id = $1 ORDER BY ticker`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.Owner, &p.Ticker, &p.Quantity, &avg, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AvgBuyPrice, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanOrder(row pgxRow) (model.Order, error) {
	var o model.Order
	var target string
	if err := row.Scan(&o.ID, &o.Owner, &o.Ticker, &o.Type, &o.Quantity, &target,
		&o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return model.Order{}, err
	}
	o.TargetPrice, _ = decimal.NewFromString(target)
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func collectSnapshots(rows pgx.Rows) ([]model.PortfolioSnapshot, error) {
	defer rows.Close()

	var snaps []model.PortfolioSnapshot
	for rows.Next() {
		var s model.PortfolioSnapshot
		var total, cash, invested, daily string
		if err := rows.Scan(&s.Owner, &s.Date, &total, &cash, &invested, &daily); err != nil {
			return nil, err
		}
		s.TotalValue, _ = decimal.NewFromString(total)
		s.CashBalance, _ = decimal.NewFromString(cash)
		s.InvestedValue, _ = decimal.NewFromString(invested)
		s.DailyPnL, _ = decimal.NewFromString(daily)
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrAlreadyExists)
		case codeCheckViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConstraint)
		case codeLockNotAvailable:
			return ErrLockTimeout
		}
	}
	return err
}
