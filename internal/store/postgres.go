package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Atomic opens a READ COMMITTED transaction and locks the athlete's pool row
// with SELECT ... FOR UPDATE before running fn, so work for one athlete is
// serialized across every instance sharing the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	poolColumns = `athlete_id, name, owner_id, total_supply, available_supply,
		issue_price::TEXT, current_price::TEXT, created_at, updated_at`
	orderColumns = `id, user_id, athlete_id, side, quantity, original_quantity,
		limit_price::TEXT, status, allocations, created_at, updated_at`
	lotColumns = `id, owner_id, athlete_id, quantity, reserved, unit_cost::TEXT, acquired_at`
	txColumns  = `id, user_id, athlete_id, type, quantity, price::TEXT, original_quantity,
		order_id, counterparty, cost_basis::TEXT, created_at`
)

func (s *PostgresStore) Atomic(ctx context.Context, athleteID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	// No-op once committed.
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT athlete_id FROM athlete_pools WHERE athlete_id = $1 FOR UPDATE`, athleteID).Scan(&locked)
	if err != nil {
		return classify(err, "pool "+athleteID)
	}

	if err := fn(&pgTx{q: tx}); err != nil {
		return classify(err, "athlete "+athleteID)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err), "athlete "+athleteID)
	}
	return nil
}

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.Pool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO athlete_pools (athlete_id, name, owner_id, total_supply, available_supply, issue_price, current_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		p.AthleteID, p.Name, p.OwnerID, p.TotalSupply, p.AvailableSupply,
		p.IssuePrice.String(), p.CurrentPrice.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return classify(err, "pool "+p.AthleteID)
}

func (s *PostgresStore) GetPool(ctx context.Context, athleteID string) (*model.Pool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM athlete_pools WHERE athlete_id = $1`, athleteID))
	if err != nil {
		return nil, classify(err, "pool "+athleteID)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM athlete_pools ORDER BY athlete_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id)
}

func (s *PostgresStore) ListUserOrders(ctx context.Context, userID string, status model.OrderStatus) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY seq DESC`, userID, string(status))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context, athleteID string, side model.Side) ([]model.Order, error) {
	return pendingOrders(ctx, s.pool, athleteID, side)
}

func (s *PostgresStore) ListUserLots(ctx context.Context, userID string) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM token_lots WHERE owner_id = $1 ORDER BY acquired_at, seq`, userID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

func (s *PostgresStore) ListAthleteTransactions(ctx context.Context, athleteID string, since time.Time) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE athlete_id = $1 AND created_at >= $2
		 ORDER BY created_at, seq`, athleteID, since)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) LastAthleteTransaction(ctx context.Context, athleteID string, typ model.Side, before time.Time) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE athlete_id = $1 AND type = $2 AND created_at < $3
		 ORDER BY created_at DESC, seq DESC LIMIT 1`, athleteID, string(typ), before))
	if err != nil {
		return nil, classify(err, "last "+string(typ)+" transaction for "+athleteID)
	}
	return t, nil
}

func (s *PostgresStore) ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w := model.Wallet{UserID: userID, Balance: decimal.Zero}
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, updated_at FROM wallets WHERE user_id = $1`, userID).
		Scan(&balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("wallet %s balance %q: %w", userID, balance, err)
	}
	return &w, nil
}

func (s *PostgresStore) ApplyFiat(ctx context.Context, ft *model.FiatTransaction) (*model.Wallet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	delta := ft.Amount
	if ft.Type == model.FiatWithdraw {
		delta = delta.Neg()
	}
	w, err := adjustWallet(ctx, tx, ft.UserID, delta, ft.CreatedAt)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO fiat_transactions (id, user_id, type, amount, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		ft.ID, ft.UserID, string(ft.Type), ft.Amount.String(), ft.CreatedAt,
	)
	if err != nil {
		return nil, classify(err, "fiat transaction "+ft.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify(fmt.Errorf("commit: %w", err), "wallet "+ft.UserID)
	}
	return w, nil
}

func (s *PostgresStore) ListFiatTransactions(ctx context.Context, userID string, limit int) ([]model.FiatTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, created_at
		 FROM fiat_transactions WHERE user_id = $1
		 ORDER BY seq DESC LIMIT NULLIF($2, 0)`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FiatTransaction
	for rows.Next() {
		var ft model.FiatTransaction
		var typ, amount string
		if err := rows.Scan(&ft.ID, &ft.UserID, &typ, &amount, &ft.CreatedAt); err != nil {
			return nil, err
		}
		ft.Type = model.FiatType(typ)
		if ft.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("fiat %s amount %q: %w", ft.ID, amount, err)
		}
		out = append(out, ft)
	}
	return out, rows.Err()
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	q querier
}

func (t *pgTx) LockPool(ctx context.Context, athleteID string) (*model.Pool, error) {
	p, err := scanPool(t.q.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM athlete_pools WHERE athlete_id = $1 FOR UPDATE`, athleteID))
	if err != nil {
		return nil, classify(err, "pool "+athleteID)
	}
	return p, nil
}

func (t *pgTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE athlete_pools
		 SET total_supply = $2, available_supply = $3,
		     issue_price = $4::NUMERIC, current_price = $5::NUMERIC, updated_at = $6
		 WHERE athlete_id = $1`,
		p.AthleteID, p.TotalSupply, p.AvailableSupply,
		p.IssuePrice.String(), p.CurrentPrice.String(), p.UpdatedAt,
	)
	if err != nil {
		return classify(err, "pool "+p.AthleteID)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: pool %s", model.ErrNotFound, p.AthleteID)
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.q, id)
}

func (t *pgTx) PendingOrders(ctx context.Context, athleteID string, side model.Side) ([]model.Order, error) {
	return pendingOrders(ctx, t.q, athleteID, side)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	allocs, err := marshalAllocations(o.Allocations)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO orders (id, user_id, athlete_id, side, quantity, original_quantity, limit_price, status, allocations, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11)`,
		o.ID, o.UserID, o.AthleteID, string(o.Side), o.Quantity, o.OriginalQuantity,
		o.LimitPrice.String(), string(o.Status), allocs, o.CreatedAt, o.UpdatedAt,
	)
	return classify(err, "order "+o.ID)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	allocs, err := marshalAllocations(o.Allocations)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE orders SET quantity = $2, status = $3, allocations = $4, updated_at = $5 WHERE id = $1`,
		o.ID, o.Quantity, string(o.Status), allocs, o.UpdatedAt,
	)
	if err != nil {
		return classify(err, "order "+o.ID)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, o.ID)
	}
	return nil
}

func (t *pgTx) UserLots(ctx context.Context, userID, athleteID string) ([]model.Lot, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+lotColumns+` FROM token_lots
		 WHERE owner_id = $1 AND athlete_id = $2
		 ORDER BY acquired_at, seq`, userID, athleteID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

func (t *pgTx) GetLot(ctx context.Context, id string) (*model.Lot, error) {
	l, err := scanLot(t.q.QueryRow(ctx, `SELECT `+lotColumns+` FROM token_lots WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err, "lot "+id)
	}
	return l, nil
}

func (t *pgTx) InsertLot(ctx context.Context, l *model.Lot) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO token_lots (id, owner_id, athlete_id, quantity, reserved, unit_cost, acquired_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		l.ID, l.OwnerID, l.AthleteID, l.Quantity, l.Reserved, l.UnitCost.String(), l.AcquiredAt,
	)
	return classify(err, "lot "+l.ID)
}

func (t *pgTx) UpdateLot(ctx context.Context, l *model.Lot) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if l.Quantity == 0 {
		tag, err = t.q.Exec(ctx, `DELETE FROM token_lots WHERE id = $1`, l.ID)
	} else {
		tag, err = t.q.Exec(ctx,
			`UPDATE token_lots SET quantity = $2, reserved = $3 WHERE id = $1`,
			l.ID, l.Quantity, l.Reserved)
	}
	if err != nil {
		return classify(err, "lot "+l.ID)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: lot %s", model.ErrNotFound, l.ID)
	}
	return nil
}

func (t *pgTx) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance string
	err := t.q.QueryRow(ctx, `SELECT balance::TEXT FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return decimal.NewFromString(balance)
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	_, err := adjustWallet(ctx, t.q, userID, delta, time.Now().UTC())
	return err
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, athlete_id, type, quantity, price, original_quantity, order_id, counterparty, cost_basis, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11)`,
		tr.ID, tr.UserID, tr.AthleteID, string(tr.Type), tr.Quantity, tr.Price.String(),
		tr.OriginalQuantity, tr.OrderID, tr.Counterparty, tr.CostBasis.String(), tr.CreatedAt,
	)
	return classify(err, "transaction "+tr.ID)
}

// adjustWallet adds delta to a wallet. Credits create the wallet on first
// use; debits only apply when the balance covers them.
func adjustWallet(ctx context.Context, q querier, userID string, delta decimal.Decimal, at time.Time) (*model.Wallet, error) {
	var (
		balance string
		err     error
	)
	if delta.IsNegative() {
		err = q.QueryRow(ctx,
			`UPDATE wallets SET balance = balance + $2::NUMERIC, updated_at = $3
			 WHERE user_id = $1 AND balance + $2::NUMERIC >= 0
			 RETURNING balance::TEXT`,
			userID, delta.String(), at).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s cannot cover %s", model.ErrInsufficientFunds, userID, delta.Neg().StringFixed(2))
		}
	} else {
		err = q.QueryRow(ctx,
			`INSERT INTO wallets (user_id, balance, updated_at) VALUES ($1, $2::NUMERIC, $3)
			 ON CONFLICT (user_id) DO UPDATE
			 SET balance = wallets.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
			 RETURNING balance::TEXT`,
			userID, delta.String(), at).Scan(&balance)
	}
	if err != nil {
		return nil, classify(err, "wallet "+userID)
	}

	w := &model.Wallet{UserID: userID, UpdatedAt: at}
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("wallet %s balance %q: %w", userID, balance, err)
	}
	return w, nil
}

func getOrder(ctx context.Context, q querier, id string) (*model.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err, "order "+id)
	}
	return o, nil
}

func pendingOrders(ctx context.Context, q querier, athleteID string, side model.Side) ([]model.Order, error) {
	rows, err := q.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE athlete_id = $1 AND side = $2 AND status = 'pending'
		 ORDER BY created_at, seq`, athleteID, string(side))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// --- scanning ---

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*model.Pool, error) {
	var p model.Pool
	var issue, current string
	if err := row.Scan(&p.AthleteID, &p.Name, &p.OwnerID, &p.TotalSupply, &p.AvailableSupply,
		&issue, &current, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.IssuePrice, err = decimal.NewFromString(issue); err != nil {
		return nil, err
	}
	if p.CurrentPrice, err = decimal.NewFromString(current); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var side, status, limit string
	var allocs []byte
	if err := row.Scan(&o.ID, &o.UserID, &o.AthleteID, &side, &o.Quantity, &o.OriginalQuantity,
		&limit, &status, &allocs, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)
	var err error
	if o.LimitPrice, err = decimal.NewFromString(limit); err != nil {
		return nil, err
	}
	if len(allocs) > 0 {
		if err := json.Unmarshal(allocs, &o.Allocations); err != nil {
			return nil, fmt.Errorf("order %s allocations: %w", o.ID, err)
		}
	}
	if len(o.Allocations) == 0 {
		o.Allocations = nil
	}
	return &o, nil
}

func scanLot(row rowScanner) (*model.Lot, error) {
	var l model.Lot
	var cost string
	if err := row.Scan(&l.ID, &l.OwnerID, &l.AthleteID, &l.Quantity, &l.Reserved, &cost, &l.AcquiredAt); err != nil {
		return nil, err
	}
	var err error
	if l.UnitCost, err = decimal.NewFromString(cost); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	var typ, price, basis string
	if err := row.Scan(&t.ID, &t.UserID, &t.AthleteID, &typ, &t.Quantity, &price, &t.OriginalQuantity,
		&t.OrderID, &t.Counterparty, &basis, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = model.Side(typ)
	var err error
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if t.CostBasis, err = decimal.NewFromString(basis); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func collectLots(rows pgx.Rows) ([]model.Lot, error) {
	defer rows.Close()
	var out []model.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func collectTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func marshalAllocations(allocs []model.LotAllocation) ([]byte, error) {
	if allocs == nil {
		allocs = []model.LotAllocation{}
	}
	return json.Marshal(allocs)
}

// PostgreSQL error codes mapped to error kinds.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgCheckViolation       = "23514"
)

// classify wraps database errors in the matching model error kind. Errors
// that already carry a kind, and nil, pass through unchanged.
func classify(err error, what string) error {
	if err == nil || model.ErrorKind(err) != "internal" {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s already exists", model.ErrConflict, what)
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s: concurrent update, retry: %w", model.ErrConflict, what, err)
		case pgCheckViolation:
			return fmt.Errorf("%w: %s: %s", model.ErrValidation, what, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
