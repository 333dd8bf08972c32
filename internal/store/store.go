// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// All mutations of an athlete's pool, lots, orders and the wallets touched
// by its trades go through Atomic.
type Store interface {
	// --- Atomic athlete-scoped work ---

	// Atomic runs fn inside a single transaction scoped to athleteID. If fn
	// returns an error every write made through tx is rolled back.
	Atomic(ctx context.Context, athleteID string, fn func(tx Tx) error) error

	// --- Pools ---

	// CreatePool persists a newly minted pool. Duplicate athlete ids fail
	// with model.ErrConflict.
	CreatePool(ctx context.Context, pool *model.Pool) error

	// GetPool retrieves a pool by athlete id.
	GetPool(ctx context.Context, athleteID string) (*model.Pool, error)

	// ListPools returns all pools.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// --- Orders ---

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListUserOrders returns a user's orders, newest first. An empty status
	// matches every status.
	ListUserOrders(ctx context.Context, userID string, status model.OrderStatus) ([]model.Order, error)

	// ListPendingOrders returns the pending orders for one athlete and side.
	ListPendingOrders(ctx context.Context, athleteID string, side model.Side) ([]model.Order, error)

	// --- Lots ---

	// ListUserLots returns all of a user's lots, oldest first.
	ListUserLots(ctx context.Context, userID string) ([]model.Lot, error)

	// --- Transaction log ---

	// ListAthleteTransactions returns an athlete's transactions created at or
	// after since, oldest first.
	ListAthleteTransactions(ctx context.Context, athleteID string, since time.Time) ([]model.Transaction, error)

	// LastAthleteTransaction returns the athlete's latest transaction of type
	// typ created strictly before before. No match fails with
	// model.ErrNotFound.
	LastAthleteTransaction(ctx context.Context, athleteID string, typ model.Side, before time.Time) (*model.Transaction, error)

	// ListUserTransactions returns a user's transactions, oldest first.
	ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error)

	// --- Wallets ---

	// GetWallet returns a user's wallet. Unknown users get a zero balance.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// ApplyFiat credits a deposit or debits a withdrawal and records it.
	// Withdrawals beyond the balance fail with model.ErrInsufficientFunds.
	ApplyFiat(ctx context.Context, ft *model.FiatTransaction) (*model.Wallet, error)

	// ListFiatTransactions returns a user's most recent fiat movements,
	// newest first.
	ListFiatTransactions(ctx context.Context, userID string, limit int) ([]model.FiatTransaction, error)
}

// Tx is the set of reads and writes available inside Atomic. Reads observe
// writes made earlier in the same transaction.
type Tx interface {
	// LockPool loads the pool and holds it exclusively until the transaction
	// ends.
	LockPool(ctx context.Context, athleteID string) (*model.Pool, error)
	UpdatePool(ctx context.Context, pool *model.Pool) error

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	PendingOrders(ctx context.Context, athleteID string, side model.Side) ([]model.Order, error)
	InsertOrder(ctx context.Context, order *model.Order) error
	UpdateOrder(ctx context.Context, order *model.Order) error

	// UserLots returns a user's lots for one athlete, oldest first.
	UserLots(ctx context.Context, userID, athleteID string) ([]model.Lot, error)
	GetLot(ctx context.Context, id string) (*model.Lot, error)
	InsertLot(ctx context.Context, lot *model.Lot) error
	// UpdateLot persists quantity and reservation; a lot reaching zero
	// quantity is removed.
	UpdateLot(ctx context.Context, lot *model.Lot) error

	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	// AdjustBalance adds delta to a wallet. A result below zero fails with
	// model.ErrInsufficientFunds.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error

	InsertTransaction(ctx context.Context, t *model.Transaction) error
}
