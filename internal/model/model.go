// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or transaction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the lifecycle state of a resting order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusCancelled OrderStatus = "cancelled"
	StatusFilled    OrderStatus = "filled"
)

// PoolCounterparty is the counterparty recorded on transactions filled from
// primary issuance.
const PoolCounterparty = "pool"

// Pool is the primary issuance inventory for one athlete.
//
// Invariant: sum(lot quantities for the athlete) + AvailableSupply == TotalSupply.
type Pool struct {
	AthleteID       string          `json:"athlete_id" db:"athlete_id"`
	Name            string          `json:"name" db:"name"`
	OwnerID         string          `json:"owner_id" db:"owner_id"` // only the owner may mint or reprice
	TotalSupply     int64           `json:"total_supply" db:"total_supply"`
	AvailableSupply int64           `json:"available_supply" db:"available_supply"`
	IssuePrice      decimal.Decimal `json:"issue_price" db:"issue_price"`     // administratively configured
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"` // last executed trade, else IssuePrice
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Lot is a discrete quantity of tokens acquired at one price and time.
// Lots are never merged: each keeps its own cost basis for FIFO accounting.
type Lot struct {
	ID         string          `json:"id" db:"id"`
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	AthleteID  string          `json:"athlete_id" db:"athlete_id"`
	Quantity   int64           `json:"quantity" db:"quantity"` // owned units, including reserved
	Reserved   int64           `json:"reserved" db:"reserved"` // units committed to pending sell orders
	UnitCost   decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	AcquiredAt time.Time       `json:"acquired_at" db:"acquired_at"`
}

// Sellable returns the units not yet committed to a pending sell order.
func (l Lot) Sellable() int64 {
	return l.Quantity - l.Reserved
}

// LotAllocation records how many units of one lot back a pending sell order.
type LotAllocation struct {
	LotID    string `json:"lot_id"`
	Quantity int64  `json:"quantity"`
}

// Order is a resting limit order in the pending order book. For buys the
// limit price is a ceiling, for sells a floor.
type Order struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	AthleteID        string          `json:"athlete_id" db:"athlete_id"`
	Side             Side            `json:"side" db:"side"`
	Quantity         int64           `json:"quantity" db:"quantity"` // remaining
	OriginalQuantity int64           `json:"original_quantity" db:"original_quantity"`
	LimitPrice       decimal.Decimal `json:"limit_price" db:"limit_price"`
	Status           OrderStatus     `json:"status" db:"status"`
	Allocations      []LotAllocation `json:"allocations,omitempty" db:"allocations"` // sells only, FIFO by lot
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of one executed fill.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	AthleteID        string          `json:"athlete_id" db:"athlete_id"`
	Type             Side            `json:"type" db:"type"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	Price            decimal.Decimal `json:"price" db:"price"` // execution price
	OriginalQuantity int64           `json:"original_quantity" db:"original_quantity"`
	OrderID          string          `json:"order_id,omitempty" db:"order_id"`
	Counterparty     string          `json:"counterparty" db:"counterparty"` // user id or "pool"
	CostBasis        decimal.Decimal `json:"cost_basis" db:"cost_basis"`     // sells: FIFO cost of the units sold
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Notional returns quantity × price.
func (t Transaction) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// PartialFill reports whether this fill covered less than the requested quantity.
func (t Transaction) PartialFill() bool {
	return t.Quantity < t.OriginalQuantity
}

// Wallet is a user's spendable fiat balance.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// FiatType distinguishes deposits from withdrawals.
type FiatType string

const (
	FiatDeposit  FiatType = "deposit"
	FiatWithdraw FiatType = "withdraw"
)

// FiatTransaction records a deposit into or withdrawal from a wallet.
type FiatTransaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Type      FiatType        `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Holding is a user's aggregate position in one athlete, derived from lots.
type Holding struct {
	AthleteID     string          `json:"athlete_id"`
	Quantity      int64           `json:"quantity"`
	Reserved      int64           `json:"reserved"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Lots          []Lot           `json:"lots"`
}

// Portfolio aggregates all holdings for a user with P&L.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	Holdings      []Holding       `json:"holdings"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalValue    decimal.Decimal `json:"total_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// MarketStats is the 24h read model for one athlete.
type MarketStats struct {
	AthleteID      string          `json:"athlete_id"`
	LastPrice      decimal.Decimal `json:"last_price"`
	OpenPrice      decimal.Decimal `json:"open_price"` // price at the start of the window
	ChangePct      decimal.Decimal `json:"change_pct"`
	Volume         int64           `json:"volume"`
	NotionalVolume decimal.Decimal `json:"notional_volume"`
	Trades         int             `json:"trades"`
	MarketCap      decimal.Decimal `json:"market_cap"`
	WindowStart    time.Time       `json:"window_start"`
	WindowEnd      time.Time       `json:"window_end"`
}
