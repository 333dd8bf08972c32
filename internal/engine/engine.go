// Package engine is the order matching and settlement engine. It decides
// whether a buy or sell executes immediately, partially, or rests in the
// pending order book, and keeps pools, lots, wallets and the transaction log
// consistent while doing so.
//
// Every state change for an athlete runs under that athlete's lock and inside
// one store transaction, so a request either applies in full or not at all.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/athlete"
	"github.com/athlex/market-engine/internal/events"
	"github.com/athlex/market-engine/internal/lock"
	"github.com/athlex/market-engine/internal/metrics"
	"github.com/athlex/market-engine/internal/model"
	"github.com/athlex/market-engine/internal/risk"
	"github.com/athlex/market-engine/internal/store"
)

// Options configures an Engine. Only Store is required.
type Options struct {
	Store     store.Store
	Locker    lock.Locker      // nil: in-process LocalLocker
	Publisher events.Publisher // nil: events are discarded
	Limiter   *risk.CommitmentLimiter
	MaxSupply int64 // 0: athlete.DefaultMaxSupply
	Now       func() time.Time
	Logger    *slog.Logger
}

// Engine executes orders for all athletes. It is safe for concurrent use.
type Engine struct {
	store     store.Store
	locker    lock.Locker
	publisher events.Publisher
	limiter   *risk.CommitmentLimiter
	maxSupply int64
	now       func() time.Time
	log       *slog.Logger
}

// New creates an engine from opts.
func New(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		locker:    opts.Locker,
		publisher: opts.Publisher,
		limiter:   opts.Limiter,
		maxSupply: opts.MaxSupply,
		now:       opts.Now,
		log:       opts.Logger,
	}
	if e.locker == nil {
		e.locker = lock.NewLocalLocker()
	}
	if e.publisher == nil {
		e.publisher = events.Nop{}
	}
	if e.maxSupply <= 0 {
		e.maxSupply = athlete.DefaultMaxSupply
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// MaxSupply returns the cap on any athlete's total supply.
func (e *Engine) MaxSupply() int64 { return e.maxSupply }

// OrderRequest is a buy or sell limit order. For buys LimitPrice is the
// highest acceptable price, for sells the lowest.
type OrderRequest struct {
	UserID     string          `json:"-"`
	AthleteID  string          `json:"athlete_id"`
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	// FillOrKill rejects the request unless it can be filled in full
	// immediately. Nothing is queued.
	FillOrKill bool `json:"fill_or_kill"`
}

func (r OrderRequest) validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user id is required", model.ErrValidation)
	case r.AthleteID == "":
		return fmt.Errorf("%w: athlete id is required", model.ErrValidation)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive, got %d", model.ErrValidation, r.Quantity)
	case !r.LimitPrice.IsPositive():
		return fmt.Errorf("%w: limit price must be positive, got %s", model.ErrValidation, r.LimitPrice)
	}
	return nil
}

// Outcome classifies an order result.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed" // filled in full, nothing queued
	OutcomePartial  Outcome = "partial"  // filled in part, remainder queued
	OutcomePending  Outcome = "pending"  // nothing filled, fully queued
)

// OrderResult reports what happened to an order request. Executed is set when
// any quantity filled and Pending when a remainder rests in the book, so a
// partial fill has both set.
type OrderResult struct {
	Outcome           Outcome             `json:"outcome"`
	Executed          bool                `json:"executed"`
	Pending           bool                `json:"pending"`
	FilledQuantity    int64               `json:"filled_quantity"`
	RemainingQuantity int64               `json:"remaining_quantity"`
	AveragePrice      decimal.Decimal     `json:"average_price"`
	Order             *model.Order        `json:"order"`
	Transactions      []model.Transaction `json:"transactions"` // the requester's fills
}

func newOrderResult(order *model.Order, txs []model.Transaction) *OrderResult {
	res := &OrderResult{
		Order:             order,
		Transactions:      txs,
		RemainingQuantity: order.Quantity,
		FilledQuantity:    order.OriginalQuantity - order.Quantity,
		AveragePrice:      decimal.Zero,
	}
	if res.Transactions == nil {
		res.Transactions = []model.Transaction{}
	}
	res.Executed = res.FilledQuantity > 0
	res.Pending = order.Status == model.StatusPending

	switch {
	case !res.Pending:
		res.Outcome = OutcomeExecuted
	case res.Executed:
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomePending
	}

	if res.FilledQuantity > 0 {
		notional := decimal.Zero
		for _, t := range txs {
			notional = notional.Add(t.Notional())
		}
		res.AveragePrice = notional.Div(decimal.NewFromInt(res.FilledQuantity)).Round(4)
	}
	return res
}

// CancelResult reports a successful cancellation.
type CancelResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Order   *model.Order `json:"order"`
}

// PlaceBuyOrder buys up to req.Quantity units at or below req.LimitPrice from
// the primary pool and resting sell orders, cheapest first. At equal price
// the pool is consumed before resting sells. Any unfilled remainder is queued
// as a pending buy unless req.FillOrKill is set.
//
// The buyer must be able to pay for every immediate fill; otherwise the whole
// request fails with model.ErrInsufficientFunds and nothing changes.
func (e *Engine) PlaceBuyOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	start := time.Now()
	res, err := e.placeBuy(ctx, req)
	e.observe(model.SideBuy, start, res, err)
	return res, err
}

// PlaceSellOrder sells req.Quantity units at or above req.LimitPrice against
// resting buy orders, highest bid first, each at the bid's limit price. The
// seller's lots are consumed oldest first. Any unfilled remainder is queued as
// a pending sell backed by reserved lot units unless req.FillOrKill is set.
func (e *Engine) PlaceSellOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	start := time.Now()
	res, err := e.placeSell(ctx, req)
	e.observe(model.SideSell, start, res, err)
	return res, err
}

func (e *Engine) placeBuy(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var (
		order  *model.Order
		settle *settlement
	)
	err := e.withAthlete(ctx, req.AthleteID, func(tx store.Tx) error {
		pool, err := tx.LockPool(ctx, req.AthleteID)
		if err != nil {
			return err
		}
		asks, err := tx.PendingOrders(ctx, req.AthleteID, model.SideSell)
		if err != nil {
			return err
		}
		sortAsks(asks)

		fills := matchBuy(pool, asks, req.UserID, req.Quantity, req.LimitPrice)
		filled := totalQty(fills)
		if req.FillOrKill && filled < req.Quantity {
			return fmt.Errorf("%w: fill-or-kill buy of %d can only fill %d", model.ErrConflict, req.Quantity, filled)
		}

		cost := totalNotional(fills)
		balance, err := tx.GetBalance(ctx, req.UserID)
		if err != nil {
			return err
		}
		if balance.LessThan(cost) {
			return fmt.Errorf("%w: buying %d units costs %s, balance is %s", model.ErrInsufficientFunds,
				filled, cost.StringFixed(2), balance.StringFixed(2))
		}

		remaining := req.Quantity - filled
		if remaining > 0 {
			if err := e.checkCommitment(ctx, req, balance.Sub(cost), remaining); err != nil {
				return err
			}
		}

		now := e.now()
		order = newOrder(req, model.SideBuy, now)
		settle = newSettlement(ctx, tx, now)

		for _, f := range fills {
			if f.order == nil {
				pool.AvailableSupply -= f.qty
				if err := settle.buyFromPool(pool, req.UserID, order, f.qty, f.price); err != nil {
					return err
				}
				continue
			}
			if err := settle.matchRestingSell(f.order, req.UserID, order, f.qty); err != nil {
				return err
			}
		}

		order.Quantity = remaining
		if remaining == 0 {
			order.Status = model.StatusFilled
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if order.Status == model.StatusPending {
			settle.emit(events.Event{Type: events.OrderPending, AthleteID: order.AthleteID, Price: order.LimitPrice, Order: order})
		}
		if err := e.repriceAndSweep(tx, settle, pool); err != nil {
			return err
		}
		if order.Status == model.StatusPending {
			// The sweep may have filled some of the remainder.
			if order, err = tx.GetOrder(ctx, order.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	settle.observe(req.AthleteID)
	e.observeBook(ctx, req.AthleteID)
	e.publish(ctx, settle.events)
	res := newOrderResult(order, settle.requesterTxs(order.ID))
	e.log.Info("order placed",
		"order_id", order.ID,
		"user", req.UserID,
		"athlete", req.AthleteID,
		"side", model.SideBuy,
		"qty", req.Quantity,
		"limit", req.LimitPrice.String(),
		"filled", res.FilledQuantity,
		"outcome", res.Outcome,
	)
	return res, nil
}

func (e *Engine) placeSell(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var (
		order  *model.Order
		settle *settlement
	)
	err := e.withAthlete(ctx, req.AthleteID, func(tx store.Tx) error {
		pool, err := tx.LockPool(ctx, req.AthleteID)
		if err != nil {
			return err
		}
		lots, err := tx.UserLots(ctx, req.UserID, req.AthleteID)
		if err != nil {
			return err
		}
		if have := sellable(lots); have < req.Quantity {
			return fmt.Errorf("%w: selling %d units but only %d are available to sell", model.ErrValidation, req.Quantity, have)
		}
		allocs := reserveFIFO(lots, req.Quantity)

		bids, err := tx.PendingOrders(ctx, req.AthleteID, model.SideBuy)
		if err != nil {
			return err
		}
		sortBids(bids)
		balances := make(map[string]decimal.Decimal)
		for _, b := range bids {
			if _, ok := balances[b.UserID]; ok || b.UserID == req.UserID {
				continue
			}
			if balances[b.UserID], err = tx.GetBalance(ctx, b.UserID); err != nil {
				return err
			}
		}

		fills, skipped := matchSell(bids, req.UserID, req.Quantity, req.LimitPrice, balances)
		filled := totalQty(fills)
		if req.FillOrKill && filled < req.Quantity {
			return fmt.Errorf("%w: fill-or-kill sell of %d can only fill %d", model.ErrConflict, req.Quantity, filled)
		}
		if len(skipped) > 0 {
			e.log.Warn("skipped unfunded buy orders", "athlete", req.AthleteID, "orders", skipped)
		}

		now := e.now()
		order = newOrder(req, model.SideSell, now)
		settle = newSettlement(ctx, tx, now)

		for _, f := range fills {
			var taken []model.LotAllocation
			taken, allocs = takeAllocations(allocs, f.qty)
			if err := settle.matchRestingBuy(f.order, req.UserID, order, taken, f.qty); err != nil {
				return err
			}
		}

		order.Quantity = req.Quantity - filled
		if order.Quantity == 0 {
			order.Status = model.StatusFilled
		} else {
			if err := settle.reserve(allocs); err != nil {
				return err
			}
			order.Allocations = allocs
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if order.Status == model.StatusPending {
			settle.emit(events.Event{Type: events.OrderPending, AthleteID: order.AthleteID, Price: order.LimitPrice, Order: order})
		}
		return e.repriceAndSweep(tx, settle, pool)
	})
	if err != nil {
		return nil, err
	}

	settle.observe(req.AthleteID)
	e.observeBook(ctx, req.AthleteID)
	e.publish(ctx, settle.events)
	res := newOrderResult(order, settle.requesterTxs(order.ID))
	e.log.Info("order placed",
		"order_id", order.ID,
		"user", req.UserID,
		"athlete", req.AthleteID,
		"side", model.SideSell,
		"qty", req.Quantity,
		"limit", req.LimitPrice.String(),
		"filled", res.FilledQuantity,
		"outcome", res.Outcome,
	)
	return res, nil
}

// CancelPendingBuy cancels the caller's pending buy order. No funds are held
// for pending buys so the wallet is untouched.
func (e *Engine) CancelPendingBuy(ctx context.Context, orderID, callerID string) (*CancelResult, error) {
	return e.cancel(ctx, model.SideBuy, orderID, callerID)
}

// CancelPendingSell cancels the caller's pending sell order and makes the lot
// units it reserved sellable again.
func (e *Engine) CancelPendingSell(ctx context.Context, orderID, callerID string) (*CancelResult, error) {
	return e.cancel(ctx, model.SideSell, orderID, callerID)
}

func (e *Engine) cancel(ctx context.Context, side model.Side, orderID, callerID string) (*CancelResult, error) {
	if orderID == "" || callerID == "" {
		return nil, fmt.Errorf("%w: order id and caller are required", model.ErrValidation)
	}
	// Find the athlete to lock. Ownership and status are checked again
	// under the lock.
	existing, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing.Side != side {
		return nil, fmt.Errorf("%w: order %s is a %s order", model.ErrValidation, orderID, existing.Side)
	}

	var order *model.Order
	err = e.withAthlete(ctx, existing.AthleteID, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != callerID {
			return fmt.Errorf("%w: order %s does not belong to caller", model.ErrValidation, orderID)
		}
		if o.Status != model.StatusPending {
			return fmt.Errorf("%w: order %s is no longer pending (%s)", model.ErrConflict, orderID, o.Status)
		}

		settle := newSettlement(ctx, tx, e.now())
		if err := settle.release(o.Allocations); err != nil {
			return err
		}
		o.Status = model.StatusCancelled
		o.Allocations = nil
		o.UpdatedAt = settle.now
		order = o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		metrics.OrderRejections.WithLabelValues(string(side), "cancel_"+model.ErrorKind(err)).Inc()
		return nil, err
	}

	metrics.CancellationsTotal.WithLabelValues(string(side)).Inc()
	e.observeBook(ctx, order.AthleteID)
	e.publish(ctx, []events.Event{{Type: events.OrderCancelled, AthleteID: order.AthleteID, Price: order.LimitPrice, Order: order, At: order.UpdatedAt}})
	e.log.Info("order cancelled",
		"order_id", order.ID,
		"user", callerID,
		"athlete", order.AthleteID,
		"side", side,
		"remaining", order.Quantity,
	)
	return &CancelResult{Success: true, Message: "order cancelled", Order: order}, nil
}

// withAthlete runs fn under the athlete's lock inside one store transaction.
func (e *Engine) withAthlete(ctx context.Context, athleteID string, fn func(tx store.Tx) error) error {
	unlock, err := e.locker.Lock(ctx, athleteID)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return fmt.Errorf("%w: athlete %s is busy, retry: %w", model.ErrConflict, athleteID, err)
		}
		return err
	}
	defer unlock()
	return e.store.Atomic(ctx, athleteID, fn)
}

func (e *Engine) checkCommitment(ctx context.Context, req OrderRequest, balance decimal.Decimal, remaining int64) error {
	if !e.limiter.Enabled() {
		return nil
	}
	open, err := e.store.ListUserOrders(ctx, req.UserID, model.StatusPending)
	if err != nil {
		return err
	}
	added := req.LimitPrice.Mul(decimal.NewFromInt(remaining))
	if err := e.limiter.CheckLimit(balance, open, added); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInsufficientFunds, err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, evts []events.Event) {
	if len(evts) == 0 {
		return
	}
	for _, evt := range evts {
		if evt.Type == events.OrderFilled && evt.Order != nil {
			e.log.Info("order filled",
				"order_id", evt.Order.ID,
				"user", evt.Order.UserID,
				"athlete", evt.AthleteID,
				"side", evt.Order.Side,
			)
		}
	}
	e.publisher.Publish(ctx, evts...)
}

// observeBook refreshes the resting order gauges for one athlete. Call it
// only after commit.
func (e *Engine) observeBook(ctx context.Context, athleteID string) {
	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		orders, err := e.store.ListPendingOrders(ctx, athleteID, side)
		if err != nil {
			e.log.Warn("book gauge refresh failed", "athlete", athleteID, "err", err)
			return
		}
		metrics.PendingOrders.WithLabelValues(athleteID, string(side)).Set(float64(len(orders)))
	}
}

func (e *Engine) observe(side model.Side, start time.Time, res *OrderResult, err error) {
	metrics.OrderLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OrderRejections.WithLabelValues(string(side), model.ErrorKind(err)).Inc()
		return
	}
	metrics.OrdersTotal.WithLabelValues(string(side), string(res.Outcome)).Inc()
}

func newOrder(req OrderRequest, side model.Side, now time.Time) *model.Order {
	return &model.Order{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		AthleteID:        req.AthleteID,
		Side:             side,
		Quantity:         req.Quantity,
		OriginalQuantity: req.Quantity,
		LimitPrice:       req.LimitPrice,
		Status:           model.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
