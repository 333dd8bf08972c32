package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/events"
	"github.com/athlex/market-engine/internal/metrics"
	"github.com/athlex/market-engine/internal/model"
	"github.com/athlex/market-engine/internal/store"
)

// settlement applies planned fills through one store transaction and
// collects the resulting transactions and events for publishing after
// commit.
type settlement struct {
	ctx context.Context
	tx  store.Tx
	now time.Time

	txs    []model.Transaction
	events []events.Event
	last   decimal.Decimal // price of the most recent fill

	poolFills  int
	orderFills int
	units      int64
}

func newSettlement(ctx context.Context, tx store.Tx, now time.Time) *settlement {
	return &settlement{ctx: ctx, tx: tx, now: now}
}

func (s *settlement) emit(evt events.Event) {
	if evt.At.IsZero() {
		evt.At = s.now
	}
	s.events = append(s.events, evt)
}

// buyFromPool moves qty newly issued units to buyerID at price. The caller
// has already taken them out of the pool's available supply. order is the
// buyer's order, incoming or resting.
func (s *settlement) buyFromPool(pool *model.Pool, buyerID string, order *model.Order, qty int64, price decimal.Decimal) error {
	if err := s.tx.AdjustBalance(s.ctx, buyerID, notional(price, qty).Neg()); err != nil {
		return err
	}
	if err := s.newLot(buyerID, pool.AthleteID, qty, price); err != nil {
		return err
	}
	s.poolFills++
	s.units += qty
	return s.record(model.Transaction{
		UserID:           buyerID,
		AthleteID:        pool.AthleteID,
		Type:             model.SideBuy,
		Quantity:         qty,
		Price:            price,
		OriginalQuantity: order.OriginalQuantity,
		OrderID:          order.ID,
		Counterparty:     model.PoolCounterparty,
		CostBasis:        decimal.Zero,
	})
}

// matchRestingSell fills qty units of the resting sell ask for an incoming
// buy at the ask's limit price.
func (s *settlement) matchRestingSell(ask *model.Order, buyerID string, order *model.Order, qty int64) error {
	price := ask.LimitPrice
	var taken []model.LotAllocation
	taken, ask.Allocations = takeAllocations(ask.Allocations, qty)
	if totalAllocated(taken) != qty {
		return fmt.Errorf("%w: sell order %s is backed by fewer than %d units", model.ErrConflict, ask.ID, qty)
	}
	basis, err := s.consume(taken, true)
	if err != nil {
		return err
	}
	if err := s.transfer(buyerID, ask.UserID, notional(price, qty)); err != nil {
		return err
	}
	if err := s.newLot(buyerID, ask.AthleteID, qty, price); err != nil {
		return err
	}
	if err := s.fillResting(ask, qty); err != nil {
		return err
	}

	s.orderFills++
	s.units += qty
	if err := s.record(model.Transaction{
		UserID:           buyerID,
		AthleteID:        ask.AthleteID,
		Type:             model.SideBuy,
		Quantity:         qty,
		Price:            price,
		OriginalQuantity: order.OriginalQuantity,
		OrderID:          order.ID,
		Counterparty:     ask.UserID,
		CostBasis:        decimal.Zero,
	}); err != nil {
		return err
	}
	return s.record(model.Transaction{
		UserID:           ask.UserID,
		AthleteID:        ask.AthleteID,
		Type:             model.SideSell,
		Quantity:         qty,
		Price:            price,
		OriginalQuantity: ask.OriginalQuantity,
		OrderID:          ask.ID,
		Counterparty:     buyerID,
		CostBasis:        basis,
	})
}

// matchRestingBuy fills qty units of the resting buy bid for an incoming
// sell at the bid's limit price. taken are the seller's lot units backing
// this fill.
func (s *settlement) matchRestingBuy(bid *model.Order, sellerID string, order *model.Order, taken []model.LotAllocation, qty int64) error {
	price := bid.LimitPrice
	basis, err := s.consume(taken, false)
	if err != nil {
		return err
	}
	if err := s.transfer(bid.UserID, sellerID, notional(price, qty)); err != nil {
		return err
	}
	if err := s.newLot(bid.UserID, bid.AthleteID, qty, price); err != nil {
		return err
	}
	if err := s.fillResting(bid, qty); err != nil {
		return err
	}

	s.orderFills++
	s.units += qty
	if err := s.record(model.Transaction{
		UserID:           bid.UserID,
		AthleteID:        bid.AthleteID,
		Type:             model.SideBuy,
		Quantity:         qty,
		Price:            price,
		OriginalQuantity: bid.OriginalQuantity,
		OrderID:          bid.ID,
		Counterparty:     sellerID,
		CostBasis:        decimal.Zero,
	}); err != nil {
		return err
	}
	return s.record(model.Transaction{
		UserID:           sellerID,
		AthleteID:        bid.AthleteID,
		Type:             model.SideSell,
		Quantity:         qty,
		Price:            price,
		OriginalQuantity: order.OriginalQuantity,
		OrderID:          order.ID,
		Counterparty:     bid.UserID,
		CostBasis:        basis,
	})
}

// fillResting takes qty off a resting order and marks it filled at zero.
func (s *settlement) fillResting(o *model.Order, qty int64) error {
	o.Quantity -= qty
	o.UpdatedAt = s.now
	if o.Quantity == 0 {
		o.Status = model.StatusFilled
		o.Allocations = nil
	}
	if err := s.tx.UpdateOrder(s.ctx, o); err != nil {
		return err
	}
	if o.Status == model.StatusFilled {
		filled := *o
		s.emit(events.Event{Type: events.OrderFilled, AthleteID: o.AthleteID, Price: o.LimitPrice, Order: &filled})
	}
	return nil
}

// transfer debits the buyer and credits the seller.
func (s *settlement) transfer(buyerID, sellerID string, amount decimal.Decimal) error {
	if err := s.tx.AdjustBalance(s.ctx, buyerID, amount.Neg()); err != nil {
		return err
	}
	return s.tx.AdjustBalance(s.ctx, sellerID, amount)
}

func (s *settlement) newLot(ownerID, athleteID string, qty int64, unitCost decimal.Decimal) error {
	return s.tx.InsertLot(s.ctx, &model.Lot{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		AthleteID:  athleteID,
		Quantity:   qty,
		UnitCost:   unitCost,
		AcquiredAt: s.now,
	})
}

// consume removes allocated units from their lots and returns their cost
// basis. reserved is set when the units were held by a pending sell order.
func (s *settlement) consume(allocs []model.LotAllocation, reserved bool) (decimal.Decimal, error) {
	basis := decimal.Zero
	for _, a := range allocs {
		lot, err := s.tx.GetLot(s.ctx, a.LotID)
		if err != nil {
			return decimal.Zero, err
		}
		if lot.Quantity < a.Quantity || (reserved && lot.Reserved < a.Quantity) {
			return decimal.Zero, fmt.Errorf("%w: lot %s holds %d (%d reserved), cannot consume %d",
				model.ErrConflict, lot.ID, lot.Quantity, lot.Reserved, a.Quantity)
		}
		lot.Quantity -= a.Quantity
		if reserved {
			lot.Reserved -= a.Quantity
		}
		basis = basis.Add(notional(lot.UnitCost, a.Quantity))
		if err := s.tx.UpdateLot(s.ctx, lot); err != nil {
			return decimal.Zero, err
		}
	}
	return basis, nil
}

// reserve commits lot units to a pending sell order.
func (s *settlement) reserve(allocs []model.LotAllocation) error {
	for _, a := range allocs {
		lot, err := s.tx.GetLot(s.ctx, a.LotID)
		if err != nil {
			return err
		}
		if lot.Sellable() < a.Quantity {
			return fmt.Errorf("%w: lot %s has %d sellable units, cannot reserve %d",
				model.ErrConflict, lot.ID, lot.Sellable(), a.Quantity)
		}
		lot.Reserved += a.Quantity
		if err := s.tx.UpdateLot(s.ctx, lot); err != nil {
			return err
		}
	}
	return nil
}

// release returns reserved lot units to the sellable pool.
func (s *settlement) release(allocs []model.LotAllocation) error {
	for _, a := range allocs {
		lot, err := s.tx.GetLot(s.ctx, a.LotID)
		if err != nil {
			return err
		}
		if lot.Reserved < a.Quantity {
			return fmt.Errorf("%w: lot %s has %d reserved, cannot release %d",
				model.ErrConflict, lot.ID, lot.Reserved, a.Quantity)
		}
		lot.Reserved -= a.Quantity
		if err := s.tx.UpdateLot(s.ctx, lot); err != nil {
			return err
		}
	}
	return nil
}

// record appends an executed fill to the transaction log.
func (s *settlement) record(t model.Transaction) error {
	t.ID = uuid.NewString()
	t.CreatedAt = s.now
	if err := s.tx.InsertTransaction(s.ctx, &t); err != nil {
		return err
	}
	s.txs = append(s.txs, t)
	s.last = t.Price
	s.emit(events.Event{Type: events.TransactionExecuted, AthleteID: t.AthleteID, Price: t.Price, Transaction: &t})
	return nil
}

// updatePrice sets the pool's current price to the last fill price and
// persists the pool. Without fills the pool is left untouched.
func (s *settlement) updatePrice(pool *model.Pool) error {
	if len(s.txs) == 0 {
		return nil
	}
	prev := pool.CurrentPrice
	pool.CurrentPrice = s.last
	pool.UpdatedAt = s.now
	if err := s.tx.UpdatePool(s.ctx, pool); err != nil {
		return err
	}
	if !prev.Equal(s.last) {
		s.emit(events.Event{Type: events.PriceUpdated, AthleteID: pool.AthleteID, Price: s.last})
	}
	return nil
}

// requesterTxs returns the transactions recorded against orderID.
func (s *settlement) requesterTxs(orderID string) []model.Transaction {
	var out []model.Transaction
	for _, t := range s.txs {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out
}

// observe records fill metrics. Call only after commit.
func (s *settlement) observe(athleteID string) {
	if s.poolFills > 0 {
		metrics.FillsTotal.WithLabelValues("pool").Add(float64(s.poolFills))
	}
	if s.orderFills > 0 {
		metrics.FillsTotal.WithLabelValues("order").Add(float64(s.orderFills))
	}
	if s.units > 0 {
		metrics.FilledUnits.WithLabelValues(athleteID).Add(float64(s.units))
	}
}

func notional(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty))
}
