package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/athlete"
	"github.com/athlex/market-engine/internal/events"
	"github.com/athlex/market-engine/internal/metrics"
	"github.com/athlex/market-engine/internal/model"
	"github.com/athlex/market-engine/internal/store"
)

// PoolRequest mints a new athlete pool. OwnerID is the caller, never taken
// from the request body.
type PoolRequest struct {
	OwnerID     string          `json:"-"`
	AthleteID   string          `json:"athlete_id"`
	Name        string          `json:"name"`
	TotalSupply int64           `json:"total_supply"`
	Price       decimal.Decimal `json:"price"`
}

// CreatePool mints a pool whose whole supply is available for primary
// issuance at req.Price. The caller becomes the pool's owner.
func (e *Engine) CreatePool(ctx context.Context, req PoolRequest) (*model.Pool, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: pool owner is required", model.ErrValidation)
	}
	iss, err := athlete.NewIssuance(req.AthleteID, req.Name, req.TotalSupply, req.Price, e.maxSupply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}

	now := e.now()
	pool := &model.Pool{
		AthleteID:       iss.AthleteID,
		Name:            iss.Name,
		OwnerID:         req.OwnerID,
		TotalSupply:     iss.TotalSupply,
		AvailableSupply: iss.TotalSupply,
		IssuePrice:      iss.Price,
		CurrentPrice:    iss.Price,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreatePool(ctx, pool); err != nil {
		return nil, err
	}

	metrics.ActivePools.Inc()
	e.publish(ctx, []events.Event{{Type: events.SupplyChanged, AthleteID: pool.AthleteID, Price: pool.CurrentPrice, Pool: pool, At: now}})
	e.log.Info("pool created",
		"athlete", pool.AthleteID,
		"name", pool.Name,
		"owner", pool.OwnerID,
		"supply", pool.TotalSupply,
		"price", pool.CurrentPrice.String(),
	)
	return pool, nil
}

// GenerateSupply adds amount units to an athlete's total and available
// supply. Only the pool's owner may call it. Pending buys that the enlarged
// pool can now satisfy are filled.
func (e *Engine) GenerateSupply(ctx context.Context, athleteID, callerID string, amount int64) (*model.Pool, error) {
	var (
		pool   *model.Pool
		settle *settlement
	)
	err := e.withAthlete(ctx, athleteID, func(tx store.Tx) error {
		p, err := tx.LockPool(ctx, athleteID)
		if err != nil {
			return err
		}
		if err := checkOwner(p, callerID); err != nil {
			return err
		}
		if err := athlete.ValidateGeneration(p.TotalSupply, amount, e.maxSupply); err != nil {
			return fmt.Errorf("%w: %w", model.ErrValidation, err)
		}

		settle = newSettlement(ctx, tx, e.now())
		p.TotalSupply += amount
		p.AvailableSupply += amount
		p.UpdatedAt = settle.now
		if err := e.sweepPool(tx, settle, p); err != nil {
			return err
		}
		pool = p
		return tx.UpdatePool(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	settle.observe(athleteID)
	e.observeBook(ctx, athleteID)
	settle.emit(events.Event{Type: events.SupplyChanged, AthleteID: athleteID, Price: pool.CurrentPrice, Pool: pool})
	e.publish(ctx, settle.events)
	e.log.Info("supply generated",
		"athlete", athleteID,
		"amount", amount,
		"total", pool.TotalSupply,
		"available", pool.AvailableSupply,
		"fills", len(settle.txs),
	)
	return pool, nil
}

// UpdatePrice sets an athlete's issue and current price. Only the pool's
// owner may call it. Pending buys at or above the new price are filled from
// any available supply.
func (e *Engine) UpdatePrice(ctx context.Context, athleteID, callerID string, price decimal.Decimal) (*model.Pool, error) {
	if err := athlete.ValidatePrice(price); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}

	var (
		pool   *model.Pool
		settle *settlement
	)
	err := e.withAthlete(ctx, athleteID, func(tx store.Tx) error {
		p, err := tx.LockPool(ctx, athleteID)
		if err != nil {
			return err
		}
		if err := checkOwner(p, callerID); err != nil {
			return err
		}
		settle = newSettlement(ctx, tx, e.now())
		p.IssuePrice = price
		p.CurrentPrice = price
		p.UpdatedAt = settle.now
		if err := e.sweepPool(tx, settle, p); err != nil {
			return err
		}
		pool = p
		return tx.UpdatePool(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	settle.observe(athleteID)
	e.observeBook(ctx, athleteID)
	settle.emit(events.Event{Type: events.PriceUpdated, AthleteID: athleteID, Price: price})
	e.publish(ctx, settle.events)
	e.log.Info("price updated",
		"athlete", athleteID,
		"price", price.String(),
		"fills", len(settle.txs),
	)
	return pool, nil
}

func checkOwner(p *model.Pool, callerID string) error {
	if callerID == "" || p.OwnerID != callerID {
		return fmt.Errorf("%w: only the owner of %s may manage its pool", model.ErrValidation, p.AthleteID)
	}
	return nil
}

// repriceAndSweep moves the pool to the last fill price. When that lowers
// the price, resting buys the pool can now satisfy are filled from it.
func (e *Engine) repriceAndSweep(tx store.Tx, s *settlement, p *model.Pool) error {
	prev := p.CurrentPrice
	if err := s.updatePrice(p); err != nil {
		return err
	}
	if !p.CurrentPrice.LessThan(prev) || p.AvailableSupply == 0 {
		return nil
	}
	fills := len(s.txs)
	if err := e.sweepPool(tx, s, p); err != nil {
		return err
	}
	if len(s.txs) == fills {
		return nil
	}
	p.UpdatedAt = s.now
	return tx.UpdatePool(s.ctx, p)
}

// sweepPool fills resting buys from the pool at its current price, highest
// bid first. Bids are funded at fill time: an owner who cannot pay for the
// whole match gets the units they can afford and the rest stays pending.
// The caller persists p.
func (e *Engine) sweepPool(tx store.Tx, s *settlement, p *model.Pool) error {
	if p.AvailableSupply == 0 {
		return nil
	}
	bids, err := tx.PendingOrders(s.ctx, p.AthleteID, model.SideBuy)
	if err != nil {
		return err
	}
	sortBids(bids)

	price := p.CurrentPrice
	for i := range bids {
		bid := &bids[i]
		if p.AvailableSupply == 0 || bid.LimitPrice.LessThan(price) {
			break
		}
		balance, err := tx.GetBalance(s.ctx, bid.UserID)
		if err != nil {
			return err
		}
		q := affordable(balance, price, min(bid.Quantity, p.AvailableSupply))
		if q == 0 {
			e.log.Warn("skipped unfunded buy order", "athlete", p.AthleteID, "order_id", bid.ID)
			continue
		}

		p.AvailableSupply -= q
		if err := s.buyFromPool(p, bid.UserID, bid, q, price); err != nil {
			return err
		}
		if err := s.fillResting(bid, q); err != nil {
			return err
		}
	}
	return nil
}
