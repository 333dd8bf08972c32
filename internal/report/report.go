// Package report derives read models from committed state: per-athlete
// market stats over a trailing window and per-user portfolios with P&L.
// Nothing here mutates the store.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/athlete"
	"github.com/athlex/market-engine/internal/model"
	"github.com/athlex/market-engine/internal/store"
)

// DefaultWindow is the trailing window used for market stats.
const DefaultWindow = 24 * time.Hour

// StatsCache stores computed stats between trades. store.CachedStore
// implements it.
type StatsCache interface {
	GetStats(ctx context.Context, athleteID string) (*model.MarketStats, bool)
	SetStats(ctx context.Context, stats *model.MarketStats, ttl time.Duration)
}

// Service computes read models.
type Service struct {
	store    store.Store
	cache    StatsCache
	window   time.Duration
	cacheTTL time.Duration
	now      func() time.Time
}

// NewService creates a report service. cache may be nil.
func NewService(st store.Store, cache StatsCache) *Service {
	return &Service{
		store:    st,
		cache:    cache,
		window:   DefaultWindow,
		cacheTTL: 30 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Stats returns the trailing-window market stats for an athlete.
//
// Only buy-type transactions are counted: every fill records one buy row, so
// counting sells as well would double count matched pairs.
func (s *Service) Stats(ctx context.Context, athleteID string) (*model.MarketStats, error) {
	if s.cache != nil {
		if st, ok := s.cache.GetStats(ctx, athleteID); ok {
			return st, nil
		}
	}

	pool, err := s.store.GetPool(ctx, athleteID)
	if err != nil {
		return nil, err
	}
	end := s.now()
	start := end.Add(-s.window)
	window, err := s.store.ListAthleteTransactions(ctx, athleteID, start)
	if err != nil {
		return nil, fmt.Errorf("athlete %s transactions: %w", athleteID, err)
	}
	before, err := s.store.LastAthleteTransaction(ctx, athleteID, model.SideBuy, start)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("athlete %s opening trade: %w", athleteID, err)
	}
	st := &model.MarketStats{
		AthleteID:      athleteID,
		LastPrice:      pool.CurrentPrice,
		NotionalVolume: decimal.Zero,
		ChangePct:      decimal.Zero,
		MarketCap:      athlete.MarketCap(pool.CurrentPrice, pool.TotalSupply),
		WindowStart:    start,
		WindowEnd:      end,
	}

	var first *model.Transaction
	for i := range window {
		t := &window[i]
		if t.Type != model.SideBuy {
			continue
		}
		if first == nil {
			first = t
		}
		st.Volume += t.Quantity
		st.NotionalVolume = st.NotionalVolume.Add(t.Notional())
		st.Trades++
	}

	switch {
	case before != nil:
		st.OpenPrice = before.Price
	case first != nil:
		st.OpenPrice = first.Price
	default:
		st.OpenPrice = pool.CurrentPrice
	}
	if st.OpenPrice.IsPositive() {
		st.ChangePct = st.LastPrice.Sub(st.OpenPrice).
			Div(st.OpenPrice).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}

	if s.cache != nil {
		s.cache.SetStats(ctx, st, s.cacheTTL)
	}
	return st, nil
}

// Portfolio aggregates a user's lots into holdings valued at each athlete's
// current price, plus realized P&L from the user's sells.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	lots, err := s.store.ListUserLots(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user %s lots: %w", userID, err)
	}
	txs, err := s.store.ListUserTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user %s transactions: %w", userID, err)
	}

	p := &model.Portfolio{
		UserID:        userID,
		Balance:       wallet.Balance,
		Holdings:      []model.Holding{},
		TotalInvested: decimal.Zero,
		TotalValue:    decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}

	byAthlete := make(map[string]*model.Holding)
	for _, l := range lots {
		h, ok := byAthlete[l.AthleteID]
		if !ok {
			h = &model.Holding{AthleteID: l.AthleteID, CostBasis: decimal.Zero}
			byAthlete[l.AthleteID] = h
		}
		h.Quantity += l.Quantity
		h.Reserved += l.Reserved
		h.CostBasis = h.CostBasis.Add(l.UnitCost.Mul(decimal.NewFromInt(l.Quantity)))
		h.Lots = append(h.Lots, l)
	}

	for athleteID, h := range byAthlete {
		pool, err := s.store.GetPool(ctx, athleteID)
		if err != nil {
			return nil, err
		}
		qty := decimal.NewFromInt(h.Quantity)
		h.CurrentPrice = pool.CurrentPrice
		h.CurrentValue = pool.CurrentPrice.Mul(qty)
		h.AverageCost = h.CostBasis.Div(qty).Round(4)
		h.UnrealizedPnL = h.CurrentValue.Sub(h.CostBasis)

		p.TotalInvested = p.TotalInvested.Add(h.CostBasis)
		p.TotalValue = p.TotalValue.Add(h.CurrentValue)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(h.UnrealizedPnL)
		p.Holdings = append(p.Holdings, *h)
	}
	sort.Slice(p.Holdings, func(i, j int) bool {
		return p.Holdings[i].AthleteID < p.Holdings[j].AthleteID
	})

	for _, t := range txs {
		if t.Type == model.SideSell {
			p.RealizedPnL = p.RealizedPnL.Add(t.Notional().Sub(t.CostBasis))
		}
	}
	return p, nil
}
