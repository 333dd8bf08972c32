package engine

import (
	"context"

	"github.com/athlex/market-engine/internal/model"
)

// Book is the pending order book for one athlete in match priority: bids
// highest price first, asks lowest price first, earlier orders first on ties.
type Book struct {
	AthleteID string        `json:"athlete_id"`
	Bids      []model.Order `json:"bids"`
	Asks      []model.Order `json:"asks"`
}

// Book returns the committed pending orders for athleteID. It reads outside
// the athlete lock and may trail in-flight requests.
func (e *Engine) Book(ctx context.Context, athleteID string) (*Book, error) {
	if _, err := e.store.GetPool(ctx, athleteID); err != nil {
		return nil, err
	}
	bids, err := e.store.ListPendingOrders(ctx, athleteID, model.SideBuy)
	if err != nil {
		return nil, err
	}
	asks, err := e.store.ListPendingOrders(ctx, athleteID, model.SideSell)
	if err != nil {
		return nil, err
	}
	sortBids(bids)
	sortAsks(asks)

	if bids == nil {
		bids = []model.Order{}
	}
	if asks == nil {
		asks = []model.Order{}
	}
	return &Book{AthleteID: athleteID, Bids: bids, Asks: asks}, nil
}
