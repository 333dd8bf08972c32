package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/model"
)

// fill is one planned execution. A nil order means primary issuance.
type fill struct {
	order *model.Order
	qty   int64
	price decimal.Decimal
}

func (f fill) notional() decimal.Decimal {
	return notional(f.price, f.qty)
}

func totalQty(fills []fill) int64 {
	var n int64
	for _, f := range fills {
		n += f.qty
	}
	return n
}

func totalNotional(fills []fill) decimal.Decimal {
	sum := decimal.Zero
	for _, f := range fills {
		sum = sum.Add(f.notional())
	}
	return sum
}

// sortAsks orders resting sells by ascending limit price, oldest first.
// The sort is stable so the store's insertion order breaks timestamp ties.
func sortAsks(asks []model.Order) {
	sort.SliceStable(asks, func(i, j int) bool {
		if c := asks[i].LimitPrice.Cmp(asks[j].LimitPrice); c != 0 {
			return c < 0
		}
		return asks[i].CreatedAt.Before(asks[j].CreatedAt)
	})
}

// sortBids orders resting buys by descending limit price, oldest first.
func sortBids(bids []model.Order) {
	sort.SliceStable(bids, func(i, j int) bool {
		if c := bids[i].LimitPrice.Cmp(bids[j].LimitPrice); c != 0 {
			return c > 0
		}
		return bids[i].CreatedAt.Before(bids[j].CreatedAt)
	})
}

// matchBuy plans fills for a buy of qty at limit, cheapest source first.
// The pool is priced at pool.CurrentPrice and wins ties against resting
// sells at the same price. The buyer's own sells are skipped. asks must
// already be sorted with sortAsks.
func matchBuy(pool *model.Pool, asks []model.Order, buyerID string, qty int64, limit decimal.Decimal) []fill {
	var fills []fill
	remaining := qty
	available := pool.AvailableSupply
	poolPrice := pool.CurrentPrice
	poolOK := available > 0 && poolPrice.LessThanOrEqual(limit)

	i := 0
	for remaining > 0 {
		for i < len(asks) && asks[i].UserID == buyerID {
			i++
		}
		var ask *model.Order
		if i < len(asks) && asks[i].LimitPrice.LessThanOrEqual(limit) {
			ask = &asks[i]
		}

		if poolOK && available > 0 && (ask == nil || poolPrice.LessThanOrEqual(ask.LimitPrice)) {
			q := min(remaining, available)
			fills = append(fills, fill{qty: q, price: poolPrice})
			available -= q
			remaining -= q
			continue
		}
		if ask == nil {
			break
		}

		q := min(remaining, ask.Quantity)
		fills = append(fills, fill{order: ask, qty: q, price: ask.LimitPrice})
		remaining -= q
		i++
	}
	return fills
}

// matchSell plans fills for a sell of qty at limit against resting buys,
// highest bid first, executing at each bid's limit price. Bids are funded
// at fill time: balances holds each bidder's spendable balance and a bid is
// filled only for the whole units its owner can pay for. bids must already
// be sorted with sortBids.
//
// skipped returns the ids of crossing bids whose owners could not pay for
// a single unit.
func matchSell(bids []model.Order, sellerID string, qty int64, limit decimal.Decimal, balances map[string]decimal.Decimal) (fills []fill, skipped []string) {
	remaining := qty
	for i := range bids {
		if remaining == 0 {
			break
		}
		bid := &bids[i]
		if bid.LimitPrice.LessThan(limit) {
			break
		}
		if bid.UserID == sellerID {
			continue
		}

		want := min(remaining, bid.Quantity)
		q := affordable(balances[bid.UserID], bid.LimitPrice, want)
		if q == 0 {
			skipped = append(skipped, bid.ID)
			continue
		}
		balances[bid.UserID] = balances[bid.UserID].Sub(notional(bid.LimitPrice, q))
		fills = append(fills, fill{order: bid, qty: q, price: bid.LimitPrice})
		remaining -= q
	}
	return fills, skipped
}

// affordable returns how many of want units at price fit in balance.
func affordable(balance, price decimal.Decimal, want int64) int64 {
	if !price.IsPositive() || !balance.IsPositive() {
		return 0
	}
	units := balance.Div(price).Floor().IntPart()
	return min(units, want)
}

// reserveFIFO picks qty sellable units from lots, oldest lot first. lots
// must be ordered by acquisition time. It returns nil if the lots hold
// fewer than qty sellable units.
func reserveFIFO(lots []model.Lot, qty int64) []model.LotAllocation {
	var allocs []model.LotAllocation
	remaining := qty
	for _, l := range lots {
		if remaining == 0 {
			break
		}
		take := min(l.Sellable(), remaining)
		if take <= 0 {
			continue
		}
		allocs = append(allocs, model.LotAllocation{LotID: l.ID, Quantity: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil
	}
	return allocs
}

func sellable(lots []model.Lot) int64 {
	var n int64
	for _, l := range lots {
		n += l.Sellable()
	}
	return n
}

// takeAllocations splits qty units off the front of allocs. Neither result
// aliases allocs.
func takeAllocations(allocs []model.LotAllocation, qty int64) (taken, rest []model.LotAllocation) {
	remaining := qty
	for i, a := range allocs {
		if remaining == 0 {
			rest = append(rest, allocs[i:]...)
			break
		}
		take := min(a.Quantity, remaining)
		taken = append(taken, model.LotAllocation{LotID: a.LotID, Quantity: take})
		remaining -= take
		if take < a.Quantity {
			rest = append(rest, model.LotAllocation{LotID: a.LotID, Quantity: a.Quantity - take})
			rest = append(rest, allocs[i+1:]...)
			break
		}
	}
	return taken, rest
}

func totalAllocated(allocs []model.LotAllocation) int64 {
	var n int64
	for _, a := range allocs {
		n += a.Quantity
	}
	return n
}
