package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/athlex/market-engine/internal/model"
)

var propUsers = []string{"u1", "u2", "u3"}

// TestProperty_ConservationUnderRandomTrading drives random buys, sells,
// cancels and supply changes against one athlete and checks after every
// step that no token or cash is created or destroyed.
func TestProperty_ConservationUnderRandomTrading(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(Options{})
		f.pool(t, "athlete-p", rapid.Int64Range(1, 60).Draw(t, "supply"), 10)

		deposited := decimal.Zero
		for _, u := range propUsers {
			amt := rapid.IntRange(0, 500).Draw(t, "deposit_"+u)
			if amt > 0 {
				f.fund(t, u, float64(amt))
				deposited = deposited.Add(decimal.NewFromInt(int64(amt)))
			}
		}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.SampledFrom(propUsers).Draw(t, "user")
			qty := rapid.Int64Range(1, 12).Draw(t, "qty")
			price := decimal.NewFromInt(rapid.Int64Range(6, 14).Draw(t, "price"))
			req := OrderRequest{UserID: user, AthleteID: "athlete-p", Quantity: qty, LimitPrice: price}

			var err error
			switch op := rapid.IntRange(0, 4).Draw(t, "op"); op {
			case 0, 1:
				_, err = f.eng.PlaceBuyOrder(f.ctx, req)
			case 2:
				_, err = f.eng.PlaceSellOrder(f.ctx, req)
			case 3:
				orders, _ := f.st.ListUserOrders(f.ctx, user, model.StatusPending)
				if len(orders) > 0 {
					o := orders[rapid.IntRange(0, len(orders)-1).Draw(t, "cancel")]
					if o.Side == model.SideBuy {
						_, err = f.eng.CancelPendingBuy(f.ctx, o.ID, user)
					} else {
						_, err = f.eng.CancelPendingSell(f.ctx, o.ID, user)
					}
				}
			case 4:
				_, err = f.eng.UpdatePrice(f.ctx, "athlete-p", poolOwner, price)
			}
			// Expected rejections: too few tokens, unaffordable fills.
			if err != nil && !errors.Is(err, model.ErrValidation) && !errors.Is(err, model.ErrInsufficientFunds) {
				t.Fatalf("step %d: unexpected error %v", i, err)
			}

			f.checkConservation(t, "athlete-p", propUsers)
			checkCash(t, f, deposited)
		}
	})
}

// checkCash asserts wallet balances plus what was paid to the pool equal
// total deposits, and that no wallet is negative.
func checkCash(t *rapid.T, f *fixture, deposited decimal.Decimal) {
	t.Helper()
	held := decimal.Zero
	for _, u := range propUsers {
		b := f.balance(t, u)
		if b.IsNegative() {
			t.Fatalf("negative balance for %s: %s", u, b)
		}
		held = held.Add(b)
	}
	for _, tx := range f.ledger(t, "athlete-p") {
		if tx.Counterparty == model.PoolCounterparty {
			held = held.Add(tx.Notional())
		}
	}
	if !held.Equal(deposited) {
		t.Fatalf("cash not conserved: %s held vs %s deposited", held, deposited)
	}
}

// TestProperty_FillsRespectLimits checks every buy fill is at or below the
// buyer's limit and every sell fill at or above the seller's.
func TestProperty_FillsRespectLimits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(Options{})
		f.pool(t, "athlete-p", 50, float64(rapid.Int64Range(5, 15).Draw(t, "issue")))
		for _, u := range propUsers {
			f.fund(t, u, 10_000)
		}

		for i := 0; i < 25; i++ {
			user := rapid.SampledFrom(propUsers).Draw(t, "user")
			req := OrderRequest{
				UserID:     user,
				AthleteID:  "athlete-p",
				Quantity:   rapid.Int64Range(1, 8).Draw(t, "qty"),
				LimitPrice: decimal.NewFromInt(rapid.Int64Range(5, 15).Draw(t, "limit")),
			}
			buy := rapid.Bool().Draw(t, "buy")

			var res *OrderResult
			var err error
			if buy {
				res, err = f.eng.PlaceBuyOrder(f.ctx, req)
			} else {
				res, err = f.eng.PlaceSellOrder(f.ctx, req)
			}
			if err != nil {
				continue
			}
			for _, tx := range res.Transactions {
				if buy && tx.Price.GreaterThan(req.LimitPrice) {
					t.Fatalf("buy filled at %s above limit %s", tx.Price, req.LimitPrice)
				}
				if !buy && tx.Price.LessThan(req.LimitPrice) {
					t.Fatalf("sell filled at %s below limit %s", tx.Price, req.LimitPrice)
				}
				if tx.Counterparty == user {
					t.Fatalf("self-trade for %s", user)
				}
			}
			if res.FilledQuantity+res.RemainingQuantity != req.Quantity {
				t.Fatalf("filled %d + remaining %d != requested %d", res.FilledQuantity, res.RemainingQuantity, req.Quantity)
			}
		}
	})
}

func TestConcurrentBuys_NoDoubleSpend(t *testing.T) {
	f := newFixture(Options{})
	f.pool(t, "athlete-a", 100, 10)

	const buyers = 40
	for i := 0; i < buyers; i++ {
		f.fund(t, fmt.Sprintf("buyer-%d", i), 100)
	}

	var wg sync.WaitGroup
	errs := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.eng.PlaceBuyOrder(f.ctx, OrderRequest{
				UserID:     fmt.Sprintf("buyer-%d", i),
				AthleteID:  "athlete-a",
				Quantity:   3,
				LimitPrice: d(10),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	users := make([]string, buyers)
	var filled int64
	for i := range users {
		users[i] = fmt.Sprintf("buyer-%d", i)
		for _, l := range f.lots(t, users[i], "athlete-a") {
			filled += l.Quantity
		}
	}
	if filled != 100 {
		t.Errorf("expected the whole pool sold, got %d", filled)
	}
	// 120 requested, 100 available: the last requests queue 20 units.
	var queued int64
	for _, o := range f.pending(t, "athlete-a", model.SideBuy) {
		queued += o.Quantity
	}
	if queued != 20 {
		t.Errorf("expected 20 units queued, got %d", queued)
	}
	f.checkConservation(t, "athlete-a", users)
}

func TestConcurrentAthletes_RunInParallel(t *testing.T) {
	f := newFixture(Options{})
	athletes := []string{"athlete-a", "athlete-b", "athlete-c", "athlete-d"}
	for _, a := range athletes {
		f.pool(t, a, 50, 2)
	}
	f.fund(t, "whale", 10_000)

	var wg sync.WaitGroup
	for _, a := range athletes {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(a string) {
				defer wg.Done()
				if _, err := f.eng.PlaceBuyOrder(f.ctx, OrderRequest{UserID: "whale", AthleteID: a, Quantity: 5, LimitPrice: d(2)}); err != nil {
					t.Errorf("buy %s: %v", a, err)
				}
			}(a)
		}
	}
	wg.Wait()

	for _, a := range athletes {
		if p := f.getPool(t, a); p.AvailableSupply != 0 {
			t.Errorf("%s: expected sold out, got %d", a, p.AvailableSupply)
		}
		f.checkConservation(t, a, []string{"whale"})
	}
	// 4 athletes × 50 units × 2
	if got := f.balance(t, "whale"); !got.Equal(d(9_600)) {
		t.Errorf("expected 9600 left, got %s", got)
	}
}

func TestConcurrentCancelAndMatch_OneWins(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(Options{})
		f.pool(t, "athlete-a", 5, 10)
		f.fund(t, "seller", 50)
		f.buy(t, "seller", "athlete-a", 5, 10)
		ask := f.sell(t, "seller", "athlete-a", 5, 10)
		f.fund(t, "buyer", 50)

		var wg sync.WaitGroup
		var cancelErr, buyErr error
		var bought *OrderResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = f.eng.CancelPendingSell(f.ctx, ask.Order.ID, "seller")
		}()
		go func() {
			defer wg.Done()
			bought, buyErr = f.eng.PlaceBuyOrder(f.ctx, OrderRequest{UserID: "buyer", AthleteID: "athlete-a", Quantity: 5, LimitPrice: d(10)})
		}()
		wg.Wait()

		if buyErr != nil {
			t.Fatalf("buy failed: %v", buyErr)
		}
		switch {
		case cancelErr == nil && bought.Executed:
			t.Fatal("order was both cancelled and filled")
		case cancelErr != nil && !errors.Is(cancelErr, model.ErrConflict):
			t.Fatalf("cancel lost the race with %v, want conflict", cancelErr)
		case cancelErr != nil && !bought.Executed:
			t.Fatal("cancel failed but nothing was bought")
		}
		f.checkConservation(t, "athlete-a", []string{"seller", "buyer"})
	}
}
