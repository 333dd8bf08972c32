package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/engine"
	"github.com/athlex/market-engine/internal/model"
	"github.com/athlex/market-engine/internal/report"
	"github.com/athlex/market-engine/internal/store"
)

func d(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

// setup mints a 5-unit pool at 10, sells it out to u1 on day one, then
// 25 hours later u1 sells 2 units to u2 at 12.
func setup(t *testing.T) (*store.MemoryStore, *clock) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(engine.Options{Store: st, Now: clk.now})

	if _, err := eng.CreatePool(ctx, engine.PoolRequest{OwnerID: "athlete-owner", AthleteID: "athlete-a", Name: "A", TotalSupply: 5, Price: d(10)}); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"u1", "u2"} {
		if _, err := eng.Deposit(ctx, u, d(100)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := eng.PlaceBuyOrder(ctx, engine.OrderRequest{UserID: "u1", AthleteID: "athlete-a", Quantity: 5, LimitPrice: d(10)}); err != nil {
		t.Fatal(err)
	}

	clk.t = clk.t.Add(25 * time.Hour)
	if _, err := eng.PlaceSellOrder(ctx, engine.OrderRequest{UserID: "u1", AthleteID: "athlete-a", Quantity: 2, LimitPrice: d(12)}); err != nil {
		t.Fatal(err)
	}
	clk.t = clk.t.Add(time.Minute)
	res, err := eng.PlaceBuyOrder(ctx, engine.OrderRequest{UserID: "u2", AthleteID: "athlete-a", Quantity: 2, LimitPrice: d(12)})
	if err != nil {
		t.Fatal(err)
	}
	if res.FilledQuantity != 2 {
		t.Fatalf("expected 2 filled, got %d", res.FilledQuantity)
	}
	clk.t = clk.t.Add(time.Minute)
	return st, clk
}

func TestStats_TrailingWindow(t *testing.T) {
	st, clk := setup(t)
	svc := report.NewService(st, nil).WithClock(clk.now)

	stats, err := svc.Stats(context.Background(), "athlete-a")
	if err != nil {
		t.Fatal(err)
	}

	if !stats.LastPrice.Equal(d(12)) {
		t.Errorf("expected last 12, got %s", stats.LastPrice)
	}
	// The day-one pool sale is outside the window and sets the open.
	if !stats.OpenPrice.Equal(d(10)) {
		t.Errorf("expected open 10, got %s", stats.OpenPrice)
	}
	if !stats.ChangePct.Equal(d(20)) {
		t.Errorf("expected +20%%, got %s", stats.ChangePct)
	}
	// One matched pair counts once.
	if stats.Volume != 2 || stats.Trades != 1 || !stats.NotionalVolume.Equal(d(24)) {
		t.Errorf("expected 2 units / 1 trade / 24 notional, got %d / %d / %s", stats.Volume, stats.Trades, stats.NotionalVolume)
	}
	if !stats.MarketCap.Equal(d(60)) {
		t.Errorf("expected market cap 60, got %s", stats.MarketCap)
	}
}

// windowStore records the earliest history read so tests can check that
// stats never scan past the window.
type windowStore struct {
	store.Store
	since []time.Time
}

func (w *windowStore) ListAthleteTransactions(ctx context.Context, athleteID string, since time.Time) ([]model.Transaction, error) {
	w.since = append(w.since, since)
	return w.Store.ListAthleteTransactions(ctx, athleteID, since)
}

func TestStats_ReadsOnlyTheWindow(t *testing.T) {
	st, clk := setup(t)
	ws := &windowStore{Store: st}
	svc := report.NewService(ws, nil).WithClock(clk.now)

	stats, err := svc.Stats(context.Background(), "athlete-a")
	if err != nil {
		t.Fatal(err)
	}
	want := clk.now().Add(-report.DefaultWindow)
	if len(ws.since) != 1 || !ws.since[0].Equal(want) {
		t.Fatalf("expected one read from %s, got %v", want, ws.since)
	}
	// The opening trade still comes from before the window.
	if !stats.OpenPrice.Equal(d(10)) || stats.Trades != 1 {
		t.Errorf("expected open 10 with 1 trade, got %s with %d", stats.OpenPrice, stats.Trades)
	}
}

func TestStats_NoTrades(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := engine.New(engine.Options{Store: st})
	if _, err := eng.CreatePool(ctx, engine.PoolRequest{OwnerID: "athlete-owner", AthleteID: "athlete-b", TotalSupply: 10, Price: d(7.5)}); err != nil {
		t.Fatal(err)
	}

	stats, err := report.NewService(st, nil).Stats(ctx, "athlete-b")
	if err != nil {
		t.Fatal(err)
	}
	if !stats.OpenPrice.Equal(d(7.5)) || !stats.ChangePct.IsZero() || stats.Trades != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if _, err := report.NewService(st, nil).Stats(ctx, "missing"); err == nil {
		t.Error("expected error for unknown athlete")
	}
}

type memCache struct {
	stats map[string]*model.MarketStats
	sets  int
}

func (c *memCache) GetStats(_ context.Context, id string) (*model.MarketStats, bool) {
	s, ok := c.stats[id]
	return s, ok
}

func (c *memCache) SetStats(_ context.Context, s *model.MarketStats, _ time.Duration) {
	c.stats[s.AthleteID] = s
	c.sets++
}

func TestStats_UsesCache(t *testing.T) {
	st, clk := setup(t)
	cache := &memCache{stats: map[string]*model.MarketStats{}}
	svc := report.NewService(st, cache).WithClock(clk.now)

	first, err := svc.Stats(context.Background(), "athlete-a")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Stats(context.Background(), "athlete-a")
	if err != nil {
		t.Fatal(err)
	}
	if cache.sets != 1 || first != second {
		t.Errorf("expected one computation then a cache hit, sets=%d", cache.sets)
	}
}

func TestPortfolio_HoldingsAndRealizedPnL(t *testing.T) {
	st, clk := setup(t)
	svc := report.NewService(st, nil).WithClock(clk.now)

	p, err := svc.Portfolio(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Balance.Equal(d(74)) {
		t.Errorf("expected balance 74, got %s", p.Balance)
	}
	if len(p.Holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(p.Holdings))
	}
	h := p.Holdings[0]
	if h.Quantity != 3 || !h.CostBasis.Equal(d(30)) || !h.AverageCost.Equal(d(10)) {
		t.Errorf("unexpected holding %+v", h)
	}
	if !h.CurrentValue.Equal(d(36)) || !h.UnrealizedPnL.Equal(d(6)) {
		t.Errorf("expected value 36 / unrealized 6, got %s / %s", h.CurrentValue, h.UnrealizedPnL)
	}
	if !p.RealizedPnL.Equal(d(4)) {
		t.Errorf("expected realized 4, got %s", p.RealizedPnL)
	}

	p2, err := svc.Portfolio(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(p2.Holdings) != 1 || p2.Holdings[0].Quantity != 2 || !p2.UnrealizedPnL.IsZero() || !p2.RealizedPnL.IsZero() {
		t.Errorf("unexpected buyer portfolio %+v", p2)
	}
}

func TestPortfolio_EmptyUser(t *testing.T) {
	p, err := report.NewService(store.NewMemoryStore(), nil).Portfolio(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Holdings) != 0 || !p.Balance.IsZero() || !p.TotalValue.IsZero() {
		t.Errorf("expected empty portfolio, got %+v", p)
	}
}
