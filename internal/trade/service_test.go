package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/auth"
	"github.com/athlex/market-engine/internal/engine"
	"github.com/athlex/market-engine/internal/model"
	"github.com/athlex/market-engine/internal/ratelimit"
	"github.com/athlex/market-engine/internal/report"
	"github.com/athlex/market-engine/internal/store"
	"github.com/athlex/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires a Service over an in-memory store behind a chi router
// that trusts the X-User-ID header.
func newTestEnv(t *testing.T, throttle func(http.Handler) http.Handler) chi.Router {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := engine.New(engine.Options{Store: ms})
	svc := trade.NewService(eng, ms, report.NewService(ms, nil))

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r, auth.New("").Middleware, throttle)
	})
	return r
}

func do(t *testing.T, router chi.Router, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.Header, user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func seedPool(t *testing.T, router chi.Router, athleteID string, supply int64, price float64) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/athletes", "admin", engine.PoolRequest{
		AthleteID: athleteID, Name: "Test Athlete", TotalSupply: supply, Price: d(price),
	})
	expectStatus(t, w, http.StatusCreated)
}

func fund(t *testing.T, router chi.Router, user string, amount float64) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/wallet/deposit", user, trade.FiatRequest{Amount: d(amount)})
	expectStatus(t, w, http.StatusOK)
}

// --- Athletes ---

func TestCreatePool(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "lebron-james", 50, 12.5)

	w := do(t, router, "GET", "/api/v1/athletes/lebron-james", "", nil)
	expectStatus(t, w, http.StatusOK)
	pool := decodeBody[model.Pool](t, w)
	if pool.TotalSupply != 50 || pool.AvailableSupply != 50 || !pool.CurrentPrice.Equal(d(12.5)) {
		t.Errorf("unexpected pool %+v", pool)
	}

	w = do(t, router, "POST", "/api/v1/athletes", "admin", engine.PoolRequest{AthleteID: "lebron-james", TotalSupply: 10, Price: d(1)})
	expectStatus(t, w, http.StatusConflict)

	w = do(t, router, "POST", "/api/v1/athletes", "admin", engine.PoolRequest{AthleteID: "Bad ID", TotalSupply: 10, Price: d(1)})
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "POST", "/api/v1/athletes", "admin", engine.PoolRequest{AthleteID: "too-big", TotalSupply: 101, Price: d(1)})
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "GET", "/api/v1/athletes", "", nil)
	expectStatus(t, w, http.StatusOK)
	if pools := decodeBody[[]model.Pool](t, w); len(pools) != 1 {
		t.Errorf("expected 1 pool, got %d", len(pools))
	}
}

func TestCreatePool_RequiresCaller(t *testing.T) {
	router := newTestEnv(t, nil)
	w := do(t, router, "POST", "/api/v1/athletes", "", engine.PoolRequest{AthleteID: "a-1", TotalSupply: 10, Price: d(1)})
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestGetAthlete_NotFound(t *testing.T) {
	router := newTestEnv(t, nil)
	w := do(t, router, "GET", "/api/v1/athletes/nobody", "", nil)
	expectStatus(t, w, http.StatusNotFound)

	body := decodeBody[map[string]string](t, w)
	if body["kind"] != "not_found" {
		t.Errorf("expected kind not_found, got %q", body["kind"])
	}
}

func TestGenerateSupplyAndUpdatePrice(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "athlete-a", 10, 5)

	w := do(t, router, "POST", "/api/v1/athletes/athlete-a/supply", "admin", trade.SupplyRequest{Amount: 15})
	expectStatus(t, w, http.StatusOK)
	if p := decodeBody[model.Pool](t, w); p.TotalSupply != 25 || p.AvailableSupply != 25 {
		t.Errorf("unexpected pool after generation %+v", p)
	}

	w = do(t, router, "POST", "/api/v1/athletes/athlete-a/supply", "admin", trade.SupplyRequest{Amount: 80})
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "PUT", "/api/v1/athletes/athlete-a/price", "admin", trade.PriceRequest{Price: d(7)})
	expectStatus(t, w, http.StatusOK)
	if p := decodeBody[model.Pool](t, w); !p.CurrentPrice.Equal(d(7)) {
		t.Errorf("expected price 7, got %s", p.CurrentPrice)
	}

	w = do(t, router, "PUT", "/api/v1/athletes/athlete-a/price", "admin", trade.PriceRequest{Price: d(0)})
	expectStatus(t, w, http.StatusBadRequest)

	// Only the athlete who minted the pool manages it.
	w = do(t, router, "PUT", "/api/v1/athletes/athlete-a/price", "rival", trade.PriceRequest{Price: d(0.01)})
	expectStatus(t, w, http.StatusBadRequest)
	w = do(t, router, "POST", "/api/v1/athletes/athlete-a/supply", "rival", trade.SupplyRequest{Amount: 1})
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "GET", "/api/v1/athletes/athlete-a", "", nil)
	expectStatus(t, w, http.StatusOK)
	if p := decodeBody[model.Pool](t, w); p.OwnerID != "admin" || p.TotalSupply != 25 || !p.CurrentPrice.Equal(d(7)) {
		t.Errorf("expected pool untouched by rival, got %+v", p)
	}
}

// --- Orders ---

func TestPlaceBuyOrder_FromPool(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "athlete-a", 10, 10)
	fund(t, router, "alice", 100)

	w := do(t, router, "POST", "/api/v1/orders/buy", "alice", engine.OrderRequest{AthleteID: "athlete-a", Quantity: 3, LimitPrice: d(10)})
	expectStatus(t, w, http.StatusCreated)

	res := decodeBody[engine.OrderResult](t, w)
	if res.Outcome != engine.OutcomeExecuted || !res.Executed || res.Pending {
		t.Errorf("expected executed, got %+v", res)
	}
	if res.FilledQuantity != 3 || len(res.Transactions) != 1 {
		t.Errorf("expected 3 filled in one transaction, got %d / %d", res.FilledQuantity, len(res.Transactions))
	}
	if res.Transactions[0].Counterparty != model.PoolCounterparty || res.Transactions[0].UserID != "alice" {
		t.Errorf("unexpected transaction %+v", res.Transactions[0])
	}

	w = do(t, router, "GET", "/api/v1/wallet", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	wallet := decodeBody[trade.WalletResponse](t, w)
	if !wallet.Wallet.Balance.Equal(d(70)) {
		t.Errorf("expected 70 left, got %s", wallet.Wallet.Balance)
	}
}

func TestPlaceBuyOrder_Errors(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "athlete-a", 10, 10)
	fund(t, router, "alice", 5)

	tests := []struct {
		name   string
		user   string
		body   any
		status int
		kind   string
	}{
		{"unauthenticated", "", engine.OrderRequest{AthleteID: "athlete-a", Quantity: 1, LimitPrice: d(10)}, http.StatusUnauthorized, "unauthorized"},
		{"bad json", "alice", "{not json", http.StatusBadRequest, "validation"},
		{"zero quantity", "alice", engine.OrderRequest{AthleteID: "athlete-a", Quantity: 0, LimitPrice: d(10)}, http.StatusBadRequest, "validation"},
		{"unknown athlete", "alice", engine.OrderRequest{AthleteID: "nobody", Quantity: 1, LimitPrice: d(10)}, http.StatusNotFound, "not_found"},
		{"cannot pay", "alice", engine.OrderRequest{AthleteID: "athlete-a", Quantity: 1, LimitPrice: d(10)}, http.StatusUnprocessableEntity, "insufficient_funds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/orders/buy", tt.user, tt.body)
			expectStatus(t, w, tt.status)
			if body := decodeBody[map[string]string](t, w); body["kind"] != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, body["kind"])
			}
		})
	}
}

func TestSellRestsThenCancel(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "athlete-a", 5, 10)
	fund(t, router, "seller", 50)
	w := do(t, router, "POST", "/api/v1/orders/buy", "seller", engine.OrderRequest{AthleteID: "athlete-a", Quantity: 5, LimitPrice: d(10)})
	expectStatus(t, w, http.StatusCreated)

	w = do(t, router, "POST", "/api/v1/orders/sell", "seller", engine.OrderRequest{AthleteID: "athlete-a", Quantity: 4, LimitPrice: d(15)})
	expectStatus(t, w, http.StatusCreated)
	res := decodeBody[engine.OrderResult](t, w)
	if res.Outcome != engine.OutcomePending || res.Order == nil {
		t.Fatalf("expected pending sell, got %+v", res)
	}
	orderID := res.Order.ID

	w = do(t, router, "GET", "/api/v1/athletes/athlete-a/book", "", nil)
	expectStatus(t, w, http.StatusOK)
	book := decodeBody[engine.Book](t, w)
	if len(book.Asks) != 1 || book.Asks[0].ID != orderID || len(book.Bids) != 0 {
		t.Errorf("unexpected book %+v", book)
	}

	// Another user sees nothing and cannot cancel.
	expectStatus(t, do(t, router, "GET", "/api/v1/orders/"+orderID, "mallory", nil), http.StatusNotFound)
	expectStatus(t, do(t, router, "DELETE", "/api/v1/orders/sell/"+orderID, "mallory", nil), http.StatusBadRequest)
	// Wrong side.
	expectStatus(t, do(t, router, "DELETE", "/api/v1/orders/buy/"+orderID, "seller", nil), http.StatusBadRequest)

	w = do(t, router, "DELETE", "/api/v1/orders/sell/"+orderID, "seller", nil)
	expectStatus(t, w, http.StatusOK)
	cancel := decodeBody[engine.CancelResult](t, w)
	if !cancel.Success || cancel.Order.Status != model.StatusCancelled {
		t.Errorf("unexpected cancel result %+v", cancel)
	}

	expectStatus(t, do(t, router, "DELETE", "/api/v1/orders/sell/"+orderID, "seller", nil), http.StatusConflict)

	w = do(t, router, "GET", "/api/v1/orders?status=cancelled", "seller", nil)
	expectStatus(t, w, http.StatusOK)
	if orders := decodeBody[[]model.Order](t, w); len(orders) != 1 || orders[0].ID != orderID {
		t.Errorf("expected the cancelled order listed, got %+v", orders)
	}
	expectStatus(t, do(t, router, "GET", "/api/v1/orders?status=bogus", "seller", nil), http.StatusBadRequest)
}

func TestSecondaryTrade_ReadModels(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "athlete-a", 5, 10)
	fund(t, router, "seller", 50)
	fund(t, router, "buyer", 100)
	expectStatus(t, do(t, router, "POST", "/api/v1/orders/buy", "seller", engine.OrderRequest{AthleteID: "athlete-a", Quantity: 5, LimitPrice: d(10)}), http.StatusCreated)
	expectStatus(t, do(t, router, "POST", "/api/v1/orders/sell", "seller", engine.OrderRequest{AthleteID: "athlete-a", Quantity: 2, LimitPrice: d(12)}), http.StatusCreated)

	w := do(t, router, "POST", "/api/v1/orders/buy", "buyer", engine.OrderRequest{AthleteID: "athlete-a", Quantity: 2, LimitPrice: d(13)})
	expectStatus(t, w, http.StatusCreated)
	res := decodeBody[engine.OrderResult](t, w)
	if !res.AveragePrice.Equal(d(12)) {
		t.Errorf("expected fill at the ask price 12, got %s", res.AveragePrice)
	}

	w = do(t, router, "GET", "/api/v1/portfolio", "seller", nil)
	expectStatus(t, w, http.StatusOK)
	p := decodeBody[model.Portfolio](t, w)
	if !p.RealizedPnL.Equal(d(4)) || len(p.Holdings) != 1 || p.Holdings[0].Quantity != 3 {
		t.Errorf("unexpected seller portfolio %+v", p)
	}

	w = do(t, router, "GET", "/api/v1/athletes/athlete-a/stats", "", nil)
	expectStatus(t, w, http.StatusOK)
	stats := decodeBody[model.MarketStats](t, w)
	if !stats.LastPrice.Equal(d(12)) || stats.Trades != 2 || stats.Volume != 7 {
		t.Errorf("unexpected stats %+v", stats)
	}

	w = do(t, router, "GET", "/api/v1/transactions", "buyer", nil)
	expectStatus(t, w, http.StatusOK)
	if txs := decodeBody[[]model.Transaction](t, w); len(txs) != 1 || txs[0].Counterparty != "seller" {
		t.Errorf("unexpected buyer history %+v", txs)
	}

	w = do(t, router, "GET", "/api/v1/athletes/athlete-a/transactions", "", nil)
	expectStatus(t, w, http.StatusOK)
	// Pool sale, then the matched buy and sell.
	if txs := decodeBody[[]model.Transaction](t, w); len(txs) != 3 {
		t.Errorf("expected 3 ledger rows, got %d", len(txs))
	}
	expectStatus(t, do(t, router, "GET", "/api/v1/athletes/athlete-a/transactions?since=yesterday", "", nil), http.StatusBadRequest)
}

// --- Wallet ---

func TestWallet_DepositWithdraw(t *testing.T) {
	router := newTestEnv(t, nil)
	fund(t, router, "alice", 100)

	w := do(t, router, "POST", "/api/v1/wallet/withdraw", "alice", trade.FiatRequest{Amount: d(30.25)})
	expectStatus(t, w, http.StatusOK)
	if wallet := decodeBody[model.Wallet](t, w); !wallet.Balance.Equal(d(69.75)) {
		t.Errorf("expected 69.75, got %s", wallet.Balance)
	}

	expectStatus(t, do(t, router, "POST", "/api/v1/wallet/withdraw", "alice", trade.FiatRequest{Amount: d(1000)}), http.StatusUnprocessableEntity)
	expectStatus(t, do(t, router, "POST", "/api/v1/wallet/deposit", "alice", trade.FiatRequest{Amount: d(-5)}), http.StatusBadRequest)
	expectStatus(t, do(t, router, "POST", "/api/v1/wallet/deposit", "alice", trade.FiatRequest{Amount: d(1.001)}), http.StatusBadRequest)

	w = do(t, router, "GET", "/api/v1/wallet", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	resp := decodeBody[trade.WalletResponse](t, w)
	if len(resp.Transactions) != 2 || resp.Transactions[0].Type != model.FiatWithdraw {
		t.Errorf("expected 2 fiat records newest first, got %+v", resp.Transactions)
	}
}

func TestOrders_RateLimited(t *testing.T) {
	router := newTestEnv(t, ratelimit.New(0.001, 1).Middleware)
	seedPool(t, router, "athlete-a", 10, 1)
	fund(t, router, "alice", 100)

	order := engine.OrderRequest{AthleteID: "athlete-a", Quantity: 1, LimitPrice: d(1)}
	expectStatus(t, do(t, router, "POST", "/api/v1/orders/buy", "alice", order), http.StatusCreated)
	expectStatus(t, do(t, router, "POST", "/api/v1/orders/buy", "alice", order), http.StatusTooManyRequests)
	// Reads are not throttled.
	expectStatus(t, do(t, router, "GET", "/api/v1/orders", "alice", nil), http.StatusOK)
}
