// Package trade provides the HTTP handlers for order placement and
// cancellation, wallets, pool administration and the read models.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/auth"
	"github.com/athlex/market-engine/internal/engine"
	"github.com/athlex/market-engine/internal/model"
	"github.com/athlex/market-engine/internal/report"
	"github.com/athlex/market-engine/internal/store"
)

// walletHistory is how many fiat movements GET /wallet returns.
const walletHistory = 10

// Service exposes the engine over HTTP. Handlers never mutate state
// themselves; every write goes through the engine.
type Service struct {
	engine  *engine.Engine
	store   store.Store
	reports *report.Service
}

// NewService creates a new trade service.
func NewService(eng *engine.Engine, st store.Store, reports *report.Service) *Service {
	return &Service{
		engine:  eng,
		store:   st,
		reports: reports,
	}
}

// Routes registers the API under r. authn identifies the caller on every
// route that acts for a user; throttle, if non-nil, guards order placement.
func (s *Service) Routes(r chi.Router, authn, throttle func(http.Handler) http.Handler) {
	// Public market data.
	r.Get("/athletes", s.ListAthletes)
	r.Get("/athletes/{athleteID}", s.GetAthlete)
	r.Get("/athletes/{athleteID}/stats", s.GetStats)
	r.Get("/athletes/{athleteID}/book", s.GetBook)
	r.Get("/athletes/{athleteID}/transactions", s.GetAthleteTransactions)

	r.Group(func(r chi.Router) {
		r.Use(authn)

		// Pool administration.
		r.Post("/athletes", s.CreatePool)
		r.Post("/athletes/{athleteID}/supply", s.GenerateSupply)
		r.Put("/athletes/{athleteID}/price", s.UpdatePrice)

		// Orders.
		r.Group(func(r chi.Router) {
			if throttle != nil {
				r.Use(throttle)
			}
			r.Post("/orders/buy", s.PlaceBuyOrder)
			r.Post("/orders/sell", s.PlaceSellOrder)
		})
		r.Delete("/orders/buy/{orderID}", s.CancelBuyOrder)
		r.Delete("/orders/sell/{orderID}", s.CancelSellOrder)
		r.Get("/orders", s.ListOrders)
		r.Get("/orders/{orderID}", s.GetOrder)

		// Wallet and holdings.
		r.Get("/wallet", s.GetWallet)
		r.Post("/wallet/deposit", s.Deposit)
		r.Post("/wallet/withdraw", s.Withdraw)
		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/transactions", s.ListTransactions)
	})
}

// --- Request/Response types ---

// SupplyRequest is the JSON body for POST /athletes/{athleteID}/supply.
type SupplyRequest struct {
	Amount int64 `json:"amount"`
}

// PriceRequest is the JSON body for PUT /athletes/{athleteID}/price.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// FiatRequest is the JSON body for wallet deposits and withdrawals.
type FiatRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// WalletResponse is the JSON body returned from GET /wallet.
type WalletResponse struct {
	Wallet       *model.Wallet           `json:"wallet"`
	Transactions []model.FiatTransaction `json:"transactions"`
}

// --- Orders ---

// PlaceBuyOrder handles POST /api/v1/orders/buy
func (s *Service) PlaceBuyOrder(w http.ResponseWriter, r *http.Request) {
	s.placeOrder(w, r, s.engine.PlaceBuyOrder)
}

// PlaceSellOrder handles POST /api/v1/orders/sell
func (s *Service) PlaceSellOrder(w http.ResponseWriter, r *http.Request) {
	s.placeOrder(w, r, s.engine.PlaceSellOrder)
}

type placeFunc func(ctx context.Context, req engine.OrderRequest) (*engine.OrderResult, error)

func (s *Service) placeOrder(w http.ResponseWriter, r *http.Request, place placeFunc) {
	var req engine.OrderRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = auth.UserID(r.Context())

	res, err := place(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CancelBuyOrder handles DELETE /api/v1/orders/buy/{orderID}
func (s *Service) CancelBuyOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CancelPendingBuy(r.Context(), chi.URLParam(r, "orderID"), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelSellOrder handles DELETE /api/v1/orders/sell/{orderID}
func (s *Service) CancelSellOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CancelPendingSell(r.Context(), chi.URLParam(r, "orderID"), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListOrders handles GET /api/v1/orders?status=pending
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := model.OrderStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusPending, model.StatusFilled, model.StatusCancelled:
	default:
		writeError(w, fmt.Errorf("%w: unknown status %q", model.ErrValidation, status))
		return
	}

	orders, err := s.store.ListUserOrders(r.Context(), auth.UserID(r.Context()), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}. Other users' orders are
// reported as not found.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	order, err := s.store.GetOrder(r.Context(), orderID)
	if err == nil && order.UserID != auth.UserID(r.Context()) {
		err = fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// --- Athletes ---

// CreatePool handles POST /api/v1/athletes
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req engine.PoolRequest
	if !decode(w, r, &req) {
		return
	}
	req.OwnerID = auth.UserID(r.Context())
	pool, err := s.engine.CreatePool(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// GenerateSupply handles POST /api/v1/athletes/{athleteID}/supply
func (s *Service) GenerateSupply(w http.ResponseWriter, r *http.Request) {
	var req SupplyRequest
	if !decode(w, r, &req) {
		return
	}
	pool, err := s.engine.GenerateSupply(r.Context(), chi.URLParam(r, "athleteID"), auth.UserID(r.Context()), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// UpdatePrice handles PUT /api/v1/athletes/{athleteID}/price
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	pool, err := s.engine.UpdatePrice(r.Context(), chi.URLParam(r, "athleteID"), auth.UserID(r.Context()), req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// ListAthletes handles GET /api/v1/athletes
func (s *Service) ListAthletes(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

// GetAthlete handles GET /api/v1/athletes/{athleteID}
func (s *Service) GetAthlete(w http.ResponseWriter, r *http.Request) {
	pool, err := s.store.GetPool(r.Context(), chi.URLParam(r, "athleteID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// GetStats handles GET /api/v1/athletes/{athleteID}/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reports.Stats(r.Context(), chi.URLParam(r, "athleteID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetBook handles GET /api/v1/athletes/{athleteID}/book
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.engine.Book(r.Context(), chi.URLParam(r, "athleteID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetAthleteTransactions handles GET /api/v1/athletes/{athleteID}/transactions?since=RFC3339
func (s *Service) GetAthleteTransactions(w http.ResponseWriter, r *http.Request) {
	athleteID := chi.URLParam(r, "athleteID")
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: since must be RFC3339: %v", model.ErrValidation, err))
			return
		}
		since = t
	}

	if _, err := s.store.GetPool(r.Context(), athleteID); err != nil {
		writeError(w, err)
		return
	}
	txs, err := s.store.ListAthleteTransactions(r.Context(), athleteID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- Wallet ---

// GetWallet handles GET /api/v1/wallet
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	wallet, err := s.store.GetWallet(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := walletHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	fiat, err := s.store.ListFiatTransactions(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if fiat == nil {
		fiat = []model.FiatTransaction{}
	}
	writeJSON(w, http.StatusOK, WalletResponse{Wallet: wallet, Transactions: fiat})
}

// Deposit handles POST /api/v1/wallet/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req FiatRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := s.engine.Deposit(r.Context(), auth.UserID(r.Context()), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Withdraw handles POST /api/v1/wallet/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req FiatRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := s.engine.Withdraw(r.Context(), auth.UserID(r.Context()), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// --- Holdings ---

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.reports.Portfolio(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListTransactions handles GET /api/v1/transactions
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.ListUserTransactions(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", model.ErrValidation, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the status for err's kind.
// Internal errors are logged and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	kind := model.ErrorKind(err)
	status := http.StatusInternalServerError
	message := err.Error()
	switch kind {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	case "insufficient_funds":
		status = http.StatusUnprocessableEntity
	default:
		slog.Error("request failed", "err", err)
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}
