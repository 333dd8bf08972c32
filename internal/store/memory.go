package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/lock"
	"github.com/athlex/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomic serializes work per athlete and keeps an undo log so a failed
// transaction leaves no trace.
type MemoryStore struct {
	mu       sync.RWMutex
	athletes *lock.LocalLocker

	pools   map[string]*model.Pool
	orders  map[string]*model.Order
	lots    map[string]*model.Lot
	wallets map[string]*model.Wallet
	ledger  []model.Transaction
	fiat    []model.FiatTransaction

	// insertion order, used as the tie-breaker for equal timestamps
	seq      uint64
	orderSeq map[string]uint64
	lotSeq   map[string]uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		athletes: lock.NewLocalLocker(),
		pools:    make(map[string]*model.Pool),
		orders:   make(map[string]*model.Order),
		lots:     make(map[string]*model.Lot),
		wallets:  make(map[string]*model.Wallet),
		orderSeq: make(map[string]uint64),
		lotSeq:   make(map[string]uint64),
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, athleteID string, fn func(tx Tx) error) error {
	unlock, err := s.athletes.Lock(ctx, athleteID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) CreatePool(_ context.Context, p *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[p.AthleteID]; exists {
		return fmt.Errorf("%w: pool for athlete %s already exists", model.ErrConflict, p.AthleteID)
	}

	// Store a copy to avoid external mutation.
	copy := *p
	s.pools[p.AthleteID] = &copy
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, athleteID string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[athleteID]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", model.ErrNotFound, athleteID)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].AthleteID < pools[j].AthleteID })
	return pools, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrderLocked(id)
}

func (s *MemoryStore) ListUserOrders(_ context.Context, userID string, status model.OrderStatus) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID != userID || (status != "" && o.Status != status) {
			continue
		}
		result = append(result, copyOrder(o))
	}
	sort.Slice(result, func(i, j int) bool {
		return s.orderSeq[result[i].ID] > s.orderSeq[result[j].ID]
	})
	return result, nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context, athleteID string, side model.Side) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingLocked(athleteID, side), nil
}

func (s *MemoryStore) ListUserLots(_ context.Context, userID string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lotsLocked(func(l *model.Lot) bool { return l.OwnerID == userID }), nil
}

func (s *MemoryStore) ListAthleteTransactions(_ context.Context, athleteID string, since time.Time) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.ledger {
		if t.AthleteID == athleteID && !t.CreatedAt.Before(since) {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) LastAthleteTransaction(_ context.Context, athleteID string, typ model.Side, before time.Time) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.ledger) - 1; i >= 0; i-- {
		t := s.ledger[i]
		if t.AthleteID == athleteID && t.Type == typ && t.CreatedAt.Before(before) {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s transaction for %s before %s", model.ErrNotFound, typ, athleteID, before.Format(time.RFC3339))
}

func (s *MemoryStore) ListUserTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.ledger {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return &model.Wallet{UserID: userID, Balance: decimal.Zero}, nil
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) ApplyFiat(_ context.Context, ft *model.FiatTransaction) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := ft.Amount
	if ft.Type == model.FiatWithdraw {
		delta = delta.Neg()
	}
	if err := s.adjustLocked(ft.UserID, delta, ft.CreatedAt); err != nil {
		return nil, err
	}
	s.fiat = append(s.fiat, *ft)

	copy := *s.wallets[ft.UserID]
	return &copy, nil
}

func (s *MemoryStore) ListFiatTransactions(_ context.Context, userID string, limit int) ([]model.FiatTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FiatTransaction
	for i := len(s.fiat) - 1; i >= 0; i-- {
		if s.fiat[i].UserID != userID {
			continue
		}
		result = append(result, s.fiat[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// --- helpers, callers hold s.mu ---

func (s *MemoryStore) getOrderLocked(id string) (*model.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	copy := copyOrder(o)
	return &copy, nil
}

func (s *MemoryStore) pendingLocked(athleteID string, side model.Side) []model.Order {
	var result []model.Order
	for _, o := range s.orders {
		if o.AthleteID == athleteID && o.Side == side && o.Status == model.StatusPending {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return s.orderSeq[result[i].ID] < s.orderSeq[result[j].ID]
	})
	return result
}

func (s *MemoryStore) lotsLocked(match func(*model.Lot) bool) []model.Lot {
	var result []model.Lot
	for _, l := range s.lots {
		if match(l) {
			result = append(result, *l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].AcquiredAt.Equal(result[j].AcquiredAt) {
			return result[i].AcquiredAt.Before(result[j].AcquiredAt)
		}
		return s.lotSeq[result[i].ID] < s.lotSeq[result[j].ID]
	})
	return result
}

func (s *MemoryStore) adjustLocked(userID string, delta decimal.Decimal, at time.Time) error {
	w, ok := s.wallets[userID]
	if !ok {
		w = &model.Wallet{UserID: userID, Balance: decimal.Zero}
	}
	next := w.Balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: user %s has %s, needs %s", model.ErrInsufficientFunds,
			userID, w.Balance.StringFixed(2), delta.Neg().StringFixed(2))
	}
	w.Balance = next
	w.UpdatedAt = at
	s.wallets[userID] = w
	return nil
}

func (s *MemoryStore) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func copyOrder(o *model.Order) model.Order {
	c := *o
	if o.Allocations != nil {
		c.Allocations = append([]model.LotAllocation(nil), o.Allocations...)
	}
	return c
}

// memTx applies writes directly and records how to revert each one.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) LockPool(_ context.Context, athleteID string) (*model.Pool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	p, ok := t.s.pools[athleteID]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", model.ErrNotFound, athleteID)
	}
	copy := *p
	return &copy, nil
}

func (t *memTx) UpdatePool(_ context.Context, p *model.Pool) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	prev, ok := t.s.pools[p.AthleteID]
	if !ok {
		return fmt.Errorf("%w: pool %s", model.ErrNotFound, p.AthleteID)
	}
	next := *p
	t.s.pools[p.AthleteID] = &next
	t.undo = append(t.undo, func() { t.s.pools[prev.AthleteID] = prev })
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.getOrderLocked(id)
}

func (t *memTx) PendingOrders(_ context.Context, athleteID string, side model.Side) ([]model.Order, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.pendingLocked(athleteID, side), nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, exists := t.s.orders[o.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", model.ErrConflict, o.ID)
	}
	c := copyOrder(o)
	t.s.orders[o.ID] = &c
	t.s.orderSeq[o.ID] = t.s.nextSeq()
	id := o.ID
	t.undo = append(t.undo, func() {
		delete(t.s.orders, id)
		delete(t.s.orderSeq, id)
	})
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	prev, ok := t.s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, o.ID)
	}
	c := copyOrder(o)
	t.s.orders[o.ID] = &c
	t.undo = append(t.undo, func() { t.s.orders[prev.ID] = prev })
	return nil
}

func (t *memTx) UserLots(_ context.Context, userID, athleteID string) ([]model.Lot, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.lotsLocked(func(l *model.Lot) bool {
		return l.OwnerID == userID && l.AthleteID == athleteID
	}), nil
}

func (t *memTx) GetLot(_ context.Context, id string) (*model.Lot, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	l, ok := t.s.lots[id]
	if !ok {
		return nil, fmt.Errorf("%w: lot %s", model.ErrNotFound, id)
	}
	copy := *l
	return &copy, nil
}

func (t *memTx) InsertLot(_ context.Context, l *model.Lot) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	c := *l
	t.s.lots[l.ID] = &c
	t.s.lotSeq[l.ID] = t.s.nextSeq()
	id := l.ID
	t.undo = append(t.undo, func() {
		delete(t.s.lots, id)
		delete(t.s.lotSeq, id)
	})
	return nil
}

func (t *memTx) UpdateLot(_ context.Context, l *model.Lot) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	prev, ok := t.s.lots[l.ID]
	if !ok {
		return fmt.Errorf("%w: lot %s", model.ErrNotFound, l.ID)
	}
	if l.Quantity == 0 {
		delete(t.s.lots, l.ID)
	} else {
		c := *l
		t.s.lots[l.ID] = &c
	}
	t.undo = append(t.undo, func() { t.s.lots[prev.ID] = prev })
	return nil
}

func (t *memTx) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	if w, ok := t.s.wallets[userID]; ok {
		return w.Balance, nil
	}
	return decimal.Zero, nil
}

func (t *memTx) AdjustBalance(_ context.Context, userID string, delta decimal.Decimal) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if err := t.s.adjustLocked(userID, delta, time.Now().UTC()); err != nil {
		return err
	}
	// Wallets are shared across athletes, so revert by delta rather than
	// restoring a snapshot.
	t.undo = append(t.undo, func() {
		w := t.s.wallets[userID]
		w.Balance = w.Balance.Sub(delta)
	})
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.s.ledger = append(t.s.ledger, *tr)
	id := tr.ID
	t.undo = append(t.undo, func() {
		for i := len(t.s.ledger) - 1; i >= 0; i-- {
			if t.s.ledger[i].ID == id {
				t.s.ledger = append(t.s.ledger[:i], t.s.ledger[i+1:]...)
				return
			}
		}
	})
	return nil
}
