// Package events carries post-commit notifications out of the matching
// engine: executed transactions, resting order changes and price moves.
// Publishing is best effort and never affects the outcome of a request.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/model"
)

// Type names an event.
type Type string

const (
	TransactionExecuted Type = "transaction_executed"
	OrderPending        Type = "order_pending"
	OrderFilled         Type = "order_filled"
	OrderCancelled      Type = "order_cancelled"
	PriceUpdated        Type = "price_updated"
	SupplyChanged       Type = "supply_changed"
)

// Event is one notification. Exactly one of Transaction, Order or Pool is
// set, depending on Type.
type Event struct {
	Type        Type               `json:"type"`
	AthleteID   string             `json:"athlete_id"`
	Price       decimal.Decimal    `json:"price"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	Order       *model.Order       `json:"order,omitempty"`
	Pool        *model.Pool        `json:"pool,omitempty"`
	At          time.Time          `json:"at"`
}

// Publisher delivers events. Implementations must not block the caller for
// long and must handle their own errors.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event)
}

// Multi fans events out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evts ...Event) {
	for _, p := range m {
		p.Publish(ctx, evts...)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) {}

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evts ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evts...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
