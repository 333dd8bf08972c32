// Package risk implements the optional cap on how much a user may commit to
// resting buy orders.
//
// Balances are not reserved when a buy order starts resting; funds are only
// checked when the order fills. Without a cap a user can queue buy orders
// worth far more than their wallet. The CommitmentLimiter bounds the total
// notional (quantity × limit price) of a user's pending buys to a multiple
// of their current balance.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/model"
)

// ErrCommitmentExceeded is returned when a new resting buy would push the
// user's pending buy notional beyond the allowed multiple of their balance.
var ErrCommitmentExceeded = errors.New("risk: pending buy commitment exceeds allowed ratio of balance")

// CommitmentLimiter enforces pending buy commitment limits.
type CommitmentLimiter struct {
	// MaxRatio is the maximum pending buy notional as a multiple of the
	// wallet balance. Zero or negative disables the check.
	MaxRatio decimal.Decimal
}

// NewCommitmentLimiter creates a limiter with the given ratio.
func NewCommitmentLimiter(maxRatio decimal.Decimal) *CommitmentLimiter {
	return &CommitmentLimiter{MaxRatio: maxRatio}
}

// Enabled reports whether the limiter applies any cap.
func (l *CommitmentLimiter) Enabled() bool {
	return l != nil && l.MaxRatio.IsPositive()
}

// PendingNotional sums quantity × limit price over pending buy orders.
// Other sides and statuses are ignored.
func PendingNotional(orders []model.Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		if o.Side != model.SideBuy || o.Status != model.StatusPending {
			continue
		}
		total = total.Add(o.LimitPrice.Mul(decimal.NewFromInt(o.Quantity)))
	}
	return total
}

// CheckLimit validates whether adding a resting buy of notional added keeps
// the user's commitment within MaxRatio × balance.
//
// Parameters:
//   - balance: the user's wallet balance after any immediate fills
//   - pending: the user's existing orders (non-pending and sells are ignored)
//   - added: quantity × limit price of the new resting order
func (l *CommitmentLimiter) CheckLimit(balance decimal.Decimal, pending []model.Order, added decimal.Decimal) error {
	if !l.Enabled() {
		return nil
	}
	committed := PendingNotional(pending).Add(added)
	if committed.GreaterThan(balance.Mul(l.MaxRatio)) {
		return ErrCommitmentExceeded
	}
	return nil
}
