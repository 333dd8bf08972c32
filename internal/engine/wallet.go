package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/model"
)

// Deposit credits amount to the user's wallet.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	return e.applyFiat(ctx, userID, model.FiatDeposit, amount)
}

// Withdraw debits amount from the user's wallet. Withdrawing more than the
// balance fails with model.ErrInsufficientFunds.
func (e *Engine) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	return e.applyFiat(ctx, userID, model.FiatWithdraw, amount)
}

func (e *Engine) applyFiat(ctx context.Context, userID string, typ model.FiatType, amount decimal.Decimal) (*model.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", model.ErrValidation, amount)
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return nil, fmt.Errorf("%w: amount %s has more than two decimal places", model.ErrValidation, amount)
	}

	ft := &model.FiatTransaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Amount:    amount,
		CreatedAt: e.now(),
	}
	w, err := e.store.ApplyFiat(ctx, ft)
	if err != nil {
		return nil, err
	}

	e.log.Info("wallet "+string(typ),
		"user", userID,
		"amount", amount.StringFixed(2),
		"balance", w.Balance.StringFixed(2),
	)
	return w, nil
}
