package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/events"
	"github.com/atmx/binary-exchange/internal/ledger"
	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/store"
)

// Deposit credits amount to the user's available balance.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Balance, error) {
	return e.fund(ctx, "deposit", userID, amount, e.ledger.Deposit)
}

// Withdraw debits amount from the user's available balance. Funds locked in
// orders or positions cannot be withdrawn.
func (e *Engine) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.Balance, error) {
	return e.fund(ctx, "withdraw", userID, amount, e.ledger.Withdraw)
}

type ledgerOp func(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.Balance, error)

func (e *Engine) fund(ctx context.Context, op, userID string, amount decimal.Decimal, apply ledgerOp) (*model.Balance, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return nil, fmt.Errorf("%w: amount must be positive with at most two decimals, got %s",
			ledger.ErrInvalidAmount, amount)
	}

	var b *model.Balance
	err := e.withRetry(ctx, op, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = apply(ctx, tx, userID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("balance "+op, "user", userID, "amount", amount.String(), "available", b.Available.String())
	e.publish(ctx, events.Event{Kind: events.KindBalanceChanged, UserIDs: []string{userID}})
	return b, nil
}
