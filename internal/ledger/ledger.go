// Package ledger owns user balances: the available/locked split and the
// lifetime totals.
//
// Every operation runs inside a caller-supplied store transaction and follows
// read → verify → conditional write. The write is guarded by the balance
// version, so a racing writer makes it fail with store.ErrConflict and leaves
// the row untouched; the caller retries the whole transaction.
//
// Locking and unlocking only move value between the two buckets. The sum
// Available+Locked changes only on Deposit, Withdraw and Payout.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/store"
)

var (
	// ErrInsufficientBalance is returned when available funds do not cover
	// a lock or withdrawal.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrLockedUnderflow is returned when releasing more than is locked.
	// It indicates a bookkeeping bug, never a user error.
	ErrLockedUnderflow = errors.New("ledger: locked balance underflow")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// InsufficientError reports how much was required versus available.
type InsufficientError struct {
	UserID    string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("%s: user %s needs %s, has %s available",
		ErrInsufficientBalance, e.UserID, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientError) Unwrap() error {
	return ErrInsufficientBalance
}

// Ledger applies balance mutations. It holds no balance state itself.
type Ledger struct {
	initial decimal.Decimal
}

// New creates a ledger that provisions new accounts with initial funds
// (a demo allowance; zero in production).
func New(initial decimal.Decimal) *Ledger {
	if initial.IsNegative() {
		initial = decimal.Zero
	}
	return &Ledger{initial: initial}
}

// Ensure returns the user's balance, creating it on first use. The initial
// allowance is recorded as a deposit so that conservation checks hold.
func (l *Ledger) Ensure(ctx context.Context, tx store.Tx, userID string) (*model.Balance, error) {
	b, err := tx.GetBalance(ctx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ledger: load %s: %w", userID, err)
	}

	b = &model.Balance{
		UserID:         userID,
		Available:      l.initial,
		Locked:         decimal.Zero,
		TotalDeposited: l.initial,
		TotalWithdrawn: decimal.Zero,
		Volume:         decimal.Zero,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := tx.InsertBalance(ctx, b); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Created by a concurrent request; retry sees it.
			return nil, fmt.Errorf("ledger: provision %s: %w", userID, store.ErrConflict)
		}
		return nil, fmt.Errorf("ledger: provision %s: %w", userID, err)
	}
	return tx.GetBalance(ctx, userID)
}

// mutate loads (or provisions) a balance, applies fn to a copy and writes
// it back under the version guard. fn must not partially apply on error.
func (l *Ledger) mutate(ctx context.Context, tx store.Tx, userID string, fn func(b *model.Balance) error) (*model.Balance, error) {
	b, err := l.Ensure(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		return nil, err
	}
	if b.Available.IsNegative() || b.Locked.IsNegative() {
		return nil, fmt.Errorf("ledger: %s would go negative (available=%s locked=%s)",
			userID, b.Available, b.Locked)
	}
	if err := tx.UpdateBalance(ctx, b); err != nil {
		return nil, fmt.Errorf("ledger: update %s: %w", userID, err)
	}
	return b, nil
}

func positive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.Balance, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	return l.mutate(ctx, tx, userID, func(b *model.Balance) error {
		if b.Available.LessThan(amount) {
			return &InsufficientError{UserID: userID, Required: amount, Available: b.Available}
		}
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
		return nil
	})
}

// Unlock moves amount from locked back to available, without realizing any
// gain or loss. Used on cancellation and on voided markets.
func (l *Ledger) Unlock(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.Balance, error) {
	if amount.IsZero() {
		return tx.GetBalance(ctx, userID)
	}
	if err := positive(amount); err != nil {
		return nil, err
	}
	return l.mutate(ctx, tx, userID, func(b *model.Balance) error {
		if b.Locked.LessThan(amount) {
			return fmt.Errorf("%w: user %s unlock %s of %s", ErrLockedUnderflow, userID, amount, b.Locked)
		}
		b.Locked = b.Locked.Sub(amount)
		b.Available = b.Available.Add(amount)
		return nil
	})
}

// SettleFill books one side of a mid-life trade. lockedAtLimit was locked
// for the filled quantity at the order's limit; paid is the cost at the
// execution price. The difference (price improvement) returns to available;
// paid stays locked against the filled position until resolution.
func (l *Ledger) SettleFill(ctx context.Context, tx store.Tx, userID string, lockedAtLimit, paid decimal.Decimal) (*model.Balance, error) {
	refund := lockedAtLimit.Sub(paid)
	if refund.IsNegative() {
		return nil, fmt.Errorf("ledger: fill for %s pays %s above its locked %s", userID, paid, lockedAtLimit)
	}
	return l.mutate(ctx, tx, userID, func(b *model.Balance) error {
		if b.Locked.LessThan(refund) {
			return fmt.Errorf("%w: user %s refund %s of %s", ErrLockedUnderflow, userID, refund, b.Locked)
		}
		b.Locked = b.Locked.Sub(refund)
		b.Available = b.Available.Add(refund)
		b.TradeCount++
		b.Volume = b.Volume.Add(paid)
		return nil
	})
}

// Payout closes a user's filled positions in a resolved market: release is
// removed from locked and credit is added to available. won records a win.
func (l *Ledger) Payout(ctx context.Context, tx store.Tx, userID string, release, credit decimal.Decimal, won bool) (*model.Balance, error) {
	return l.mutate(ctx, tx, userID, func(b *model.Balance) error {
		if b.Locked.LessThan(release) {
			return fmt.Errorf("%w: user %s release %s of %s", ErrLockedUnderflow, userID, release, b.Locked)
		}
		b.Locked = b.Locked.Sub(release)
		b.Available = b.Available.Add(credit)
		if won {
			b.WinCount++
		}
		return nil
	})
}

// Deposit credits available funds.
func (l *Ledger) Deposit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.Balance, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	return l.mutate(ctx, tx, userID, func(b *model.Balance) error {
		b.Available = b.Available.Add(amount)
		b.TotalDeposited = b.TotalDeposited.Add(amount)
		return nil
	})
}

// Withdraw debits available funds. Locked funds are never withdrawable.
func (l *Ledger) Withdraw(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.Balance, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	return l.mutate(ctx, tx, userID, func(b *model.Balance) error {
		if b.Available.LessThan(amount) {
			return &InsufficientError{UserID: userID, Required: amount, Available: b.Available}
		}
		b.Available = b.Available.Sub(amount)
		b.TotalWithdrawn = b.TotalWithdrawn.Add(amount)
		return nil
	})
}
