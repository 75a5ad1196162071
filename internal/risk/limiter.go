// Package risk enforces per-user position limits.
//
// A user's exposure in a market is the number of shares they hold there plus
// the shares still resting on the book under their orders, across both sides.
// Counting resting quantity stops a user from queueing past the limit and
// then getting filled beyond it.
package risk

import (
	"errors"
	"fmt"
)

// ErrPositionLimitExceeded is returned when an order would push a user's
// exposure in one market beyond the configured maximum.
var ErrPositionLimitExceeded = errors.New("risk: per-market position limit exceeded")

// LimitError reports the exposure an order would have produced.
type LimitError struct {
	UserID   string
	MarketID string
	Current  int64
	Delta    int64
	Max      int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: user %s in market %s has %d shares, order adds %d, max %d",
		ErrPositionLimitExceeded, e.UserID, e.MarketID, e.Current, e.Delta, e.Max)
}

func (e *LimitError) Unwrap() error {
	return ErrPositionLimitExceeded
}

// PositionLimiter caps the exposure of a single user in a single market.
// A zero MaxPerMarket disables the check.
type PositionLimiter struct {
	MaxPerMarket int64
}

// NewPositionLimiter creates a limiter. Negative limits are treated as zero
// (unlimited).
func NewPositionLimiter(maxPerMarket int64) *PositionLimiter {
	if maxPerMarket < 0 {
		maxPerMarket = 0
	}
	return &PositionLimiter{MaxPerMarket: maxPerMarket}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && l.MaxPerMarket > 0
}

// CheckLimit validates whether adding delta shares on top of current keeps
// the user within the per-market maximum.
func (l *PositionLimiter) CheckLimit(userID, marketID string, current, delta int64) error {
	if !l.Enabled() {
		return nil
	}
	if current+delta > l.MaxPerMarket {
		return &LimitError{
			UserID:   userID,
			MarketID: marketID,
			Current:  current,
			Delta:    delta,
			Max:      l.MaxPerMarket,
		}
	}
	return nil
}
