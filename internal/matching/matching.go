// Package matching implements the continuous double auction between the two
// complementary sides of a binary market.
//
// A YES order can only be satisfied by NO liquidity and vice versa: a YES
// buyer at p and a NO buyer at c agree whenever p + c >= 100, because the two
// stakes together fund the unit payout. The resting order's price is honoured,
// so the taker pays the complement of the maker's price, never more than its
// own limit.
package matching

import (
	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
)

// SelfTradePolicy decides what happens when a taker meets its owner's own
// resting order.
type SelfTradePolicy string

const (
	// SelfTradeSkip leaves the owner's resting order on the book and moves on.
	SelfTradeSkip SelfTradePolicy = "skip"
	// SelfTradeAllow matches it like any other order.
	SelfTradeAllow SelfTradePolicy = "allow"
)

// Valid reports whether p is a known policy.
func (p SelfTradePolicy) Valid() bool {
	return p == SelfTradeSkip || p == SelfTradeAllow
}

// Fill is a proposed trade between the taker and one resting order.
type Fill struct {
	Maker    model.Order
	Quantity int64
	// YesPrice is the execution price on the YES axis.
	YesPrice int
}

// TargetPrice is the lowest own-side price a resting order may carry for
// the taker to trade with it: the complement of the taker's limit.
func TargetPrice(taker *model.Order) int {
	return money.Complement(taker.Price)
}

// Engine proposes fills. It is stateless and safe for concurrent use.
type Engine struct {
	policy SelfTradePolicy
}

// NewEngine creates a matching engine with the given self-trade policy.
// An unknown policy falls back to SelfTradeSkip.
func NewEngine(policy SelfTradePolicy) *Engine {
	if !policy.Valid() {
		policy = SelfTradeSkip
	}
	return &Engine{policy: policy}
}

// Policy returns the engine's self-trade policy.
func (e *Engine) Policy() SelfTradePolicy {
	return e.policy
}

// Eligible reports whether the resting order can trade with the taker.
func (e *Engine) Eligible(taker, maker *model.Order) bool {
	switch {
	case maker.ID == taker.ID,
		maker.MarketID != taker.MarketID,
		maker.Side != taker.Side.Opposite(),
		!maker.Resting(),
		maker.Price < TargetPrice(taker):
		return false
	case maker.UserID == taker.UserID && e.policy == SelfTradeSkip:
		return false
	}
	return true
}

// Match walks candidates in the given priority order and proposes fills
// until want shares are covered or candidates run out. Each fill executes at
// the maker's price. Ineligible candidates are skipped.
func (e *Engine) Match(taker *model.Order, want int64, candidates []model.Order) []Fill {
	var fills []Fill
	for i := range candidates {
		if want <= 0 {
			break
		}
		maker := &candidates[i]
		if !e.Eligible(taker, maker) {
			continue
		}
		qty := min(maker.RemainingQuantity, want)
		fills = append(fills, Fill{
			Maker:    *maker,
			Quantity: qty,
			YesPrice: maker.YesPrice(),
		})
		want -= qty
	}
	return fills
}
