// Package valuation prices positions and portfolios. It is pure: callers
// supply the positions and a snapshot of each market.
package valuation

import (
	"sort"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
)

// Mode says which rule valued a position.
type Mode string

const (
	// ModeUnrealized marks an open market at its current price.
	ModeUnrealized Mode = "unrealized"
	// ModeRealized values a resolved market at its outcome payout.
	ModeRealized Mode = "realized"
	// ModePending covers a market marked resolved without an outcome yet.
	ModePending Mode = "pending"
	// ModeVoided covers a cancelled market whose costs were refunded.
	ModeVoided Mode = "voided"
)

// Where the current price of an unrealized position came from.
const (
	SourceBook      = "book"
	SourceLastTrade = "last_trade"
	SourceEntry     = "entry"
	SourceOutcome   = "outcome"
)

// MarketSnapshot is what valuation needs to know about a market.
type MarketSnapshot struct {
	Status  model.MarketStatus
	Outcome money.Side
	Quote   model.Quote
}

// Valuation is a position with its current value and P&L.
type Valuation struct {
	model.Position
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"` // own-side cents
	PriceSource  string          `json:"price_source"`
	CurrentValue decimal.Decimal `json:"current_value"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"`
	Mode         Mode            `json:"mode"`
}

// ValuePosition values p against its market snapshot.
func ValuePosition(p model.Position, snap MarketSnapshot) Valuation {
	v := Valuation{
		Position: p,
		AvgPrice: p.AvgPrice(),
	}

	switch snap.Status {
	case model.MarketResolved:
		if !snap.Outcome.Valid() {
			v.Mode = ModePending
			v.CurrentValue = p.CostBasis
			v.CurrentPrice = v.AvgPrice
			v.PriceSource = SourceEntry
			break
		}
		v.Mode = ModeRealized
		v.PriceSource = SourceOutcome
		if p.Side == snap.Outcome {
			v.CurrentPrice = decimal.NewFromInt(money.Scale)
			v.CurrentValue = money.Payout(p.Quantity)
		} else {
			v.CurrentPrice = decimal.Zero
			v.CurrentValue = decimal.Zero
		}
	case model.MarketCancelled:
		v.Mode = ModeVoided
		v.CurrentValue = p.CostBasis
		v.CurrentPrice = v.AvgPrice
		v.PriceSource = SourceEntry
	default:
		v.Mode = ModeUnrealized
		v.CurrentPrice, v.PriceSource = markPrice(p, snap.Quote)
		v.CurrentValue = money.Value(v.CurrentPrice, p.Quantity)
	}

	v.PnL = v.CurrentValue.Sub(p.CostBasis)
	v.PnLPercent = money.Percent(v.PnL, p.CostBasis)
	return v
}

// markPrice picks the current own-side price of an open position: the book
// quote for its side, else the last trade, else its own entry price.
func markPrice(p model.Position, q model.Quote) (decimal.Decimal, string) {
	quote := q.Yes
	if p.Side == money.SideNo {
		quote = q.No
	}
	if quote != nil {
		return decimal.NewFromInt(int64(*quote)), SourceBook
	}
	if q.LastTrade != nil {
		return decimal.NewFromInt(int64(money.SidePrice(p.Side, *q.LastTrade))), SourceLastTrade
	}
	return p.AvgPrice(), SourceEntry
}

// Portfolio is the valued set of a user's positions.
type Portfolio struct {
	UserID         string          `json:"user_id"`
	Positions      []Valuation     `json:"positions"`
	TotalValue     decimal.Decimal `json:"total_value"`
	TotalInvested  decimal.Decimal `json:"total_invested"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	OverallPercent decimal.Decimal `json:"overall_pnl_percent"`
	Balance        *model.Balance  `json:"balance,omitempty"`
}

// ValuePortfolio values every position and sums the totals. A position
// whose market is missing from snapshots is valued as open with no quotes.
func ValuePortfolio(userID string, positions []model.Position, snapshots map[string]MarketSnapshot) Portfolio {
	vals := lo.Map(positions, func(p model.Position, _ int) Valuation {
		snap, ok := snapshots[p.MarketID]
		if !ok {
			snap = MarketSnapshot{Status: model.MarketActive}
		}
		return ValuePosition(p, snap)
	})

	pf := Portfolio{
		UserID:        userID,
		Positions:     vals,
		TotalValue:    lo.Reduce(vals, func(acc decimal.Decimal, v Valuation, _ int) decimal.Decimal { return acc.Add(v.CurrentValue) }, decimal.Zero),
		TotalInvested: lo.Reduce(vals, func(acc decimal.Decimal, v Valuation, _ int) decimal.Decimal { return acc.Add(v.CostBasis) }, decimal.Zero),
		TotalPnL:      lo.Reduce(vals, func(acc decimal.Decimal, v Valuation, _ int) decimal.Decimal { return acc.Add(v.PnL) }, decimal.Zero),
	}
	pf.OverallPercent = money.Percent(pf.TotalPnL, pf.TotalInvested)
	return pf
}

// BuildPositions folds a user's trades into one position per market side.
// Positions come back ordered by market, YES before NO.
func BuildPositions(userID string, trades []model.Trade) []model.Position {
	type key struct {
		market string
		side   money.Side
	}
	agg := make(map[key]*model.Position)
	add := func(t model.Trade, side money.Side) {
		k := key{t.MarketID, side}
		p, ok := agg[k]
		if !ok {
			p = &model.Position{UserID: userID, MarketID: t.MarketID, Side: side, CostBasis: decimal.Zero}
			agg[k] = p
		}
		p.Quantity += t.Quantity
		p.CostBasis = p.CostBasis.Add(t.CostFor(side))
	}
	for _, t := range trades {
		if t.YesUserID == userID {
			add(t, money.SideYes)
		}
		if t.NoUserID == userID {
			add(t, money.SideNo)
		}
	}

	out := lo.MapToSlice(agg, func(_ key, p *model.Position) model.Position { return *p })
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Side == money.SideYes && out[j].Side == money.SideNo
	})
	return out
}
