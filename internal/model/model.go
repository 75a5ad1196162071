// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/money"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketActive    MarketStatus = "active"
	MarketResolved  MarketStatus = "resolved"
	MarketCancelled MarketStatus = "cancelled"
)

// Market is a binary YES/NO prediction market. Markets are created by an
// external admin workflow and resolve exactly once.
type Market struct {
	ID         string       `json:"id" db:"id"`
	Title      string       `json:"title" db:"title"`
	Status     MarketStatus `json:"status" db:"status"`
	Outcome    money.Side   `json:"outcome,omitempty" db:"outcome"` // "" until resolved
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is a limit order to buy Quantity shares of Side at no more than
// Price cents (own-side probability).
type Order struct {
	ID                string          `json:"id" db:"id"`
	MarketID          string          `json:"market_id" db:"market_id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Side              money.Side      `json:"side" db:"side"`
	Quantity          int64           `json:"quantity" db:"quantity"`
	Price             int             `json:"price" db:"price"`
	FilledQuantity    int64           `json:"filled_quantity" db:"filled_quantity"`
	RemainingQuantity int64           `json:"remaining_quantity" db:"remaining_quantity"`
	Status            OrderStatus     `json:"status" db:"status"`
	LockedCost        decimal.Decimal `json:"locked_cost" db:"locked_cost"`
	Seq               int64           `json:"seq" db:"seq"` // time-priority tie breaker
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
}

// Resting reports whether the order can still be matched.
func (o *Order) Resting() bool {
	return (o.Status == OrderOpen || o.Status == OrderPartial) && o.RemainingQuantity > 0
}

// YesPrice returns the order's limit on the YES axis.
func (o *Order) YesPrice() int {
	return money.YesPrice(o.Side, o.Price)
}

// RemainingCost is the amount still locked against the unfilled quantity.
func (o *Order) RemainingCost() decimal.Decimal {
	return money.OrderCost(o.Side, o.Price, o.RemainingQuantity)
}

// ApplyFill records qty more filled shares and recomputes the status.
// Callers guarantee 0 < qty <= RemainingQuantity.
func (o *Order) ApplyFill(qty int64, at time.Time) {
	o.FilledQuantity += qty
	o.RemainingQuantity = o.Quantity - o.FilledQuantity
	o.Status = StatusFor(o.FilledQuantity, o.RemainingQuantity)
	o.UpdatedAt = at
}

// StatusFor derives the status of a non-cancelled order from its fill state.
func StatusFor(filled, remaining int64) OrderStatus {
	switch {
	case remaining == 0:
		return OrderFilled
	case filled > 0:
		return OrderPartial
	default:
		return OrderOpen
	}
}

// Trade is an immutable record of a match between one YES order and one NO
// order. Price is the execution price on the YES axis: the YES party paid
// Price*Quantity/100 and the NO party (100-Price)*Quantity/100.
type Trade struct {
	ID         string     `json:"id" db:"id"`
	MarketID   string     `json:"market_id" db:"market_id"`
	YesOrderID string     `json:"yes_order_id" db:"yes_order_id"`
	NoOrderID  string     `json:"no_order_id" db:"no_order_id"`
	YesUserID  string     `json:"yes_user_id" db:"yes_user_id"`
	NoUserID   string     `json:"no_user_id" db:"no_user_id"`
	Quantity   int64      `json:"quantity" db:"quantity"`
	Price      int        `json:"price" db:"price"`
	TakerSide  money.Side `json:"taker_side" db:"taker_side"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// UserFor returns the participant holding side.
func (t *Trade) UserFor(side money.Side) string {
	if side == money.SideYes {
		return t.YesUserID
	}
	return t.NoUserID
}

// CostFor returns what the side's participant paid for this trade.
func (t *Trade) CostFor(side money.Side) decimal.Decimal {
	return money.Cost(side, t.Price, t.Quantity)
}

// Balance is a user's account. Available is spendable; Locked is committed
// to resting orders and to filled positions awaiting resolution.
type Balance struct {
	UserID         string          `json:"user_id" db:"user_id"`
	Available      decimal.Decimal `json:"available" db:"available"`
	Locked         decimal.Decimal `json:"locked" db:"locked"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	TradeCount     int64           `json:"trade_count" db:"trade_count"`
	WinCount       int64           `json:"win_count" db:"win_count"`
	Volume         decimal.Decimal `json:"volume" db:"volume"`
	Version        int64           `json:"version" db:"version"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Total is Available + Locked.
func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Position is the derived holding of one user on one side of one market.
type Position struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	Side      money.Side      `json:"side"`
	Quantity  int64           `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"`
}

// AvgPrice is the average entry price in own-side cents.
func (p *Position) AvgPrice() decimal.Decimal {
	if p.Quantity == 0 {
		return decimal.Zero
	}
	return p.CostBasis.Mul(decimal.NewFromInt(money.Scale)).Div(decimal.NewFromInt(p.Quantity))
}

// Quote is the top of book for a market. Prices are own-side cents a new
// buyer of that side would pay; nil when there is no opposite liquidity.
type Quote struct {
	MarketID  string `json:"market_id"`
	Yes       *int   `json:"yes,omitempty"`
	No        *int   `json:"no,omitempty"`
	LastTrade *int   `json:"last_trade,omitempty"` // YES-axis price
}

// DepthLevel is the aggregated remaining quantity resting at one price.
type DepthLevel struct {
	Price    int   `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

// Depth is an aggregated snapshot of the resting book.
type Depth struct {
	MarketID string       `json:"market_id"`
	Yes      []DepthLevel `json:"yes"`
	No       []DepthLevel `json:"no"`
}
