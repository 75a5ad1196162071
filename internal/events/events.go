// Package events fans out exchange state changes to interested listeners.
//
// Events are notifications, not state: they name what changed so that a
// client can re-read the authoritative order, balance or market. Delivery is
// best effort; a dropped event only delays a refresh.
package events

import (
	"context"
	"time"
)

// Kind identifies what changed.
type Kind string

const (
	KindOrderPlaced    Kind = "order_placed"
	KindOrderCancelled Kind = "order_cancelled"
	KindTradeExecuted  Kind = "trade_executed"
	KindBalanceChanged Kind = "balance_changed"
	KindMarketResolved Kind = "market_resolved"
	KindMarketVoided   Kind = "market_voided"
)

// Event is one state-change notification.
type Event struct {
	Kind     Kind     `json:"type"`
	MarketID string   `json:"market_id,omitempty"`
	OrderID  string   `json:"order_id,omitempty"`
	TradeID  string   `json:"trade_id,omitempty"`
	UserIDs  []string `json:"user_ids,omitempty"`
	// Price is the YES-axis execution price of a trade.
	Price    int       `json:"price,omitempty"`
	Quantity int64     `json:"quantity,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Handler consumes delivered events. Handlers must not block for long.
type Handler func(Event)

// Local delivers events synchronously to in-process handlers.
type Local struct {
	handlers []Handler
}

// NewLocal creates an in-process bus with the given handlers.
func NewLocal(handlers ...Handler) *Local {
	return &Local{handlers: handlers}
}

// Publish calls every handler in registration order.
func (l *Local) Publish(_ context.Context, ev Event) error {
	for _, h := range l.handlers {
		h(ev)
	}
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

var (
	_ Publisher = (*Local)(nil)
	_ Publisher = Discard{}
)
