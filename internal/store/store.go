// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every mutation happens inside InTx. Orders read through a Tx are locked
// until the transaction ends; balances are guarded by an optimistic version
// check in UpdateBalance.
package store

import (
	"context"
	"errors"

	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
)

var (
	// ErrNotFound is returned when a market, order or balance does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when inserting a row whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned when a concurrent writer got there first: a
	// balance version mismatch or a database serialization failure. The
	// whole transaction must be retried.
	ErrConflict = errors.New("store: concurrent update conflict")

	// ErrOrderClosed is returned when filling or cancelling an order that is
	// no longer resting.
	ErrOrderClosed = errors.New("store: order is not open")
)

// CandidateQuery selects resting orders that a taker can trade against.
type CandidateQuery struct {
	MarketID string
	// Side is the resting side, opposite to the taker.
	Side money.Side
	// MinPrice is the complementary target: candidates must be priced at or
	// above it on their own side, so the taker pays no more than its limit.
	MinPrice int
	// MaxQuantity stops the scan once the cumulative remaining quantity of
	// the returned candidates reaches it.
	MaxQuantity int64
	// ExcludeUser skips resting orders owned by this user when non-empty.
	ExcludeUser string
}

// Queries are the reads available both on the Store and inside a Tx.
type Queries interface {
	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetOrder retrieves an order by its ID. Inside a Tx the row stays
	// locked until commit or rollback.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// GetBalance retrieves a user's balance row.
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
}

// Store is the persistence interface used by the exchange engine and the
// read-side HTTP handlers.
type Store interface {
	Queries

	// --- Markets ---

	// CreateMarket persists a new market row.
	CreateMarket(ctx context.Context, market *model.Market) error

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Order book ---

	// FindMatchCandidates returns resting orders in price-time priority.
	FindMatchCandidates(ctx context.Context, q CandidateQuery) ([]model.Order, error)

	// Depth aggregates the resting book per price level, best price first.
	Depth(ctx context.Context, marketID string) (*model.Depth, error)

	// ListOrdersByUser returns a user's orders, newest first.
	ListOrdersByUser(ctx context.Context, userID string, restingOnly bool) ([]model.Order, error)

	// --- Immutable trades ---

	// ListTradesByMarket returns all trades of a market in execution order.
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// ListTradesByUser returns all trades a user participated in.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// LastTrade returns the most recent trade of a market, or ErrNotFound.
	LastTrade(ctx context.Context, marketID string) (*model.Trade, error)

	// InTx runs fn in a single storage transaction. fn's error rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write surface of one storage transaction.
type Tx interface {
	Queries

	// UpdateMarket persists status, outcome and resolution time.
	UpdateMarket(ctx context.Context, market *model.Market) error

	// InsertOrder persists a new order and assigns its Seq.
	InsertOrder(ctx context.Context, order *model.Order) error

	// ApplyFill adds qty to the order's filled quantity and recomputes its
	// status. Returns ErrOrderClosed when the order cannot absorb qty.
	ApplyFill(ctx context.Context, orderID string, qty int64) (*model.Order, error)

	// CancelOrder marks a resting order cancelled. Returns ErrOrderClosed
	// for filled or already-cancelled orders.
	CancelOrder(ctx context.Context, orderID string) (*model.Order, error)

	// ListRestingOrders returns all open/partial orders of a market, locked.
	ListRestingOrders(ctx context.Context, marketID string) ([]model.Order, error)

	// ListTradesByMarket returns all trades of a market.
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// InsertBalance creates a balance row; ErrAlreadyExists if present.
	InsertBalance(ctx context.Context, balance *model.Balance) error

	// UpdateBalance writes b if the stored version still equals b.Version,
	// then increments b.Version. Returns ErrConflict otherwise.
	UpdateBalance(ctx context.Context, b *model.Balance) error

	// UserShares sums filled plus resting quantity of a user in a market.
	UserShares(ctx context.Context, userID, marketID string) (int64, error)
}
