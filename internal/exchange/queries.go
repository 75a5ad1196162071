package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
	"github.com/atmx/binary-exchange/internal/store"
	"github.com/atmx/binary-exchange/internal/valuation"
)

// Market returns one market.
func (e *Engine) Market(ctx context.Context, marketID string) (*model.Market, error) {
	return loadMarket(ctx, e.store, marketID)
}

// Markets lists every market, newest first.
func (e *Engine) Markets(ctx context.Context) ([]model.Market, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// Book returns the aggregated resting depth of a market.
func (e *Engine) Book(ctx context.Context, marketID string) (*model.Depth, error) {
	if _, err := loadMarket(ctx, e.store, marketID); err != nil {
		return nil, err
	}
	depth, err := e.store.Depth(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("depth of %s: %w", marketID, err)
	}
	return depth, nil
}

// Quote returns the price a new buyer of each side would pay right now and
// the last traded price.
func (e *Engine) Quote(ctx context.Context, marketID string) (*model.Quote, error) {
	depth, err := e.Book(ctx, marketID)
	if err != nil {
		return nil, err
	}
	q := &model.Quote{MarketID: marketID}
	// Buying YES takes the best resting NO and pays its complement.
	if len(depth.No) > 0 {
		q.Yes = lo.ToPtr(money.Complement(depth.No[0].Price))
	}
	if len(depth.Yes) > 0 {
		q.No = lo.ToPtr(money.Complement(depth.Yes[0].Price))
	}
	last, err := e.store.LastTrade(ctx, marketID)
	switch {
	case err == nil:
		q.LastTrade = lo.ToPtr(last.Price)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("last trade of %s: %w", marketID, err)
	}
	return q, nil
}

// MarketTrades returns a market's trades in execution order.
func (e *Engine) MarketTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	if _, err := loadMarket(ctx, e.store, marketID); err != nil {
		return nil, err
	}
	trades, err := e.store.ListTradesByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("trades of %s: %w", marketID, err)
	}
	return nonNil(trades), nil
}

// Order returns one order.
func (e *Engine) Order(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	return o, nil
}

// UserOrders returns a user's orders, newest first.
func (e *Engine) UserOrders(ctx context.Context, userID string, restingOnly bool) ([]model.Order, error) {
	orders, err := e.store.ListOrdersByUser(ctx, userID, restingOnly)
	if err != nil {
		return nil, fmt.Errorf("orders of %s: %w", userID, err)
	}
	return nonNil(orders), nil
}

// Balance returns a user's balance.
func (e *Engine) Balance(ctx context.Context, userID string) (*model.Balance, error) {
	b, err := e.store.GetBalance(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load balance %s: %w", userID, err)
	}
	return b, nil
}

// Portfolio values every position the user holds, together with their
// balance when they have one.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*valuation.Portfolio, error) {
	trades, err := e.store.ListTradesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("trades of %s: %w", userID, err)
	}
	positions := valuation.BuildPositions(userID, trades)

	snapshots := make(map[string]valuation.MarketSnapshot)
	for _, marketID := range lo.Uniq(lo.Map(positions, func(p model.Position, _ int) string { return p.MarketID })) {
		m, err := loadMarket(ctx, e.store, marketID)
		if err != nil {
			return nil, err
		}
		snap := valuation.MarketSnapshot{Status: m.Status, Outcome: m.Outcome}
		if m.Status == model.MarketActive {
			q, err := e.Quote(ctx, marketID)
			if err != nil {
				return nil, err
			}
			snap.Quote = *q
		}
		snapshots[marketID] = snap
	}

	pf := valuation.ValuePortfolio(userID, positions, snapshots)
	if pf.Positions == nil {
		pf.Positions = []valuation.Valuation{}
	}
	if b, err := e.store.GetBalance(ctx, userID); err == nil {
		pf.Balance = b
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load balance %s: %w", userID, err)
	}
	return &pf, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
