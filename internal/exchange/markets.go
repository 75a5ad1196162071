package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/events"
	"github.com/atmx/binary-exchange/internal/metrics"
	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
	"github.com/atmx/binary-exchange/internal/store"
)

// CreateMarket seeds an active market. Market administration lives outside
// the exchange; this only makes a market tradable.
func (e *Engine) CreateMarket(ctx context.Context, id, title string) (*model.Market, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if id == "" {
		id = e.newID()
	}
	m := &model.Market{
		ID:        id,
		Title:     title,
		Status:    model.MarketActive,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("create market %s: %w", id, err)
	}
	slog.Info("market created", "market_id", m.ID, "title", m.Title)
	return m, nil
}

// Resolution summarises a market close.
type Resolution struct {
	Market          *model.Market   `json:"market"`
	CancelledOrders int             `json:"cancelled_orders"`
	Released        decimal.Decimal `json:"released"`
	PaidOut         decimal.Decimal `json:"paid_out"`
	Accounts        int             `json:"accounts"`
	Winners         int             `json:"winners"`
}

// account accumulates one user's side of a market close.
type account struct {
	unlock  decimal.Decimal // remaining cost of cancelled resting orders
	release decimal.Decimal // cost locked against filled trades
	credit  decimal.Decimal // payout or refund
}

// ResolveMarket settles the market on outcome. It runs once: resting orders
// are cancelled and unlocked, every trade's locked cost is released, and
// each trade pays its quantity to the holder of the winning side.
func (e *Engine) ResolveMarket(ctx context.Context, marketID string, outcome money.Side) (*Resolution, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome must be YES or NO", ErrInvalidRequest)
	}
	res, err := e.closeMarket(ctx, marketID, model.MarketResolved, outcome)
	if err != nil {
		return nil, err
	}
	metrics.MarketsResolved.WithLabelValues(string(outcome)).Inc()
	slog.Info("market resolved",
		"market_id", marketID,
		"outcome", outcome,
		"cancelled_orders", res.CancelledOrders,
		"paid_out", res.PaidOut.String(),
		"winners", res.Winners,
	)
	return res, nil
}

// VoidMarket cancels the market without an outcome: resting orders are
// unlocked and every trade's cost is refunded to whoever paid it.
func (e *Engine) VoidMarket(ctx context.Context, marketID string) (*Resolution, error) {
	res, err := e.closeMarket(ctx, marketID, model.MarketCancelled, "")
	if err != nil {
		return nil, err
	}
	metrics.MarketsResolved.WithLabelValues("void").Inc()
	slog.Info("market voided",
		"market_id", marketID,
		"cancelled_orders", res.CancelledOrders,
		"refunded", res.PaidOut.String(),
	)
	return res, nil
}

func (e *Engine) closeMarket(ctx context.Context, marketID string, status model.MarketStatus, outcome money.Side) (*Resolution, error) {
	var res *Resolution
	var users []string
	err := e.withRetry(ctx, "close_market", func(ctx context.Context, tx store.Tx) error {
		m, err := activeMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		res = &Resolution{Released: decimal.Zero, PaidOut: decimal.Zero}
		accounts := make(map[string]*account)
		get := func(userID string) *account {
			a, ok := accounts[userID]
			if !ok {
				a = &account{unlock: decimal.Zero, release: decimal.Zero, credit: decimal.Zero}
				accounts[userID] = a
			}
			return a
		}

		resting, err := tx.ListRestingOrders(ctx, marketID)
		if err != nil {
			return fmt.Errorf("list resting orders: %w", err)
		}
		for _, o := range resting {
			if _, err := tx.CancelOrder(ctx, o.ID); err != nil {
				return fmt.Errorf("cancel order %s: %w", o.ID, err)
			}
			a := get(o.UserID)
			a.unlock = a.unlock.Add(o.RemainingCost())
		}
		res.CancelledOrders = len(resting)

		trades, err := tx.ListTradesByMarket(ctx, marketID)
		if err != nil {
			return fmt.Errorf("list trades: %w", err)
		}
		for _, t := range trades {
			for _, side := range []money.Side{money.SideYes, money.SideNo} {
				a := get(t.UserFor(side))
				cost := t.CostFor(side)
				a.release = a.release.Add(cost)
				switch {
				case status == model.MarketCancelled:
					a.credit = a.credit.Add(cost)
				case side == outcome:
					a.credit = a.credit.Add(money.Payout(t.Quantity))
				}
			}
		}

		users = lo.Keys(accounts)
		sort.Strings(users)
		for _, userID := range users {
			a := accounts[userID]
			if _, err := e.ledger.Unlock(ctx, tx, userID, a.unlock); err != nil {
				return err
			}
			if a.release.IsZero() && a.credit.IsZero() {
				continue
			}
			// A win is a net gain on the market, not merely a payout.
			won := status == model.MarketResolved && a.credit.GreaterThan(a.release)
			if _, err := e.ledger.Payout(ctx, tx, userID, a.release, a.credit, won); err != nil {
				return err
			}
			res.Released = res.Released.Add(a.release)
			res.PaidOut = res.PaidOut.Add(a.credit)
			if won {
				res.Winners++
			}
		}
		res.Accounts = len(users)

		resolvedAt := e.now()
		m.Status = status
		m.Outcome = outcome
		m.ResolvedAt = &resolvedAt
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		res.Market = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := events.KindMarketResolved
	if status == model.MarketCancelled {
		kind = events.KindMarketVoided
	}
	e.publish(ctx, events.Event{Kind: kind, MarketID: marketID, UserIDs: users})
	return res, nil
}
