package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/events"
	"github.com/atmx/binary-exchange/internal/matching"
	"github.com/atmx/binary-exchange/internal/metrics"
	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
	"github.com/atmx/binary-exchange/internal/risk"
	"github.com/atmx/binary-exchange/internal/store"
	"github.com/atmx/binary-exchange/internal/validation"
)

// PlaceOrderRequest is an order as submitted by a caller. Quantity and
// Price must be integers; they are decimals so fractional input is rejected
// instead of truncated.
type PlaceOrderRequest struct {
	MarketID  string          `json:"market_id"`
	UserID    string          `json:"user_id"`
	Side      string          `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// PlaceOrderResult summarises what happened to a new order: the trades it
// executed immediately and the quantity left resting.
type PlaceOrderResult struct {
	Order     *model.Order  `json:"order"`
	Trades    []model.Trade `json:"trades"`
	Filled    int64         `json:"filled_quantity"`
	Remaining int64         `json:"remaining_quantity"`
}

// Internal outcomes of a single settlement attempt.
var (
	errTakerDone = errors.New("taker no longer resting")
	errMakerGone = errors.New("maker no longer resting")
)

// PlaceOrder validates the order, locks its full cost, rests it on the book
// and matches it against the opposite side. Lock and insert commit together;
// each resulting trade then settles in its own transaction.
//
// If a trade fails to settle the order keeps what already executed and the
// rest stays on the book; the result reports both.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	start := time.Now()

	checked, err := validation.ValidateOrder(validation.Candidate{
		MarketID: req.MarketID,
		UserID:   req.UserID,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	now := e.now()
	draft := model.Order{
		ID:                e.newID(),
		MarketID:          checked.MarketID,
		UserID:            checked.UserID,
		Side:              checked.Side,
		Quantity:          checked.Quantity,
		Price:             checked.Price,
		RemainingQuantity: checked.Quantity,
		Status:            model.OrderOpen,
		LockedCost:        money.OrderCost(checked.Side, checked.Price, checked.Quantity),
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         req.ExpiresAt,
	}

	var placed model.Order
	err = e.withRetry(ctx, "place_order", func(ctx context.Context, tx store.Tx) error {
		o := draft
		if _, err := activeMarket(ctx, tx, o.MarketID); err != nil {
			return err
		}
		if e.limiter.Enabled() {
			held, err := tx.UserShares(ctx, o.UserID, o.MarketID)
			if err != nil {
				return fmt.Errorf("position of %s: %w", o.UserID, err)
			}
			if err := e.limiter.CheckLimit(o.UserID, o.MarketID, held, o.Quantity); err != nil {
				return err
			}
		}
		if _, err := e.ledger.Lock(ctx, tx, o.UserID, o.LockedCost); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		placed = o
		return nil
	})
	if err != nil {
		countRejection(err)
		return nil, err
	}

	// The order is on the book and its funds are locked. Matching must run
	// to completion even if the caller goes away, or the taker would rest
	// against liquidity it crosses.
	ctx = context.WithoutCancel(ctx)

	metrics.OrdersPlaced.WithLabelValues(string(placed.Side)).Inc()
	slog.Info("order placed",
		"order_id", placed.ID,
		"market_id", placed.MarketID,
		"user", placed.UserID,
		"side", placed.Side,
		"price", placed.Price,
		"qty", placed.Quantity,
		"locked", placed.LockedCost.String(),
	)
	e.publish(ctx, events.Event{
		Kind:     events.KindOrderPlaced,
		MarketID: placed.MarketID,
		OrderID:  placed.ID,
		UserIDs:  []string{placed.UserID},
	})

	trades := e.match(ctx, &placed)

	final, err := e.store.GetOrder(ctx, placed.ID)
	if err != nil {
		// The order exists; report what this call observed.
		slog.Error("reload placed order", "order_id", placed.ID, "err", err)
		final = &placed
		for _, t := range trades {
			final.ApplyFill(t.Quantity, t.CreatedAt)
		}
	}

	metrics.PlaceLatency.WithLabelValues(string(placed.Side)).Observe(time.Since(start).Seconds())
	return &PlaceOrderResult{
		Order:     final,
		Trades:    trades,
		Filled:    final.FilledQuantity,
		Remaining: final.RemainingQuantity,
	}, nil
}

func countRejection(err error) {
	reason := "error"
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(err, risk.ErrPositionLimitExceeded):
		reason = "position_limit"
		metrics.PositionLimitRejections.Inc()
	case errors.Is(err, ErrMarketNotFound), errors.Is(err, ErrMarketClosed):
		reason = "market"
	case errors.Is(err, ErrBusy):
		reason = "busy"
	}
	metrics.OrdersRejected.WithLabelValues(reason).Inc()
}

// match repeatedly fetches the best candidates for the taker's remaining
// quantity and settles them one trade at a time. It stops when the taker is
// filled, no candidate crosses, or a settlement fails hard. A round whose
// makers all vanished is re-queried, at most MaxRetries times in a row.
func (e *Engine) match(ctx context.Context, taker *model.Order) []model.Trade {
	trades := []model.Trade{}
	remaining := taker.RemainingQuantity
	stale := 0

	for remaining > 0 && ctx.Err() == nil {
		q := store.CandidateQuery{
			MarketID:    taker.MarketID,
			Side:        taker.Side.Opposite(),
			MinPrice:    matching.TargetPrice(taker),
			MaxQuantity: remaining,
		}
		if e.matcher.Policy() == matching.SelfTradeSkip {
			q.ExcludeUser = taker.UserID
		}
		candidates, err := e.store.FindMatchCandidates(ctx, q)
		if err != nil {
			slog.Error("find match candidates", "order_id", taker.ID, "err", err)
			return trades
		}
		fills := e.matcher.Match(taker, remaining, candidates)
		if len(fills) == 0 {
			return trades
		}

		progressed := false
		for _, f := range fills {
			t, err := e.settle(ctx, taker.ID, f)
			switch {
			case err == nil:
				trades = append(trades, *t)
				remaining -= t.Quantity
				progressed = true
			case errors.Is(err, errMakerGone):
				// Filled or cancelled under us; the next round re-ranks.
			case errors.Is(err, errTakerDone), errors.Is(err, ErrMarketClosed):
				return trades
			default:
				metrics.SettlementFailures.Inc()
				slog.Error("settlement failed",
					"taker_order_id", taker.ID,
					"maker_order_id", f.Maker.ID,
					"qty", f.Quantity,
					"err", err,
				)
				return trades
			}
		}
		if progressed {
			stale = 0
			continue
		}
		stale++
		if stale > e.cfg.MaxRetries {
			slog.Warn("matching gave up on a stale book",
				"order_id", taker.ID,
				"remaining", remaining,
				"rounds", stale,
			)
			return trades
		}
	}
	return trades
}

// settle executes one fill atomically: both orders are re-read under lock
// and re-verified, then the trade is recorded, both fills applied and both
// ledgers settled. The quantity shrinks if either order has less left than
// proposed.
func (e *Engine) settle(ctx context.Context, takerID string, f matching.Fill) (*model.Trade, error) {
	var trade *model.Trade
	err := e.withRetry(ctx, "settle", func(ctx context.Context, tx store.Tx) error {
		trade = nil

		taker, maker, err := lockPair(ctx, tx, takerID, f.Maker.ID)
		if err != nil {
			return err
		}
		if _, err := activeMarket(ctx, tx, taker.MarketID); err != nil {
			return err
		}
		if !taker.Resting() {
			return errTakerDone
		}
		if !maker.Resting() {
			return errMakerGone
		}
		qty := min(f.Quantity, taker.RemainingQuantity, maker.RemainingQuantity)

		t := &model.Trade{
			ID:        e.newID(),
			MarketID:  taker.MarketID,
			Quantity:  qty,
			Price:     maker.YesPrice(),
			TakerSide: taker.Side,
			CreatedAt: e.now(),
		}
		yes, no := taker, maker
		if taker.Side == money.SideNo {
			yes, no = maker, taker
		}
		t.YesOrderID, t.YesUserID = yes.ID, yes.UserID
		t.NoOrderID, t.NoUserID = no.ID, no.UserID

		if err := tx.InsertTrade(ctx, t); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		for _, o := range []*model.Order{taker, maker} {
			if _, err := tx.ApplyFill(ctx, o.ID, qty); err != nil {
				return fmt.Errorf("fill order %s: %w", o.ID, err)
			}
			lockedAtLimit := money.OrderCost(o.Side, o.Price, qty)
			if _, err := e.ledger.SettleFill(ctx, tx, o.UserID, lockedAtLimit, t.CostFor(o.Side)); err != nil {
				return err
			}
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(trade.TakerSide)).Inc()
	metrics.MarketVolume.WithLabelValues(trade.MarketID).Add(float64(trade.Quantity))
	slog.Info("trade executed",
		"trade_id", trade.ID,
		"market_id", trade.MarketID,
		"yes_order_id", trade.YesOrderID,
		"no_order_id", trade.NoOrderID,
		"price", trade.Price,
		"qty", trade.Quantity,
		"taker_side", trade.TakerSide,
	)
	e.publish(ctx, events.Event{
		Kind:     events.KindTradeExecuted,
		MarketID: trade.MarketID,
		TradeID:  trade.ID,
		UserIDs:  []string{trade.YesUserID, trade.NoUserID},
		Price:    trade.Price,
		Quantity: trade.Quantity,
	})
	return trade, nil
}

// lockPair reads both orders inside tx in ID order so that two settlements
// touching the same pair always lock them the same way round.
func lockPair(ctx context.Context, tx store.Tx, takerID, makerID string) (taker, maker *model.Order, err error) {
	first, second := takerID, makerID
	if second < first {
		first, second = second, first
	}
	a, err := tx.GetOrder(ctx, first)
	if err != nil {
		return nil, nil, fmt.Errorf("lock order %s: %w", first, err)
	}
	b, err := tx.GetOrder(ctx, second)
	if err != nil {
		return nil, nil, fmt.Errorf("lock order %s: %w", second, err)
	}
	if a.ID == takerID {
		return a, b, nil
	}
	return b, a, nil
}

// CancelOrder cancels the caller's resting order and releases the funds
// locked for its unfilled quantity. Cancelling an order that is already
// filled or cancelled returns ErrOrderClosed and changes nothing.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*model.Order, error) {
	var cancelled *model.Order
	var released decimal.Decimal
	err := e.withRetry(ctx, "cancel_order", func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		if o.UserID != userID {
			return fmt.Errorf("%w: %s", ErrNotOwner, orderID)
		}
		if !o.Resting() {
			return fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.Status)
		}

		c, err := tx.CancelOrder(ctx, orderID)
		if errors.Is(err, store.ErrOrderClosed) {
			return fmt.Errorf("%w: %s", ErrOrderClosed, orderID)
		}
		if err != nil {
			return fmt.Errorf("cancel order %s: %w", orderID, err)
		}
		released = o.RemainingCost()
		if _, err := e.ledger.Unlock(ctx, tx, o.UserID, released); err != nil {
			return err
		}
		cancelled = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled",
		"order_id", cancelled.ID,
		"user", cancelled.UserID,
		"remaining", cancelled.RemainingQuantity,
		"released", released.String(),
	)
	e.publish(ctx, events.Event{
		Kind:     events.KindOrderCancelled,
		MarketID: cancelled.MarketID,
		OrderID:  cancelled.ID,
		UserIDs:  []string{cancelled.UserID},
	})
	return cancelled, nil
}
