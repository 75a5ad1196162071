// Package exchange orchestrates order placement, matching, settlement,
// cancellation, funding and market resolution on top of a store.Store.
//
// Each step that touches money runs in its own storage transaction: placing
// an order (lock + insert), every individual trade, every cancellation and
// every resolution. A transaction that loses a race with a concurrent writer
// (store.ErrConflict) is retried a bounded number of times and then reported
// as ErrBusy.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/events"
	"github.com/atmx/binary-exchange/internal/ledger"
	"github.com/atmx/binary-exchange/internal/matching"
	"github.com/atmx/binary-exchange/internal/metrics"
	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/risk"
	"github.com/atmx/binary-exchange/internal/store"
)

var (
	ErrMarketNotFound  = errors.New("exchange: market not found")
	ErrMarketClosed    = errors.New("exchange: market is not active")
	ErrOrderNotFound   = errors.New("exchange: order not found")
	ErrAccountNotFound = errors.New("exchange: account not found")
	ErrNotOwner        = errors.New("exchange: order belongs to another user")
	ErrOrderClosed     = errors.New("exchange: order is not open")
	ErrInvalidRequest  = errors.New("exchange: invalid request")

	// ErrBusy is returned when a transaction kept conflicting with
	// concurrent writers after every retry. Nothing was applied.
	ErrBusy = errors.New("exchange: too much contention, try again")

	// ErrInsufficientBalance is the ledger's error, re-exported for callers
	// of this package.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
)

// Config tunes the engine.
type Config struct {
	// MaxRetries is how many times a conflicting transaction is retried
	// after its first attempt.
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	// InitialBalance provisions every new account (demo allowance).
	InitialBalance decimal.Decimal
	// SelfTrade decides whether a user's orders may match each other.
	SelfTrade matching.SelfTradePolicy
	// MaxPositionPerMarket caps shares held plus resting per user and
	// market. Zero disables the cap.
	MaxPositionPerMarket int64
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		RetryBackoff:   5 * time.Millisecond,
		InitialBalance: decimal.Zero,
		SelfTrade:      matching.SelfTradeSkip,
	}
}

// Engine is the exchange's write path. It is safe for concurrent use; all
// shared state lives in the store.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	matcher *matching.Engine
	limiter *risk.PositionLimiter
	events  events.Publisher
	cfg     Config
	now     func() time.Time
	newID   func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithPublisher sends state-change events to p.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over st.
func New(st store.Store, cfg Config, opts ...Option) *Engine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	e := &Engine{
		store:   st,
		ledger:  ledger.New(cfg.InitialBalance),
		matcher: matching.NewEngine(cfg.SelfTrade),
		limiter: risk.NewPositionLimiter(cfg.MaxPositionPerMarket),
		events:  events.Discard{},
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// withRetry runs fn in a transaction, retrying on store.ErrConflict with
// linear backoff. fn must be safe to run more than once.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.ConflictRetries.WithLabelValues(op).Inc()
			if werr := sleep(ctx, e.cfg.RetryBackoff*time.Duration(attempt)); werr != nil {
				return werr
			}
		}
		err = e.store.InTx(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		slog.Debug("transaction conflict", "op", op, "attempt", attempt+1, "err", err)
	}
	slog.Error("retries exhausted", "op", op, "attempts", e.cfg.MaxRetries+1, "err", err)
	return fmt.Errorf("%s after %d attempts: %w", op, e.cfg.MaxRetries+1, ErrBusy)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// activeMarket loads a market and checks it still accepts trading.
func activeMarket(ctx context.Context, q store.Queries, marketID string) (*model.Market, error) {
	m, err := loadMarket(ctx, q, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketClosed, marketID, m.Status)
	}
	return m, nil
}

func loadMarket(ctx context.Context, q store.Queries, marketID string) (*model.Market, error) {
	m, err := q.GetMarket(ctx, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", marketID, err)
	}
	return m, nil
}

// publish delivers ev after a commit. Failures only delay client refreshes.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	ev.At = e.now()
	if err := e.events.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed", "type", ev.Kind, "market_id", ev.MarketID, "err", err)
	}
}
