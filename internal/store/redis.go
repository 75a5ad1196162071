package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/atmx/binary-exchange/internal/metrics"
	"github.com/atmx/binary-exchange/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// markets, balances and book depth. Reads outside a transaction check Redis
// first; reads inside a transaction always go to the primary. Keys written
// by a transaction are invalidated once it commits, and the TTL bounds how
// long a read that raced the commit can serve stale data.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

func marketKey(id string) string      { return "exchange:market:" + id }
func balanceKey(uid string) string    { return "exchange:balance:" + uid }
func depthKey(marketID string) string { return "exchange:depth:" + marketID }

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return readThrough(ctx, s, "market", marketKey(id), func() (*model.Market, error) {
		return s.Store.GetMarket(ctx, id)
	})
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return readThrough(ctx, s, "balance", balanceKey(userID), func() (*model.Balance, error) {
		return s.Store.GetBalance(ctx, userID)
	})
}

func (s *CachedStore) Depth(ctx context.Context, marketID string) (*model.Depth, error) {
	return readThrough(ctx, s, "depth", depthKey(marketID), func() (*model.Depth, error) {
		return s.Store.Depth(ctx, marketID)
	})
}

// readThrough serves key from Redis or loads it from the primary and caches
// it. Redis errors degrade to a primary read.
func readThrough[T any](ctx context.Context, s *CachedStore, entity, key string, load func() (*T, error)) (*T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			metrics.CacheRequests.WithLabelValues(entity, "hit").Inc()
			return &v, nil
		}
	} else if err != redis.Nil {
		slog.Debug("cache read failed", "key", key, "err", err)
	}
	metrics.CacheRequests.WithLabelValues(entity, "miss").Inc()

	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
			slog.Debug("cache write failed", "key", key, "err", err)
		}
	}
	return v, nil
}

// --- Writes (primary first, then invalidate) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, []string{marketKey(m.ID)})
	return nil
}

// InTx runs fn on the primary and, after a successful commit, drops every
// cache key the transaction wrote.
func (s *CachedStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	rec := &recordingTx{keys: make(map[string]struct{})}
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		rec.Tx = tx
		return fn(ctx, rec)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, rec.touched())
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// recordingTx notes the cache keys each write affects.
type recordingTx struct {
	Tx
	mu   sync.Mutex
	keys map[string]struct{}
}

func (r *recordingTx) touch(key string) {
	r.mu.Lock()
	r.keys[key] = struct{}{}
	r.mu.Unlock()
}

func (r *recordingTx) touched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Keys(r.keys)
}

func (r *recordingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	r.touch(marketKey(m.ID))
	return r.Tx.UpdateMarket(ctx, m)
}

func (r *recordingTx) InsertOrder(ctx context.Context, o *model.Order) error {
	r.touch(depthKey(o.MarketID))
	return r.Tx.InsertOrder(ctx, o)
}

func (r *recordingTx) ApplyFill(ctx context.Context, orderID string, qty int64) (*model.Order, error) {
	o, err := r.Tx.ApplyFill(ctx, orderID, qty)
	if err == nil {
		r.touch(depthKey(o.MarketID))
	}
	return o, err
}

func (r *recordingTx) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := r.Tx.CancelOrder(ctx, orderID)
	if err == nil {
		r.touch(depthKey(o.MarketID))
	}
	return o, err
}

func (r *recordingTx) InsertBalance(ctx context.Context, b *model.Balance) error {
	r.touch(balanceKey(b.UserID))
	return r.Tx.InsertBalance(ctx, b)
}

func (r *recordingTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	r.touch(balanceKey(b.UserID))
	return r.Tx.UpdateBalance(ctx, b)
}
