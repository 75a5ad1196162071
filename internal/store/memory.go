package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/atmx/binary-exchange/internal/book"
	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Write transactions are serialised; each one works on a private overlay
// that is applied on commit and discarded on rollback.
type MemoryStore struct {
	txMu sync.Mutex // one writer at a time

	mu       sync.RWMutex
	markets  map[string]*model.Market
	orders   map[string]*model.Order
	balances map[string]*model.Balance
	trades   []model.Trade
	index    *book.Index
	seq      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[string]*model.Market),
		orders:   make(map[string]*model.Order),
		balances: make(map[string]*model.Balance),
		index:    book.NewIndex(),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.market(id)
}

func (s *MemoryStore) market(id string) (*model.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order(id)
}

func (s *MemoryStore) order(id string) (*model.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(userID)
}

func (s *MemoryStore) balance(userID string) (*model.Balance, error) {
	b, ok := s.balances[userID]
	if !ok {
		return nil, fmt.Errorf("balance %s: %w", userID, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) FindMatchCandidates(_ context.Context, q CandidateQuery) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if best, ok := s.index.Best(q.MarketID, q.Side); !ok || best.Price < q.MinPrice {
		return nil, nil
	}

	var (
		out []model.Order
		cum int64
	)
	s.index.Walk(q.MarketID, q.Side, func(e book.Entry, id string) bool {
		if e.Price < q.MinPrice {
			return false
		}
		o := s.orders[id]
		if q.ExcludeUser != "" && o.UserID == q.ExcludeUser {
			return true
		}
		out = append(out, *o)
		cum += o.RemainingQuantity
		return q.MaxQuantity <= 0 || cum < q.MaxQuantity
	})
	return out, nil
}

func (s *MemoryStore) Depth(_ context.Context, marketID string) (*model.Depth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &model.Depth{
		MarketID: marketID,
		Yes:      s.levels(marketID, money.SideYes),
		No:       s.levels(marketID, money.SideNo),
	}, nil
}

func (s *MemoryStore) levels(marketID string, side money.Side) []model.DepthLevel {
	levels := []model.DepthLevel{}
	s.index.Walk(marketID, side, func(e book.Entry, id string) bool {
		n := len(levels)
		if n == 0 || levels[n-1].Price != e.Price {
			levels = append(levels, model.DepthLevel{Price: e.Price})
			n++
		}
		levels[n-1].Quantity += s.orders[id].RemainingQuantity
		levels[n-1].Orders++
		return true
	})
	return levels
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string, restingOnly bool) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, o := range s.orders {
		if o.UserID != userID || (restingOnly && !o.Resting()) {
			continue
		}
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Seq > orders[j].Seq })
	return orders, nil
}

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Filter(s.trades, func(t model.Trade, _ int) bool {
		return t.MarketID == marketID
	}), nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Filter(s.trades, func(t model.Trade, _ int) bool {
		return t.YesUserID == userID || t.NoUserID == userID
	}), nil
}

func (s *MemoryStore) LastTrade(_ context.Context, marketID string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].MarketID == marketID {
			t := s.trades[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("last trade of %s: %w", marketID, ErrNotFound)
}

// InTx runs fn against a private overlay and applies it only if fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		s:        s,
		markets:  make(map[string]*model.Market),
		orders:   make(map[string]*model.Order),
		balances: make(map[string]*model.Balance),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx is the overlay of one MemoryStore transaction.
type memTx struct {
	s        *MemoryStore
	markets  map[string]*model.Market
	orders   map[string]*model.Order
	balances map[string]*model.Balance
	trades   []model.Trade
}

func (tx *memTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for id, o := range tx.orders {
		s.orders[id] = o
		s.index.Sync(o)
	}
	for id, b := range tx.balances {
		s.balances[id] = b
	}
	s.trades = append(s.trades, tx.trades...)
}

func (tx *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		cp := *m
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.market(id)
}

func (tx *memTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	if _, err := tx.GetMarket(ctx, m.ID); err != nil {
		return err
	}
	cp := *m
	tx.markets[m.ID] = &cp
	return nil
}

// orderRef returns the overlay copy of an order, creating it on first use.
func (tx *memTx) orderRef(id string) (*model.Order, error) {
	if o, ok := tx.orders[id]; ok {
		return o, nil
	}
	tx.s.mu.RLock()
	o, err := tx.s.order(id)
	tx.s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	tx.orders[id] = o
	return o, nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	o, err := tx.orderRef(id)
	if err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	tx.s.mu.Lock()
	_, exists := tx.s.orders[o.ID]
	tx.s.seq++
	o.Seq = tx.s.seq
	tx.s.mu.Unlock()

	if _, dup := tx.orders[o.ID]; dup || exists {
		return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyExists)
	}
	cp := *o
	tx.orders[o.ID] = &cp
	return nil
}

func (tx *memTx) ApplyFill(_ context.Context, orderID string, qty int64) (*model.Order, error) {
	o, err := tx.orderRef(orderID)
	if err != nil {
		return nil, err
	}
	if !o.Resting() || qty <= 0 || qty > o.RemainingQuantity {
		return nil, fmt.Errorf("fill %d on order %s: %w", qty, orderID, ErrOrderClosed)
	}
	o.ApplyFill(qty, time.Now().UTC())
	cp := *o
	return &cp, nil
}

func (tx *memTx) CancelOrder(_ context.Context, orderID string) (*model.Order, error) {
	o, err := tx.orderRef(orderID)
	if err != nil {
		return nil, err
	}
	if !o.Resting() {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, ErrOrderClosed)
	}
	o.Status = model.OrderCancelled
	o.UpdatedAt = time.Now().UTC()
	cp := *o
	return &cp, nil
}

// merged returns every order visible to the transaction that matches keep.
func (tx *memTx) merged(keep func(o *model.Order) bool) []model.Order {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	var out []model.Order
	for id, o := range tx.s.orders {
		if ov, ok := tx.orders[id]; ok {
			o = ov
		}
		if keep(o) {
			out = append(out, *o)
		}
	}
	for id, o := range tx.orders {
		if _, committed := tx.s.orders[id]; committed {
			continue
		}
		if keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (tx *memTx) ListRestingOrders(_ context.Context, marketID string) ([]model.Order, error) {
	orders := tx.merged(func(o *model.Order) bool {
		return o.MarketID == marketID && o.Resting()
	})
	for i := range orders {
		// Lock semantics: later reads in this tx see the overlay copy.
		if _, err := tx.orderRef(orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (tx *memTx) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	committed, err := tx.s.ListTradesByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	pending := lo.Filter(tx.trades, func(t model.Trade, _ int) bool {
		return t.MarketID == marketID
	})
	return append(committed, pending...), nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) GetBalance(_ context.Context, userID string) (*model.Balance, error) {
	if b, ok := tx.balances[userID]; ok {
		cp := *b
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.balance(userID)
}

func (tx *memTx) InsertBalance(ctx context.Context, b *model.Balance) error {
	if _, err := tx.GetBalance(ctx, b.UserID); err == nil {
		return fmt.Errorf("balance %s: %w", b.UserID, ErrAlreadyExists)
	}
	cp := *b
	tx.balances[b.UserID] = &cp
	return nil
}

func (tx *memTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	current, err := tx.GetBalance(ctx, b.UserID)
	if err != nil {
		return err
	}
	if current.Version != b.Version {
		return fmt.Errorf("balance %s version %d != %d: %w",
			b.UserID, b.Version, current.Version, ErrConflict)
	}
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	cp := *b
	tx.balances[b.UserID] = &cp
	return nil
}

func (tx *memTx) UserShares(_ context.Context, userID, marketID string) (int64, error) {
	orders := tx.merged(func(o *model.Order) bool {
		return o.UserID == userID && o.MarketID == marketID
	})
	return lo.SumBy(orders, func(o model.Order) int64 {
		if o.Resting() {
			return o.Quantity
		}
		return o.FilledQuantity
	}), nil
}
