// Package book keeps resting orders in price-time priority using red-black
// trees, one per market side.
package book

import (
	rbt "github.com/emirpasic/gods/trees/redblacktree"

	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
)

// Entry is the priority key of a resting order.
type Entry struct {
	Price int
	Seq   int64
}

// PriorityComparator orders entries best-for-the-taker first: higher own-side
// price first (the taker pays the complement), then earlier Seq.
func PriorityComparator(a, b interface{}) int {
	ea := a.(Entry)
	eb := b.(Entry)
	switch {
	case ea.Price > eb.Price:
		return -1
	case ea.Price < eb.Price:
		return 1
	case ea.Seq < eb.Seq:
		return -1
	case ea.Seq > eb.Seq:
		return 1
	default:
		return 0
	}
}

type sideKey struct {
	marketID string
	side     money.Side
}

// Index maps each market side to its priority tree. Values are order IDs.
// Index is not safe for concurrent use; the owning store serialises access.
type Index struct {
	trees map[sideKey]*rbt.Tree
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{trees: make(map[sideKey]*rbt.Tree)}
}

func (ix *Index) tree(marketID string, side money.Side, create bool) *rbt.Tree {
	k := sideKey{marketID: marketID, side: side}
	t, ok := ix.trees[k]
	if !ok && create {
		t = rbt.NewWith(PriorityComparator)
		ix.trees[k] = t
	}
	return t
}

// Sync adds the order if it is resting and removes it otherwise.
func (ix *Index) Sync(o *model.Order) {
	e := Entry{Price: o.Price, Seq: o.Seq}
	if o.Resting() {
		ix.tree(o.MarketID, o.Side, true).Put(e, o.ID)
		return
	}
	if t := ix.tree(o.MarketID, o.Side, false); t != nil {
		t.Remove(e)
		if t.Empty() {
			delete(ix.trees, sideKey{marketID: o.MarketID, side: o.Side})
		}
	}
}

// Walk visits resting orders of one market side in priority order until fn
// returns false.
func (ix *Index) Walk(marketID string, side money.Side, fn func(e Entry, orderID string) bool) {
	t := ix.tree(marketID, side, false)
	if t == nil {
		return
	}
	it := t.Iterator()
	for it.Next() {
		if !fn(it.Key().(Entry), it.Value().(string)) {
			return
		}
	}
}

// Best returns the best resting entry of a market side.
func (ix *Index) Best(marketID string, side money.Side) (Entry, bool) {
	t := ix.tree(marketID, side, false)
	if t == nil || t.Empty() {
		return Entry{}, false
	}
	return t.Left().Key.(Entry), true
}
