// Package book implements the per-symbol order book: two price-ordered
// sides whose best price is available in O(log n), with orders FIFO-queued
// within a price level by arrival.
//
// The price index is a red-black tree (emirpasic/gods/v2/trees/redblacktree)
// keyed on price, giving logarithmic insert, remove and best-price lookup.
//
// Callers are expected to serialize access externally: the matching engine
// holds one mutex per symbol across both sides of that symbol's book, so
// OrderBook itself performs no locking.
package book

import (
	"exchange-core/internal/models"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
	"github.com/shopspring/decimal"
)

// PriceLevel is a FIFO queue of open orders resting at one limit price.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*models.Order
}

func (pl *PriceLevel) add(o *models.Order) {
	pl.Orders = append(pl.Orders, o)
}

// remove deletes the order with the given id, preserving FIFO order of the
// remainder. Reports whether an order was found.
func (pl *PriceLevel) remove(id int64) bool {
	for i, o := range pl.Orders {
		if o.ID == id {
			pl.Orders = append(pl.Orders[:i], pl.Orders[i+1:]...)
			return true
		}
	}
	return false
}

func (pl *PriceLevel) isEmpty() bool { return len(pl.Orders) == 0 }

// TotalShares sums the open remainder across every order resting at this
// price level.
func (pl *PriceLevel) TotalShares() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.Orders {
		total = total.Add(o.OpenShares)
	}
	return total
}

func ascending(a, b decimal.Decimal) int  { return a.Cmp(b) }
func descending(a, b decimal.Decimal) int { return b.Cmp(a) }

// OrderBook is the two-sided book for a single symbol.
type OrderBook struct {
	Symbol string

	bids *rbt.Tree[decimal.Decimal, *PriceLevel] // best = highest price
	asks *rbt.Tree[decimal.Decimal, *PriceLevel] // best = lowest price
}

// New constructs an empty order book for sym.
func New(sym string) *OrderBook {
	return &OrderBook{
		Symbol: sym,
		bids:   rbt.NewWith[decimal.Decimal, *PriceLevel](descending),
		asks:   rbt.NewWith[decimal.Decimal, *PriceLevel](ascending),
	}
}

func (b *OrderBook) sideTree(side models.Side) *rbt.Tree[decimal.Decimal, *PriceLevel] {
	if side == models.SideBuy {
		return b.bids
	}
	return b.asks
}

// Add inserts an open order into its side of the book. Only orders with
// OpenShares > 0 and no cancellation record belong here; the caller removes
// an order the instant it stops being open.
func (b *OrderBook) Add(o *models.Order) {
	tree := b.sideTree(o.Side)
	level, found := tree.Get(o.LimitPrice)
	if !found {
		level = &PriceLevel{Price: o.LimitPrice}
		tree.Put(o.LimitPrice, level)
	}
	level.add(o)
}

// Remove deletes the order with id from the given side/price. Reports
// whether it was found.
func (b *OrderBook) Remove(side models.Side, price decimal.Decimal, id int64) bool {
	tree := b.sideTree(side)
	level, found := tree.Get(price)
	if !found {
		return false
	}
	removed := level.remove(id)
	if removed && level.isEmpty() {
		tree.Remove(price)
	}
	return removed
}

// BestBuy returns the oldest order at the highest bid price, or nil.
func (b *OrderBook) BestBuy() *models.Order {
	return bestOf(b.bids)
}

// BestSell returns the oldest order at the lowest ask price, or nil.
func (b *OrderBook) BestSell() *models.Order {
	return bestOf(b.asks)
}

func bestOf(tree *rbt.Tree[decimal.Decimal, *PriceLevel]) *models.Order {
	node := tree.Left()
	if node == nil {
		return nil
	}
	level := node.Value
	if len(level.Orders) == 0 {
		return nil
	}
	return level.Orders[0]
}

// Level is a read-only snapshot of one price level's aggregate depth.
type Level struct {
	Price decimal.Decimal
	Total decimal.Decimal
}

// TopLevels returns up to depth aggregated levels per side, best price
// first.
func (b *OrderBook) TopLevels(depth int) (bids, asks []Level) {
	bids = snapshot(b.bids, depth)
	asks = snapshot(b.asks, depth)
	return bids, asks
}

func snapshot(tree *rbt.Tree[decimal.Decimal, *PriceLevel], depth int) []Level {
	keys := tree.Keys()
	if depth < len(keys) {
		keys = keys[:depth]
	}
	out := make([]Level, 0, len(keys))
	for _, price := range keys {
		level, ok := tree.Get(price)
		if !ok || level.isEmpty() {
			continue
		}
		out = append(out, Level{Price: price, Total: level.TotalShares()})
	}
	return out
}

// Counts reports the number of resting orders on each side, for tests and
// operational introspection.
func (b *OrderBook) Counts() (bids, asks int) {
	for _, price := range b.bids.Keys() {
		if level, ok := b.bids.Get(price); ok {
			bids += len(level.Orders)
		}
	}
	for _, price := range b.asks.Keys() {
		if level, ok := b.asks.Get(price); ok {
			asks += len(level.Orders)
		}
	}
	return bids, asks
}
