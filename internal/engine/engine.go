// Package engine is the matching engine: one order book per symbol,
// accepting new orders, reserving against the ledger, matching under
// strict price-time priority, and settling fills atomically across the
// ledger and order registry.
//
// A global RWMutex protects the map of per-symbol resources, while a
// create-on-demand sync.Mutex per symbol serializes matching and book
// mutation for that symbol only: orders on unrelated symbols never
// contend. The timestamp used for tie-breaking is assigned once, while the
// symbol lock is held, immediately before registering the order.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"exchange-core/internal/book"
	"exchange-core/internal/ledger"
	"exchange-core/internal/models"
	"exchange-core/internal/registry"
	"exchange-core/internal/store"
	"exchange-core/internal/xerrors"

	"github.com/shopspring/decimal"
)

// Engine owns the ledger, the order registry, and one order book per
// symbol.
type Engine struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	store    store.Store

	mu            sync.RWMutex
	books         map[string]*book.OrderBook
	symbolMutexes map[string]*sync.Mutex

	fillsMu     sync.Mutex
	fillHistory map[string][]SymbolFill
}

// SymbolFill is one side of an execution, recorded for RecentFills.
type SymbolFill struct {
	OrderID int64
	Side    models.Side
	Shares  decimal.Decimal
	Price   decimal.Decimal
	Time    time.Time
}

// New constructs an Engine backed by the given persistence collaborator.
// s may be nil only if l was itself constructed with a nil store.
func New(l *ledger.Ledger, r *registry.Registry, s store.Store) *Engine {
	return &Engine{
		ledger:        l,
		registry:      r,
		store:         s,
		books:         make(map[string]*book.OrderBook),
		symbolMutexes: make(map[string]*sync.Mutex),
		fillHistory:   make(map[string][]SymbolFill),
	}
}

func (e *Engine) symbolMutex(sym string) *sync.Mutex {
	e.mu.RLock()
	m, ok := e.symbolMutexes[sym]
	e.mu.RUnlock()
	if ok {
		return m
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok = e.symbolMutexes[sym]; ok {
		return m
	}
	m = &sync.Mutex{}
	e.symbolMutexes[sym] = m
	e.books[sym] = book.New(sym)
	return m
}

// bookFor returns the order book for sym. Callers must hold that symbol's
// mutex (see symbolMutex) before calling.
func (e *Engine) bookFor(sym string) *book.OrderBook {
	e.mu.RLock()
	b := e.books[sym]
	e.mu.RUnlock()
	return b
}

// fatal reports an invariant violation: a reservation the ledger honored at
// acceptance time was rejected during settlement. This can only happen if
// the bookkeeping above this call has a bug, so it is not reported to the
// caller as an ordinary error.
func (e *Engine) fatal(stage string, err error) {
	log.Fatalf("[FATAL] invariant violation during %s: %v", stage, err)
}

// LedgerCreateAccount creates a new account via the ledger. It is exposed
// on Engine so callers have a single entry point for account, order and
// query operations.
func (e *Engine) LedgerCreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	return e.ledger.CreateAccount(ctx, id, balance)
}

// LedgerCreateOrAddShares registers sym if unseen and credits shares to an
// existing account, via the ledger.
func (e *Engine) LedgerCreateOrAddShares(ctx context.Context, sym, accountID string, num decimal.Decimal) error {
	return e.ledger.CreateOrAddShares(ctx, sym, accountID, num)
}

// PlaceOrder accepts a new order: amount > 0 is a buy, amount < 0 is a
// sell, amount == 0 is malformed. Absolute shares are used thereafter.
func (e *Engine) PlaceOrder(ctx context.Context, accountID, sym string, amount, limit decimal.Decimal) (*models.Order, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("order amount must not be zero: %w", xerrors.ErrMalformedRequest)
	}
	if !limit.IsPositive() {
		return nil, fmt.Errorf("limit price %s must be positive: %w", limit, xerrors.ErrMalformedRequest)
	}

	side := models.SideBuy
	if amount.IsNegative() {
		side = models.SideSell
	}
	shares := amount.Abs()

	switch side {
	case models.SideBuy:
		if err := e.ledger.ReserveFunds(ctx, accountID, shares.Mul(limit)); err != nil {
			return nil, err
		}
	case models.SideSell:
		if err := e.ledger.ReserveShares(ctx, accountID, sym, shares); err != nil {
			return nil, err
		}
	}

	mu := e.symbolMutex(sym)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	n := e.registry.Register(registry.Descriptor{
		AccountID:      accountID,
		Symbol:         sym,
		Side:           side,
		LimitPrice:     limit,
		OriginalAmount: shares,
		CreatedAt:      now,
	})
	if e.store != nil {
		if err := e.store.SaveOrder(ctx, n); err != nil {
			log.Printf("[ERROR] persisting order %d: %v", n.ID, err)
		}
	}

	e.matchLoop(ctx, n)

	if n.OpenShares.IsPositive() {
		e.bookFor(sym).Add(n)
	}
	return n.Clone(), nil
}

// matchLoop runs while n has open shares and the contra side of its book
// offers a compatible order, executing fills under the symbol lock the
// caller already holds.
func (e *Engine) matchLoop(ctx context.Context, n *models.Order) {
	b := e.bookFor(n.Symbol)

	for n.OpenShares.IsPositive() {
		var c *models.Order
		if n.Side == models.SideBuy {
			c = b.BestSell()
		} else {
			c = b.BestBuy()
		}
		if c == nil {
			return
		}
		if !compatible(n, c) {
			return
		}

		f := n.OpenShares
		if c.OpenShares.LessThan(f) {
			f = c.OpenShares
		}
		p := executionPrice(n, c)
		when := time.Now()

		var buyer, seller *models.Order
		if n.Side == models.SideBuy {
			buyer, seller = n, c
		} else {
			buyer, seller = c, n
		}

		if err := e.ledger.CreditFunds(ctx, seller.AccountID, p.Mul(f)); err != nil {
			e.fatal("crediting seller funds", err)
		}
		if err := e.ledger.CreditShares(ctx, buyer.AccountID, n.Symbol, f); err != nil {
			e.fatal("crediting buyer shares", err)
		}

		if _, err := e.registry.ApplyFill(buyer.ID, f, p, when); err != nil {
			e.fatal("applying buyer fill", err)
		}
		if _, err := e.registry.ApplyFill(seller.ID, f, p, when); err != nil {
			e.fatal("applying seller fill", err)
		}

		if buyer == n {
			overpay := n.LimitPrice.Sub(p).Mul(f)
			if overpay.IsPositive() {
				if err := e.ledger.RefundFunds(ctx, n.AccountID, overpay); err != nil {
					e.fatal("refunding buyer overpay", err)
				}
			}
		}

		e.recordFill(n.Symbol, buyer.ID, models.SideBuy, f, p, when)
		e.recordFill(n.Symbol, seller.ID, models.SideSell, f, p, when)

		if e.store != nil {
			if err := e.store.SaveOrderState(ctx, buyer); err != nil {
				log.Printf("[ERROR] persisting order state %d: %v", buyer.ID, err)
			}
			if err := e.store.SaveOrderState(ctx, seller); err != nil {
				log.Printf("[ERROR] persisting order state %d: %v", seller.ID, err)
			}
		}

		if c.OpenShares.IsZero() {
			b.Remove(c.Side, c.LimitPrice, c.ID)
		}
	}
}

// compatible reports whether incoming order n may trade against resting
// contra order c.
func compatible(n, c *models.Order) bool {
	if n.Side == models.SideBuy {
		return c.LimitPrice.LessThanOrEqual(n.LimitPrice)
	}
	return c.LimitPrice.GreaterThanOrEqual(n.LimitPrice)
}

// executionPrice is the limit of whichever order was open first, breaking
// created_at ties by ascending id.
func executionPrice(n, c *models.Order) decimal.Decimal {
	if isOlder(c, n) {
		return c.LimitPrice
	}
	return n.LimitPrice
}

func isOlder(a, b *models.Order) bool {
	if a.CreatedAt.Before(b.CreatedAt) {
		return true
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return false
	}
	return a.ID < b.ID
}

func (e *Engine) recordFill(sym string, orderID int64, side models.Side, shares, price decimal.Decimal, when time.Time) {
	e.fillsMu.Lock()
	e.fillHistory[sym] = append(e.fillHistory[sym], SymbolFill{
		OrderID: orderID,
		Side:    side,
		Shares:  shares,
		Price:   price,
		Time:    when,
	})
	e.fillsMu.Unlock()
}

// Query returns a snapshot of order id's current state.
func (e *Engine) Query(id int64) (*models.Order, error) {
	return e.registry.Get(id)
}

// Cancel cancels order id's current open remainder, refunding the
// un-consumed reservation to the owning account.
func (e *Engine) Cancel(ctx context.Context, id int64) (*models.Order, error) {
	o, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}

	mu := e.symbolMutex(o.Symbol)
	mu.Lock()
	defer mu.Unlock()

	// Re-check under the symbol lock: a racing fill may have closed the
	// order between the lookup above and acquiring the lock.
	o, err = e.registry.Get(id)
	if err != nil {
		e.fatal("re-checking order before cancel", err)
	}
	if !o.IsOpen() {
		return nil, fmt.Errorf("order %d: %w", id, xerrors.ErrNotOpen)
	}

	remainder := o.OpenShares
	e.bookFor(o.Symbol).Remove(o.Side, o.LimitPrice, o.ID)

	switch o.Side {
	case models.SideBuy:
		if err := e.ledger.RefundFunds(ctx, o.AccountID, remainder.Mul(o.LimitPrice)); err != nil {
			e.fatal("refunding cancelled buy reservation", err)
		}
	case models.SideSell:
		if err := e.ledger.CreditShares(ctx, o.AccountID, o.Symbol, remainder); err != nil {
			e.fatal("restoring cancelled sell reservation", err)
		}
	}

	when := time.Now()
	updated, err := e.registry.ApplyCancel(id, remainder, when)
	if err != nil {
		e.fatal("applying cancel", err)
	}
	if e.store != nil {
		if err := e.store.SaveOrderState(ctx, updated); err != nil {
			log.Printf("[ERROR] persisting cancel for order %d: %v", id, err)
		}
	}
	return updated, nil
}

// BookLevel is a read-only snapshot of one aggregated price level.
type BookLevel struct {
	Price decimal.Decimal
	Total decimal.Decimal
}

// BookSnapshot returns up to depth aggregated levels per side of sym's
// book, best price first.
func (e *Engine) BookSnapshot(sym string, depth int) (bids, asks []BookLevel) {
	mu := e.symbolMutex(sym)
	mu.Lock()
	defer mu.Unlock()

	bLevels, aLevels := e.bookFor(sym).TopLevels(depth)
	bids = make([]BookLevel, len(bLevels))
	for i, l := range bLevels {
		bids[i] = BookLevel{Price: l.Price, Total: l.Total}
	}
	asks = make([]BookLevel, len(aLevels))
	for i, l := range aLevels {
		asks[i] = BookLevel{Price: l.Price, Total: l.Total}
	}
	return bids, asks
}

// RecentFills returns the most recent fills recorded against sym, oldest
// first, capped to the last limit entries (limit <= 0 means no cap).
func (e *Engine) RecentFills(sym string, limit int) []SymbolFill {
	e.fillsMu.Lock()
	defer e.fillsMu.Unlock()

	all := e.fillHistory[sym]
	if limit <= 0 || limit >= len(all) {
		out := make([]SymbolFill, len(all))
		copy(out, all)
		return out
	}
	start := len(all) - limit
	out := make([]SymbolFill, limit)
	copy(out, all[start:])
	return out
}

// Restore rebuilds in-memory order books from whatever the persistence
// collaborator reports as still open, for use at startup against a
// durable store.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	orders, err := e.store.LoadOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading open orders: %w", err)
	}

	for _, o := range orders {
		e.registry.Restore(o)
		mu := e.symbolMutex(o.Symbol)
		mu.Lock()
		e.bookFor(o.Symbol).Add(o)
		mu.Unlock()
	}
	log.Printf("[INFO] restored %d open orders into order books", len(orders))
	return nil
}
