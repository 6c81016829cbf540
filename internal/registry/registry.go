// Package registry is the authoritative record of every order ever
// accepted: it assigns ids, and tracks each order's mutable execution
// history (open remainder, fills, cancellation).
//
// Id assignment is a single atomic counter; per-order mutation is guarded
// by a per-order mutex so that unrelated orders never contend.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"exchange-core/internal/models"
	"exchange-core/internal/xerrors"

	"github.com/shopspring/decimal"
)

type entry struct {
	mu    sync.Mutex
	order *models.Order
}

// Registry owns every order's canonical record.
type Registry struct {
	counter atomic.Int64

	mu      sync.RWMutex
	entries map[int64]*entry
}

// New returns an empty Registry. Ids are assigned starting at 1.
func New() *Registry {
	return &Registry{entries: make(map[int64]*entry)}
}

// Descriptor is the immutable portion of an order, supplied at Register
// time (CreatedAt included); the registry fills in ID and the initial
// OpenShares.
type Descriptor struct {
	AccountID      string
	Symbol         string
	Side           models.Side
	LimitPrice     decimal.Decimal
	OriginalAmount decimal.Decimal
	CreatedAt      time.Time
}

// Register assigns the next id and stores the order in its initial open
// state. The returned pointer is the same one held internally by the
// registry — the matching engine relies on this to place it straight into
// an order book without a second lookup — so all mutation after Register
// must go through ApplyFill/ApplyCancel, which hold the per-order lock.
func (r *Registry) Register(d Descriptor) *models.Order {
	id := r.counter.Add(1)
	o := &models.Order{
		ID:             id,
		AccountID:      d.AccountID,
		Symbol:         d.Symbol,
		Side:           d.Side,
		LimitPrice:     d.LimitPrice,
		OriginalAmount: d.OriginalAmount,
		CreatedAt:      d.CreatedAt,
		OpenShares:     d.OriginalAmount,
	}

	r.mu.Lock()
	r.entries[id] = &entry{order: o}
	r.mu.Unlock()

	return o
}

func (r *Registry) lookup(id int64) *entry {
	r.mu.RLock()
	e := r.entries[id]
	r.mu.RUnlock()
	return e
}

// Restore reinstates an order recovered from the persistence collaborator,
// preserving its original id, and advances the id counter so that newly
// registered orders never collide with a recovered one.
func (r *Registry) Restore(o *models.Order) {
	r.mu.Lock()
	r.entries[o.ID] = &entry{order: o}
	r.mu.Unlock()

	for {
		cur := r.counter.Load()
		if o.ID <= cur {
			return
		}
		if r.counter.CompareAndSwap(cur, o.ID) {
			return
		}
	}
}

// Get returns an immutable snapshot of the order, safe for the caller to
// read without further locking.
func (r *Registry) Get(id int64) (*models.Order, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("order %d: %w", id, xerrors.ErrUnknownOrder)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Clone(), nil
}

// ApplyFill appends a fill record and decrements open shares by shares. It
// must never be asked to drive OpenShares below zero; the matching engine
// is responsible for only ever requesting fills up to the current open
// remainder while holding the relevant symbol lock.
func (r *Registry) ApplyFill(id int64, shares, price decimal.Decimal, when time.Time) (*models.Order, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("order %d: %w", id, xerrors.ErrUnknownOrder)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if shares.GreaterThan(e.order.OpenShares) {
		// Caller error, not a client-facing failure: the matching loop
		// must never request more than the open remainder.
		panic(fmt.Sprintf("registry: fill of %s exceeds open shares %s for order %d", shares, e.order.OpenShares, id))
	}

	e.order.Fills = append(e.order.Fills, models.Fill{Shares: shares, Price: price, Time: when})
	e.order.OpenShares = e.order.OpenShares.Sub(shares)

	return e.order.Clone(), nil
}

// ApplyCancel records cancellation of the order's current open remainder.
// The caller supplies the exact shares being cancelled (normally the
// OpenShares observed under the symbol lock at the moment cancel was
// requested); a second cancel, or a cancel of an order with no open
// remainder, returns ErrNotOpen.
func (r *Registry) ApplyCancel(id int64, shares decimal.Decimal, when time.Time) (*models.Order, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("order %d: %w", id, xerrors.ErrUnknownOrder)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.order.Cancel != nil || e.order.OpenShares.IsZero() {
		return nil, fmt.Errorf("order %d: %w", id, xerrors.ErrNotOpen)
	}

	e.order.Cancel = &models.CancelRecord{SharesCancelled: shares, Time: when}
	e.order.OpenShares = decimal.Zero

	return e.order.Clone(), nil
}
