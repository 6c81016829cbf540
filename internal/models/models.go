// Package models defines the data types shared across the ledger, order
// registry and matching engine: accounts, symbols, orders and fills.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Account is the ledger's unit of ownership: a cash balance plus a set of
// non-negative share positions, one per symbol.
type Account struct {
	ID        string
	Balance   decimal.Decimal
	Positions map[string]decimal.Decimal
}

// Position returns the account's current holding of sym, or zero if none.
func (a *Account) Position(sym string) decimal.Decimal {
	if a.Positions == nil {
		return decimal.Zero
	}
	if p, ok := a.Positions[sym]; ok {
		return p
	}
	return decimal.Zero
}

// Fill is one atomic transfer of shares against money at a determined price.
type Fill struct {
	Shares decimal.Decimal
	Price  decimal.Decimal
	Time   time.Time
}

// CancelRecord marks the permanent cancellation of an order's open remainder.
type CancelRecord struct {
	SharesCancelled decimal.Decimal
	Time            time.Time
}

// Order is the immutable descriptor plus mutable execution history of a
// single buy or sell request.
type Order struct {
	ID             int64
	AccountID      string
	Symbol         string
	Side           Side
	LimitPrice     decimal.Decimal
	OriginalAmount decimal.Decimal
	CreatedAt      time.Time

	OpenShares decimal.Decimal
	Fills      []Fill
	Cancel     *CancelRecord
}

// IsOpen reports whether the order may still match or be cancelled.
func (o *Order) IsOpen() bool {
	return o.Cancel == nil && o.OpenShares.GreaterThan(decimal.Zero)
}

// ExecutedShares sums the shares across all recorded fills.
func (o *Order) ExecutedShares() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Shares)
	}
	return total
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// registry's lock: the fills slice and cancel record are copied, not aliased.
func (o *Order) Clone() *Order {
	c := *o
	c.Fills = append([]Fill(nil), o.Fills...)
	if o.Cancel != nil {
		cancel := *o.Cancel
		c.Cancel = &cancel
	}
	return &c
}
