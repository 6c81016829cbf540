// Package ledger is the authoritative store of accounts: balances and share
// positions. Every mutation is atomic with respect to other goroutines
// touching the same account, and every operation enforces the
// balance-and-positions-never-negative invariant.
//
// Each account carries its own mutex, so two goroutines acting on
// different accounts never contend with each other.
package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"

	"exchange-core/internal/store"
	"exchange-core/internal/xerrors"

	"github.com/shopspring/decimal"
)

type account struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]decimal.Decimal
}

// Ledger owns every account in the process.
type Ledger struct {
	store store.Store

	mu       sync.RWMutex
	accounts map[string]*account
}

// New constructs a Ledger backed by the given persistence collaborator.
func New(s store.Store) *Ledger {
	return &Ledger{
		store:    s,
		accounts: make(map[string]*account),
	}
}

func (l *Ledger) lookup(id string) *account {
	l.mu.RLock()
	a := l.accounts[id]
	l.mu.RUnlock()
	return a
}

// CreateAccount registers a new account with the given initial balance.
// balance must be non-negative.
func (l *Ledger) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("initial balance %s is negative: %w", balance, xerrors.ErrMalformedRequest)
	}

	l.mu.Lock()
	if _, exists := l.accounts[id]; exists {
		l.mu.Unlock()
		return fmt.Errorf("account %s already exists: %w", id, xerrors.ErrDuplicateAccount)
	}
	l.accounts[id] = &account{
		balance:   balance,
		positions: make(map[string]decimal.Decimal),
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveAccount(ctx, id, balance); err != nil {
			log.Printf("[ERROR] persisting account %s: %v", id, err)
			return fmt.Errorf("persisting account %s: %w", id, xerrors.ErrInternal)
		}
	}
	return nil
}

// CreateOrAddShares registers sym if unseen and credits num shares to id's
// position. num must be strictly positive.
func (l *Ledger) CreateOrAddShares(ctx context.Context, sym, id string, num decimal.Decimal) error {
	if !num.IsPositive() {
		return fmt.Errorf("share amount %s must be positive: %w", num, xerrors.ErrMalformedRequest)
	}
	a := l.lookup(id)
	if a == nil {
		return fmt.Errorf("account %s: %w", id, xerrors.ErrUnknownAccount)
	}

	a.mu.Lock()
	a.positions[sym] = a.positions[sym].Add(num)
	newPos := a.positions[sym]
	a.mu.Unlock()

	return l.persistPosition(ctx, id, sym, newPos)
}

// ReserveFunds atomically decreases id's balance by amount if sufficient.
// Used when a buy order is accepted.
func (l *Ledger) ReserveFunds(ctx context.Context, id string, amount decimal.Decimal) error {
	a := l.lookup(id)
	if a == nil {
		return fmt.Errorf("account %s: %w", id, xerrors.ErrUnknownAccount)
	}

	a.mu.Lock()
	if a.balance.LessThan(amount) {
		a.mu.Unlock()
		return fmt.Errorf("account %s balance %s < requested %s: %w", id, a.balance, amount, xerrors.ErrInsufficientFunds)
	}
	a.balance = a.balance.Sub(amount)
	newBalance := a.balance
	a.mu.Unlock()

	return l.persistBalance(ctx, id, newBalance)
}

// RefundFunds increases id's balance by amount. On a known account it fails
// only if persisting the new balance fails (ErrInternal).
func (l *Ledger) RefundFunds(ctx context.Context, id string, amount decimal.Decimal) error {
	a := l.lookup(id)
	if a == nil {
		return fmt.Errorf("account %s: %w", id, xerrors.ErrUnknownAccount)
	}

	a.mu.Lock()
	a.balance = a.balance.Add(amount)
	newBalance := a.balance
	a.mu.Unlock()

	return l.persistBalance(ctx, id, newBalance)
}

// CreditFunds is an alias for RefundFunds used at execution time, kept
// distinct in the API so call sites read according to intent (seller
// proceeds vs buyer refund).
func (l *Ledger) CreditFunds(ctx context.Context, id string, amount decimal.Decimal) error {
	return l.RefundFunds(ctx, id, amount)
}

// ReserveShares atomically decreases id's position in sym by num if
// sufficient. Used when a sell order is accepted.
func (l *Ledger) ReserveShares(ctx context.Context, id, sym string, num decimal.Decimal) error {
	a := l.lookup(id)
	if a == nil {
		return fmt.Errorf("account %s: %w", id, xerrors.ErrUnknownAccount)
	}

	a.mu.Lock()
	have := a.positions[sym]
	if have.LessThan(num) {
		a.mu.Unlock()
		return fmt.Errorf("account %s position %s in %s < requested %s: %w", id, have, sym, num, xerrors.ErrInsufficientShares)
	}
	a.positions[sym] = have.Sub(num)
	newPos := a.positions[sym]
	a.mu.Unlock()

	return l.persistPosition(ctx, id, sym, newPos)
}

// CreditShares increases id's position in sym by num, creating the position
// if absent. On a known account it fails only if persisting the new
// position fails (ErrInternal).
func (l *Ledger) CreditShares(ctx context.Context, id, sym string, num decimal.Decimal) error {
	a := l.lookup(id)
	if a == nil {
		return fmt.Errorf("account %s: %w", id, xerrors.ErrUnknownAccount)
	}

	a.mu.Lock()
	a.positions[sym] = a.positions[sym].Add(num)
	newPos := a.positions[sym]
	a.mu.Unlock()

	return l.persistPosition(ctx, id, sym, newPos)
}

// Balance returns id's current balance.
func (l *Ledger) Balance(id string) (decimal.Decimal, error) {
	a := l.lookup(id)
	if a == nil {
		return decimal.Zero, fmt.Errorf("account %s: %w", id, xerrors.ErrUnknownAccount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

// Position returns id's current holding of sym.
func (l *Ledger) Position(id, sym string) (decimal.Decimal, error) {
	a := l.lookup(id)
	if a == nil {
		return decimal.Zero, fmt.Errorf("account %s: %w", id, xerrors.ErrUnknownAccount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[sym], nil
}

func (l *Ledger) persistBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveBalance(ctx, id, balance); err != nil {
		log.Printf("[ERROR] persisting balance for %s: %v", id, err)
		return fmt.Errorf("persisting balance for %s: %w", id, xerrors.ErrInternal)
	}
	return nil
}

func (l *Ledger) persistPosition(ctx context.Context, id, sym string, shares decimal.Decimal) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SavePosition(ctx, id, sym, shares); err != nil {
		log.Printf("[ERROR] persisting position %s/%s: %v", id, sym, err)
		return fmt.Errorf("persisting position %s/%s: %w", id, sym, xerrors.ErrInternal)
	}
	return nil
}
