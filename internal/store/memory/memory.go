// Package memory implements store.Store backed by nothing at all: the
// default persistence collaborator. It exists so the core always has a
// Store to call, keeping the ledger and registry's write paths uniform
// regardless of which backing was chosen at startup.
package memory

import (
	"context"

	"exchange-core/internal/models"

	"github.com/shopspring/decimal"
)

// Store is a no-op persistence collaborator. Since the ledger and registry
// already hold their state in memory, there is nothing further to durably
// record; Close and every Save method are infallible.
type Store struct{}

// New returns a ready-to-use in-memory store.
func New() *Store { return &Store{} }

func (s *Store) SaveAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	return nil
}

func (s *Store) SaveBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	return nil
}

func (s *Store) SavePosition(ctx context.Context, accountID, sym string, shares decimal.Decimal) error {
	return nil
}

func (s *Store) SaveOrder(ctx context.Context, o *models.Order) error { return nil }

func (s *Store) SaveOrderState(ctx context.Context, o *models.Order) error { return nil }

// LoadOpenOrders always returns an empty set: a fresh in-memory store never
// has prior state to recover.
func (s *Store) LoadOpenOrders(ctx context.Context) ([]*models.Order, error) {
	return nil, nil
}

func (s *Store) Close() error { return nil }
