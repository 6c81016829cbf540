// Package store defines the persistence collaborator interface implied by
// the ledger and order registry's transactional requirements. The core
// matching engine does not prescribe a schema, only that these operations
// round-trip the ledger and registry's authoritative state.
package store

import (
	"context"

	"exchange-core/internal/models"

	"github.com/shopspring/decimal"
)

// Store is the durability boundary. A nil Store is valid: callers treat it
// as "no persistence configured" and keep state in memory only.
type Store interface {
	// SaveAccount persists a newly created account.
	SaveAccount(ctx context.Context, id string, balance decimal.Decimal) error
	// SaveBalance persists an account's current balance.
	SaveBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
	// SavePosition persists an account's current position in sym.
	SavePosition(ctx context.Context, accountID, sym string, shares decimal.Decimal) error

	// SaveOrder persists an order's descriptor at acceptance time.
	SaveOrder(ctx context.Context, o *models.Order) error
	// SaveOrderState persists an order's mutable execution state: open
	// shares, fills and cancellation record.
	SaveOrderState(ctx context.Context, o *models.Order) error

	// LoadOpenOrders returns every order the store believes is still open,
	// for rebuilding in-memory order books on startup.
	LoadOpenOrders(ctx context.Context) ([]*models.Order, error)

	// Close releases any resources held by the store.
	Close() error
}
