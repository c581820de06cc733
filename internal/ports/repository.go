package ports

import (
	"context"

	"signalTrader/internal/domain"
)

// OrderRepository defines durable storage for the order ledger.
// Records are keyed by local order id and indexed by signal id and exchange order id.
type OrderRepository interface {
	// Save inserts or updates the order record (fills excluded).
	Save(ctx context.Context, order *domain.Order) error
	// AppendFill stores a fill for an order.
	// Returns ErrDuplicateEntry if the fill id was already stored for that order.
	AppendFill(ctx context.Context, orderID string, fill domain.Fill) error
	// LoadAll retrieves every order with its fill id set, oldest first.
	LoadAll(ctx context.Context) ([]*domain.Order, error)
	// FindBySignalID retrieves the order created for a signal.
	// Returns nil, nil if not found.
	FindBySignalID(ctx context.Context, signalID string) (*domain.Order, error)
	// FindByExchangeID retrieves an order by its exchange order id.
	// Returns nil, nil if not found.
	FindByExchangeID(ctx context.Context, exchangeOrderID string) (*domain.Order, error)
	// FillsFor lists stored fills of an order in the order they were applied.
	FillsFor(ctx context.Context, orderID string) ([]domain.Fill, error)
	// Close releases the underlying storage.
	Close() error
}
