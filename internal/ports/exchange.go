package ports

import (
	"context"
	"time"

	"signalTrader/internal/domain"
)

// OrderRequest is what the engine hands to the transport for submission.
type OrderRequest struct {
	Instrument       string
	Side             domain.OrderSide
	Quantity         float64
	Price            domain.PriceSpec
	IdempotencyToken string // Sent as the client order id; reused across retries
	ReduceOnly       bool
	Trigger          domain.TriggerType // Set for protective orders
	StopPrice        float64            // Trigger price when Trigger is set
}

// OrderAck represents the essential details returned after placing an order.
type OrderAck struct {
	ExchangeOrderID  string
	ClientOrderID    string
	Status           domain.OrderStatus
	FilledQuantity   float64 // Cumulative quantity already executed
	AverageFillPrice float64
	Timestamp        time.Time
}

// EventHandler receives push notifications from the transport.
type EventHandler func(event domain.ExchangeEvent)

// Transport defines the interface for interacting with the exchange.
// This abstraction allows decoupling the trading core from specific exchange implementations.
type Transport interface {
	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error

	// GetMarkPrice retrieves the current mark price for a given symbol.
	GetMarkPrice(ctx context.Context, instrument string) (float64, error)

	// GetInstrument retrieves precision and minimum size rules for a symbol.
	GetInstrument(ctx context.Context, instrument string) (*domain.Instrument, error)

	// SetLeverage sets the leverage for a specific symbol.
	SetLeverage(ctx context.Context, instrument string, leverage int) error

	// SubmitOrder places an order. Retrying with the same IdempotencyToken
	// must not create a second order on the exchange.
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// CancelOrder cancels an order by exchange id, or by client id when the
	// exchange id is unknown.
	CancelOrder(ctx context.Context, instrument, exchangeOrderID, clientOrderID string) error

	// QueryOrder fetches the current state of one order.
	// Returns ErrOrderNotFound when the exchange does not know it.
	QueryOrder(ctx context.Context, instrument, exchangeOrderID, clientOrderID string) (*domain.LiveOrder, error)

	// FetchOpenOrders lists every open order on the account.
	FetchOpenOrders(ctx context.Context) ([]domain.LiveOrder, error)

	// FetchPositions lists every non-flat position on the account.
	FetchPositions(ctx context.Context) ([]domain.LivePosition, error)

	// FetchBalances lists wallet balances.
	FetchBalances(ctx context.Context) ([]domain.LiveBalance, error)

	// StreamEvents starts the push channel of fills and status changes.
	// The returned channel is closed when the stream stops for good.
	StreamEvents(ctx context.Context, handler EventHandler, errHandler func(err error)) (doneCh chan struct{}, err error)
}
