package domain

import "time"

// LiveOrder is an order as reported by the exchange.
type LiveOrder struct {
	ExchangeOrderID  string
	ClientOrderID    string
	Instrument       string
	Side             OrderSide
	Quantity         float64
	Price            float64
	FilledQuantity   float64 // Cumulative
	AverageFillPrice float64
	Status           OrderStatus
	UpdatedAt        time.Time
}

// LivePosition is a position as reported by the exchange.
type LivePosition struct {
	Instrument  string
	NetQuantity float64
	EntryPrice  float64
	MarkPrice   float64
	Leverage    int
}

// LiveBalance is a wallet balance as reported by the exchange.
type LiveBalance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total is free plus locked.
func (b LiveBalance) Total() float64 {
	return b.Free + b.Locked
}

// Snapshot is exchange state fetched for one reconciliation pass.
// It is never persisted.
type Snapshot struct {
	Orders    []LiveOrder
	Positions []LivePosition
	Balances  []LiveBalance
	FetchedAt time.Time
}

// ExchangeEventKind distinguishes push notifications.
type ExchangeEventKind string

const (
	EventFill   ExchangeEventKind = "fill"
	EventStatus ExchangeEventKind = "status"
)

// ExchangeEvent is a push notification from the transport's event channel.
type ExchangeEvent struct {
	Kind            ExchangeEventKind
	Instrument      string
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	Fill            Fill
	Reason          string
	Time            time.Time
}
