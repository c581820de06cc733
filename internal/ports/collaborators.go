package ports

import (
	"context"

	"signalTrader/internal/domain"
)

// Notifier delivers structured events to alerting or logging sinks.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event) error
}

// SignalSource yields batches of canonical signals.
// It returns io.EOF once a finite session is exhausted.
type SignalSource interface {
	Next(ctx context.Context) ([]domain.Signal, error)
}

// SizingInput is everything a sizing policy may look at.
type SizingInput struct {
	Signal     domain.Signal
	Position   domain.Position
	Instrument domain.Instrument
	Price      float64 // Reference price: limit price or current mark
	Available  float64 // Free quote balance
	Leverage   int
}

// SizingPolicy maps a signal to a target signed net position.
type SizingPolicy interface {
	// Name identifies the policy in logs.
	Name() string
	// Target returns the desired net quantity after the signal is executed.
	Target(ctx context.Context, in SizingInput) (float64, error)
}
