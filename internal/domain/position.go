package domain

import "time"

// Position is the net exposure held in one instrument.
type Position struct {
	Instrument        string    // Trading symbol (e.g., "ETHUSDT")
	NetQuantity       float64   // Signed size: positive long, negative short
	AverageEntryPrice float64   // Zero (undefined) while flat
	RealizedPnL       float64   // Accumulated on position-reducing fills
	OpenedAt          time.Time // When the current non-flat exposure started
	UpdatedAt         time.Time
}

// IsFlat reports whether the position carries no exposure.
func (p Position) IsFlat() bool {
	return p.NetQuantity == 0
}

// Side returns the side of the exposure; flat positions report BUY.
func (p Position) Side() OrderSide {
	if p.NetQuantity < 0 {
		return Sell
	}
	return Buy
}

// UnrealizedPnL marks the position to the supplied price.
func (p Position) UnrealizedPnL(mark float64) float64 {
	if p.IsFlat() || mark <= 0 {
		return 0
	}
	return (mark - p.AverageEntryPrice) * p.NetQuantity
}

// Balance is the locally tracked state of one wallet asset.
type Balance struct {
	Asset    string
	Free     float64
	Reserved float64
}

// Total is free plus reserved.
func (b Balance) Total() float64 {
	return b.Free + b.Reserved
}

// BalanceChange describes a single wallet mutation.
type BalanceChange struct {
	Asset         string
	FreeDelta     float64
	ReservedDelta float64
	Balance       Balance
	Cause         string
	Time          time.Time
}
