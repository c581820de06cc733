// Package position tracks net exposure per instrument from confirmed fills.
package position

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

const epsilon = 1e-10

// sum is a Neumaier compensated accumulator.
type sum struct {
	s, c float64
}

func (k *sum) add(x float64) {
	t := k.s + x
	if math.Abs(k.s) >= math.Abs(x) {
		k.c += (k.s - t) + x
	} else {
		k.c += (x - t) + k.s
	}
	k.s = t
}

func (k *sum) value() float64 { return k.s + k.c }

func (k *sum) reset(x float64) { k.s, k.c = x, 0 }

type state struct {
	net       sum
	cost      sum // Σ qty·price of the open exposure, always non-negative
	realized  sum
	openedAt  time.Time
	updatedAt time.Time
}

func (s *state) position(instrument string) domain.Position {
	net := s.net.value()
	p := domain.Position{
		Instrument:  instrument,
		NetQuantity: net,
		RealizedPnL: s.realized.value(),
		OpenedAt:    s.openedAt,
		UpdatedAt:   s.updatedAt,
	}
	if net != 0 {
		p.AverageEntryPrice = s.cost.value() / math.Abs(net)
	}
	return p
}

// FillEffect describes what a fill did to a position.
type FillEffect struct {
	Opened      float64 // Quantity added to exposure
	Closed      float64 // Quantity removed from exposure
	RealizedPnL float64 // PnL realized on the closed quantity
	ClosedEntry float64 // Average entry of the closed quantity
	Position    domain.Position
}

// Tracker maintains positions. Fills may arrive from the push channel and
// the reconciliation loop concurrently, so all access is synchronized.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*state
}

// NewTracker creates an empty position tracker.
func NewTracker() *Tracker {
	return &Tracker{positions: make(map[string]*state)}
}

// Position returns the position for instrument; untracked instruments are flat.
func (t *Tracker) Position(instrument string) domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.positions[instrument]
	if !ok {
		return domain.Position{Instrument: instrument}
	}
	return s.position(instrument)
}

// ApplyFill updates the position for a confirmed fill.
// Increases use a weighted average entry; decreases realize
// (price - entry) × closed quantity in the direction of the exposure;
// a side flip closes the whole exposure and opens the remainder at price.
func (t *Tracker) ApplyFill(instrument string, side domain.OrderSide, quantity, price float64, at time.Time) (FillEffect, error) {
	if quantity <= 0 || price <= 0 || math.IsNaN(quantity) || math.IsNaN(price) {
		return FillEffect{}, fmt.Errorf("apply fill %s qty=%f price=%f: %w", instrument, quantity, price, ports.ErrInvalidRequest)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.positions[instrument]
	if !ok {
		s = &state{}
		t.positions[instrument] = s
	}

	var eff FillEffect
	dir := side.Sign()
	remaining := quantity

	if net := s.net.value(); net != 0 && math.Signbit(net) != math.Signbit(dir) {
		size := math.Abs(net)
		closed := math.Min(remaining, size)
		entry := s.cost.value() / size
		pnl := (price - entry) * closed * sign(net)

		s.realized.add(pnl)
		eff.Closed = closed
		eff.ClosedEntry = entry
		eff.RealizedPnL = pnl
		remaining -= closed

		if size-closed <= epsilon {
			s.net.reset(0)
			s.cost.reset(0)
			s.openedAt = time.Time{}
		} else {
			s.net.add(-sign(net) * closed)
			s.cost.add(-entry * closed)
		}
	}

	if remaining > epsilon {
		if s.net.value() == 0 {
			s.openedAt = at
			s.net.reset(0)
			s.cost.reset(0)
		}
		s.net.add(dir * remaining)
		s.cost.add(remaining * price)
		eff.Opened = remaining
	}

	s.updatedAt = at
	eff.Position = s.position(instrument)
	return eff, nil
}

// Overwrite replaces the tracked exposure with exchange-reported truth,
// keeping realized PnL.
func (t *Tracker) Overwrite(instrument string, net, entry float64, at time.Time) domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.positions[instrument]
	if !ok {
		s = &state{}
		t.positions[instrument] = s
	}
	wasFlat := s.net.value() == 0
	s.net.reset(net)
	switch {
	case net == 0:
		s.cost.reset(0)
		s.openedAt = time.Time{}
	default:
		s.cost.reset(math.Abs(net) * entry)
		if wasFlat {
			s.openedAt = at
		}
	}
	s.updatedAt = at
	return s.position(instrument)
}

// Snapshot returns every tracked position sorted by instrument.
func (t *Tracker) Snapshot() []domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Position, 0, len(t.positions))
	for instrument, s := range t.positions {
		out = append(out, s.position(instrument))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// OpenCount returns the number of non-flat positions.
func (t *Tracker) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.positions {
		if s.net.value() != 0 {
			n++
		}
	}
	return n
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}
