// Package signal validates canonical signals at the adapter boundary and
// consolidates batches before they reach the engine.
package signal

import (
	"fmt"
	"math"
	"strings"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

// Normalize trims and upper-cases identifiers, lower-cases the direction and
// stamps ReceivedAt when missing. It then validates the result.
func Normalize(sig domain.Signal, now time.Time) (domain.Signal, error) {
	sig.ID = strings.TrimSpace(sig.ID)
	sig.Instrument = strings.ToUpper(strings.TrimSpace(sig.Instrument))
	sig.Direction = domain.Direction(strings.ToLower(strings.TrimSpace(string(sig.Direction))))
	sig.Source = strings.TrimSpace(sig.Source)
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = now
	}
	return sig, Validate(sig)
}

// Validate rejects signals the core cannot act on. Errors wrap ErrInvalidSignal.
func Validate(sig domain.Signal) error {
	switch {
	case sig.ID == "":
		return fmt.Errorf("signal without id: %w", ports.ErrInvalidSignal)
	case sig.Instrument == "":
		return fmt.Errorf("signal %s without instrument: %w", sig.ID, ports.ErrInvalidSignal)
	case !sig.Direction.Valid():
		return fmt.Errorf("signal %s direction %q: %w", sig.ID, sig.Direction, ports.ErrInvalidSignal)
	case bad(sig.Strength) || sig.Strength < 0 || sig.Strength > 1:
		return fmt.Errorf("signal %s strength %f outside [0,1]: %w", sig.ID, sig.Strength, ports.ErrInvalidSignal)
	case bad(sig.Size) || sig.Size < 0:
		return fmt.Errorf("signal %s size %f: %w", sig.ID, sig.Size, ports.ErrInvalidSignal)
	case bad(sig.Notional) || sig.Notional < 0:
		return fmt.Errorf("signal %s notional %f: %w", sig.ID, sig.Notional, ports.ErrInvalidSignal)
	case bad(sig.LimitPrice) || sig.LimitPrice < 0:
		return fmt.Errorf("signal %s limit price %f: %w", sig.ID, sig.LimitPrice, ports.ErrInvalidSignal)
	case bad(sig.StopLoss) || sig.StopLoss < 0:
		return fmt.Errorf("signal %s stop loss %f: %w", sig.ID, sig.StopLoss, ports.ErrInvalidSignal)
	case bad(sig.TakeProfit) || sig.TakeProfit < 0:
		return fmt.Errorf("signal %s take profit %f: %w", sig.ID, sig.TakeProfit, ports.ErrInvalidSignal)
	case sig.Direction == domain.Flat && (sig.StopLoss > 0 || sig.TakeProfit > 0):
		return fmt.Errorf("signal %s closes a position but carries protective prices: %w", sig.ID, ports.ErrInvalidSignal)
	}
	return nil
}

func bad(x float64) bool {
	return math.IsNaN(x) || math.IsInf(x, 0)
}

// Consolidate reduces a batch to at most one signal per instrument: the first
// signal of the majority direction. Instruments with tied direction counts
// are dropped entirely. Kept signals preserve the batch order.
func Consolidate(batch []domain.Signal) (kept, dropped []domain.Signal) {
	type group struct {
		counts map[domain.Direction]int
		idx    []int
	}
	groups := make(map[string]*group)
	order := make([]string, 0)
	for i, sig := range batch {
		g, ok := groups[sig.Instrument]
		if !ok {
			g = &group{counts: make(map[domain.Direction]int)}
			groups[sig.Instrument] = g
			order = append(order, sig.Instrument)
		}
		g.counts[sig.Direction]++
		g.idx = append(g.idx, i)
	}

	keep := make(map[int]bool, len(groups))
	for _, instrument := range order {
		g := groups[instrument]
		var (
			best domain.Direction
			top  int
			ties bool
		)
		for dir, n := range g.counts {
			switch {
			case n > top:
				best, top, ties = dir, n, false
			case n == top:
				ties = true
			}
		}
		if ties {
			continue
		}
		for _, i := range g.idx {
			if batch[i].Direction == best {
				keep[i] = true
				break
			}
		}
	}

	for i, sig := range batch {
		if keep[i] {
			kept = append(kept, sig)
		} else {
			dropped = append(dropped, sig)
		}
	}
	return kept, dropped
}
