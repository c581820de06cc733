// Package sizing turns signals into target net positions.
package sizing

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

// Policy names accepted by New.
const (
	PolicyTargetSize = "target_size"
	PolicyNotional   = "notional"
)

// DefaultMinMarginValue sets the opening order value floor: an order is lifted
// until quantity × price >= DefaultMinMarginValue / leverage.
const DefaultMinMarginValue = 11.0

// New returns the policy registered under name.
func New(name string, defaultNotional float64) (ports.SizingPolicy, error) {
	switch name {
	case PolicyTargetSize, "":
		return TargetSize{}, nil
	case PolicyNotional:
		if defaultNotional <= 0 {
			return nil, fmt.Errorf("notional sizing needs a positive default notional, got %f: %w", defaultNotional, ports.ErrConfigurationError)
		}
		return Notional{Default: defaultNotional, MinMarginValue: DefaultMinMarginValue}, nil
	default:
		return nil, fmt.Errorf("unknown sizing policy %q: %w", name, ports.ErrConfigurationError)
	}
}

// TargetSize uses the signal's Size as the absolute target, signed by direction.
type TargetSize struct{}

// Name implements ports.SizingPolicy.
func (TargetSize) Name() string { return PolicyTargetSize }

// Target implements ports.SizingPolicy.
func (TargetSize) Target(_ context.Context, in ports.SizingInput) (float64, error) {
	sig := in.Signal
	if sig.Direction == domain.Flat {
		return 0, nil
	}
	if sig.Size <= 0 {
		return 0, fmt.Errorf("signal %s has no target size: %w", sig.ID, ports.ErrInvalidSignal)
	}
	return direction(sig.Direction) * sig.Size, nil
}

// Notional deploys a quote amount of margin per signal at the configured
// leverage, rounded down to the instrument's step and lifted to the
// exchange minimums. A signal against the held side closes the position; a
// signal for the held side keeps it unchanged.
type Notional struct {
	Default        float64 // Quote margin used when the signal carries none
	MinMarginValue float64 // Order value floor is MinMarginValue / leverage
}

// Name implements ports.SizingPolicy.
func (Notional) Name() string { return PolicyNotional }

// Target implements ports.SizingPolicy.
func (n Notional) Target(_ context.Context, in ports.SizingInput) (float64, error) {
	sig := in.Signal
	if sig.Direction == domain.Flat {
		return 0, nil
	}
	if held := in.Position.NetQuantity; held != 0 {
		if (held > 0) == (sig.Direction == domain.Long) {
			return held, nil
		}
		return 0, nil
	}
	if in.Price <= 0 {
		return 0, fmt.Errorf("notional sizing for %s: price %f: %w", sig.Instrument, in.Price, ports.ErrInvalidRequest)
	}
	amount := sig.Notional
	if amount <= 0 {
		amount = n.Default
	}
	if amount <= 0 {
		return 0, fmt.Errorf("signal %s has no notional: %w", sig.ID, ports.ErrInvalidSignal)
	}
	lev := in.Leverage
	if lev < 1 {
		lev = 1
	}

	qty := RoundDown(amount*float64(lev)/in.Price, in.Instrument.StepSize)
	if floor := Minimum(in.Instrument, in.Price, lev, n.MinMarginValue); qty < floor {
		qty = floor
	}
	return direction(sig.Direction) * qty, nil
}

// Minimum is the smallest opening quantity the exchange accepts at price:
// at least MinQuantity, at least MinNotional in value, and at least
// minMarginValue / leverage in value, each rounded up to the step.
func Minimum(instr domain.Instrument, price float64, leverage int, minMarginValue float64) float64 {
	if price <= 0 {
		return instr.MinQuantity
	}
	if leverage < 1 {
		leverage = 1
	}
	min := instr.MinQuantity
	if instr.MinNotional > 0 {
		min = math.Max(min, RoundUp(instr.MinNotional/price, instr.StepSize))
	}
	if minMarginValue > 0 {
		min = math.Max(min, RoundUp(minMarginValue/float64(leverage)/price, instr.StepSize))
	}
	return min
}

// RoundDown truncates qty to a multiple of step.
func RoundDown(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(qty).Div(s).Floor().Mul(s).InexactFloat64()
}

// RoundUp lifts qty to the next multiple of step.
func RoundUp(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(qty).Div(s).Ceil().Mul(s).InexactFloat64()
}

// Decimals is the number of fractional digits a step size allows.
func Decimals(step float64) int32 {
	if step <= 0 {
		return 8
	}
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// Format renders qty truncated to step, as exchanges expect it.
func Format(qty, step float64) string {
	return decimal.NewFromFloat(RoundDown(qty, step)).StringFixed(Decimals(step))
}

func direction(d domain.Direction) float64 {
	if d == domain.Short {
		return -1
	}
	return 1
}
