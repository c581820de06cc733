package ledger

import (
	"math"
	"sort"

	"signalTrader/internal/domain"
)

// coverage is the union of cumulative-quantity ranges applied to one order.
// Trades carry disjoint ranges, so fills with distinct ids are never dropped
// whatever order they arrive in; aggregate fills cover everything below
// their cumulative quantity.
type coverage []domain.FillRange

func (c coverage) top() float64 {
	if len(c) == 0 {
		return 0
	}
	return c[len(c)-1].To
}

// rangeOf places a fill on the order's cumulative axis.
func (c coverage) rangeOf(f domain.Fill) domain.FillRange {
	switch {
	case f.CumulativeQuantity <= 0:
		t := c.top()
		return domain.FillRange{From: t, To: t + f.Quantity}
	case f.Aggregate:
		return domain.FillRange{From: 0, To: f.CumulativeQuantity}
	default:
		return domain.FillRange{From: math.Max(0, f.CumulativeQuantity-f.Quantity), To: f.CumulativeQuantity}
	}
}

// uncovered is the length of r not yet applied.
func (c coverage) uncovered(r domain.FillRange) float64 {
	left := r.To - r.From
	for _, s := range c {
		lo, hi := math.Max(s.From, r.From), math.Min(s.To, r.To)
		if hi > lo {
			left -= hi - lo
		}
	}
	if left < 0 {
		return 0
	}
	return left
}

// add merges r into the set.
func (c coverage) add(r domain.FillRange) coverage {
	if r.To-r.From <= qtyEpsilon {
		return c
	}
	all := append(append(coverage(nil), c...), r)
	sort.Slice(all, func(i, j int) bool { return all[i].From < all[j].From })
	out := coverage{all[0]}
	for _, s := range all[1:] {
		last := &out[len(out)-1]
		if s.From <= last.To+qtyEpsilon {
			last.To = math.Max(last.To, s.To)
			continue
		}
		out = append(out, s)
	}
	return out
}
