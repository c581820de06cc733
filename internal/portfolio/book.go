// Package portfolio settles order events across the ledger, the position
// tracker and the wallet so the three never disagree about a fill.
package portfolio

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/ledger"
	"signalTrader/internal/ports"
	"signalTrader/internal/position"
	"signalTrader/internal/wallet"
)

// Book applies confirmed fills and terminal transitions. Settlement is
// serialized so reservation releases are computed against current state.
//
// Margin model: free excludes the initial margin of open positions at entry
// price, so free + reserved tracks wallet balance minus position margin.
type Book struct {
	ledger    *ledger.Ledger
	positions *position.Tracker
	wallet    *wallet.Tracker
	notifier  ports.Notifier
	logger    ports.Logger

	mu       sync.Mutex
	leverage map[string]int
	onFill   []FillHook
	now      func() time.Time
}

// FillHook observes every applied fill. Hooks run while settlement is held
// and must not call back into the Book.
type FillHook func(ctx context.Context, order *domain.Order, fill domain.Fill, effect position.FillEffect)

// NewBook wires the three stores together. notifier may be nil.
func NewBook(l *ledger.Ledger, p *position.Tracker, w *wallet.Tracker, n ports.Notifier, logger ports.Logger) *Book {
	return &Book{
		ledger:    l,
		positions: p,
		wallet:    w,
		notifier:  n,
		logger:    logger,
		leverage:  make(map[string]int),
		now:       time.Now,
	}
}

// OnFill registers a hook called after each applied fill.
func (b *Book) OnFill(h FillHook) {
	b.mu.Lock()
	b.onFill = append(b.onFill, h)
	b.mu.Unlock()
}

// Ledger returns the order ledger.
func (b *Book) Ledger() *ledger.Ledger { return b.ledger }

// Positions returns the position tracker.
func (b *Book) Positions() *position.Tracker { return b.positions }

// Wallet returns the wallet tracker.
func (b *Book) Wallet() *wallet.Tracker { return b.wallet }

// Leverage returns the leverage the instrument's exposure was opened with.
func (b *Book) Leverage(instrument string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leverage[instrument]
}

// OpenInstruments returns the instruments holding exposure or a working
// order. It is read under the settlement lock so an order that just filled
// is seen either as the order or as the position.
func (b *Book) OpenInstruments() map[string]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]struct{})
	for _, p := range b.positions.Snapshot() {
		if !p.IsFlat() {
			out[p.Instrument] = struct{}{}
		}
	}
	for _, o := range b.ledger.Open() {
		out[o.Instrument] = struct{}{}
	}
	return out
}

// Acknowledge records the exchange id of an order.
func (b *Book) Acknowledge(ctx context.Context, orderID, exchangeOrderID string) (*domain.Order, error) {
	before, ok := b.ledger.Get(orderID)
	if !ok {
		return nil, ports.ErrUnknownOrder
	}
	o, err := b.ledger.RecordAcknowledgment(ctx, orderID, exchangeOrderID)
	if err != nil {
		return nil, err
	}
	if before.Status == domain.StatusPending && o.Status == domain.StatusSubmitted {
		b.emit(ctx, domain.Event{
			Kind:       domain.EventOrderSubmitted,
			Severity:   domain.SeverityInfo,
			Instrument: o.Instrument,
			OrderID:    o.ID,
			Message:    "order acknowledged by exchange",
			Fields:     map[string]interface{}{"exchangeOrderID": exchangeOrderID},
		})
	}
	return o, nil
}

// ApplyFill records a fill and, when it is new, moves the position and
// settles the order's reservation.
func (b *Book) ApplyFill(ctx context.Context, orderID string, fill domain.Fill) (ledger.FillOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out, err := b.ledger.RecordFill(ctx, orderID, fill)
	if err != nil || !out.Applied {
		return out, err
	}
	o := out.Order
	f := out.Fill

	eff, err := b.positions.ApplyFill(o.Instrument, o.Side, f.Quantity, f.Price, f.Time)
	if err != nil {
		// The ledger accepted the fill; reconciliation repairs the position.
		b.logger.Error(ctx, err, "Failed to apply fill to position", map[string]interface{}{"orderID": o.ID, "fillID": f.FillID})
		return out, nil
	}

	lev := o.Leverage
	if lev <= 0 {
		lev = 1
	}
	posLev := b.leverage[o.Instrument]
	if posLev <= 0 {
		posLev = lev
	}
	if eff.Opened > 0 {
		b.leverage[o.Instrument] = lev
	}
	if eff.Position.IsFlat() {
		delete(b.leverage, o.Instrument)
	}

	asset := o.ReservedAsset
	release := 0.0
	if hold := b.wallet.Reservation(asset, o.ID); hold > 0 {
		remainingBefore := o.Remaining() + f.Quantity
		release = hold * f.Quantity / remainingBefore
		if o.Status == domain.StatusFilled {
			release = hold
		}
	}

	freeDelta := -eff.Opened*f.Price/float64(lev) +
		eff.Closed*eff.ClosedEntry/float64(posLev) +
		eff.RealizedPnL
	if f.Fee != 0 {
		if f.FeeAsset == "" || f.FeeAsset == asset {
			freeDelta -= f.Fee
		} else {
			b.wallet.ApplyDelta(f.FeeAsset, -f.Fee, 0, "fee:"+f.FillID)
		}
	}
	if asset != "" {
		b.wallet.Settle(asset, o.ID, release, freeDelta, "fill:"+f.FillID)
	}
	for _, h := range b.onFill {
		h(ctx, o, f, eff)
	}

	b.emit(ctx, domain.Event{
		Kind:       domain.EventOrderFilled,
		Severity:   domain.SeverityInfo,
		Instrument: o.Instrument,
		OrderID:    o.ID,
		Message:    "fill applied",
		Fields: map[string]interface{}{
			"fillID":      f.FillID,
			"quantity":    f.Quantity,
			"price":       f.Price,
			"filled":      o.FilledQuantity,
			"status":      string(o.Status),
			"realizedPnL": eff.RealizedPnL,
			"netQuantity": eff.Position.NetQuantity,
		},
	})
	return out, nil
}

// Terminate moves an order to a terminal status and returns whatever remains
// of its reservation. Repeating the current status is a silent no-op.
func (b *Book) Terminate(ctx context.Context, orderID string, status domain.OrderStatus, reason string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	before, ok := b.ledger.Get(orderID)
	if !ok {
		return nil, ports.ErrUnknownOrder
	}
	if before.Status == status {
		return before, nil
	}
	o, err := b.ledger.RecordTerminal(ctx, orderID, status, reason)
	if err != nil {
		return o, err
	}
	released := 0.0
	if o.ReservedAsset != "" {
		released = b.wallet.ReleaseAll(o.ReservedAsset, o.ID)
	}

	kind, severity := terminalEvent(status)
	b.emit(ctx, domain.Event{
		Kind:       kind,
		Severity:   severity,
		Instrument: o.Instrument,
		OrderID:    o.ID,
		Message:    reason,
		Fields: map[string]interface{}{
			"status":   string(status),
			"filled":   o.FilledQuantity,
			"released": released,
		},
	})
	return o, nil
}

// Overwrite replaces the local position with exchange truth and moves the
// margin difference out of (or back into) free balance. The position margin
// is valued at entry price and the given leverage.
func (b *Book) Overwrite(ctx context.Context, instrument, asset string, net, entry float64, leverage int) domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	if leverage <= 0 {
		leverage = b.leverage[instrument]
	}
	if leverage <= 0 {
		leverage = 1
	}
	oldLev := b.leverage[instrument]
	if oldLev <= 0 {
		oldLev = leverage
	}

	old := b.positions.Position(instrument)
	oldMargin := math.Abs(old.NetQuantity) * old.AverageEntryPrice / float64(oldLev)
	updated := b.positions.Overwrite(instrument, net, entry, b.now())
	newMargin := math.Abs(net) * entry / float64(leverage)

	if updated.IsFlat() {
		delete(b.leverage, instrument)
	} else {
		b.leverage[instrument] = leverage
	}
	if asset != "" && b.wallet.IsSynced(asset) {
		if d := oldMargin - newMargin; d != 0 {
			b.wallet.ApplyDelta(asset, d, 0, "position:"+instrument)
		}
	}
	return updated
}

// Restore rebuilds positions by replaying the ledger's fills and re-holds the
// unfilled share of every open order's reservation.
func (b *Book) Restore(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	type replay struct {
		order *domain.Order
		fill  domain.Fill
	}
	orders := b.ledger.Snapshot()
	var fills []replay
	for _, o := range orders {
		for _, f := range b.ledger.Fills(o.ID) {
			fills = append(fills, replay{order: o, fill: f})
		}
	}
	sort.SliceStable(fills, func(i, j int) bool {
		return fills[i].fill.Time.Before(fills[j].fill.Time)
	})

	for _, r := range fills {
		eff, err := b.positions.ApplyFill(r.order.Instrument, r.order.Side, r.fill.Quantity, r.fill.Price, r.fill.Time)
		if err != nil {
			return err
		}
		if eff.Opened > 0 && r.order.Leverage > 0 {
			b.leverage[r.order.Instrument] = r.order.Leverage
		}
		if eff.Position.IsFlat() {
			delete(b.leverage, r.order.Instrument)
		}
	}

	held := 0
	for _, o := range orders {
		if o.IsTerminal() || o.ReservedAsset == "" || o.ReservedAmount <= 0 {
			continue
		}
		amount := o.ReservedAmount * o.Remaining() / o.Quantity
		b.wallet.Hold(o.ReservedAsset, o.ID, amount)
		held++
	}
	b.logger.Info(ctx, "Portfolio restored from ledger", map[string]interface{}{
		"fills":          len(fills),
		"openPositions":  b.positions.OpenCount(),
		"heldOpenOrders": held,
	})
	return nil
}

// Notify forwards an event to the notifier.
func (b *Book) Notify(ctx context.Context, event domain.Event) {
	b.emit(ctx, event)
}

func (b *Book) emit(ctx context.Context, event domain.Event) {
	if event.Time.IsZero() {
		event.Time = b.now()
	}
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn(ctx, "Notifier failed", map[string]interface{}{"kind": string(event.Kind), "error": err.Error()})
	}
}

func terminalEvent(status domain.OrderStatus) (domain.EventKind, domain.Severity) {
	switch status {
	case domain.StatusRejected:
		return domain.EventOrderRejected, domain.SeverityWarning
	case domain.StatusExpired:
		return domain.EventOrderExpired, domain.SeverityWarning
	case domain.StatusFilled:
		return domain.EventOrderFilled, domain.SeverityInfo
	default:
		return domain.EventOrderCanceled, domain.SeverityInfo
	}
}
