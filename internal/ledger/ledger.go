// Package ledger is the authoritative record of every order the system has
// created, its lifecycle status and its fill history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

const qtyEpsilon = 1e-9

// PendingOrder is the local intent recorded before anything is sent to the exchange.
type PendingOrder struct {
	ID             string // Optional; generated when empty
	SignalID       string
	Instrument     string
	Side           domain.OrderSide
	Quantity       float64
	Price          domain.PriceSpec
	Leverage       int
	ReservedAsset  string
	ReservedAmount float64
}

// FillOutcome reports what RecordFill did.
type FillOutcome struct {
	Applied  bool        // False for duplicates and fills already covered
	Fill     domain.Fill // The fill as applied, quantity clamped
	Previous domain.OrderStatus
	Order    *domain.Order // Copy of the order after the call
}

type entry struct {
	mu    sync.Mutex
	order *domain.Order
	fills []domain.Fill
}

// Ledger owns every order. Mutations lock the individual order; Snapshot
// and CreatePending take the index lock exclusively.
type Ledger struct {
	mu       sync.RWMutex
	orders   map[string]*entry
	bySignal map[string]string

	exMu       sync.Mutex
	byExchange map[string]string

	repo   ports.OrderRepository
	logger ports.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger persisting through repo. A nil repo keeps the ledger in memory.
func New(repo ports.OrderRepository, logger ports.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		orders:     make(map[string]*entry),
		bySignal:   make(map[string]string),
		byExchange: make(map[string]string),
		repo:       repo,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreatePending records a new PENDING order for a signal. The duplicate check
// and the insert are atomic: concurrent calls for one signal create one order.
func (l *Ledger) CreatePending(ctx context.Context, p PendingOrder) (*domain.Order, error) {
	if p.SignalID == "" || p.Instrument == "" || p.Quantity <= 0 {
		return nil, fmt.Errorf("create pending order for signal %q: %w", p.SignalID, ports.ErrInvalidRequest)
	}
	if p.Side != domain.Buy && p.Side != domain.Sell {
		return nil, fmt.Errorf("create pending order: side %q: %w", p.Side, ports.ErrInvalidRequest)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.bySignal[p.SignalID]; ok {
		return nil, fmt.Errorf("signal %s already has order %s: %w", p.SignalID, existing, ports.ErrDuplicateSignal)
	}
	if _, ok := l.orders[p.ID]; ok {
		return nil, fmt.Errorf("order id %s: %w", p.ID, ports.ErrDuplicateEntry)
	}

	now := l.now()
	order := &domain.Order{
		ID:             p.ID,
		SignalID:       p.SignalID,
		Instrument:     p.Instrument,
		Side:           p.Side,
		Quantity:       p.Quantity,
		Price:          p.Price,
		Leverage:       p.Leverage,
		Status:         domain.StatusPending,
		ReservedAsset:  p.ReservedAsset,
		ReservedAmount: p.ReservedAmount,
		CreatedAt:      now,
		UpdatedAt:      now,
		FillIDs:        make(map[string]struct{}),
	}

	if l.repo != nil {
		if err := l.repo.Save(ctx, order); err != nil {
			return nil, fmt.Errorf("persist pending order for signal %s: %w", p.SignalID, err)
		}
	}

	l.orders[order.ID] = &entry{order: order}
	l.bySignal[order.SignalID] = order.ID
	l.logger.Debug(ctx, "Order created", map[string]interface{}{
		"orderID": order.ID, "signalID": order.SignalID, "instrument": order.Instrument,
		"side": order.Side, "quantity": order.Quantity,
	})
	return order.Clone(), nil
}

// RecordAcknowledgment stores the exchange order id and moves a PENDING order
// to SUBMITTED. Orders that already progressed only gain the exchange id.
func (l *Ledger) RecordAcknowledgment(ctx context.Context, orderID, exchangeOrderID string) (*domain.Order, error) {
	if exchangeOrderID == "" {
		return nil, fmt.Errorf("acknowledge order %s: empty exchange id: %w", orderID, ports.ErrInvalidRequest)
	}
	var out *domain.Order
	err := l.withEntry(orderID, func(e *entry) error {
		o := e.order
		changed := false
		if o.ExchangeOrderID == "" {
			o.ExchangeOrderID = exchangeOrderID
			l.indexExchange(exchangeOrderID, o.ID)
			changed = true
		}
		if o.Status == domain.StatusPending {
			o.Status = domain.StatusSubmitted
			changed = true
		}
		if changed {
			o.UpdatedAt = l.now()
			l.persist(ctx, o)
		}
		out = o.Clone()
		return nil
	})
	return out, err
}

// RecordFill applies a fill to an order. Fills already seen by id, or whose
// range of the order's cumulative quantity is already covered, are no-ops.
// The applied quantity is clamped so filled never exceeds the order quantity.
func (l *Ledger) RecordFill(ctx context.Context, orderID string, fill domain.Fill) (FillOutcome, error) {
	if fill.FillID == "" || fill.Quantity <= 0 || fill.Price <= 0 {
		return FillOutcome{}, fmt.Errorf("record fill %q on order %s: %w", fill.FillID, orderID, ports.ErrInvalidRequest)
	}

	var out FillOutcome
	err := l.withEntry(orderID, func(e *entry) error {
		o := e.order
		out.Previous = o.Status

		if _, seen := o.FillIDs[fill.FillID]; seen {
			out.Order = o.Clone()
			return nil
		}
		if o.Status == domain.StatusFilled {
			// Nothing left to fill; late notifications for the same executions land here.
			l.markSeen(ctx, o, fill)
			out.Order = o.Clone()
			return nil
		}
		if o.IsTerminal() {
			out.Order = o.Clone()
			err := fmt.Errorf("fill %s on %s order %s: %w", fill.FillID, o.Status, o.ID, ports.ErrInvalidTransition)
			l.logger.Warn(ctx, "Ignoring fill for terminal order", map[string]interface{}{
				"orderID": o.ID, "fillID": fill.FillID, "status": o.Status, "error": err.Error(),
			})
			return err
		}

		covered := coverage(o.Covered)
		span := covered.rangeOf(fill)
		qty := math.Min(fill.Quantity, covered.uncovered(span))
		if rem := o.Remaining(); qty > rem {
			qty = rem
		}
		if qty <= qtyEpsilon {
			o.Covered = covered.add(span)
			l.markSeen(ctx, o, fill)
			l.persist(ctx, o)
			out.Order = o.Clone()
			l.logger.Debug(ctx, "Fill already covered", map[string]interface{}{
				"orderID": o.ID, "fillID": fill.FillID, "filled": o.FilledQuantity,
			})
			return nil
		}

		next := domain.StatusPartiallyFilled
		filled := o.FilledQuantity + qty
		if o.Quantity-filled <= qtyEpsilon {
			next = domain.StatusFilled
			qty = o.Quantity - o.FilledQuantity
			filled = o.Quantity
		}
		if !o.Status.CanTransition(next) {
			out.Order = o.Clone()
			return fmt.Errorf("fill on order %s: %s -> %s: %w", o.ID, o.Status, next, ports.ErrInvalidTransition)
		}

		o.AverageFillPrice = (o.AverageFillPrice*o.FilledQuantity + fill.Price*qty) / filled
		o.FilledQuantity = filled
		o.Status = next
		o.UpdatedAt = l.now()
		o.FillIDs[fill.FillID] = struct{}{}
		o.Covered = covered.add(span)

		applied := fill
		applied.Quantity = qty
		applied.CumulativeQuantity = filled
		if applied.Time.IsZero() {
			applied.Time = o.UpdatedAt
		}
		e.fills = append(e.fills, applied)

		if l.repo != nil {
			if err := l.repo.AppendFill(ctx, o.ID, applied); err != nil {
				l.logger.Error(ctx, err, "Failed to persist fill", map[string]interface{}{"orderID": o.ID, "fillID": fill.FillID})
			}
		}
		l.persist(ctx, o)

		out.Applied = true
		out.Fill = applied
		out.Order = o.Clone()
		return nil
	})
	return out, err
}

// markSeen records a fill id that moved nothing. The id is stored as a zero
// quantity row so dedup by id survives a restart.
func (l *Ledger) markSeen(ctx context.Context, o *domain.Order, fill domain.Fill) {
	o.FillIDs[fill.FillID] = struct{}{}
	if l.repo == nil {
		return
	}
	marker := domain.Fill{FillID: fill.FillID, Price: fill.Price, CumulativeQuantity: o.FilledQuantity, Time: fill.Time}
	if marker.Time.IsZero() {
		marker.Time = l.now()
	}
	if err := l.repo.AppendFill(ctx, o.ID, marker); err != nil && !errors.Is(err, ports.ErrDuplicateEntry) {
		l.logger.Error(ctx, err, "Failed to persist seen fill id", map[string]interface{}{"orderID": o.ID, "fillID": fill.FillID})
	}
}

// RecordTerminal moves an order to a terminal status. Repeating the current
// terminal status is a no-op; leaving a terminal status is rejected with
// ErrInvalidTransition and logged.
func (l *Ledger) RecordTerminal(ctx context.Context, orderID string, status domain.OrderStatus, reason string) (*domain.Order, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("record terminal %s on order %s: %w", status, orderID, ports.ErrInvalidRequest)
	}
	var out *domain.Order
	err := l.withEntry(orderID, func(e *entry) error {
		o := e.order
		out = o.Clone()
		if o.Status == status {
			return nil
		}
		if !o.Status.CanTransition(status) {
			err := fmt.Errorf("order %s: %s -> %s: %w", o.ID, o.Status, status, ports.ErrInvalidTransition)
			l.logger.Warn(ctx, "Rejected order transition", map[string]interface{}{
				"orderID": o.ID, "from": o.Status, "to": status, "reason": reason,
			})
			return err
		}
		if status == domain.StatusFilled && o.Remaining() > qtyEpsilon {
			return fmt.Errorf("order %s marked filled with %.8f unfilled: %w", o.ID, o.Remaining(), ports.ErrInvalidRequest)
		}
		o.Status = status
		o.Reason = reason
		o.UpdatedAt = l.now()
		l.persist(ctx, o)
		out = o.Clone()
		return nil
	})
	return out, err
}

// Get returns a copy of the order.
func (l *Ledger) Get(orderID string) (*domain.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.orders[orderID]
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Clone(), true
}

// ByClientID returns the order sent with the client order id. Local ids double
// as client ids.
func (l *Ledger) ByClientID(clientOrderID string) (*domain.Order, bool) {
	return l.Get(clientOrderID)
}

// BySignal returns the order created for a signal.
func (l *Ledger) BySignal(signalID string) (*domain.Order, bool) {
	l.mu.RLock()
	id, ok := l.bySignal[signalID]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return l.Get(id)
}

// ByExchangeID returns the order acknowledged under exchangeOrderID.
func (l *Ledger) ByExchangeID(exchangeOrderID string) (*domain.Order, bool) {
	l.exMu.Lock()
	id, ok := l.byExchange[exchangeOrderID]
	l.exMu.Unlock()
	if !ok {
		return nil, false
	}
	return l.Get(id)
}

// Fills returns the fills applied to an order, oldest first.
func (l *Ledger) Fills(orderID string) []domain.Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.orders[orderID]
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Fill, len(e.fills))
	copy(out, e.fills)
	return out
}

// Open returns every non-terminal order, oldest first.
func (l *Ledger) Open() []*domain.Order {
	return l.filter(func(o *domain.Order) bool { return !o.IsTerminal() })
}

// Stale returns PENDING or SUBMITTED orders without any fill whose last
// update is older than timeout.
func (l *Ledger) Stale(now time.Time, timeout time.Duration) []*domain.Order {
	return l.filter(func(o *domain.Order) bool {
		if o.Status != domain.StatusPending && o.Status != domain.StatusSubmitted {
			return false
		}
		return o.FilledQuantity == 0 && now.Sub(o.UpdatedAt) > timeout
	})
}

// Snapshot returns a consistent copy of every order, oldest first.
func (l *Ledger) Snapshot() []*domain.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.Order, 0, len(l.orders))
	for _, e := range l.orders {
		out = append(out, e.order.Clone())
	}
	sortOrders(out)
	return out
}

// Restore loads orders and their fills from the repository. Orders already
// present are left untouched. It returns the number of orders loaded.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.repo == nil {
		return 0, nil
	}
	orders, err := l.repo.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore ledger: %w", err)
	}

	loaded := make(map[string]*entry, len(orders))
	for _, o := range orders {
		fills, err := l.repo.FillsFor(ctx, o.ID)
		if err != nil {
			return 0, fmt.Errorf("restore fills of order %s: %w", o.ID, err)
		}
		if o.FillIDs == nil {
			o.FillIDs = make(map[string]struct{}, len(fills))
		}
		applied := make([]domain.Fill, 0, len(fills))
		for _, f := range fills {
			o.FillIDs[f.FillID] = struct{}{}
			if f.Quantity > 0 {
				applied = append(applied, f)
			}
		}
		if len(o.Covered) == 0 && o.FilledQuantity > 0 {
			o.Covered = []domain.FillRange{{From: 0, To: o.FilledQuantity}}
		}
		loaded[o.ID] = &entry{order: o, fills: applied}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range loaded {
		if _, ok := l.orders[id]; ok {
			continue
		}
		l.orders[id] = e
		l.bySignal[e.order.SignalID] = id
		if e.order.ExchangeOrderID != "" {
			l.indexExchange(e.order.ExchangeOrderID, id)
		}
		n++
	}
	l.logger.Info(ctx, "Order ledger restored", map[string]interface{}{"orders": n})
	return n, nil
}

func (l *Ledger) withEntry(orderID string, fn func(e *entry) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ports.ErrUnknownOrder)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e)
}

func (l *Ledger) filter(keep func(o *domain.Order) bool) []*domain.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*domain.Order, 0)
	for _, e := range l.orders {
		e.mu.Lock()
		if keep(e.order) {
			out = append(out, e.order.Clone())
		}
		e.mu.Unlock()
	}
	sortOrders(out)
	return out
}

func (l *Ledger) indexExchange(exchangeOrderID, orderID string) {
	l.exMu.Lock()
	l.byExchange[exchangeOrderID] = orderID
	l.exMu.Unlock()
}

// persist writes the order through to the repository. Failures are logged;
// the in-memory record stays authoritative and the next write repairs the row.
func (l *Ledger) persist(ctx context.Context, o *domain.Order) {
	if l.repo == nil {
		return
	}
	if err := l.repo.Save(ctx, o); err != nil {
		l.logger.Error(ctx, err, "Failed to persist order", map[string]interface{}{"orderID": o.ID, "status": o.Status})
	}
}

func sortOrders(orders []*domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}
