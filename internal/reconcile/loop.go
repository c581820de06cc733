// Package reconcile cross-checks the local portfolio against exchange truth
// and repairs it where they diverge.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/portfolio"
	"signalTrader/internal/ports"
	"signalTrader/internal/wallet"
)

// Config holds reconciliation parameters.
type Config struct {
	QuoteAsset      string        // Margin asset used when correcting positions
	Interval        time.Duration // Between periodic passes
	AckTimeout      time.Duration // PENDING/SUBMITTED orders older than this expire
	PositionEpsilon float64
	BalanceEpsilon  float64
	CancelTimeout   time.Duration

	// Observe, when set, receives every completed pass.
	Observe func(report Report, took time.Duration)
}

// Report summarizes one reconciliation pass.
type Report struct {
	OrdersChecked      int
	Acknowledged       int
	FillsApplied       int
	OrdersTerminated   int
	PositionsCorrected int
	BalancesCorrected  int
	BalancesSeeded     int
	Expired            int
	OrphansCanceled    int
}

// Discrepancies counts the corrections that indicate local state had drifted.
// Seeding a never-observed balance is not a discrepancy.
func (r Report) Discrepancies() int {
	return r.Acknowledged + r.FillsApplied + r.OrdersTerminated + r.PositionsCorrected + r.BalancesCorrected + r.OrphansCanceled
}

// Loop compares exchange snapshots with the book on a fixed interval.
type Loop struct {
	cfg       Config
	transport ports.Transport
	book      *portfolio.Book
	logger    ports.Logger

	runMu sync.Mutex // One pass at a time
	now   func() time.Time
}

// NewLoop creates a reconciliation loop.
func NewLoop(cfg Config, transport ports.Transport, book *portfolio.Book, logger ports.Logger) (*Loop, error) {
	if transport == nil || book == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for reconciliation: %w", ports.ErrConfigurationError)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Minute
	}
	if cfg.PositionEpsilon <= 0 {
		cfg.PositionEpsilon = 1e-8
	}
	if cfg.BalanceEpsilon <= 0 {
		cfg.BalanceEpsilon = 1e-6
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	return &Loop{cfg: cfg, transport: transport, book: book, logger: logger, now: time.Now}, nil
}

// Run repeats RunOnce every interval until ctx is done. Fetch failures are
// logged and retried on the next tick.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info(ctx, "Reconciliation loop stopped")
			return
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error(ctx, err, "Reconciliation pass failed")
			}
		}
	}
}

// RunOnce fetches exchange state, reconciles it, and expires stale orders.
// Local open orders missing from the exchange's open list are queried one by
// one so their final state is known.
func (l *Loop) RunOnce(ctx context.Context) (Report, error) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	started := time.Now()

	open, err := l.transport.FetchOpenOrders(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch open orders: %w", err)
	}
	seen := make(map[string]bool, len(open)*2)
	for _, o := range open {
		seen[o.ExchangeOrderID] = true
		seen[o.ClientOrderID] = true
	}
	for _, o := range l.book.Ledger().Open() {
		if seen[o.ClientOrderID()] || (o.ExchangeOrderID != "" && seen[o.ExchangeOrderID]) {
			continue
		}
		live, err := l.transport.QueryOrder(ctx, o.Instrument, o.ExchangeOrderID, o.ClientOrderID())
		switch {
		case errors.Is(err, ports.ErrOrderNotFound):
			l.logger.Debug(ctx, "Local order unknown to exchange", map[string]interface{}{"orderID": o.ID, "status": string(o.Status)})
		case err != nil:
			l.logger.Warn(ctx, "Failed to query order state", map[string]interface{}{"orderID": o.ID, "error": err.Error()})
		default:
			open = append(open, *live)
		}
	}

	positions, err := l.transport.FetchPositions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch positions: %w", err)
	}
	balances, err := l.transport.FetchBalances(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch balances: %w", err)
	}

	report := l.Reconcile(ctx, domain.Snapshot{
		Orders:    open,
		Positions: positions,
		Balances:  balances,
		FetchedAt: l.now(),
	})
	report.Expired = l.ExpireStale(ctx)
	if l.cfg.Observe != nil {
		l.cfg.Observe(report, time.Since(started))
	}
	return report, nil
}

// Reconcile diffs a snapshot against the book and corrects the book. It never
// fabricates fills: a catch-up fill is applied only for quantity the exchange
// reports as executed.
func (l *Loop) Reconcile(ctx context.Context, snap domain.Snapshot) Report {
	var r Report
	l.reconcileOrders(ctx, snap, &r)
	l.reconcilePositions(ctx, snap, &r)
	l.reconcileBalances(ctx, snap, &r)

	fields := map[string]interface{}{
		"discrepancies":      r.Discrepancies(),
		"ordersChecked":      r.OrdersChecked,
		"fillsApplied":       r.FillsApplied,
		"ordersTerminated":   r.OrdersTerminated,
		"positionsCorrected": r.PositionsCorrected,
		"balancesCorrected":  r.BalancesCorrected,
		"balancesSeeded":     r.BalancesSeeded,
		"orphansCanceled":    r.OrphansCanceled,
	}
	severity := domain.SeverityInfo
	if r.Discrepancies() > 0 {
		severity = domain.SeverityWarning
	}
	l.book.Notify(ctx, domain.Event{
		Kind:     domain.EventReconciliationCompleted,
		Severity: severity,
		Message:  fmt.Sprintf("reconciliation completed with %d discrepancies", r.Discrepancies()),
		Fields:   fields,
	})
	l.logger.Info(ctx, "Reconciliation completed", fields)
	return r
}

func (l *Loop) reconcileOrders(ctx context.Context, snap domain.Snapshot, r *Report) {
	byExchange := make(map[string]domain.LiveOrder, len(snap.Orders))
	byClient := make(map[string]domain.LiveOrder, len(snap.Orders))
	for _, lo := range snap.Orders {
		if lo.ExchangeOrderID != "" {
			byExchange[lo.ExchangeOrderID] = lo
		}
		if lo.ClientOrderID != "" {
			byClient[lo.ClientOrderID] = lo
		}
	}

	for _, o := range l.book.Ledger().Open() {
		live, ok := byExchange[o.ExchangeOrderID]
		if !ok {
			live, ok = byClient[o.ClientOrderID()]
		}
		if !ok {
			continue
		}
		r.OrdersChecked++
		l.reconcileOrder(ctx, o, live, snap.FetchedAt, r)
	}
	l.cancelOrphans(ctx, snap.Orders, r)
}

// cancelOrphans cancels working exchange orders whose client id belongs to an
// order the ledger already closed without fills, such as a submission that
// was rejected locally but reached the exchange late.
func (l *Loop) cancelOrphans(ctx context.Context, orders []domain.LiveOrder, r *Report) {
	for _, lo := range orders {
		if lo.ClientOrderID == "" || lo.Status.IsTerminal() {
			continue
		}
		o, ok := l.book.Ledger().ByClientID(lo.ClientOrderID)
		if !ok || !o.IsTerminal() || o.Status == domain.StatusFilled {
			continue
		}
		fields := map[string]interface{}{
			"orderID": o.ID, "status": string(o.Status), "exchangeOrderID": lo.ExchangeOrderID, "liveStatus": string(lo.Status),
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CancelTimeout)
		err := l.transport.CancelOrder(cctx, lo.Instrument, lo.ExchangeOrderID, lo.ClientOrderID)
		cancel()
		if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			l.logger.Error(ctx, err, "Failed to cancel orphaned exchange order", fields)
			continue
		}
		r.OrphansCanceled++
		l.logger.Warn(ctx, "Canceled exchange order the ledger had already closed", fields)
	}
}

func (l *Loop) reconcileOrder(ctx context.Context, o *domain.Order, live domain.LiveOrder, at time.Time, r *Report) {
	fields := map[string]interface{}{"orderID": o.ID, "exchangeOrderID": live.ExchangeOrderID, "liveStatus": string(live.Status)}

	if o.ExchangeOrderID == "" && live.ExchangeOrderID != "" {
		acked, err := l.book.Acknowledge(ctx, o.ID, live.ExchangeOrderID)
		if err != nil {
			l.logger.Error(ctx, err, "Failed to record acknowledgment during reconciliation", fields)
		} else {
			r.Acknowledged++
			o = acked
		}
	}

	if missing := live.FilledQuantity - o.FilledQuantity; missing > l.cfg.PositionEpsilon {
		price := catchUpPrice(o, live, missing)
		if price <= 0 {
			l.logger.Warn(ctx, "Exchange reports fills without a price, skipping catch-up", fields)
		} else {
			if !live.UpdatedAt.IsZero() {
				at = live.UpdatedAt
			}
			if at.IsZero() {
				at = l.now()
			}
			id := live.ExchangeOrderID
			if id == "" {
				id = o.ID
			}
			out, err := l.book.ApplyFill(ctx, o.ID, domain.Fill{
				FillID:             "recon:" + id + ":" + strconv.FormatFloat(live.FilledQuantity, 'f', -1, 64),
				Quantity:           missing,
				Price:              price,
				CumulativeQuantity: live.FilledQuantity,
				Aggregate:          true,
				Time:               at,
			})
			switch {
			case err != nil:
				l.logger.Error(ctx, err, "Failed to apply catch-up fill", fields)
			case out.Applied:
				r.FillsApplied++
				o = out.Order
				l.logger.Warn(ctx, "Applied missed fill from exchange state", ports.Fields(fields, map[string]interface{}{
					"quantity": out.Fill.Quantity, "price": price, "filled": o.FilledQuantity,
				}))
			}
		}
	}

	switch live.Status {
	case domain.StatusCanceled, domain.StatusExpired, domain.StatusRejected:
		if o.IsTerminal() {
			return
		}
		if _, err := l.book.Terminate(ctx, o.ID, live.Status, domain.ReasonReconciled); err != nil {
			l.logger.Error(ctx, err, "Failed to apply terminal status from exchange", fields)
			return
		}
		r.OrdersTerminated++
	case domain.StatusFilled:
		if o.Status != domain.StatusFilled {
			l.logger.Warn(ctx, "Exchange reports order filled but local fills are incomplete", ports.Fields(fields, map[string]interface{}{
				"filled": o.FilledQuantity, "liveFilled": live.FilledQuantity,
			}))
		}
	}
}

// catchUpPrice derives the average price of the missing quantity from the
// exchange and local cumulative averages.
func catchUpPrice(o *domain.Order, live domain.LiveOrder, missing float64) float64 {
	if live.AverageFillPrice <= 0 {
		return o.Price.Limit
	}
	if o.FilledQuantity <= 0 {
		return live.AverageFillPrice
	}
	price := (live.AverageFillPrice*live.FilledQuantity - o.AverageFillPrice*o.FilledQuantity) / missing
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return live.AverageFillPrice
	}
	return price
}

func (l *Loop) reconcilePositions(ctx context.Context, snap domain.Snapshot, r *Report) {
	live := make(map[string]domain.LivePosition, len(snap.Positions))
	for _, p := range snap.Positions {
		live[p.Instrument] = p
	}

	for _, p := range snap.Positions {
		local := l.book.Positions().Position(p.Instrument)
		if math.Abs(local.NetQuantity-p.NetQuantity) <= l.cfg.PositionEpsilon {
			continue
		}
		l.correctPosition(ctx, local, p, r)
	}
	for _, local := range l.book.Positions().Snapshot() {
		if local.IsFlat() {
			continue
		}
		if _, ok := live[local.Instrument]; ok {
			continue
		}
		l.correctPosition(ctx, local, domain.LivePosition{Instrument: local.Instrument}, r)
	}
}

func (l *Loop) correctPosition(ctx context.Context, local domain.Position, live domain.LivePosition, r *Report) {
	updated := l.book.Overwrite(ctx, live.Instrument, l.cfg.QuoteAsset, live.NetQuantity, live.EntryPrice, live.Leverage)
	r.PositionsCorrected++

	fields := map[string]interface{}{
		"localNet":   local.NetQuantity,
		"liveNet":    live.NetQuantity,
		"localEntry": local.AverageEntryPrice,
		"liveEntry":  live.EntryPrice,
	}
	l.logger.Warn(ctx, "Position diverged from exchange, overwritten", ports.Fields(fields, map[string]interface{}{"instrument": live.Instrument}))
	l.book.Notify(ctx, domain.Event{
		Kind:       domain.EventPositionAnomaly,
		Severity:   domain.SeverityWarning,
		Instrument: live.Instrument,
		Message:    fmt.Sprintf("position %s: local %g, exchange %g", live.Instrument, local.NetQuantity, updated.NetQuantity),
		Fields:     fields,
	})
}

func (l *Loop) reconcileBalances(ctx context.Context, snap domain.Snapshot, r *Report) {
	w := l.book.Wallet()
	for _, lb := range snap.Balances {
		if !w.IsSynced(lb.Asset) {
			w.Seed(lb.Asset, lb.Total())
			r.BalancesSeeded++
			l.logger.Info(ctx, "Balance seeded from exchange", map[string]interface{}{"asset": lb.Asset, "total": lb.Total()})
			continue
		}
		local := w.Balance(lb.Asset)
		diff := lb.Total() - local.Total()
		if math.Abs(diff) <= l.cfg.BalanceEpsilon {
			continue
		}
		w.ApplyDelta(lb.Asset, diff, 0, "reconcile")
		r.BalancesCorrected++

		fields := map[string]interface{}{
			"asset":      lb.Asset,
			"localTotal": local.Total(),
			"liveTotal":  lb.Total(),
			"diff":       diff,
		}
		l.logger.Warn(ctx, "Balance diverged from exchange, corrected", fields)
		l.book.Notify(ctx, domain.Event{
			Kind:     domain.EventBalanceAnomaly,
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("balance %s off by %g", lb.Asset, diff),
			Fields:   fields,
		})
	}
}

// ExpireStale moves PENDING and SUBMITTED orders that went unanswered past the
// acknowledgment timeout to EXPIRED. Each gets exactly one cancel attempt.
func (l *Loop) ExpireStale(ctx context.Context) int {
	n := 0
	for _, o := range l.book.Ledger().Stale(l.now(), l.cfg.AckTimeout) {
		fields := map[string]interface{}{"orderID": o.ID, "status": string(o.Status), "updatedAt": o.UpdatedAt}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CancelTimeout)
		err := l.transport.CancelOrder(cctx, o.Instrument, o.ExchangeOrderID, o.ClientOrderID())
		cancel()
		if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			l.logger.Warn(ctx, "Cancel of stale order failed", ports.Fields(fields, map[string]interface{}{"error": err.Error()}))
		}

		if _, err := l.book.Terminate(ctx, o.ID, domain.StatusExpired, domain.ReasonAckTimeout); err != nil {
			l.logger.Error(ctx, err, "Failed to expire stale order", fields)
			continue
		}
		n++
	}
	return n
}

// BalanceListener returns a wallet listener that flags a negative free
// balance on an asset already aligned with the exchange.
func (l *Loop) BalanceListener(ctx context.Context) wallet.Listener {
	return func(change domain.BalanceChange) {
		if change.Balance.Free >= -l.cfg.BalanceEpsilon || !l.book.Wallet().IsSynced(change.Asset) {
			return
		}
		fields := map[string]interface{}{
			"asset":     change.Asset,
			"free":      change.Balance.Free,
			"reserved":  change.Balance.Reserved,
			"cause":     change.Cause,
			"freeDelta": change.FreeDelta,
		}
		l.logger.Warn(ctx, "Free balance went negative", fields)
		l.book.Notify(ctx, domain.Event{
			Kind:     domain.EventBalanceAnomaly,
			Severity: domain.SeverityCritical,
			Message:  fmt.Sprintf("free %s balance negative after %s", change.Asset, change.Cause),
			Fields:   fields,
			Time:     change.Time,
		})
	}
}
