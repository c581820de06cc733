// Package execution turns signals into orders and routes exchange events
// back into the portfolio.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"signalTrader/internal/domain"
	"signalTrader/internal/ledger"
	"signalTrader/internal/portfolio"
	"signalTrader/internal/ports"
	"signalTrader/internal/position"
	"signalTrader/internal/risk"
	"signalTrader/internal/signal"
	"signalTrader/internal/sizing"
)

// Status is the outcome of processing one signal.
type Status string

const (
	Submitted         Status = "Submitted"
	Duplicate         Status = "Duplicate"
	InsufficientFunds Status = "InsufficientFunds"
	Superseded        Status = "Superseded"
	Rejected          Status = "Rejected"
	NoOp              Status = "NoOp"
	RiskRejected      Status = "RiskRejected"
	Invalid           Status = "Invalid"
	Failed            Status = "Failed" // Could not size: instrument rules or price unavailable
)

// Result reports what OnSignal did. Err carries the underlying cause, if any.
type Result struct {
	Status   Status
	SignalID string
	Order    *domain.Order
	Reason   string
	Err      error

	// Exchange ids of protective orders placed after the entry.
	StopLossOrderID   string
	TakeProfitOrderID string
}

// Config holds execution parameters.
type Config struct {
	QuoteAsset       string        // Reservation asset when the instrument reports none
	Leverage         int           // Applied to every instrument before its first order
	ReserveBuffer    float64       // Extra margin reserved on top of qty × price / leverage
	SubmitMaxRetries int           // Retries after the first attempt for transient failures
	RetryMinDelay    time.Duration // First backoff delay
	RetryMaxDelay    time.Duration // Backoff ceiling
	CancelTimeout    time.Duration // Bound on best-effort cancels
}

// Engine is the signal-to-order orchestrator. Signals for different
// instruments run concurrently; one instrument runs one decision at a time.
type Engine struct {
	cfg       Config
	transport ports.Transport
	book      *portfolio.Book
	sizing    ports.SizingPolicy
	risk      *risk.RiskManager
	logger    ports.Logger

	lanesMu  sync.Mutex
	lanes    map[string]*lane
	inFlight map[string]struct{} // Signal ids being processed

	instrMu     sync.Mutex
	instruments map[string]*domain.Instrument
	leverageSet map[string]bool

	now func() time.Time
}

type lane struct {
	mu     sync.Mutex
	latest atomic.Uint64
}

// NewEngine creates an execution engine. riskManager may be nil.
func NewEngine(cfg Config, transport ports.Transport, book *portfolio.Book, policy ports.SizingPolicy, riskManager *risk.RiskManager, logger ports.Logger) (*Engine, error) {
	if transport == nil || book == nil || policy == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for execution engine: %w", ports.ErrConfigurationError)
	}
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	if cfg.SubmitMaxRetries < 0 {
		cfg.SubmitMaxRetries = 0
	}
	if cfg.RetryMinDelay <= 0 {
		cfg.RetryMinDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryMinDelay {
		cfg.RetryMaxDelay = cfg.RetryMinDelay
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	e := &Engine{
		cfg:         cfg,
		transport:   transport,
		book:        book,
		sizing:      policy,
		risk:        riskManager,
		logger:      logger,
		lanes:       make(map[string]*lane),
		inFlight:    make(map[string]struct{}),
		instruments: make(map[string]*domain.Instrument),
		leverageSet: make(map[string]bool),
		now:         time.Now,
	}
	if riskManager != nil {
		book.OnFill(func(ctx context.Context, _ *domain.Order, _ domain.Fill, eff position.FillEffect) {
			riskManager.RecordRealized(ctx, eff.RealizedPnL)
		})
	}
	return e, nil
}

// OnSignal processes one signal to completion. It never panics; every
// failure is reported in the Result.
func (e *Engine) OnSignal(ctx context.Context, sig domain.Signal) (res Result) {
	res.SignalID = sig.ID
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic processing signal %s: %v", sig.ID, r)
			e.logger.Error(ctx, err, "Signal processing panicked")
			res = Result{Status: Failed, SignalID: sig.ID, Err: err, Reason: err.Error()}
		}
	}()

	if err := signal.Validate(sig); err != nil {
		return e.skip(ctx, sig, Invalid, err)
	}
	if o, ok := e.book.Ledger().BySignal(sig.ID); ok {
		e.logger.Info(ctx, "Duplicate signal skipped", map[string]interface{}{"signalID": sig.ID, "orderID": o.ID})
		return Result{Status: Duplicate, SignalID: sig.ID, Order: o, Err: ports.ErrDuplicateSignal}
	}

	l, ok := e.claim(sig)
	if !ok {
		e.logger.Info(ctx, "Signal already being processed", map[string]interface{}{"signalID": sig.ID})
		return Result{Status: Duplicate, SignalID: sig.ID, Err: ports.ErrDuplicateSignal}
	}
	defer e.unclaim(sig.ID)

	ticket := l.latest.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.latest.Load() != ticket {
		return e.superseded(ctx, sig, nil)
	}
	// The first delivery may have finished while this one waited for the lane.
	if o, ok := e.book.Ledger().BySignal(sig.ID); ok {
		return Result{Status: Duplicate, SignalID: sig.ID, Order: o, Err: ports.ErrDuplicateSignal}
	}
	return e.execute(ctx, sig, l, ticket)
}

func (e *Engine) execute(ctx context.Context, sig domain.Signal, l *lane, ticket uint64) Result {
	fields := map[string]interface{}{"signalID": sig.ID, "instrument": sig.Instrument, "direction": string(sig.Direction)}

	instr, err := e.instrument(ctx, sig.Instrument)
	if err != nil {
		e.logger.Error(ctx, err, "Failed to load instrument rules", fields)
		return Result{Status: Failed, SignalID: sig.ID, Err: err, Reason: err.Error()}
	}
	price := sig.LimitPrice
	if price <= 0 {
		if price, err = e.transport.GetMarkPrice(ctx, sig.Instrument); err != nil || price <= 0 {
			if err == nil {
				err = fmt.Errorf("mark price %f for %s: %w", price, sig.Instrument, ports.ErrInvalidRequest)
			}
			e.logger.Error(ctx, err, "Failed to get reference price", fields)
			return Result{Status: Failed, SignalID: sig.ID, Err: err, Reason: err.Error()}
		}
	}

	if err := validateProtective(sig, price); err != nil {
		return e.skip(ctx, sig, Invalid, err)
	}

	asset := instr.QuoteAsset
	if asset == "" {
		asset = e.cfg.QuoteAsset
	}
	wallet := e.book.Wallet()
	pos := e.book.Positions().Position(sig.Instrument)

	target, err := e.sizing.Target(ctx, ports.SizingInput{
		Signal:     sig,
		Position:   pos,
		Instrument: *instr,
		Price:      price,
		Available:  wallet.Available(asset),
		Leverage:   e.cfg.Leverage,
	})
	if err != nil {
		if errors.Is(err, ports.ErrInvalidSignal) {
			return e.skip(ctx, sig, Invalid, err)
		}
		e.logger.Error(ctx, err, "Sizing failed", fields)
		return Result{Status: Failed, SignalID: sig.ID, Err: err, Reason: err.Error()}
	}

	// Exposure includes what open orders will add once they fill.
	exposure := pos.NetQuantity + e.pendingExposure(sig.Instrument)
	delta := target - exposure
	qty := sizing.RoundDown(math.Abs(delta), instr.StepSize)
	if qty <= 0 || (target == 0 && math.Abs(delta) < instr.StepSize/2) {
		e.logger.Debug(ctx, "Signal requires no order", ports.Fields(fields, map[string]interface{}{"target": target, "exposure": exposure}))
		return Result{Status: NoOp, SignalID: sig.ID, Reason: "position already at target"}
	}
	side := domain.Buy
	if delta < 0 {
		side = domain.Sell
	}

	increase := qty
	if exposure != 0 && math.Signbit(exposure) != math.Signbit(delta) {
		increase = math.Max(0, qty-math.Abs(exposure))
	}
	if increase > 0 && qty < instr.MinQuantity {
		return Result{Status: NoOp, SignalID: sig.ID, Reason: fmt.Sprintf("order quantity %f below minimum %f", qty, instr.MinQuantity)}
	}

	if e.risk != nil {
		err := e.risk.ValidateOrder(ctx, risk.OrderProposal{
			Instrument:    sig.Instrument,
			Quantity:      qty,
			Price:         price,
			Leverage:      e.cfg.Leverage,
			CurrentNet:    exposure,
			TargetNet:     exposure + side.Sign()*qty,
			OpenPositions: e.book.Positions().OpenCount(),
		})
		if err != nil {
			return e.skip(ctx, sig, RiskRejected, err)
		}
		if exposure == 0 {
			// Held until the order is in the ledger, which then occupies the slot.
			release, err := e.risk.AcquireSlot(sig.Instrument, e.book.OpenInstruments)
			if err != nil {
				return e.skip(ctx, sig, RiskRejected, err)
			}
			defer release()
		}
	}

	orderID := uuid.NewString()
	reserve := increase * price / float64(e.cfg.Leverage) * (1 + e.cfg.ReserveBuffer)
	if reserve > 0 {
		if err := wallet.Reserve(asset, orderID, reserve); err != nil {
			if errors.Is(err, ports.ErrInsufficientFunds) {
				return e.skip(ctx, sig, InsufficientFunds, err)
			}
			return Result{Status: Failed, SignalID: sig.ID, Err: err, Reason: err.Error()}
		}
	}

	priceSpec := domain.MarketPrice()
	if sig.LimitPrice > 0 {
		priceSpec = domain.LimitPrice(sizing.RoundDown(sig.LimitPrice, instr.TickSize))
	}
	order, err := e.book.Ledger().CreatePending(ctx, ledger.PendingOrder{
		ID:             orderID,
		SignalID:       sig.ID,
		Instrument:     sig.Instrument,
		Side:           side,
		Quantity:       qty,
		Price:          priceSpec,
		Leverage:       e.cfg.Leverage,
		ReservedAsset:  asset,
		ReservedAmount: reserve,
	})
	if err != nil {
		wallet.ReleaseAll(asset, orderID)
		if errors.Is(err, ports.ErrDuplicateSignal) {
			existing, _ := e.book.Ledger().BySignal(sig.ID)
			return Result{Status: Duplicate, SignalID: sig.ID, Order: existing, Err: err}
		}
		e.logger.Error(ctx, err, "Failed to create pending order", fields)
		return Result{Status: Failed, SignalID: sig.ID, Err: err, Reason: err.Error()}
	}
	e.book.Notify(ctx, domain.Event{
		Kind:       domain.EventOrderCreated,
		Severity:   domain.SeverityInfo,
		Instrument: order.Instrument,
		OrderID:    order.ID,
		Message:    "order created from signal " + sig.ID,
		Fields: map[string]interface{}{
			"side": string(side), "quantity": qty, "price": price, "reserved": reserve, "policy": e.sizing.Name(),
		},
	})

	if l.latest.Load() != ticket {
		return e.superseded(ctx, sig, order)
	}

	e.ensureLeverage(ctx, sig.Instrument)

	req := ports.OrderRequest{
		Instrument:       order.Instrument,
		Side:             order.Side,
		Quantity:         order.Quantity,
		Price:            order.Price,
		IdempotencyToken: order.ClientOrderID(),
		ReduceOnly:       increase == 0,
	}
	ack, err := e.submit(ctx, req)
	if ports.IsAmbiguous(err) {
		ack, err = e.resolveSubmit(ctx, order, err)
	}
	if err != nil {
		return e.reject(ctx, sig, order, err)
	}
	if e.risk != nil {
		e.risk.RecordOrder(ctx)
	}
	order = e.applyAck(ctx, order, ack)
	e.logger.Info(ctx, "Order submitted", ports.Fields(fields, map[string]interface{}{
		"orderID": order.ID, "exchangeOrderID": order.ExchangeOrderID, "side": string(side),
		"quantity": qty, "status": string(order.Status),
	}))
	res := Result{Status: Submitted, SignalID: sig.ID, Order: order}
	if sig.StopLoss > 0 || sig.TakeProfit > 0 {
		e.protect(ctx, sig, order, sizing.RoundDown(math.Abs(target), instr.StepSize), &res)
	}
	return res
}

// validateProtective checks protective prices against the reference price:
// a long needs its stop below and its target above, a short the reverse.
func validateProtective(sig domain.Signal, price float64) error {
	long := sig.Direction == domain.Long
	switch {
	case sig.StopLoss > 0 && long && sig.StopLoss >= price,
		sig.StopLoss > 0 && !long && sig.StopLoss <= price:
		return fmt.Errorf("signal %s stop loss %f on the wrong side of price %f: %w", sig.ID, sig.StopLoss, price, ports.ErrInvalidSignal)
	case sig.TakeProfit > 0 && long && sig.TakeProfit <= price,
		sig.TakeProfit > 0 && !long && sig.TakeProfit >= price:
		return fmt.Errorf("signal %s take profit %f on the wrong side of price %f: %w", sig.ID, sig.TakeProfit, price, ports.ErrInvalidSignal)
	}
	return nil
}

// protect places the signal's reduce-only stop-loss and take-profit orders
// for the position the entry builds. If every requested one fails, the entry
// is canceled.
func (e *Engine) protect(ctx context.Context, sig domain.Signal, order *domain.Order, qty float64, res *Result) {
	side := domain.Sell
	if sig.Direction == domain.Short {
		side = domain.Buy
	}
	legs := []struct {
		trigger domain.TriggerType
		price   float64
		suffix  string
		dst     *string
	}{
		{domain.TriggerStopLoss, sig.StopLoss, "sl", &res.StopLossOrderID},
		{domain.TriggerTakeProfit, sig.TakeProfit, "tp", &res.TakeProfitOrderID},
	}

	var requested, placed int
	var errs []error
	for _, leg := range legs {
		if leg.price <= 0 {
			continue
		}
		requested++
		fields := map[string]interface{}{
			"orderID": order.ID, "instrument": order.Instrument, "trigger": string(leg.trigger), "stopPrice": leg.price, "quantity": qty,
		}
		ack, err := e.submit(ctx, ports.OrderRequest{
			Instrument:       order.Instrument,
			Side:             side,
			Quantity:         qty,
			Price:            domain.MarketPrice(),
			IdempotencyToken: protectiveID(order.ID, leg.suffix),
			ReduceOnly:       true,
			Trigger:          leg.trigger,
			StopPrice:        leg.price,
		})
		if err != nil {
			errs = append(errs, err)
			e.logger.Error(ctx, err, "Failed to place protective order", fields)
			continue
		}
		placed++
		*leg.dst = ack.ExchangeOrderID
		e.logger.Info(ctx, "Protective order placed", ports.Fields(fields, map[string]interface{}{"exchangeOrderID": ack.ExchangeOrderID}))
	}
	if placed == requested {
		return
	}

	res.Err = fmt.Errorf("order %s: %w: %w", order.ID, ports.ErrProtectiveOrder, errors.Join(errs...))
	res.Reason = res.Err.Error()
	e.book.Notify(ctx, domain.Event{
		Kind:       domain.EventOrderRejected,
		Severity:   domain.SeverityWarning,
		Instrument: order.Instrument,
		OrderID:    order.ID,
		Message:    "protective order failed for " + order.ID,
		Fields:     map[string]interface{}{"requested": requested, "placed": placed},
	})
	if placed > 0 || order.IsTerminal() {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()
	if err := e.transport.CancelOrder(cctx, order.Instrument, order.ExchangeOrderID, order.ClientOrderID()); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		e.logger.Error(ctx, err, "Failed to cancel unprotected entry order", map[string]interface{}{"orderID": order.ID})
		return
	}
	e.logger.Warn(ctx, "Canceled entry order left without protection", map[string]interface{}{"orderID": order.ID})
}

// protectiveID derives a client order id from the entry's id. It stays within
// the exchange's 36 character limit.
func protectiveID(orderID, suffix string) string {
	return strings.ReplaceAll(orderID, "-", "") + suffix
}

// submit sends the order, retrying transient failures with the same token.
func (e *Engine) submit(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	b := &backoff.Backoff{Min: e.cfg.RetryMinDelay, Max: e.cfg.RetryMaxDelay, Factor: 2, Jitter: true}
	attempts := e.cfg.SubmitMaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ack, err := e.transport.SubmitOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		lastErr = err

		if errors.Is(err, ports.ErrDuplicateClientOrder) {
			// An earlier attempt reached the exchange.
			live, qerr := e.transport.QueryOrder(ctx, req.Instrument, "", req.IdempotencyToken)
			if qerr == nil {
				return ackFromLive(live), nil
			}
			lastErr = qerr
		} else if !ports.IsTransient(err) && !errors.Is(err, ports.ErrUnknown) {
			// Unclassified failures are retried too: the token makes a resend safe.
			return nil, err
		}

		e.logger.Warn(ctx, "Order submission failed, retrying", map[string]interface{}{
			"clientOrderID": req.IdempotencyToken, "attempt": attempt, "maxAttempts": attempts, "error": lastErr.Error(),
		})
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("submit %s: %w: %w", req.IdempotencyToken, ports.ErrTransportExhausted, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
	return nil, fmt.Errorf("submit %s after %d attempts: %w: %w", req.IdempotencyToken, attempts, ports.ErrTransportExhausted, lastErr)
}

// resolveSubmit settles a submission whose outcome is unknown. An order the
// exchange holds under the client id is adopted; otherwise a cancel by client
// id keeps a delayed request from going live, and cause stands.
func (e *Engine) resolveSubmit(ctx context.Context, order *domain.Order, cause error) (*ports.OrderAck, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()
	fields := map[string]interface{}{"orderID": order.ID, "instrument": order.Instrument, "error": cause.Error()}

	live, err := e.transport.QueryOrder(cctx, order.Instrument, "", order.ClientOrderID())
	if err == nil && live != nil {
		e.logger.Warn(ctx, "Order reached the exchange despite a failed submission", ports.Fields(fields, map[string]interface{}{
			"exchangeOrderID": live.ExchangeOrderID, "liveStatus": string(live.Status),
		}))
		return ackFromLive(live), nil
	}
	if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		fields["queryError"] = err.Error()
	}
	if cerr := e.transport.CancelOrder(cctx, order.Instrument, "", order.ClientOrderID()); cerr != nil && !errors.Is(cerr, ports.ErrOrderNotFound) {
		fields["cancelError"] = cerr.Error()
		e.logger.Warn(ctx, "Best-effort cancel after failed submission failed", fields)
	}
	return nil, cause
}

func (e *Engine) reject(ctx context.Context, sig domain.Signal, order *domain.Order, err error) Result {
	reason := err.Error()
	if errors.Is(err, ports.ErrTransportExhausted) {
		reason = domain.ReasonTransportExhausted
	}
	rejected, terr := e.book.Terminate(ctx, order.ID, domain.StatusRejected, reason)
	if terr != nil {
		e.logger.Error(ctx, terr, "Failed to record rejection", map[string]interface{}{"orderID": order.ID})
		rejected = order
	}
	e.logger.Error(ctx, err, "Order rejected", map[string]interface{}{
		"orderID": order.ID, "signalID": sig.ID, "instrument": order.Instrument, "reason": reason,
	})
	return Result{Status: Rejected, SignalID: sig.ID, Order: rejected, Err: err, Reason: reason}
}

func (e *Engine) superseded(ctx context.Context, sig domain.Signal, order *domain.Order) Result {
	res := Result{Status: Superseded, SignalID: sig.ID, Err: ports.ErrSuperseded, Reason: domain.ReasonSuperseded}
	if order != nil {
		canceled, err := e.book.Terminate(ctx, order.ID, domain.StatusCanceled, domain.ReasonSuperseded)
		if err != nil {
			e.logger.Error(ctx, err, "Failed to cancel superseded order", map[string]interface{}{"orderID": order.ID})
		}
		res.Order = canceled
	}
	e.logger.Info(ctx, "Signal superseded by a newer signal", map[string]interface{}{"signalID": sig.ID, "instrument": sig.Instrument})
	return res
}

// skip reports a signal that produced no order.
func (e *Engine) skip(ctx context.Context, sig domain.Signal, status Status, err error) Result {
	e.logger.Warn(ctx, "Signal skipped", map[string]interface{}{
		"signalID": sig.ID, "instrument": sig.Instrument, "status": string(status), "error": err.Error(),
	})
	e.book.Notify(ctx, domain.Event{
		Kind:       domain.EventSignalSkipped,
		Severity:   domain.SeverityWarning,
		Instrument: sig.Instrument,
		Message:    err.Error(),
		Fields:     map[string]interface{}{"signalID": sig.ID, "status": string(status)},
	})
	return Result{Status: status, SignalID: sig.ID, Err: err, Reason: err.Error()}
}

// applyAck records the acknowledgment and anything the exchange already
// executed, through the same paths push events use.
func (e *Engine) applyAck(ctx context.Context, order *domain.Order, ack *ports.OrderAck) *domain.Order {
	if ack.ExchangeOrderID != "" {
		if o, err := e.book.Acknowledge(ctx, order.ID, ack.ExchangeOrderID); err == nil {
			order = o
		} else {
			e.logger.Error(ctx, err, "Failed to record acknowledgment", map[string]interface{}{"orderID": order.ID})
		}
	}
	if ack.FilledQuantity > 0 && ack.AverageFillPrice > 0 {
		fill := domain.Fill{
			FillID:             "ack:" + ack.ExchangeOrderID + ":" + strconv.FormatFloat(ack.FilledQuantity, 'f', -1, 64),
			Quantity:           ack.FilledQuantity,
			Price:              ack.AverageFillPrice,
			CumulativeQuantity: ack.FilledQuantity,
			Aggregate:          true,
			Time:               ack.Timestamp,
		}
		if out, err := e.book.ApplyFill(ctx, order.ID, fill); err == nil {
			order = out.Order
		} else if !errors.Is(err, ports.ErrInvalidTransition) {
			e.logger.Error(ctx, err, "Failed to apply fill from acknowledgment", map[string]interface{}{"orderID": order.ID})
		}
	}
	switch ack.Status {
	case domain.StatusCanceled, domain.StatusExpired, domain.StatusRejected:
		if o, err := e.book.Terminate(ctx, order.ID, ack.Status, "exchange reported "+strings.ToLower(string(ack.Status))); err == nil {
			order = o
		}
	}
	return order
}

// ReserveSlots admits the batch's new-position signals against the open
// position limit in batch order, so when few slots are left the earliest
// signals get them however their concurrent processing interleaves. Signals
// beyond the limit are rejected when they run. release frees what was
// reserved and must be called once the batch has been processed.
func (e *Engine) ReserveSlots(batch []domain.Signal) (release func()) {
	if e.risk == nil {
		return func() {}
	}
	var releases []func()
	for _, sig := range batch {
		if sig.Direction == domain.Flat || !e.book.Positions().Position(sig.Instrument).IsFlat() || e.pendingExposure(sig.Instrument) != 0 {
			continue
		}
		if r, err := e.risk.AcquireSlot(sig.Instrument, e.book.OpenInstruments); err == nil {
			releases = append(releases, r)
		}
	}
	return func() {
		for _, r := range releases {
			r()
		}
	}
}

// HandleEvent applies a push notification from the exchange. Events for
// orders the ledger does not know are ignored.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.ExchangeEvent) {
	l := e.book.Ledger()
	order, ok := l.ByExchangeID(ev.ExchangeOrderID)
	if !ok && ev.ClientOrderID != "" {
		order, ok = l.ByClientID(ev.ClientOrderID)
	}
	if !ok {
		e.logger.Debug(ctx, "Ignoring event for untracked order", map[string]interface{}{
			"exchangeOrderID": ev.ExchangeOrderID, "clientOrderID": ev.ClientOrderID, "kind": string(ev.Kind),
		})
		return
	}
	fields := map[string]interface{}{"orderID": order.ID, "kind": string(ev.Kind), "status": string(ev.Status)}

	if order.ExchangeOrderID == "" && ev.ExchangeOrderID != "" {
		if _, err := e.book.Acknowledge(ctx, order.ID, ev.ExchangeOrderID); err != nil {
			e.logger.Error(ctx, err, "Failed to record acknowledgment from event", fields)
		}
	}

	if ev.Kind == domain.EventFill {
		out, err := e.book.ApplyFill(ctx, order.ID, ev.Fill)
		switch {
		case errors.Is(err, ports.ErrInvalidTransition):
			e.logger.Debug(ctx, "Late fill ignored", fields)
		case err != nil:
			e.logger.Error(ctx, err, "Failed to apply fill event", fields)
		case !out.Applied:
			e.logger.Debug(ctx, "Duplicate fill event ignored", ports.Fields(fields, map[string]interface{}{"fillID": ev.Fill.FillID}))
		}
	}

	switch ev.Status {
	case domain.StatusCanceled, domain.StatusExpired, domain.StatusRejected:
		reason := ev.Reason
		if reason == "" {
			reason = "exchange reported " + strings.ToLower(string(ev.Status))
		}
		if _, err := e.book.Terminate(ctx, order.ID, ev.Status, reason); err != nil && !errors.Is(err, ports.ErrInvalidTransition) {
			e.logger.Error(ctx, err, "Failed to apply status event", fields)
		}
	}
}

// CloseExpiredPositions closes every position held longer than maxAge with
// a synthetic flat signal. The signal id is derived from the exposure's open
// time so one exposure yields one close unless an earlier close failed.
func (e *Engine) CloseExpiredPositions(ctx context.Context, maxAge time.Duration) []Result {
	if maxAge <= 0 {
		return nil
	}
	now := e.now()
	var results []Result
	for _, p := range e.book.Positions().Snapshot() {
		if p.IsFlat() || p.OpenedAt.IsZero() || now.Sub(p.OpenedAt) <= maxAge {
			continue
		}
		id, ok := e.closeSignalID(p)
		if !ok {
			continue
		}
		e.logger.Info(ctx, "Closing position past holding limit", map[string]interface{}{
			"instrument": p.Instrument, "openedAt": p.OpenedAt, "held": now.Sub(p.OpenedAt).String(),
		})
		results = append(results, e.OnSignal(ctx, domain.Signal{
			ID:         id,
			Instrument: p.Instrument,
			Direction:  domain.Flat,
			Source:     "timelimit",
			ReceivedAt: now,
		}))
	}
	return results
}

// closeSignalID returns the next unused close id for a position, or false
// while a previous close order is still working or filled.
func (e *Engine) closeSignalID(p domain.Position) (string, bool) {
	base := fmt.Sprintf("timelimit:%s:%d", p.Instrument, p.OpenedAt.Unix())
	id := base
	for attempt := 1; ; attempt++ {
		o, ok := e.book.Ledger().BySignal(id)
		if !ok {
			return id, true
		}
		if !o.IsTerminal() || o.Status == domain.StatusFilled {
			return "", false
		}
		id = base + ":" + strconv.Itoa(attempt)
	}
}

// claim marks the signal as in progress and returns its instrument lane.
// A second delivery of the same signal while the first runs is refused.
func (e *Engine) claim(sig domain.Signal) (*lane, bool) {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	if _, busy := e.inFlight[sig.ID]; busy {
		return nil, false
	}
	e.inFlight[sig.ID] = struct{}{}
	l, ok := e.lanes[sig.Instrument]
	if !ok {
		l = &lane{}
		e.lanes[sig.Instrument] = l
	}
	return l, true
}

func (e *Engine) unclaim(signalID string) {
	e.lanesMu.Lock()
	delete(e.inFlight, signalID)
	e.lanesMu.Unlock()
}

// pendingExposure is the signed quantity open orders will still add.
func (e *Engine) pendingExposure(instrument string) float64 {
	total := 0.0
	for _, o := range e.book.Ledger().Open() {
		if o.Instrument == instrument {
			total += o.Side.Sign() * o.Remaining()
		}
	}
	return total
}

func (e *Engine) instrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	e.instrMu.Lock()
	cached, ok := e.instruments[symbol]
	e.instrMu.Unlock()
	if ok {
		return cached, nil
	}
	instr, err := e.transport.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", symbol, err)
	}
	e.instrMu.Lock()
	e.instruments[symbol] = instr
	e.instrMu.Unlock()
	return instr, nil
}

// ensureLeverage sets the configured leverage once per instrument. Failures
// are logged and retried before the next order.
func (e *Engine) ensureLeverage(ctx context.Context, instrument string) {
	e.instrMu.Lock()
	done := e.leverageSet[instrument]
	e.instrMu.Unlock()
	if done {
		return
	}
	if err := e.transport.SetLeverage(ctx, instrument, e.cfg.Leverage); err != nil {
		e.logger.Warn(ctx, "Failed to set leverage, continuing with exchange setting", map[string]interface{}{
			"instrument": instrument, "leverage": e.cfg.Leverage, "error": err.Error(),
		})
		return
	}
	e.instrMu.Lock()
	e.leverageSet[instrument] = true
	e.instrMu.Unlock()
}

func ackFromLive(live *domain.LiveOrder) *ports.OrderAck {
	return &ports.OrderAck{
		ExchangeOrderID:  live.ExchangeOrderID,
		ClientOrderID:    live.ClientOrderID,
		Status:           live.Status,
		FilledQuantity:   live.FilledQuantity,
		AverageFillPrice: live.AverageFillPrice,
		Timestamp:        live.UpdatedAt,
	}
}
