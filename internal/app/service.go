package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"signalTrader/config"
	"signalTrader/internal/domain"
	"signalTrader/internal/execution"
	"signalTrader/internal/ledger"
	"signalTrader/internal/portfolio"
	"signalTrader/internal/ports"
	"signalTrader/internal/position"
	"signalTrader/internal/reconcile"
	"signalTrader/internal/risk"
	sig "signalTrader/internal/signal"
	"signalTrader/internal/sizing"
	"signalTrader/internal/wallet"
)

const (
	startupReconcileAttempts = 3
	shutdownTimeout          = 30 * time.Second
	streamShutdownTimeout    = 5 * time.Second
)

// TradingService wires the trading core to its adapters and runs it.
type TradingService struct {
	cfg       *config.Config
	logger    ports.Logger
	transport ports.Transport
	repo      ports.OrderRepository
	source    ports.SignalSource

	ledger *ledger.Ledger
	book   *portfolio.Book
	engine *execution.Engine
	loop   *reconcile.Loop

	onResult             func(execution.Result)
	onReport             func(reconcile.Report, time.Duration)
	holdingCheckInterval time.Duration
	sourceRetryDelay     time.Duration
	startupRetryDelay    time.Duration
	handleOSSignals      bool

	workers sync.WaitGroup // Signal batches and background loops
}

// Option customizes a TradingService.
type Option func(*TradingService)

// WithResultObserver receives the outcome of every processed signal.
func WithResultObserver(fn func(execution.Result)) Option {
	return func(s *TradingService) { s.onResult = fn }
}

// WithReportObserver receives every completed reconciliation pass.
func WithReportObserver(fn func(reconcile.Report, time.Duration)) Option {
	return func(s *TradingService) { s.onReport = fn }
}

// WithHoldingCheckInterval sets how often position age is checked.
func WithHoldingCheckInterval(d time.Duration) Option {
	return func(s *TradingService) { s.holdingCheckInterval = d }
}

// WithRetryDelays overrides the pauses after a failed source read and a
// failed startup reconciliation.
func WithRetryDelays(source, startup time.Duration) Option {
	return func(s *TradingService) {
		s.sourceRetryDelay = source
		s.startupRetryDelay = startup
	}
}

// WithoutOSSignals leaves SIGINT/SIGTERM handling to the caller.
func WithoutOSSignals() Option {
	return func(s *TradingService) { s.handleOSSignals = false }
}

// NewTradingService creates a new application service instance.
// notifier may be nil.
func NewTradingService(
	cfg *config.Config,
	logger ports.Logger,
	transport ports.Transport,
	repo ports.OrderRepository,
	source ports.SignalSource,
	notifier ports.Notifier,
	opts ...Option,
) (*TradingService, error) {
	if cfg == nil || logger == nil || transport == nil || repo == nil || source == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService: %w", ports.ErrConfigurationError)
	}

	s := &TradingService{
		cfg:                  cfg,
		logger:               logger,
		transport:            transport,
		repo:                 repo,
		source:               source,
		holdingCheckInterval: time.Minute,
		sourceRetryDelay:     time.Second,
		startupRetryDelay:    2 * time.Second,
		handleOSSignals:      true,
	}
	for _, opt := range opts {
		opt(s)
	}

	policy, err := sizing.New(cfg.SizingPolicy, cfg.DefaultNotional)
	if err != nil {
		return nil, err
	}

	s.ledger = ledger.New(repo, logger)
	s.book = portfolio.NewBook(s.ledger, position.NewTracker(), wallet.NewTracker(), notifier, logger)

	riskManager := risk.NewRiskManager(risk.RiskConfig{
		MaxPositionSize:  cfg.MaxPositionSize,
		MaxLeverage:      cfg.Leverage,
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxOrderNotional: cfg.MaxOrderNotional,
		MaxDailyLoss:     cfg.MaxDailyLoss,
		MaxDailyTrades:   cfg.MaxDailyTrades,
	})

	s.engine, err = execution.NewEngine(execution.Config{
		QuoteAsset:       cfg.QuoteAsset,
		Leverage:         cfg.Leverage,
		ReserveBuffer:    cfg.ReserveBuffer,
		SubmitMaxRetries: cfg.SubmitMaxRetries,
		RetryMinDelay:    cfg.SubmitRetryMinDelay,
		RetryMaxDelay:    cfg.SubmitRetryMaxDelay,
	}, transport, s.book, policy, riskManager, logger)
	if err != nil {
		return nil, err
	}

	s.loop, err = reconcile.NewLoop(reconcile.Config{
		QuoteAsset:      cfg.QuoteAsset,
		Interval:        cfg.ReconcileInterval,
		AckTimeout:      cfg.OrderAckTimeout,
		PositionEpsilon: cfg.PositionEpsilon,
		BalanceEpsilon:  cfg.BalanceEpsilon,
		Observe:         s.onReport,
	}, transport, s.book, logger)
	if err != nil {
		return nil, err
	}

	logger.Info(context.Background(), "Trading service assembled", map[string]interface{}{
		"sizingPolicy": policy.Name(),
		"quoteAsset":   cfg.QuoteAsset,
		"leverage":     cfg.Leverage,
	})
	return s, nil
}

// Engine exposes the execution engine.
func (s *TradingService) Engine() *execution.Engine { return s.engine }

// Book exposes the settled portfolio state.
func (s *TradingService) Book() *portfolio.Book { return s.book }

// Start runs the service until ctx is canceled, a shutdown signal arrives,
// or the exchange event stream stops for good.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...")

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.handleOSSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case received := <-sigCh:
				s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": received.String()})
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	// --- Initialization Steps ---
	// 1. Exchange connectivity. Only authentication or configuration
	// failures stop the process here.
	if err := s.transport.SetServerTime(ctx); err != nil {
		if ports.IsFatalAtStartup(err) {
			s.logger.Error(ctx, err, "Failed to synchronize server time")
			return fmt.Errorf("failed to set server time: %w", err)
		}
		s.logger.Warn(ctx, "Server time not synchronized, continuing", map[string]interface{}{"error": err.Error()})
	} else {
		s.logger.Info(ctx, "Server time synchronized")
	}
	if err := s.transport.Ping(ctx); err != nil {
		if ports.IsFatalAtStartup(err) {
			return fmt.Errorf("failed to ping exchange: %w", err)
		}
		s.logger.Warn(ctx, "Exchange ping failed, continuing", map[string]interface{}{"error": err.Error()})
	}

	// 2. Durable baseline
	if _, err := s.ledger.Restore(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to restore order ledger")
		return fmt.Errorf("failed to restore order ledger: %w", err)
	}
	if err := s.book.Restore(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to restore portfolio")
		return fmt.Errorf("failed to restore portfolio: %w", err)
	}
	s.book.Wallet().SetListener(s.loop.BalanceListener(ctx))

	// 3. Reconcile before any signal is acted on
	if err := s.reconcileAtStartup(ctx); err != nil {
		return err
	}

	// 4. Push channel of fills and status changes
	streamDone, err := s.transport.StreamEvents(ctx, func(ev domain.ExchangeEvent) {
		s.engine.HandleEvent(ctx, ev)
	}, s.handleStreamError)
	if err != nil {
		if ports.IsFatalAtStartup(err) {
			s.logger.Error(ctx, err, "Failed to start user data stream")
			return fmt.Errorf("failed to start user data stream: %w", err)
		}
		// Reconciliation still converges; fills arrive one interval later.
		s.logger.Warn(ctx, "User data stream unavailable, relying on reconciliation", map[string]interface{}{"error": err.Error()})
		streamDone = nil
	} else {
		s.logger.Info(ctx, "User data stream started")
	}

	// --- Background Work ---
	s.goWork(func() { s.loop.Run(ctx) })
	if s.cfg.MaxHoldingPeriod > 0 {
		s.goWork(func() { s.watchHoldingPeriod(ctx) })
	}
	signalsDone := make(chan struct{})
	s.goWork(func() {
		defer close(signalsDone)
		s.consumeSignals(ctx)
	})

	// --- Main Loop ---
	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
	case <-streamDone:
		runErr = fmt.Errorf("user data stream stopped unexpectedly: %w", ports.ErrConnectionFailed)
		s.logger.Error(ctx, runErr, "User data stream stopped")
		cancel()
	}

	s.shutdown(ctx, cancel, streamDone)
	s.logger.Info(ctx, "Trading Service stopped.")
	return runErr
}

func (s *TradingService) shutdown(ctx context.Context, cancel context.CancelFunc, streamDone chan struct{}) {
	cancel()

	workersDone := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
		s.logger.Info(ctx, "Background workers stopped")
	case <-time.After(shutdownTimeout):
		s.logger.Warn(ctx, "Timeout waiting for background workers to stop")
	}

	if streamDone != nil {
		select {
		case <-streamDone:
			s.logger.Info(ctx, "User data stream shut down gracefully")
		case <-time.After(streamShutdownTimeout):
			s.logger.Warn(ctx, "Timeout waiting for user data stream to shut down")
		}
	}
}

func (s *TradingService) goWork(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

// reconcileAtStartup runs a blocking pass, retrying transient failures a
// bounded number of times.
func (s *TradingService) reconcileAtStartup(ctx context.Context) error {
	b := &backoff.Backoff{Min: s.startupRetryDelay, Max: 10 * s.startupRetryDelay, Factor: 2}
	var lastErr error
	for attempt := 1; attempt <= startupReconcileAttempts; attempt++ {
		report, err := s.loop.RunOnce(ctx)
		if err == nil {
			s.logger.Info(ctx, "Startup reconciliation complete", map[string]interface{}{
				"discrepancies": report.Discrepancies(),
				"expired":       report.Expired,
			})
			return nil
		}
		lastErr = err
		if ports.IsFatalAtStartup(err) || ctx.Err() != nil {
			break
		}
		s.logger.Warn(ctx, "Startup reconciliation failed, retrying", map[string]interface{}{
			"attempt": attempt, "error": err.Error(),
		})
		if attempt < startupReconcileAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
	}
	s.logger.Error(ctx, lastErr, "Startup reconciliation failed")
	return fmt.Errorf("startup reconciliation failed: %w", lastErr)
}

// consumeSignals pulls batches until the source is exhausted or ctx ends.
func (s *TradingService) consumeSignals(ctx context.Context) {
	for {
		batch, err := s.source.Next(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, io.EOF):
			s.logger.Info(ctx, "Signal source exhausted")
			return
		case errors.Is(err, ports.ErrInvalidSignal):
			s.logger.Warn(ctx, "Malformed signal input skipped", map[string]interface{}{"error": err.Error()})
			continue
		case err != nil:
			s.logger.Error(ctx, err, "Failed to read signals")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.sourceRetryDelay):
			}
			continue
		}
		s.ProcessBatch(ctx, batch)
	}
}

// ProcessBatch normalizes and consolidates a batch, then executes the kept
// signals concurrently. In-flight signals finish even if ctx is canceled so
// no order is left half-submitted.
func (s *TradingService) ProcessBatch(ctx context.Context, batch []domain.Signal) []execution.Result {
	work := context.WithoutCancel(ctx)
	now := time.Now()

	valid := make([]domain.Signal, 0, len(batch))
	var invalid []domain.Signal
	for _, raw := range batch {
		normalized, err := sig.Normalize(raw, now)
		if err != nil {
			invalid = append(invalid, normalized)
			continue
		}
		valid = append(valid, normalized)
	}

	kept, dropped := sig.Consolidate(valid)
	for _, d := range dropped {
		s.logger.Info(ctx, "Signal dropped by batch consolidation", map[string]interface{}{
			"signalID": d.ID, "instrument": d.Instrument, "direction": string(d.Direction),
		})
		s.book.Notify(ctx, domain.Event{
			Kind:       domain.EventSignalSkipped,
			Severity:   domain.SeverityInfo,
			Instrument: d.Instrument,
			Message:    "conflicting or repeated signal in batch",
			Fields:     map[string]interface{}{"signalID": d.ID},
		})
	}

	// Invalid signals go through the engine so they are reported like any other outcome.
	toRun := append(invalid, kept...)
	release := s.engine.ReserveSlots(kept)
	defer release()
	results := make([]execution.Result, len(toRun))
	var wg sync.WaitGroup
	for i, one := range toRun {
		wg.Add(1)
		go func(i int, one domain.Signal) {
			defer wg.Done()
			results[i] = s.engine.OnSignal(work, one)
		}(i, one)
	}
	wg.Wait()

	for _, res := range results {
		s.report(ctx, res)
	}
	return results
}

func (s *TradingService) watchHoldingPeriod(ctx context.Context) {
	ticker := time.NewTicker(s.holdingCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, res := range s.engine.CloseExpiredPositions(context.WithoutCancel(ctx), s.cfg.MaxHoldingPeriod) {
				s.report(ctx, res)
			}
		}
	}
}

func (s *TradingService) report(ctx context.Context, res execution.Result) {
	fields := map[string]interface{}{"signalID": res.SignalID, "status": string(res.Status)}
	if res.Order != nil {
		fields["orderID"] = res.Order.ID
		fields["orderStatus"] = string(res.Order.Status)
	}
	if res.Reason != "" {
		fields["reason"] = res.Reason
	}
	switch res.Status {
	case execution.Submitted:
		s.logger.Info(ctx, "Signal executed", fields)
	case execution.Duplicate, execution.NoOp:
		s.logger.Debug(ctx, "Signal required no order", fields)
	default:
		s.logger.Warn(ctx, "Signal not executed", fields)
	}
	if s.onResult != nil {
		s.onResult(res)
	}
}

func (s *TradingService) handleStreamError(err error) {
	s.logger.Error(context.Background(), err, "User data stream error")
}
