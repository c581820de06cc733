package main

import (
	"context"
	"fmt"
	"log"

	"signalTrader/config"
	"signalTrader/internal/adapters/binanceclient"
	"signalTrader/internal/adapters/logger"
	"signalTrader/internal/adapters/notifier"
	"signalTrader/internal/adapters/sqlite"
	"signalTrader/internal/ledger"
	"signalTrader/internal/portfolio"
	"signalTrader/internal/position"
	"signalTrader/internal/reconcile"
	"signalTrader/internal/wallet"
)

// Runs one reconciliation pass against the exchange, repairs the stored
// ledger and prints the resulting portfolio. Useful after downtime, before
// the service is started again.
func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel)
	ctx := context.Background()

	// 3. Initialize Repository
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	if err := binanceClient.SetServerTime(ctx); err != nil {
		log.Fatalf("FATAL: Failed to synchronize server time: %v", err)
	}

	// 5. Restore the local baseline
	l := ledger.New(repo, appLogger)
	book := portfolio.NewBook(l, position.NewTracker(), wallet.NewTracker(), notifier.NewLogNotifier(appLogger), appLogger)
	if _, err := l.Restore(ctx); err != nil {
		log.Fatalf("FATAL: Failed to restore order ledger: %v", err)
	}
	if err := book.Restore(ctx); err != nil {
		log.Fatalf("FATAL: Failed to restore portfolio: %v", err)
	}

	// 6. Reconcile
	loop, err := reconcile.NewLoop(reconcile.Config{
		QuoteAsset:      cfg.QuoteAsset,
		AckTimeout:      cfg.OrderAckTimeout,
		PositionEpsilon: cfg.PositionEpsilon,
		BalanceEpsilon:  cfg.BalanceEpsilon,
	}, binanceClient, book, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize reconciliation: %v", err)
	}
	report, err := loop.RunOnce(ctx)
	if err != nil {
		appLogger.Error(ctx, err, "Reconciliation failed")
		log.Fatalf("Reconciliation failed: %v", err)
	}

	fmt.Printf("orders checked: %d, acknowledged: %d, fills applied: %d, terminated: %d, expired: %d\n",
		report.OrdersChecked, report.Acknowledged, report.FillsApplied, report.OrdersTerminated, report.Expired)
	fmt.Printf("positions corrected: %d, balances corrected: %d, balances seeded: %d\n",
		report.PositionsCorrected, report.BalancesCorrected, report.BalancesSeeded)
	for _, p := range book.Positions().Snapshot() {
		if p.IsFlat() {
			continue
		}
		fmt.Printf("position %-12s net %12.6f entry %12.4f realized %10.4f\n", p.Instrument, p.NetQuantity, p.AverageEntryPrice, p.RealizedPnL)
	}
	for _, b := range book.Wallet().Snapshot() {
		fmt.Printf("balance  %-12s free %14.6f reserved %14.6f\n", b.Asset, b.Free, b.Reserved)
	}
	for _, o := range l.Open() {
		fmt.Printf("open     %s %s %s %.6f filled %.6f status %s\n", o.ID, o.Instrument, o.Side, o.Quantity, o.FilledQuantity, o.Status)
	}
}
