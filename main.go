package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"time"

	"signalTrader/config"
	"signalTrader/internal/adapters/binanceclient"
	"signalTrader/internal/adapters/logger"
	"signalTrader/internal/adapters/metrics"
	"signalTrader/internal/adapters/notifier"
	"signalTrader/internal/adapters/signalcsv"
	"signalTrader/internal/adapters/sqlite"
	"signalTrader/internal/app"
	"signalTrader/internal/domain"
	"signalTrader/internal/execution"
	"signalTrader/internal/ports"
	"signalTrader/internal/reconcile"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

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
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Initialize Signal Source
	source, err := signalcsv.Open(cfg.SignalsPath, cfg.SignalInterval)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to open signal source")
		log.Fatalf("FATAL: Failed to open signal source: %v", err)
	}
	defer source.Close()
	appLogger.Info(context.Background(), "Signal source opened", map[string]interface{}{"path": cfg.SignalsPath})

	// 6. Alerts and Metrics
	sinks := notifier.Multi{notifier.NewLogNotifier(appLogger), metrics.Notifier{}}
	if cfg.DiscordWebhookURL != "" {
		discord, err := notifier.NewDiscordNotifier(notifier.DiscordConfig{
			WebhookURL:  cfg.DiscordWebhookURL,
			MinSeverity: domain.Severity(cfg.DiscordMinSeverity),
		}, appLogger)
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Discord notifier")
			log.Fatalf("FATAL: Failed to initialize Discord notifier: %v", err)
		}
		defer discord.Close()
		sinks = append(sinks, discord)
		appLogger.Info(context.Background(), "Discord alerts enabled")
	}
	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr)
		defer srv.Close()
		appLogger.Info(context.Background(), "Metrics endpoint started", map[string]interface{}{"addr": cfg.MetricsAddr})
	}

	// 7. Initialize Application Service
	tradingService, err := app.NewTradingService(
		cfg,
		appLogger,
		binanceClient,
		repo,
		source,
		ports.Notifier(sinks),
		app.WithResultObserver(func(r execution.Result) { metrics.ObserveSignal(string(r.Status)) }),
		app.WithReportObserver(func(r reconcile.Report, took time.Duration) { metrics.ObserveReconcile(r.Discrepancies(), took) }),
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 8. Start the Service
	if err := tradingService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
