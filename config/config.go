package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"signalTrader/internal/adapters/logger" // Import the logger package for LogLevel
	"signalTrader/internal/sizing"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading Parameters
	QuoteAsset      string  // Margin asset, e.g. USDT
	Leverage        int     // Applied to every instrument before its first order
	SizingPolicy    string  // target_size or notional
	DefaultNotional float64 // Quote margin per signal for notional sizing

	// Risk Limits (0 disables a limit)
	MaxPositionSize  float64
	MaxOpenPositions int
	MaxOrderNotional float64
	MaxDailyLoss     float64
	MaxDailyTrades   int

	// Execution
	ReserveBuffer       float64 // Extra fraction of margin reserved per order
	SubmitMaxRetries    int
	SubmitRetryMinDelay time.Duration
	SubmitRetryMaxDelay time.Duration

	// Reconciliation
	OrderAckTimeout   time.Duration
	ReconcileInterval time.Duration
	PositionEpsilon   float64
	BalanceEpsilon    float64

	// Positions held longer than this are closed, 0 disables
	MaxHoldingPeriod time.Duration

	// Signal Source
	SignalsPath    string
	SignalInterval time.Duration // Pause between replayed batches

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter

	// Alerts and Metrics
	MetricsAddr        string // Empty disables the /metrics endpoint
	DiscordWebhookURL  string // Empty disables Discord alerts
	DiscordMinSeverity string

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading Parameters
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))

	cfg.Leverage, err = getEnvAsIntRequired("LEVERAGE", 2)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEVERAGE: %v", err))
	} else if cfg.Leverage <= 0 || cfg.Leverage > 125 {
		errs = append(errs, "LEVERAGE must be between 1 and 125")
	}

	cfg.SizingPolicy = strings.ToLower(getEnv("SIZING_POLICY", sizing.PolicyNotional))
	if cfg.SizingPolicy != sizing.PolicyNotional && cfg.SizingPolicy != sizing.PolicyTargetSize {
		errs = append(errs, fmt.Sprintf("SIZING_POLICY must be %q or %q", sizing.PolicyNotional, sizing.PolicyTargetSize))
	}

	cfg.DefaultNotional, err = getEnvAsFloatRequired("DEFAULT_NOTIONAL", 15.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_NOTIONAL: %v", err))
	} else if cfg.SizingPolicy == sizing.PolicyNotional && cfg.DefaultNotional <= 0 {
		errs = append(errs, "DEFAULT_NOTIONAL must be positive for notional sizing")
	}

	// Risk Limits
	cfg.MaxPositionSize, err = getEnvAsFloatRequired("MAX_POSITION_SIZE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_SIZE: %v", err))
	} else if cfg.MaxPositionSize < 0 {
		errs = append(errs, "MAX_POSITION_SIZE cannot be negative")
	}

	cfg.MaxOpenPositions, err = getEnvAsIntRequired("MAX_OPEN_POSITIONS", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_OPEN_POSITIONS: %v", err))
	} else if cfg.MaxOpenPositions < 0 {
		errs = append(errs, "MAX_OPEN_POSITIONS cannot be negative")
	}

	cfg.MaxOrderNotional, err = getEnvAsFloatRequired("MAX_ORDER_NOTIONAL", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_ORDER_NOTIONAL: %v", err))
	} else if cfg.MaxOrderNotional < 0 {
		errs = append(errs, "MAX_ORDER_NOTIONAL cannot be negative")
	}

	cfg.MaxDailyLoss = getEnvAsFloat("MAX_DAILY_LOSS", 0)
	cfg.MaxDailyTrades = getEnvAsInt("MAX_DAILY_TRADES", 0)
	if cfg.MaxDailyLoss < 0 || cfg.MaxDailyTrades < 0 {
		errs = append(errs, "MAX_DAILY_LOSS and MAX_DAILY_TRADES cannot be negative")
	}

	// Execution
	cfg.ReserveBuffer, err = getEnvAsFloatRequired("RESERVE_BUFFER", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RESERVE_BUFFER: %v", err))
	} else if cfg.ReserveBuffer < 0 || cfg.ReserveBuffer >= 1 {
		errs = append(errs, "RESERVE_BUFFER must be in [0, 1)")
	}

	cfg.SubmitMaxRetries, err = getEnvAsIntRequired("SUBMIT_MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SUBMIT_MAX_RETRIES: %v", err))
	} else if cfg.SubmitMaxRetries < 0 || cfg.SubmitMaxRetries > 10 {
		errs = append(errs, "SUBMIT_MAX_RETRIES must be between 0 and 10")
	}

	cfg.SubmitRetryMinDelay, err = getEnvAsDurationRequired("SUBMIT_RETRY_MIN_DELAY", 200*time.Millisecond)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SUBMIT_RETRY_MIN_DELAY: %v", err))
	}
	cfg.SubmitRetryMaxDelay, err = getEnvAsDurationRequired("SUBMIT_RETRY_MAX_DELAY", 2*time.Second)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SUBMIT_RETRY_MAX_DELAY: %v", err))
	}
	if cfg.SubmitRetryMinDelay <= 0 || cfg.SubmitRetryMaxDelay < cfg.SubmitRetryMinDelay {
		errs = append(errs, "SUBMIT_RETRY_MIN_DELAY must be positive and not exceed SUBMIT_RETRY_MAX_DELAY")
	}

	// Reconciliation
	cfg.OrderAckTimeout, err = getEnvAsDurationRequired("ORDER_ACK_TIMEOUT", 2*time.Minute)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ORDER_ACK_TIMEOUT: %v", err))
	} else if cfg.OrderAckTimeout <= 0 {
		errs = append(errs, "ORDER_ACK_TIMEOUT must be positive")
	}

	cfg.ReconcileInterval, err = getEnvAsDurationRequired("RECONCILE_INTERVAL", time.Minute)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RECONCILE_INTERVAL: %v", err))
	} else if cfg.ReconcileInterval < time.Second {
		errs = append(errs, "RECONCILE_INTERVAL must be at least 1s")
	}

	cfg.PositionEpsilon = getEnvAsFloat("POSITION_EPSILON", 1e-8)
	cfg.BalanceEpsilon = getEnvAsFloat("BALANCE_EPSILON", 1e-6)
	if cfg.PositionEpsilon <= 0 || cfg.BalanceEpsilon <= 0 {
		errs = append(errs, "POSITION_EPSILON and BALANCE_EPSILON must be positive")
	}

	cfg.MaxHoldingPeriod, err = getEnvAsDurationRequired("MAX_HOLDING_PERIOD", 72*time.Hour)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_HOLDING_PERIOD: %v", err))
	} else if cfg.MaxHoldingPeriod < 0 {
		errs = append(errs, "MAX_HOLDING_PERIOD cannot be negative")
	}

	// Signal Source
	cfg.SignalsPath = getEnv("SIGNALS_PATH", "./data/signals.csv")
	if cfg.SignalsPath == "" {
		errs = append(errs, "SIGNALS_PATH must be set")
	}
	cfg.SignalInterval, err = getEnvAsDurationRequired("SIGNAL_INTERVAL", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SIGNAL_INTERVAL: %v", err))
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/signal_trader.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Alerts and Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")
	cfg.DiscordWebhookURL = getEnv("DISCORD_WEBHOOK_URL", "")
	cfg.DiscordMinSeverity = strings.ToLower(getEnv("DISCORD_MIN_SEVERITY", "warning"))
	switch cfg.DiscordMinSeverity {
	case "info", "warning", "critical":
	default:
		errs = append(errs, "DISCORD_MIN_SEVERITY must be info, warning or critical")
	}

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

// getEnvAsDurationRequired accepts Go durations ("90s", "72h").
func getEnvAsDurationRequired(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
