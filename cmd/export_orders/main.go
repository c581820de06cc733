package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"signalTrader/internal/adapters/logger"
	"signalTrader/internal/adapters/sqlite"
	"signalTrader/internal/domain"
	"signalTrader/internal/utils"
)

func main() {
	// Export needs no API keys, so only DB_PATH and LOG_LEVEL are read from the environment.
	_ = godotenv.Load()

	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "./data/signal_trader.db"
	}
	dbPath := flag.String("db", defaultDB, "Path to the order ledger database")
	out := flag.String("out", "", "Output CSV file (default data/orders_<date>.csv)")
	statuses := flag.String("status", "", "Comma-separated statuses to keep, e.g. FILLED,REJECTED")
	flag.Parse()

	appLogger := logger.New(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open order ledger: %v", err)
	}
	defer repo.Close()

	orders, err := repo.LoadAll(context.Background())
	if err != nil {
		appLogger.Error(context.Background(), err, "Error loading orders")
		log.Fatalf("Error loading orders: %v", err)
	}
	orders = filter(orders, *statuses)

	filename := *out
	if filename == "" {
		filename = fmt.Sprintf("data/orders_%s.csv", time.Now().Format("20060102_150405"))
	}
	if err := utils.WriteOrdersToCSV(orders, filename); err != nil {
		appLogger.Error(context.Background(), err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(context.Background(), "Orders exported", map[string]interface{}{"filename": filename, "count": len(orders)})
}

func filter(orders []*domain.Order, statuses string) []*domain.Order {
	if strings.TrimSpace(statuses) == "" {
		return orders
	}
	keep := make(map[domain.OrderStatus]bool)
	for _, s := range strings.Split(statuses, ",") {
		keep[domain.OrderStatus(strings.ToUpper(strings.TrimSpace(s)))] = true
	}
	out := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		if keep[o.Status] {
			out = append(out, o)
		}
	}
	return out
}
