package utils

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"signalTrader/internal/domain"
)

var orderHeader = []string{
	"id", "signal_id", "exchange_order_id", "instrument", "side", "type", "quantity", "limit_price",
	"leverage", "status", "reason", "filled_quantity", "average_fill_price",
	"reserved_asset", "reserved_amount", "fills", "created_at", "updated_at",
}

// WriteOrdersToCSV writes the ledger's orders to filename.
func WriteOrdersToCSV(orders []*domain.Order, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return WriteOrders(file, orders)
}

// WriteOrders writes one row per order, header first.
func WriteOrders(w io.Writer, orders []*domain.Order) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(orderHeader); err != nil {
		return err
	}
	for _, o := range orders {
		kind, limit := "MARKET", ""
		if !o.Price.Market {
			kind, limit = "LIMIT", formatFloat(o.Price.Limit)
		}
		avg := ""
		if o.FilledQuantity > 0 {
			avg = formatFloat(o.AverageFillPrice)
		}
		if err := writer.Write([]string{
			o.ID,
			o.SignalID,
			o.ExchangeOrderID,
			o.Instrument,
			string(o.Side),
			kind,
			formatFloat(o.Quantity),
			limit,
			strconv.Itoa(o.Leverage),
			string(o.Status),
			o.Reason,
			formatFloat(o.FilledQuantity),
			avg,
			o.ReservedAsset,
			formatFloat(o.ReservedAmount),
			strconv.Itoa(len(o.FillIDs)),
			o.CreatedAt.UTC().Format(time.RFC3339),
			o.UpdatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
