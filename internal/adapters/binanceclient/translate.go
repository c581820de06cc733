package binanceclient

import (
	"fmt"
	"strconv"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
)

// --- Translation Helpers ---

func mapStatus(status futures.OrderStatusType) domain.OrderStatus {
	switch string(status) {
	case "NEW", "NEW_INSURANCE", "NEW_ADL":
		return domain.StatusSubmitted
	case "PARTIALLY_FILLED":
		return domain.StatusPartiallyFilled
	case "FILLED":
		return domain.StatusFilled
	case "CANCELED":
		return domain.StatusCanceled
	case "REJECTED":
		return domain.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.StatusExpired
	default:
		return domain.StatusSubmitted
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64) // Malformed numbers read as 0
	return v
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderAck {
	if order == nil {
		return nil
	}
	return &ports.OrderAck{
		ExchangeOrderID:  strconv.FormatInt(order.OrderID, 10),
		ClientOrderID:    order.ClientOrderID,
		Status:           mapStatus(order.Status),
		FilledQuantity:   parseFloat(order.ExecutedQuantity),
		AverageFillPrice: parseFloat(order.AvgPrice),
		Timestamp:        millis(order.UpdateTime),
	}
}

func translateOrder(o *futures.Order) domain.LiveOrder {
	return domain.LiveOrder{
		ExchangeOrderID:  strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:    o.ClientOrderID,
		Instrument:       o.Symbol,
		Side:             domain.OrderSide(o.Side),
		Quantity:         parseFloat(o.OrigQuantity),
		Price:            parseFloat(o.Price),
		FilledQuantity:   parseFloat(o.ExecutedQuantity),
		AverageFillPrice: parseFloat(o.AvgPrice),
		Status:           mapStatus(o.Status),
		UpdatedAt:        millis(o.UpdateTime),
	}
}

func translatePositionRisk(pos *futures.PositionRisk) domain.LivePosition {
	leverage, _ := strconv.Atoi(pos.Leverage) // Leverage is string in go-binance
	return domain.LivePosition{
		Instrument:  pos.Symbol,
		NetQuantity: parseFloat(pos.PositionAmt),
		EntryPrice:  parseFloat(pos.EntryPrice),
		MarkPrice:   parseFloat(pos.MarkPrice),
		Leverage:    leverage,
	}
}

// translateSymbol reads LOT_SIZE, PRICE_FILTER and MIN_NOTIONAL out of the
// exchange info filter maps.
func translateSymbol(symbol, quoteAsset string, filters []map[string]interface{}) *domain.Instrument {
	instr := &domain.Instrument{Symbol: symbol, QuoteAsset: quoteAsset}
	str := func(f map[string]interface{}, key string) float64 {
		s, _ := f[key].(string)
		return parseFloat(s)
	}
	for _, f := range filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			instr.StepSize = str(f, "stepSize")
			instr.MinQuantity = str(f, "minQty")
		case "PRICE_FILTER":
			instr.TickSize = str(f, "tickSize")
		case "MIN_NOTIONAL":
			instr.MinNotional = str(f, "notional")
		}
	}
	return instr
}

// translateBalance expresses an account asset in the local margin model.
func translateBalance(asset, walletBalance, openOrderMargin string, positionMargin float64) (domain.LiveBalance, error) {
	wallet, err := strconv.ParseFloat(walletBalance, 64)
	if err != nil {
		return domain.LiveBalance{}, fmt.Errorf("could not parse balance '%s' for asset %s: %w", walletBalance, asset, err)
	}
	locked := parseFloat(openOrderMargin)
	return domain.LiveBalance{
		Asset:  asset,
		Free:   wallet - positionMargin - locked,
		Locked: locked,
	}, nil
}

// translateTradeUpdate maps an ORDER_TRADE_UPDATE to an exchange event.
// Executions carry the trade id as the fill id.
func translateTradeUpdate(event *futures.WsUserDataEvent) (domain.ExchangeEvent, bool) {
	if event == nil || string(event.Event) != "ORDER_TRADE_UPDATE" {
		return domain.ExchangeEvent{}, false
	}
	u := event.OrderTradeUpdate
	ev := domain.ExchangeEvent{
		Kind:            domain.EventStatus,
		Instrument:      u.Symbol,
		ExchangeOrderID: strconv.FormatInt(u.ID, 10),
		ClientOrderID:   u.ClientOrderID,
		Status:          mapStatus(u.Status),
		Time:            millis(event.Time),
	}
	if string(u.ExecutionType) == "TRADE" {
		ev.Kind = domain.EventFill
		ev.Fill = domain.Fill{
			FillID:             strconv.FormatInt(u.TradeID, 10),
			Quantity:           parseFloat(u.LastFilledQty),
			Price:              parseFloat(u.LastFilledPrice),
			CumulativeQuantity: parseFloat(u.AccumulatedFilledQty),
			Fee:                parseFloat(u.Commission),
			FeeAsset:           u.CommissionAsset,
			Time:               millis(u.TradeTime),
		}
	}
	return ev, true
}
