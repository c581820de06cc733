package domain

import "time"

// Signal is a normalized directive to take or adjust a position.
type Signal struct {
	ID         string    // Idempotency key
	Instrument string    // Trading symbol
	Direction  Direction // long, short or flat
	Strength   float64   // 0..1, interpretation left to the sizing policy
	Size       float64   // Target absolute base quantity (0 = unset)
	Notional   float64   // Quote amount to deploy (0 = unset)
	LimitPrice float64   // 0 submits a market order
	StopLoss   float64   // Protective stop trigger price (0 = none)
	TakeProfit float64   // Protective take-profit trigger price (0 = none)
	Source     string    // Originating adapter (e.g., "twitter")
	ReceivedAt time.Time
}

// PriceSpec describes how an order is priced.
type PriceSpec struct {
	Market bool
	Limit  float64
}

// MarketPrice returns a PriceSpec for a market order.
func MarketPrice() PriceSpec { return PriceSpec{Market: true} }

// LimitPrice returns a PriceSpec for a limit order at price.
func LimitPrice(price float64) PriceSpec { return PriceSpec{Limit: price} }

// TriggerType names a reduce-only order that rests until its stop price trades.
type TriggerType string

const (
	TriggerStopLoss   TriggerType = "STOP_MARKET"
	TriggerTakeProfit TriggerType = "TAKE_PROFIT_MARKET"
)

// Order is the ledger's record of a submitted order.
type Order struct {
	ID               string // Local id, also used as the client order id
	ExchangeOrderID  string // Empty until acknowledged
	SignalID         string
	Instrument       string
	Side             OrderSide
	Quantity         float64
	Price            PriceSpec
	Leverage         int
	Status           OrderStatus
	Reason           string
	FilledQuantity   float64
	AverageFillPrice float64 // Defined only when FilledQuantity > 0
	ReservedAsset    string
	ReservedAmount   float64 // Capital reserved at creation
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// FillIDs is the dedup set of fills already seen.
	FillIDs map[string]struct{}
	// Covered holds the ranges of exchange cumulative quantity already
	// applied, sorted and disjoint.
	Covered []FillRange
}

// FillRange is a span (From, To] of an order's cumulative executed quantity.
type FillRange struct {
	From float64
	To   float64
}

// ClientOrderID is the idempotency token sent to the exchange.
func (o *Order) ClientOrderID() string {
	return o.ID
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// IsTerminal reports whether the order reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// Clone returns a deep copy safe to hand out of the ledger.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.FillIDs = make(map[string]struct{}, len(o.FillIDs))
	for id := range o.FillIDs {
		c.FillIDs[id] = struct{}{}
	}
	c.Covered = append([]FillRange(nil), o.Covered...)
	return &c
}

// Fill is a confirmed execution against an order.
type Fill struct {
	FillID             string  // Exchange trade id, or a deterministic reconciliation id
	Quantity           float64 // Quantity executed by this fill
	Price              float64
	CumulativeQuantity float64 // Order filled quantity after this fill, 0 if unknown
	Aggregate          bool    // Stands for every execution up to CumulativeQuantity (ack or reconciliation catch-up)
	Fee                float64
	FeeAsset           string
	Time               time.Time
}

// Instrument carries the trading rules needed to size orders.
type Instrument struct {
	Symbol      string
	QuoteAsset  string
	StepSize    float64
	MinQuantity float64
	TickSize    float64
	MinNotional float64
}
