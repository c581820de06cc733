package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == Sell {
		return Buy
	}
	return Sell
}

// Direction is the position bias requested by a signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case Long, Short, Flat:
		return true
	}
	return false
}

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

var transitions = map[OrderStatus][]OrderStatus{
	StatusPending: {
		StatusSubmitted, StatusPartiallyFilled, StatusFilled,
		StatusCanceled, StatusRejected, StatusExpired,
	},
	StatusSubmitted: {
		StatusPartiallyFilled, StatusFilled,
		StatusCanceled, StatusRejected, StatusExpired,
	},
	StatusPartiallyFilled: {
		StatusPartiallyFilled, StatusFilled,
		StatusCanceled, StatusExpired,
	},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Reasons recorded on terminal orders.
const (
	ReasonSuperseded         = "superseded"
	ReasonTransportExhausted = "TransportExhausted"
	ReasonAckTimeout         = "acknowledgment timeout"
	ReasonReconciled         = "reconciled from exchange"
)
