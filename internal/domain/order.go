package domain

import (
	"strings"
	"time"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts buy/sell in any case.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

// OrderType is the exchange order type. Only limit orders rest on the book.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// ParseOrderType accepts limit/market in any case.
func ParseOrderType(s string) (OrderType, bool) {
	switch OrderType(strings.ToLower(strings.TrimSpace(s))) {
	case OrderTypeLimit:
		return OrderTypeLimit, true
	case OrderTypeMarket:
		return OrderTypeMarket, true
	}
	return "", false
}

// OrderState is the lifecycle state as seen by this client.
type OrderState string

const (
	OrderStateResting   OrderState = "resting"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateFilled    OrderState = "filled"
	OrderStateUnknown   OrderState = "unknown"
)

// OrderStateFromExchange maps Deribit order_state values.
func OrderStateFromExchange(s string) OrderState {
	switch s {
	case "open", "untriggered":
		return OrderStateResting
	case "filled":
		return OrderStateFilled
	case "cancelled", "rejected":
		return OrderStateCancelled
	}
	return OrderStateUnknown
}

// Order is a value; the tracker hands out copies.
type Order struct {
	OrderID        string
	InstrumentName string
	Side           Side
	Type           OrderType
	Amount         float64
	Price          float64 // limit only
	State          OrderState
	Label          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsFinal reports whether the order can no longer change.
func (o Order) IsFinal() bool {
	return o.State == OrderStateFilled || o.State == OrderStateCancelled
}
