// Package models provides the normalized trading domain shared by every exchange
// connector: orders, order results, balances, positions and market data ticks.
// Exchange-native payloads are always converted into these types before they
// leave a connector.
package models

import (
	"fmt"
	"strings"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType selects how an order is matched.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls how long an order stays on the book.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the normalized lifecycle state of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// ValidationError reports an invalid field on one of the domain types.
type ValidationError struct {
	Field   string // Field is the name of the offending field
	Message string // Message describes why the value was rejected
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// TradeOrder is the unified order request accepted by every connector.
type TradeOrder struct {
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    float64     `json:"quantity"`
	Price       *float64    `json:"price,omitempty"`
	StopPrice   *float64    `json:"stop_price,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force,omitempty"`
}

// Validate checks the order invariants. A limit order must carry a price.
// An empty TimeInForce is normalized to GTC.
func (o *TradeOrder) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}

	switch o.Side {
	case SideBuy, SideSell:
	default:
		return &ValidationError{Field: "side", Message: fmt.Sprintf("unsupported side %q", o.Side)}
	}

	switch o.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if o.Price == nil {
			return &ValidationError{Field: "price", Message: "price is required for limit orders"}
		}
		if *o.Price <= 0 {
			return &ValidationError{Field: "price", Message: "price must be greater than 0"}
		}
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unsupported order type %q", o.Type)}
	}

	if o.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Message: "quantity must be greater than 0"}
	}

	if o.StopPrice != nil && *o.StopPrice <= 0 {
		return &ValidationError{Field: "stop_price", Message: "stop price must be greater than 0"}
	}

	switch o.TimeInForce {
	case "":
		o.TimeInForce = TimeInForceGTC
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
	default:
		return &ValidationError{Field: "time_in_force", Message: fmt.Sprintf("unsupported time in force %q", o.TimeInForce)}
	}

	return nil
}

// LimitPrice returns the order price or zero for market orders.
func (o *TradeOrder) LimitPrice() float64 {
	if o.Price == nil {
		return 0
	}
	return *o.Price
}

// TradeResult is the normalized acknowledgement or state of one order.
type TradeResult struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price"`
	Status        OrderStatus `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
	Fees          *float64    `json:"fees,omitempty"`
}

// StatusTable maps an exchange-native status vocabulary onto OrderStatus.
type StatusTable map[string]OrderStatus

// Normalize maps a native status. Unknown values map to pending.
func (t StatusTable) Normalize(native string) OrderStatus {
	if status, ok := t[native]; ok {
		return status
	}
	return StatusPending
}

// ParseSide converts exchange spellings ("BUY", "Sell", "buy") to OrderSide.
func ParseSide(native string) OrderSide {
	if strings.EqualFold(native, string(SideSell)) {
		return SideSell
	}
	return SideBuy
}
