// Package broker defines the order-routing contract shared by the paper
// matching engine, the backtest fill model and any live adapter. Business
// rejections travel as Rejected events, never as errors: an error from Place
// means the call itself could not be made.
package broker

import (
	"context"

	"pilot/internal/types"
)

// Account is a point-in-time balance snapshot. Equity sums the configured
// quote assets only; base holdings are valued by the position projector.
type Account struct {
	Equity   float64            `json:"equity"`
	Balances map[string]float64 `json:"balances"`
}

// Broker is implemented identically by paper and live adapters.
type Broker interface {
	// Place submits one order and returns its id. Outcomes arrive as events.
	Place(ctx context.Context, order types.Order) (string, error)
	// Cancel removes a resting order, releasing its reservation before
	// returning. False means the order is unknown or already terminal.
	Cancel(ctx context.Context, orderID string) bool
	// StreamEvents subscribes to order lifecycle events, optionally filtered
	// by symbol. The returned stop function releases the subscription.
	StreamEvents(symbols []string) (<-chan Event, func())
	// Account returns the current balance snapshot.
	Account() Account
}

// Event is the closed order-lifecycle union: Accepted, PartialFill, Filled,
// Canceled or Rejected.
type Event interface {
	isBrokerEvent()
	EventSymbol() string
}

type Accepted struct {
	OrderID string      `json:"order_id"`
	Order   types.Order `json:"order"`
}

type PartialFill struct {
	OrderID string     `json:"order_id"`
	Fill    types.Fill `json:"fill"`
}

type Filled struct {
	OrderID string     `json:"order_id"`
	Fill    types.Fill `json:"fill"`
}

type Canceled struct {
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol"`
	Timestamp int64  `json:"timestamp"`
}

type Rejected struct {
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

func (Accepted) isBrokerEvent()    {}
func (PartialFill) isBrokerEvent() {}
func (Filled) isBrokerEvent()      {}
func (Canceled) isBrokerEvent()    {}
func (Rejected) isBrokerEvent()    {}

func (e Accepted) EventSymbol() string    { return e.Order.Symbol }
func (e PartialFill) EventSymbol() string { return e.Fill.Symbol }
func (e Filled) EventSymbol() string      { return e.Fill.Symbol }
func (e Canceled) EventSymbol() string    { return e.Symbol }
func (e Rejected) EventSymbol() string    { return e.Symbol }
