package types

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TifGTC TimeInForce = "GTC"
	TifIOC TimeInForce = "IOC"
)

// Order is a sized, routable instruction for a broker.
type Order struct {
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Qty           float64     `json:"qty"`
	Price         float64     `json:"price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce `json:"time_in_force,omitempty"`
	Timestamp     int64       `json:"timestamp"`
}

// Fill is an execution (full or partial) of an order.
type Fill struct {
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	Fee       float64 `json:"fee"`
	FeeAsset  string  `json:"fee_asset,omitempty"`
	Timestamp int64   `json:"timestamp"`
}
