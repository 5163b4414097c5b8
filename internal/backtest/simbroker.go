package backtest

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"pilot/internal/broker"
	"pilot/internal/clock"
	"pilot/internal/types"
)

// LatencyConfig models the delay between placing an order and its fills.
type LatencyConfig struct {
	AckMs             int64 `mapstructure:"ack_ms" json:"ack_ms"`
	FirstFillMs       int64 `mapstructure:"first_fill_ms" json:"first_fill_ms"`
	PerFillIntervalMs int64 `mapstructure:"per_fill_interval_ms" json:"per_fill_interval_ms"`
	Pieces            int   `mapstructure:"pieces" json:"pieces"`
}

// WorstCaseMs is the settle horizon needed to flush every scheduled fill.
func (l LatencyConfig) WorstCaseMs() int64 {
	pieces := int64(l.Pieces)
	if pieces < 1 {
		pieces = 1
	}
	return l.AckMs + l.FirstFillMs + pieces*l.PerFillIntervalMs
}

// CostConfig models slippage and fees in basis points.
type CostConfig struct {
	SlippageBps float64 `mapstructure:"slippage_bps" json:"slippage_bps"`
	FeeBps      float64 `mapstructure:"fee_bps" json:"fee_bps"`
}

// scheduled is one queued broker action, ordered by (due, seq) so equal due
// times keep insertion order.
type scheduled struct {
	due     int64
	seq     int64
	orderID string
	ack     bool
	qty     float64
	last    bool
}

type scheduleQueue []*scheduled

func (q scheduleQueue) Len() int { return len(q) }
func (q scheduleQueue) Less(i, j int) bool {
	if q[i].due != q[j].due {
		return q[i].due < q[j].due
	}
	return q[i].seq < q[j].seq
}
func (q scheduleQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *scheduleQueue) Push(x any)   { *q = append(*q, x.(*scheduled)) }
func (q *scheduleQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// SimBroker fills orders from a price series with configurable latency,
// slippage and fees, splitting each order into equal pieces over time. It
// emits the same event union as the matching engine so downstream code never
// knows which broker it talks to.
type SimBroker struct {
	latency LatencyConfig
	costs   CostConfig
	clk     clock.Clock
	hub     *broker.Hub

	mu     sync.Mutex
	prices map[string]float64
	open   map[string]types.Order
	queue  scheduleQueue
	seq    int64
	equity func() float64
}

var _ broker.Broker = (*SimBroker)(nil)

func NewSimBroker(latency LatencyConfig, costs CostConfig, clk clock.Clock) *SimBroker {
	if latency.Pieces < 1 {
		latency.Pieces = 1
	}
	return &SimBroker{
		latency: latency,
		costs:   costs,
		clk:     clk,
		hub:     broker.NewHub(0),
		prices:  make(map[string]float64),
		open:    make(map[string]types.Order),
		equity:  func() float64 { return 0 },
	}
}

// SetEquitySource wires the portfolio value into Account.
func (s *SimBroker) SetEquitySource(fn func() float64) {
	s.mu.Lock()
	s.equity = fn
	s.mu.Unlock()
}

// MarkPrice records the symbol's current price; fills due later execute
// against the price in effect when they drain.
func (s *SimBroker) MarkPrice(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

func (s *SimBroker) Close() { s.hub.Close() }

func (s *SimBroker) StreamEvents(symbols []string) (<-chan broker.Event, func()) {
	return s.hub.Subscribe(symbols)
}

func (s *SimBroker) Account() broker.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	eq := s.equity()
	return broker.Account{Equity: eq, Balances: map[string]float64{"EQUITY": eq}}
}

// Place schedules an ack plus Pieces equal fills on the latency profile.
// Only market orders are supported; anything else rejects as data.
func (s *SimBroker) Place(_ context.Context, order types.Order) (string, error) {
	s.mu.Lock()
	now := s.clk.Now()
	if order.ClientOrderID == "" {
		s.seq++
		order.ClientOrderID = fmt.Sprintf("sim-%d-%d", now, s.seq)
	}
	if order.Timestamp == 0 {
		order.Timestamp = now
	}
	id := order.ClientOrderID

	var immediate broker.Event
	switch {
	case order.Type != types.OrderMarket:
		immediate = broker.Rejected{OrderID: id, Symbol: order.Symbol, Reason: fmt.Sprintf("unsupported order type %s", order.Type), Timestamp: now}
	case order.Qty <= 0:
		immediate = broker.Rejected{OrderID: id, Symbol: order.Symbol, Reason: "qty must be positive", Timestamp: now}
	case s.prices[order.Symbol] == 0:
		immediate = broker.Rejected{OrderID: id, Symbol: order.Symbol, Reason: "no price for symbol", Timestamp: now}
	}
	if immediate != nil {
		s.mu.Unlock()
		s.hub.Publish(immediate)
		return id, nil
	}

	s.open[id] = order
	s.schedule(&scheduled{due: now + s.latency.AckMs, orderID: id, ack: true})
	piece := order.Qty / float64(s.latency.Pieces)
	firstDue := now + s.latency.AckMs + s.latency.FirstFillMs
	for i := 0; i < s.latency.Pieces; i++ {
		s.schedule(&scheduled{
			due:     firstDue + int64(i)*s.latency.PerFillIntervalMs,
			orderID: id,
			qty:     piece,
			last:    i == s.latency.Pieces-1,
		})
	}
	s.mu.Unlock()
	return id, nil
}

func (s *SimBroker) schedule(item *scheduled) {
	s.seq++
	item.seq = s.seq
	heap.Push(&s.queue, item)
}

// Cancel drops the order and leaves its scheduled fills to be discarded at
// drain time, per the open-order check.
func (s *SimBroker) Cancel(_ context.Context, orderID string) bool {
	s.mu.Lock()
	order, ok := s.open[orderID]
	if ok {
		delete(s.open, orderID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.hub.Publish(broker.Canceled{OrderID: orderID, Symbol: order.Symbol, Timestamp: s.clk.Now()})
	return true
}

// Drain executes every scheduled action due at or before ts, in (due, seq)
// order, and returns the emitted events. Scheduled fills whose order was
// canceled in the meantime are dropped, not applied.
func (s *SimBroker) Drain(ts int64) []broker.Event {
	s.mu.Lock()
	var events []broker.Event
	for s.queue.Len() > 0 && s.queue[0].due <= ts {
		item := heap.Pop(&s.queue).(*scheduled)
		order, ok := s.open[item.orderID]
		if !ok {
			continue
		}
		if item.ack {
			events = append(events, broker.Accepted{OrderID: item.orderID, Order: order})
			continue
		}
		fill := s.fillFor(order, item)
		if item.last {
			delete(s.open, item.orderID)
			events = append(events, broker.Filled{OrderID: item.orderID, Fill: fill})
		} else {
			events = append(events, broker.PartialFill{OrderID: item.orderID, Fill: fill})
		}
	}
	s.mu.Unlock()
	for _, evt := range events {
		s.hub.Publish(evt)
	}
	return events
}

// fillFor prices one piece with slippage against the taker and the fee in
// quote terms.
func (s *SimBroker) fillFor(order types.Order, item *scheduled) types.Fill {
	price := s.prices[order.Symbol]
	slip := price * s.costs.SlippageBps / 10_000
	if order.Side == types.SideBuy {
		price += slip
	} else {
		price -= slip
	}
	fee := price * item.qty * s.costs.FeeBps / 10_000
	return types.Fill{
		OrderID:   item.orderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Qty:       item.qty,
		Price:     price,
		Fee:       fee,
		Timestamp: item.due,
	}
}
