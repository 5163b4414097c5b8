// Package paper is a depth-aware matching engine implementing the broker
// contract against an in-memory order book. Balances are decimal with fixed
// rounding, and reservations guarantee they never go negative.
package paper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"pilot/internal/broker"
	"pilot/internal/clock"
	"pilot/internal/logger"
	"pilot/internal/types"
)

// balanceScale fixes every balance mutation to 8 decimal places.
const balanceScale = 8

// Level is one price level of depth.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// SymbolInfo maps a trading pair onto its settlement assets.
type SymbolInfo struct {
	Base  string `toml:"base" json:"base"`
	Quote string `toml:"quote" json:"quote"`
}

// Config for the matching engine.
type Config struct {
	TakerFeeRate float64               `toml:"taker_fee_rate" json:"taker_fee_rate"`
	MakerFeeRate float64               `toml:"maker_fee_rate" json:"maker_fee_rate"`
	QuoteAssets  []string              `toml:"quote_assets" json:"quote_assets"` // summed into equity
	Symbols      map[string]SymbolInfo `toml:"symbols" json:"symbols,omitempty"`
	EventBuffer  int                   `toml:"event_buffer" json:"event_buffer,omitempty"`
}

type book struct {
	bids []Level // sorted by price descending
	asks []Level // sorted by price ascending
}

type restingOrder struct {
	order         types.Order
	remaining     decimal.Decimal
	reserveAsset  string
	reserveAmount decimal.Decimal
}

// Engine is the paper broker. One lock guards books, resting orders and
// balances; events are published after the lock is released.
type Engine struct {
	cfg Config
	clk clock.Clock
	hub *broker.Hub

	mu       sync.Mutex
	books    map[string]*book
	resting  map[string]*restingOrder
	balances map[string]decimal.Decimal
	seq      int64

	takerFee decimal.Decimal
	makerFee decimal.Decimal
}

var _ broker.Broker = (*Engine)(nil)

// New builds an engine with the given starting balances.
func New(cfg Config, clk clock.Clock, balances map[string]float64) *Engine {
	if len(cfg.QuoteAssets) == 0 {
		cfg.QuoteAssets = []string{"USDT"}
	}
	e := &Engine{
		cfg:      cfg,
		clk:      clk,
		hub:      broker.NewHub(cfg.EventBuffer),
		books:    make(map[string]*book),
		resting:  make(map[string]*restingOrder),
		balances: make(map[string]decimal.Decimal),
		takerFee: decimal.NewFromFloat(cfg.TakerFeeRate),
		makerFee: decimal.NewFromFloat(cfg.MakerFeeRate),
	}
	for asset, amount := range balances {
		e.balances[strings.ToUpper(asset)] = decimal.NewFromFloat(amount).Round(balanceScale)
	}
	return e
}

// Close shuts the event hub down.
func (e *Engine) Close() { e.hub.Close() }

// StreamEvents implements the broker contract.
func (e *Engine) StreamEvents(symbols []string) (<-chan broker.Event, func()) {
	return e.hub.Subscribe(symbols)
}

// Account sums configured quote assets into equity.
func (e *Engine) Account() broker.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct := broker.Account{Balances: make(map[string]float64, len(e.balances))}
	for asset, amount := range e.balances {
		acct.Balances[asset] = amount.InexactFloat64()
	}
	for _, asset := range e.cfg.QuoteAssets {
		if amount, ok := e.balances[strings.ToUpper(asset)]; ok {
			acct.Equity += amount.InexactFloat64()
		}
	}
	return acct
}

// Deposit credits an asset. Non-positive amounts are a config error.
func (e *Engine) Deposit(asset string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %v", amount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.credit(strings.ToUpper(asset), decimal.NewFromFloat(amount))
	return nil
}

// UpdateOrderBook replaces one symbol's depth and sweeps resting orders that
// now cross, filling them at the maker fee rate.
func (e *Engine) UpdateOrderBook(symbol string, bids, asks []Level) {
	e.mu.Lock()
	b := e.book(symbol)
	b.bids = append([]Level(nil), bids...)
	b.asks = append([]Level(nil), asks...)
	events := e.sweepResting(symbol, b)
	e.mu.Unlock()
	e.publish(events)
}

// Place implements the broker contract. The returned id is assigned here if
// the order arrived without one.
func (e *Engine) Place(_ context.Context, order types.Order) (string, error) {
	e.mu.Lock()
	events, orderID := e.place(order)
	e.mu.Unlock()
	e.publish(events)
	return orderID, nil
}

// Cancel releases the reservation and removes the resting order before
// returning, so a caller observing true can rely on restored balances.
func (e *Engine) Cancel(_ context.Context, orderID string) bool {
	e.mu.Lock()
	ro, ok := e.resting[orderID]
	var events []broker.Event
	if ok {
		e.credit(ro.reserveAsset, ro.reserveAmount)
		delete(e.resting, orderID)
		events = append(events, broker.Canceled{
			OrderID:   orderID,
			Symbol:    ro.order.Symbol,
			Timestamp: e.clk.Now(),
		})
	}
	e.mu.Unlock()
	e.publish(events)
	return ok
}

func (e *Engine) place(order types.Order) ([]broker.Event, string) {
	now := e.clk.Now()
	if order.ClientOrderID == "" {
		e.seq++
		order.ClientOrderID = fmt.Sprintf("paper-%d-%d", now, e.seq)
	}
	if order.Timestamp == 0 {
		order.Timestamp = now
	}
	id := order.ClientOrderID

	reject := func(reason string) ([]broker.Event, string) {
		return []broker.Event{broker.Rejected{OrderID: id, Symbol: order.Symbol, Reason: reason, Timestamp: now}}, id
	}
	if order.Type != types.OrderMarket && order.Type != types.OrderLimit {
		return reject(fmt.Sprintf("unsupported order type %s", order.Type))
	}
	if order.Qty <= 0 {
		return reject("qty must be positive")
	}
	if order.Type == types.OrderLimit && order.Price <= 0 {
		return reject("limit order needs a price")
	}
	if _, exists := e.resting[id]; exists {
		return reject("duplicate client order id")
	}
	base, quote, err := e.splitSymbol(order.Symbol)
	if err != nil {
		return reject(err.Error())
	}

	fills, remaining := e.matchTaker(order)
	costAsset, takerCost := e.takerCost(order, base, quote, fills)
	if !e.hasBalance(costAsset, takerCost) {
		return reject("insufficient balance")
	}

	events := []broker.Event{broker.Accepted{OrderID: id, Order: order}}

	if remaining.IsPositive() {
		if order.Type == types.OrderMarket {
			// keep the liquidity we got, reject the rest
			e.applyFills(order, base, quote, fills, e.takerFee)
			e.consumeDepth(order, fills)
			events = append(events, fillEvents(id, fills, false)...)
			events = append(events, broker.Rejected{
				OrderID: id, Symbol: order.Symbol,
				Reason:    fmt.Sprintf("no liquidity for remaining %s", remaining.String()),
				Timestamp: now,
			})
			return events, id
		}
		// the reservation draws on the same asset the taker portion will
		// debit, so check the combined need before applying anything
		reserveAsset, reserveAmount := e.reservationFor(order, base, quote, remaining)
		if !e.hasBalance(reserveAsset, reserveAmount.Add(takerCost)) {
			return reject(fmt.Sprintf("insufficient %s to reserve", reserveAsset))
		}
		e.applyFills(order, base, quote, fills, e.takerFee)
		e.consumeDepth(order, fills)
		e.debit(reserveAsset, reserveAmount)
		e.resting[id] = &restingOrder{
			order:         order,
			remaining:     remaining,
			reserveAsset:  reserveAsset,
			reserveAmount: reserveAmount,
		}
		events = append(events, fillEvents(id, fills, false)...)
		return events, id
	}

	e.applyFills(order, base, quote, fills, e.takerFee)
	e.consumeDepth(order, fills)
	events = append(events, fillEvents(id, fills, true)...)
	return events, id
}

// matchTaker walks the opposing depth best-to-worst, stopping at the limit
// price boundary. It only computes fills; balance effects come later.
func (e *Engine) matchTaker(order types.Order) ([]types.Fill, decimal.Decimal) {
	b := e.book(order.Symbol)
	levels := b.asks
	if order.Side == types.SideSell {
		levels = b.bids
	}
	remaining := decimal.NewFromFloat(order.Qty)
	var fills []types.Fill
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		if order.Type == types.OrderLimit {
			if order.Side == types.SideBuy && lvl.Price > order.Price {
				break
			}
			if order.Side == types.SideSell && lvl.Price < order.Price {
				break
			}
		}
		avail := decimal.NewFromFloat(lvl.Qty)
		take := decimal.Min(remaining, avail)
		if !take.IsPositive() {
			continue
		}
		fills = append(fills, types.Fill{
			OrderID:   order.ClientOrderID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Qty:       take.InexactFloat64(),
			Price:     lvl.Price,
			Timestamp: e.clk.Now(),
		})
		remaining = remaining.Sub(take)
	}
	return fills, remaining
}

// takerCost totals what the matched portion will debit: quote (notional plus
// fee) for buys, base qty for sells.
func (e *Engine) takerCost(order types.Order, base, quote string, fills []types.Fill) (string, decimal.Decimal) {
	if order.Side == types.SideBuy {
		cost := decimal.Zero
		for _, f := range fills {
			notional := decimal.NewFromFloat(f.Price).Mul(decimal.NewFromFloat(f.Qty))
			cost = cost.Add(notional.Add(notional.Mul(e.takerFee)))
		}
		return quote, cost.Round(balanceScale)
	}
	qty := decimal.Zero
	for _, f := range fills {
		qty = qty.Add(decimal.NewFromFloat(f.Qty))
	}
	return base, qty
}

// applyFills mutates balances for a batch of fills at the given fee rate and
// stamps the fee onto each fill. Fees settle in the quote asset.
func (e *Engine) applyFills(order types.Order, base, quote string, fills []types.Fill, feeRate decimal.Decimal) {
	for i := range fills {
		qty := decimal.NewFromFloat(fills[i].Qty)
		notional := decimal.NewFromFloat(fills[i].Price).Mul(qty)
		fee := notional.Mul(feeRate).Round(balanceScale)
		fills[i].Fee = fee.InexactFloat64()
		fills[i].FeeAsset = quote
		if order.Side == types.SideBuy {
			e.debit(quote, notional.Add(fee))
			e.credit(base, qty)
		} else {
			e.debit(base, qty)
			e.credit(quote, notional.Sub(fee))
		}
	}
}

// consumeDepth removes the matched qty from the book so sequential orders in
// one bar do not reuse liquidity.
func (e *Engine) consumeDepth(order types.Order, fills []types.Fill) {
	b := e.book(order.Symbol)
	levels := &b.asks
	if order.Side == types.SideSell {
		levels = &b.bids
	}
	for _, f := range fills {
		for i := range *levels {
			if (*levels)[i].Price == f.Price {
				(*levels)[i].Qty -= f.Qty
				break
			}
		}
	}
	trimmed := (*levels)[:0]
	for _, lvl := range *levels {
		if lvl.Qty > 1e-12 {
			trimmed = append(trimmed, lvl)
		}
	}
	*levels = trimmed
}

// reservationFor sizes the hold backing a resting remainder. Buy remainders
// reserve quote for notional plus the maker fee; sells reserve the base qty.
func (e *Engine) reservationFor(order types.Order, base, quote string, remaining decimal.Decimal) (string, decimal.Decimal) {
	if order.Side == types.SideBuy {
		notional := remaining.Mul(decimal.NewFromFloat(order.Price))
		return quote, notional.Add(notional.Mul(e.makerFee)).Round(balanceScale)
	}
	return base, remaining
}

// sweepResting fills resting orders that cross the fresh depth, at their own
// limit price and the maker fee rate. Must run under the engine lock.
func (e *Engine) sweepResting(symbol string, b *book) []broker.Event {
	now := e.clk.Now()
	var events []broker.Event
	var ids []string
	for id, ro := range e.resting {
		if ro.order.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		ro := e.resting[id]
		if !crosses(ro.order, b) {
			continue
		}
		base, quote, err := e.splitSymbol(symbol)
		if err != nil {
			continue
		}
		price := decimal.NewFromFloat(ro.order.Price)
		notional := ro.remaining.Mul(price)
		fee := notional.Mul(e.makerFee).Round(balanceScale)
		// release the hold, then settle the fill out of it
		e.credit(ro.reserveAsset, ro.reserveAmount)
		if ro.order.Side == types.SideBuy {
			e.debit(quote, notional.Add(fee))
			e.credit(base, ro.remaining)
		} else {
			e.debit(base, ro.remaining)
			e.credit(quote, notional.Sub(fee))
		}
		fill := types.Fill{
			OrderID:   id,
			Symbol:    symbol,
			Side:      ro.order.Side,
			Qty:       ro.remaining.InexactFloat64(),
			Price:     ro.order.Price,
			Fee:       fee.InexactFloat64(),
			FeeAsset:  quote,
			Timestamp: now,
		}
		delete(e.resting, id)
		events = append(events, broker.Filled{OrderID: id, Fill: fill})
		logger.Debugf("paper: resting order %s filled %s@%v", id, ro.remaining, ro.order.Price)
	}
	return events
}

func crosses(order types.Order, b *book) bool {
	if order.Side == types.SideBuy {
		return len(b.asks) > 0 && b.asks[0].Price <= order.Price
	}
	return len(b.bids) > 0 && b.bids[0].Price >= order.Price
}

func fillEvents(id string, fills []types.Fill, complete bool) []broker.Event {
	var events []broker.Event
	for i, f := range fills {
		if complete && i == len(fills)-1 {
			events = append(events, broker.Filled{OrderID: id, Fill: f})
		} else {
			events = append(events, broker.PartialFill{OrderID: id, Fill: f})
		}
	}
	return events
}

func (e *Engine) publish(events []broker.Event) {
	for _, evt := range events {
		e.hub.Publish(evt)
	}
}

func (e *Engine) book(symbol string) *book {
	b, ok := e.books[symbol]
	if !ok {
		b = &book{}
		e.books[symbol] = b
	}
	return b
}

func (e *Engine) hasBalance(asset string, amount decimal.Decimal) bool {
	return e.balances[asset].GreaterThanOrEqual(amount)
}

func (e *Engine) credit(asset string, amount decimal.Decimal) {
	e.balances[asset] = e.balances[asset].Add(amount).Round(balanceScale)
}

func (e *Engine) debit(asset string, amount decimal.Decimal) {
	next := e.balances[asset].Sub(amount).Round(balanceScale)
	if next.IsNegative() {
		// reservations make this unreachable; guard the invariant anyway
		logger.Errorf("paper: %s balance would go negative (%s), clamping", asset, next)
		next = decimal.Zero
	}
	e.balances[asset] = next
}

var knownQuotes = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

// splitSymbol resolves base/quote from config, falling back to common quote
// suffixes.
func (e *Engine) splitSymbol(symbol string) (string, string, error) {
	if info, ok := e.cfg.Symbols[symbol]; ok {
		return strings.ToUpper(info.Base), strings.ToUpper(info.Quote), nil
	}
	upper := strings.ToUpper(symbol)
	for _, quote := range knownQuotes {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return strings.TrimSuffix(upper, quote), quote, nil
		}
	}
	return "", "", fmt.Errorf("cannot resolve assets for symbol %s", symbol)
}
