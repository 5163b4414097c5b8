package backtest

import (
	"math"

	"pilot/internal/types"
)

// TradeRecord is one closed (fully or partially) round trip.
type TradeRecord struct {
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"` // entry side
	Qty        float64    `json:"qty"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	Fees       float64    `json:"fees"` // entry share + exit
	Pnl        float64    `json:"pnl"`  // net of fees
	ReturnPct  float64    `json:"return_pct"`
	EntryTs    int64      `json:"entry_ts"`
	ExitTs     int64      `json:"exit_ts"`
}

// EquityPoint is one bar's portfolio snapshot.
type EquityPoint struct {
	Ts            int64   `json:"ts"`
	Equity        float64 `json:"equity"`
	Cash          float64 `json:"cash"`
	GrossExposure float64 `json:"gross_exposure"`
}

type holding struct {
	qty       float64 // signed
	avgPrice  float64
	entryFees float64 // unamortized fees of the open portion
	entryTs   int64
}

// portfolio tracks cash, open holdings and closed trades outside the broker.
// Fills mutate it; bar closes snapshot it.
type portfolio struct {
	cash     float64
	holdings map[string]*holding
	prices   map[string]float64
	trades   []TradeRecord
	curve    []EquityPoint
}

func newPortfolio(initialEquity float64) *portfolio {
	return &portfolio{
		cash:     initialEquity,
		holdings: make(map[string]*holding),
		prices:   make(map[string]float64),
	}
}

func (p *portfolio) equity() float64 {
	eq := p.cash
	for symbol, h := range p.holdings {
		eq += h.qty * p.prices[symbol]
	}
	return eq
}

func (p *portfolio) grossExposure() float64 {
	gross := 0.0
	for symbol, h := range p.holdings {
		gross += math.Abs(h.qty * p.prices[symbol])
	}
	return gross
}

func (p *portfolio) markPrice(symbol string, price float64) {
	p.prices[symbol] = price
}

func (p *portfolio) snapshot(ts int64) {
	p.curve = append(p.curve, EquityPoint{
		Ts:            ts,
		Equity:        p.equity(),
		Cash:          p.cash,
		GrossExposure: p.grossExposure(),
	})
}

// applyFill moves cash and updates the holding. Closing a portion realizes a
// TradeRecord carrying its proportional share of the entry fees.
func (p *portfolio) applyFill(fill types.Fill) {
	notional := fill.Qty * fill.Price
	if fill.Side == types.SideBuy {
		p.cash -= notional + fill.Fee
	} else {
		p.cash += notional - fill.Fee
	}
	p.prices[fill.Symbol] = fill.Price

	h, ok := p.holdings[fill.Symbol]
	if !ok {
		h = &holding{}
		p.holdings[fill.Symbol] = h
	}
	delta := fill.Qty
	if fill.Side == types.SideSell {
		delta = -fill.Qty
	}

	switch {
	case h.qty == 0:
		h.qty = delta
		h.avgPrice = fill.Price
		h.entryFees = fill.Fee
		h.entryTs = fill.Timestamp
	case sameDirection(h.qty, delta):
		total := h.qty + delta
		h.avgPrice = (h.avgPrice*math.Abs(h.qty) + fill.Price*math.Abs(delta)) / math.Abs(total)
		h.qty = total
		h.entryFees += fill.Fee
	default:
		p.close(fill, h, delta)
	}
	if h.qty == 0 {
		delete(p.holdings, fill.Symbol)
	}
}

// close realizes the overlapping quantity and flips any excess into a new
// holding whose entry fee is the leftover share of the fill's fee.
func (p *portfolio) close(fill types.Fill, h *holding, delta float64) {
	closed := math.Min(math.Abs(h.qty), math.Abs(delta))
	closedFrac := closed / math.Abs(delta)
	entryFrac := closed / math.Abs(h.qty)

	entryFeeShare := h.entryFees * entryFrac
	exitFeeShare := fill.Fee * closedFrac

	direction := 1.0
	entrySide := types.SideBuy
	if h.qty < 0 {
		direction = -1
		entrySide = types.SideSell
	}
	gross := (fill.Price - h.avgPrice) * closed * direction
	fees := entryFeeShare + exitFeeShare
	pnl := gross - fees
	basis := h.avgPrice * closed
	ret := 0.0
	if basis > 0 {
		ret = pnl / basis
	}
	p.trades = append(p.trades, TradeRecord{
		Symbol:     fill.Symbol,
		Side:       entrySide,
		Qty:        closed,
		EntryPrice: h.avgPrice,
		ExitPrice:  fill.Price,
		Fees:       fees,
		Pnl:        pnl,
		ReturnPct:  ret,
		EntryTs:    h.entryTs,
		ExitTs:     fill.Timestamp,
	})

	h.entryFees -= entryFeeShare
	remainder := math.Abs(delta) - math.Abs(h.qty)
	if remainder > 0 {
		h.qty = math.Copysign(remainder, delta)
		h.avgPrice = fill.Price
		h.entryFees = fill.Fee - exitFeeShare
		h.entryTs = fill.Timestamp
	} else {
		h.qty += delta
		if h.qty == 0 {
			h.avgPrice = 0
			h.entryFees = 0
		}
	}
}

func sameDirection(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// returns computes the per-step return series off the equity curve.
func (p *portfolio) returns() []float64 {
	if len(p.curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(p.curve)-1)
	for i := 1; i < len(p.curve); i++ {
		prev := p.curve[i-1].Equity
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, p.curve[i].Equity/prev-1)
	}
	return out
}
