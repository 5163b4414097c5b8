package ledger

import (
	"math"

	"pilot/internal/types"
)

// Projector folds ledger records into per-symbol positions for one account.
// It is a pure, disposable derivative of the log: Replay from empty must
// always equal the incrementally maintained state.
type Projector struct {
	accountID string
	positions map[string]*types.Position
}

func NewProjector(accountID string) *Projector {
	return &Projector{
		accountID: accountID,
		positions: make(map[string]*types.Position),
	}
}

// Apply folds one record. Records must arrive in sequence order.
func (p *Projector) Apply(rec Record) {
	switch evt := rec.Event.(type) {
	case FillRecorded:
		p.applyFill(evt.Fill)
	case CandleLogged:
		p.markToMarket(evt.Symbol, evt.Candle.Close)
	}
}

// Replay folds a full record slice into a fresh projector.
func Replay(accountID string, records []Record) *Projector {
	p := NewProjector(accountID)
	for _, rec := range records {
		p.Apply(rec)
	}
	return p
}

// Position returns a copy of one symbol's state.
func (p *Projector) Position(symbol string) (types.Position, bool) {
	pos, ok := p.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions snapshots every tracked symbol.
func (p *Projector) Positions() map[string]types.Position {
	out := make(map[string]types.Position, len(p.positions))
	for symbol, pos := range p.positions {
		out[symbol] = *pos
	}
	return out
}

func (p *Projector) position(symbol string) *types.Position {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &types.Position{AccountID: p.accountID, Symbol: symbol}
		p.positions[symbol] = pos
	}
	return pos
}

// applyFill is the signed-quantity fold: same direction averages in, opposing
// direction realizes PnL on the overlap and any excess flips the position.
func (p *Projector) applyFill(fill types.Fill) {
	pos := p.position(fill.Symbol)
	delta := fill.Qty
	if fill.Side == types.SideSell {
		delta = -fill.Qty
	}
	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, delta):
		total := pos.Qty + delta
		if total != 0 {
			pos.AvgPrice = (pos.AvgPrice*math.Abs(pos.Qty) + fill.Price*math.Abs(delta)) / math.Abs(total)
		}
		pos.Qty = total
	default:
		closed := math.Min(math.Abs(pos.Qty), math.Abs(delta))
		direction := 1.0
		if pos.Qty < 0 {
			direction = -1
		}
		pos.RealizedPnl += (fill.Price - pos.AvgPrice) * closed * direction
		remainder := math.Abs(delta) - math.Abs(pos.Qty)
		if remainder > 0 {
			// the fill flips the position; the excess opens at fill price
			pos.Qty = math.Copysign(remainder, delta)
			pos.AvgPrice = fill.Price
		} else {
			pos.Qty += delta
			if pos.Qty == 0 {
				pos.AvgPrice = 0
			}
		}
	}
	pos.LastPrice = fill.Price
	pos.UnrealizedPnl = (pos.LastPrice - pos.AvgPrice) * pos.Qty
}

func (p *Projector) markToMarket(symbol string, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		return
	}
	pos.LastPrice = price
	pos.UnrealizedPnl = (price - pos.AvgPrice) * pos.Qty
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
