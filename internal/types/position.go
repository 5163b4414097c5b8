package types

// Position is the signed net holding for one (account, symbol). The ledger
// projector owns the authoritative copy; everything else reads snapshots.
type Position struct {
	AccountID     string  `json:"account_id"`
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"` // signed: >0 long, <0 short
	AvgPrice      float64 `json:"avg_price"`
	RealizedPnl   float64 `json:"realized_pnl"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	LastPrice     float64 `json:"last_price"`
}

// Flat reports whether the position holds nothing.
func (p Position) Flat() bool { return p.Qty == 0 }
