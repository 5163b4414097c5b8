// Package types holds the shared trade data model: intents flowing out of
// strategy sources and the netted plans the policy engine produces.
package types

import "strings"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes a side string; unknown input returns "".
func ParseSide(raw string) Side {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG":
		return SideBuy
	case "SELL", "SHORT":
		return SideSell
	default:
		return ""
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Intent is a proposed trade, not yet sized or routed. Qty, Notional and
// PriceHint are optional; zero means unset. Meta carries risk/stop
// parameters as an open map; the canonical key set is parsed in one place
// by the risk sizer.
type Intent struct {
	ID        string         `json:"id"`
	SourceID  string         `json:"source_id"`
	Kind      string         `json:"kind,omitempty"`
	Symbol    string         `json:"symbol"`
	Side      Side           `json:"side"`
	Qty       float64        `json:"qty,omitempty"`
	Notional  float64        `json:"notional,omitempty"`
	PriceHint float64        `json:"price_hint,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// HasQty reports whether the intent is sized in base units.
func (i Intent) HasQty() bool { return i.Qty > 0 }

// HasNotional reports whether the intent is sized in quote currency.
func (i Intent) HasNotional() bool { return i.Notional > 0 }

// NetPlan is the ordered intent list left after cross-source netting.
type NetPlan struct {
	Intents []Intent `json:"intents"`
}
