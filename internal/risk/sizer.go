// Package risk turns a netted plan into sized orders plus protective stops.
// Sizing parameters travel in intent metadata; the canonical key set is
// decoded in exactly one place (IntentRisk) so modes never parse ad hoc.
package risk

import (
	"fmt"
	"math"

	"github.com/mitchellh/mapstructure"

	"pilot/internal/clock"
	"pilot/internal/logger"
	"pilot/internal/types"
)

const (
	ModeFixedPct  = "fixed_pct"
	ModeVolTarget = "vol_target"
)

// IntentRisk is the canonical metadata key set read off an intent.
type IntentRisk struct {
	Mode        string  `mapstructure:"risk_mode"`
	RiskPct     float64 `mapstructure:"risk_pct"`
	ATR         float64 `mapstructure:"atr"`
	ATRMult     float64 `mapstructure:"atr_mult"`
	StopPct     float64 `mapstructure:"stop_pct"`
	TrailingPct float64 `mapstructure:"trailing_pct"`
	TargetVol   float64 `mapstructure:"target_vol"`
	CurrentVol  float64 `mapstructure:"current_vol"`
	TimeStopSec int64   `mapstructure:"time_stop_sec"`
}

// DecodeIntentRisk reads the risk keys, tolerating string-typed numbers.
func DecodeIntentRisk(meta map[string]any) (IntentRisk, error) {
	var out IntentRisk
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(meta); err != nil {
		return out, fmt.Errorf("risk meta decode failed: %w", err)
	}
	return out, nil
}

// StopKind tags a StopSet event.
type StopKind string

const (
	StopATR      StopKind = "atr"
	StopTrailing StopKind = "trailing"
	StopTime     StopKind = "time"
)

// Event is a closed union of risk observations: StopSet or Capped.
type Event interface{ isRiskEvent() }

// StopSet records a protective stop attached to an entry.
type StopSet struct {
	OrderID     string   `json:"order_id"`
	Symbol      string   `json:"symbol"`
	Kind        StopKind `json:"kind"`
	StopPrice   float64  `json:"stop_price,omitempty"`
	TrailingPct float64  `json:"trailing_pct,omitempty"`
	ExpiresAt   int64    `json:"expires_at,omitempty"`
}

// Capped records a size reduction by a per-symbol or portfolio cap.
type Capped struct {
	OrderID string  `json:"order_id"`
	Symbol  string  `json:"symbol"`
	RawQty  float64 `json:"raw_qty"`
	Qty     float64 `json:"qty"`
	Reason  string  `json:"reason"`
}

func (StopSet) isRiskEvent() {}
func (Capped) isRiskEvent()  {}

// Result is the sized output for one plan.
type Result struct {
	Orders     []types.Order
	StopOrders []types.Order
	Events     []Event
}

// Config is the risk section of the engine configuration.
type Config struct {
	MaxRiskPct   float64            `toml:"max_risk_pct" json:"max_risk_pct"`
	SymbolCaps   map[string]float64 `toml:"symbol_caps" json:"symbol_caps,omitempty"` // max qty per symbol
	Buckets      map[string]string  `toml:"buckets" json:"buckets,omitempty"`         // symbol -> correlation bucket
	MaxPerBucket int                `toml:"max_per_bucket" json:"max_per_bucket"`
	DefaultTif   string             `toml:"default_tif" json:"default_tif,omitempty"`
}

// Validate fails fast on an unusable configuration.
func (c Config) Validate() error {
	if c.MaxRiskPct < 0 || c.MaxRiskPct > 1 {
		return fmt.Errorf("risk: max_risk_pct must be in [0,1]")
	}
	if c.MaxPerBucket < 0 {
		return fmt.Errorf("risk: max_per_bucket must be >= 0")
	}
	for symbol, qty := range c.SymbolCaps {
		if qty < 0 {
			return fmt.Errorf("risk: symbol cap for %s must be >= 0", symbol)
		}
	}
	return nil
}

// Sizer sizes intents. Stateless between calls; bucket occupancy is computed
// per batch from positions plus the batch itself.
type Sizer struct {
	cfg Config
	clk clock.Clock
}

func NewSizer(cfg Config, clk clock.Clock) *Sizer {
	if cfg.MaxPerBucket <= 0 {
		cfg.MaxPerBucket = 1
	}
	if cfg.DefaultTif == "" {
		cfg.DefaultTif = string(types.TifGTC)
	}
	return &Sizer{cfg: cfg, clk: clk}
}

// Size processes plan intents in order. An intent whose correlation bucket is
// already at capacity is skipped outright: no order, no stop, no event.
func (s *Sizer) Size(plan types.NetPlan, equity float64, positions map[string]types.Position) Result {
	var res Result
	active := s.activeBuckets(positions)
	for _, intent := range plan.Intents {
		bucket := s.cfg.Buckets[intent.Symbol]
		if bucket != "" && active[bucket] >= s.cfg.MaxPerBucket && !s.holdsSymbol(positions, intent.Symbol) {
			logger.Debugf("risk: bucket %s at capacity, skipping %s", bucket, intent.ID)
			continue
		}
		order, events, err := s.sizeIntent(intent, equity)
		if err != nil {
			logger.Warnf("risk: intent %s not sized: %v", intent.ID, err)
			continue
		}
		res.Orders = append(res.Orders, order)
		stops, stopEvents := s.buildStops(intent, order)
		res.StopOrders = append(res.StopOrders, stops...)
		res.Events = append(res.Events, events...)
		res.Events = append(res.Events, stopEvents...)
		// a held symbol is already counted from positions
		if bucket != "" && !s.holdsSymbol(positions, intent.Symbol) {
			active[bucket]++
		}
	}
	return res
}

func (s *Sizer) activeBuckets(positions map[string]types.Position) map[string]int {
	active := make(map[string]int)
	for symbol, pos := range positions {
		if pos.Flat() {
			continue
		}
		if bucket := s.cfg.Buckets[symbol]; bucket != "" {
			active[bucket]++
		}
	}
	return active
}

func (s *Sizer) holdsSymbol(positions map[string]types.Position, symbol string) bool {
	pos, ok := positions[symbol]
	return ok && !pos.Flat()
}

func (s *Sizer) sizeIntent(intent types.Intent, equity float64) (types.Order, []Event, error) {
	meta, err := DecodeIntentRisk(intent.Meta)
	if err != nil {
		return types.Order{}, nil, err
	}
	qty, err := s.resolveQty(intent, meta, equity)
	if err != nil {
		return types.Order{}, nil, err
	}

	var events []Event
	orderID := intent.ID + ".ord"
	capped, reason := s.applyCaps(intent, meta, qty, equity)
	if capped < qty {
		events = append(events, Capped{OrderID: orderID, Symbol: intent.Symbol, RawQty: qty, Qty: capped, Reason: reason})
		qty = capped
	}
	if qty <= 0 {
		return types.Order{}, nil, fmt.Errorf("sized qty is zero")
	}
	order := types.Order{
		ClientOrderID: orderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          types.OrderMarket,
		Qty:           qty,
		TimeInForce:   types.TimeInForce(s.cfg.DefaultTif),
		Timestamp:     s.clk.Now(),
	}
	return order, events, nil
}

// resolveQty honors explicit sizing first, then falls back to the mode math.
func (s *Sizer) resolveQty(intent types.Intent, meta IntentRisk, equity float64) (float64, error) {
	if intent.HasQty() {
		return intent.Qty, nil
	}
	if intent.HasNotional() {
		if intent.PriceHint <= 0 {
			return 0, fmt.Errorf("notional intent needs a price hint")
		}
		return intent.Notional / intent.PriceHint, nil
	}
	switch meta.Mode {
	case ModeFixedPct:
		return fixedPctQty(intent, meta, equity)
	case ModeVolTarget:
		return volTargetQty(intent, meta, equity)
	case "":
		return 0, fmt.Errorf("unsized intent carries no risk_mode")
	default:
		return 0, fmt.Errorf("unknown risk_mode %q", meta.Mode)
	}
}

// fixedPctQty risks a fixed slice of equity against the stop distance.
func fixedPctQty(intent types.Intent, meta IntentRisk, equity float64) (float64, error) {
	if meta.RiskPct <= 0 {
		return 0, fmt.Errorf("fixed_pct needs risk_pct > 0")
	}
	distance := 0.0
	switch {
	case meta.ATR > 0 && meta.ATRMult > 0:
		distance = meta.ATR * meta.ATRMult
	case meta.StopPct > 0 && intent.PriceHint > 0:
		distance = intent.PriceHint * meta.StopPct
	default:
		return 0, fmt.Errorf("fixed_pct needs atr+atr_mult or stop_pct+price hint")
	}
	return equity * meta.RiskPct / distance, nil
}

// volTargetQty scales a base notional by target/current volatility.
func volTargetQty(intent types.Intent, meta IntentRisk, equity float64) (float64, error) {
	if meta.RiskPct <= 0 || meta.TargetVol <= 0 || meta.CurrentVol <= 0 {
		return 0, fmt.Errorf("vol_target needs risk_pct, target_vol and current_vol")
	}
	if intent.PriceHint <= 0 {
		return 0, fmt.Errorf("vol_target needs a price hint")
	}
	base := equity * meta.RiskPct / intent.PriceHint
	return base * meta.TargetVol / meta.CurrentVol, nil
}

// applyCaps clamps qty to the per-symbol cap and the portfolio max risk
// percentage, returning the binding cap's name.
func (s *Sizer) applyCaps(intent types.Intent, _ IntentRisk, qty, equity float64) (float64, string) {
	capped, reason := qty, ""
	if symbolCap, ok := s.cfg.SymbolCaps[intent.Symbol]; ok && symbolCap > 0 && capped > symbolCap {
		capped, reason = symbolCap, "symbol_cap"
	}
	if s.cfg.MaxRiskPct > 0 && intent.PriceHint > 0 {
		maxQty := equity * s.cfg.MaxRiskPct / intent.PriceHint
		if capped > maxQty {
			capped, reason = maxQty, "max_risk_pct"
		}
	}
	return capped, reason
}

// buildStops derives protective stops from the intent metadata.
func (s *Sizer) buildStops(intent types.Intent, entry types.Order) ([]types.Order, []Event) {
	meta, err := DecodeIntentRisk(intent.Meta)
	if err != nil {
		return nil, nil
	}
	var stops []types.Order
	var events []Event

	if meta.ATR > 0 && meta.ATRMult > 0 && intent.PriceHint > 0 {
		distance := meta.ATR * meta.ATRMult
		stopPrice := intent.PriceHint - distance
		if intent.Side == types.SideSell {
			stopPrice = intent.PriceHint + distance
		}
		stopPrice = math.Max(stopPrice, 0)
		stops = append(stops, types.Order{
			ClientOrderID: intent.ID + ".stop",
			Symbol:        intent.Symbol,
			Side:          intent.Side.Opposite(),
			Type:          types.OrderStop,
			Qty:           entry.Qty,
			StopPrice:     stopPrice,
			TimeInForce:   types.TimeInForce(s.cfg.DefaultTif),
			Timestamp:     entry.Timestamp,
		})
		events = append(events, StopSet{OrderID: entry.ClientOrderID, Symbol: intent.Symbol, Kind: StopATR, StopPrice: stopPrice})
	}
	if meta.TrailingPct > 0 {
		events = append(events, StopSet{OrderID: entry.ClientOrderID, Symbol: intent.Symbol, Kind: StopTrailing, TrailingPct: meta.TrailingPct})
	}
	if meta.TimeStopSec > 0 {
		events = append(events, StopSet{OrderID: entry.ClientOrderID, Symbol: intent.Symbol, Kind: StopTime, ExpiresAt: s.clk.Now() + meta.TimeStopSec*1000})
	}
	return stops, events
}
