package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/clock"
	"pilot/internal/types"
)

func volIntent(id, symbol string) types.Intent {
	return types.Intent{
		ID:        id,
		SourceID:  "prog/" + id,
		Symbol:    symbol,
		Side:      types.SideBuy,
		PriceHint: 25_000,
		Meta: map[string]any{
			"risk_mode":   "vol_target",
			"risk_pct":    0.10,
			"target_vol":  0.20,
			"current_vol": 0.40,
		},
	}
}

func TestVolTargetBucketCapSkipsSecondIntent(t *testing.T) {
	sizer := NewSizer(Config{
		Buckets:      map[string]string{"BTCUSDT": "majors", "ETHUSDT": "majors"},
		MaxPerBucket: 1,
	}, clock.NewLogical(0))

	plan := types.NetPlan{Intents: []types.Intent{
		volIntent("a", "BTCUSDT"),
		volIntent("b", "ETHUSDT"),
	}}
	res := sizer.Size(plan, 50_000, nil)

	require.Len(t, res.Orders, 1, "second intent shares the bucket and must be skipped")
	assert.Empty(t, res.StopOrders)
	assert.Empty(t, res.Events, "a skipped intent emits nothing")

	order := res.Orders[0]
	assert.Equal(t, "BTCUSDT", order.Symbol)
	// base = 50000*0.10/25000 = 0.2, scaled by 0.20/0.40
	assert.InDelta(t, 0.1, order.Qty, 1e-12)
	assert.Equal(t, types.OrderMarket, order.Type)
}

func TestBucketCountsOpenPositions(t *testing.T) {
	sizer := NewSizer(Config{
		Buckets:      map[string]string{"BTCUSDT": "majors", "ETHUSDT": "majors"},
		MaxPerBucket: 1,
	}, clock.NewLogical(0))
	positions := map[string]types.Position{
		"ETHUSDT": {Symbol: "ETHUSDT", Qty: 2},
	}
	res := sizer.Size(types.NetPlan{Intents: []types.Intent{volIntent("a", "BTCUSDT")}}, 50_000, positions)
	assert.Empty(t, res.Orders)

	// an intent on the symbol already holding the bucket slot still sizes
	res = sizer.Size(types.NetPlan{Intents: []types.Intent{volIntent("b", "ETHUSDT")}}, 50_000, positions)
	assert.Len(t, res.Orders, 1)
}

func TestHeldSymbolDoesNotConsumeBucketSlotTwice(t *testing.T) {
	sizer := NewSizer(Config{
		Buckets:      map[string]string{"BTCUSDT": "majors", "ETHUSDT": "majors"},
		MaxPerBucket: 2,
	}, clock.NewLogical(0))
	positions := map[string]types.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Qty: 1},
	}

	// sizing an add-on for the held symbol must not eat the bucket's free
	// slot: it is already counted from positions
	plan := types.NetPlan{Intents: []types.Intent{
		volIntent("a", "BTCUSDT"),
		volIntent("b", "ETHUSDT"),
	}}
	res := sizer.Size(plan, 50_000, positions)

	require.Len(t, res.Orders, 2)
	assert.Equal(t, "BTCUSDT", res.Orders[0].Symbol)
	assert.Equal(t, "ETHUSDT", res.Orders[1].Symbol)
}

func TestFixedPctSizing(t *testing.T) {
	sizer := NewSizer(Config{}, clock.NewLogical(0))
	in := types.Intent{
		ID: "fp", Symbol: "BTCUSDT", Side: types.SideBuy, PriceHint: 30_000,
		Meta: map[string]any{
			"risk_mode": "fixed_pct",
			"risk_pct":  0.01,
			"atr":       500.0,
			"atr_mult":  2.0,
		},
	}
	res := sizer.Size(types.NetPlan{Intents: []types.Intent{in}}, 100_000, nil)
	require.Len(t, res.Orders, 1)
	// risk 1000 over a 1000-wide stop distance
	assert.InDelta(t, 1.0, res.Orders[0].Qty, 1e-12)

	require.Len(t, res.StopOrders, 1)
	stop := res.StopOrders[0]
	assert.Equal(t, types.OrderStop, stop.Type)
	assert.Equal(t, types.SideSell, stop.Side)
	assert.Equal(t, 29_000.0, stop.StopPrice)
	assert.Equal(t, res.Orders[0].Qty, stop.Qty)

	require.Len(t, res.Events, 1)
	set := res.Events[0].(StopSet)
	assert.Equal(t, StopATR, set.Kind)
	assert.Equal(t, 29_000.0, set.StopPrice)
}

func TestFixedPctStopPctFallback(t *testing.T) {
	sizer := NewSizer(Config{}, clock.NewLogical(0))
	in := types.Intent{
		ID: "fp2", Symbol: "ETHUSDT", Side: types.SideSell, PriceHint: 2_000,
		Meta: map[string]any{"risk_mode": "fixed_pct", "risk_pct": 0.02, "stop_pct": 0.05},
	}
	res := sizer.Size(types.NetPlan{Intents: []types.Intent{in}}, 10_000, nil)
	require.Len(t, res.Orders, 1)
	// risk 200 over a 100-wide stop distance
	assert.InDelta(t, 2.0, res.Orders[0].Qty, 1e-12)
	assert.Empty(t, res.StopOrders, "stop_pct sizing alone places no stop order")
}

func TestExplicitQtyAndNotionalBypassModes(t *testing.T) {
	sizer := NewSizer(Config{}, clock.NewLogical(0))
	plan := types.NetPlan{Intents: []types.Intent{
		{ID: "q", Symbol: "BTCUSDT", Side: types.SideBuy, Qty: 0.75},
		{ID: "n", Symbol: "ETHUSDT", Side: types.SideBuy, Notional: 1_000, PriceHint: 2_000},
	}}
	res := sizer.Size(plan, 100_000, nil)
	require.Len(t, res.Orders, 2)
	assert.Equal(t, 0.75, res.Orders[0].Qty)
	assert.InDelta(t, 0.5, res.Orders[1].Qty, 1e-12)
}

func TestCapsClampAndEmitEvent(t *testing.T) {
	sizer := NewSizer(Config{
		MaxRiskPct: 0.10,
		SymbolCaps: map[string]float64{"BTCUSDT": 5},
	}, clock.NewLogical(0))
	in := types.Intent{ID: "big", Symbol: "BTCUSDT", Side: types.SideBuy, Qty: 9, PriceHint: 10_000}
	res := sizer.Size(types.NetPlan{Intents: []types.Intent{in}}, 100_000, nil)

	require.Len(t, res.Orders, 1)
	// symbol cap 5, then max risk 100000*0.10/10000 = 1
	assert.InDelta(t, 1.0, res.Orders[0].Qty, 1e-12)
	require.Len(t, res.Events, 1)
	capped := res.Events[0].(Capped)
	assert.Equal(t, 9.0, capped.RawQty)
	assert.Equal(t, "max_risk_pct", capped.Reason)
}

func TestTrailingAndTimeStops(t *testing.T) {
	clk := clock.NewLogical(1_700_000_000_000)
	sizer := NewSizer(Config{}, clk)
	in := types.Intent{
		ID: "stops", Symbol: "BTCUSDT", Side: types.SideBuy, Qty: 1, PriceHint: 30_000,
		Meta: map[string]any{"trailing_pct": 0.03, "time_stop_sec": 3600},
	}
	res := sizer.Size(types.NetPlan{Intents: []types.Intent{in}}, 100_000, nil)
	require.Len(t, res.Events, 2)

	trailing := res.Events[0].(StopSet)
	assert.Equal(t, StopTrailing, trailing.Kind)
	assert.Equal(t, 0.03, trailing.TrailingPct)

	timed := res.Events[1].(StopSet)
	assert.Equal(t, StopTime, timed.Kind)
	assert.Equal(t, int64(1_700_000_000_000+3_600_000), timed.ExpiresAt)
}

func TestUnsizableIntentsAreDropped(t *testing.T) {
	sizer := NewSizer(Config{}, clock.NewLogical(0))
	plan := types.NetPlan{Intents: []types.Intent{
		{ID: "nomode", Symbol: "BTCUSDT", Side: types.SideBuy},
		{ID: "noprice", Symbol: "BTCUSDT", Side: types.SideBuy, Notional: 100},
		{ID: "badmode", Symbol: "BTCUSDT", Side: types.SideBuy, Meta: map[string]any{"risk_mode": "kelly"}},
	}}
	res := sizer.Size(plan, 100_000, nil)
	assert.Empty(t, res.Orders)
}

func TestDecodeIntentRiskWeakTyping(t *testing.T) {
	meta := map[string]any{"risk_mode": "fixed_pct", "risk_pct": "0.02", "atr": 150, "time_stop_sec": "60"}
	parsed, err := DecodeIntentRisk(meta)
	require.NoError(t, err)
	assert.Equal(t, ModeFixedPct, parsed.Mode)
	assert.Equal(t, 0.02, parsed.RiskPct)
	assert.Equal(t, 150.0, parsed.ATR)
	assert.Equal(t, int64(60), parsed.TimeStopSec)
}
