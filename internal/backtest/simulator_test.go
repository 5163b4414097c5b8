package backtest

import (
	"context"
	"testing"

	"pilot/internal/exec"
	"pilot/internal/market"
	"pilot/internal/policy"
	"pilot/internal/program"
	"pilot/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampCandles is a deterministic 1m series climbing half a point per bar.
func rampCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := 0; i < n; i++ {
		open := int64(i) * 60_000
		price := 100 + 0.5*float64(i)
		out[i] = market.Candle{
			OpenTime:  open,
			CloseTime: open + 60_000 - 1,
			Open:      price - 0.2,
			High:      price + 0.3,
			Low:       price - 0.5,
			Close:     price,
			Volume:    5,
		}
	}
	return out
}

// rampProgram buys twice once the ramp clears 114 and sells the lot when it
// clears 129, which only the final bar of a 60 bar series does.
func rampProgram() *program.Program {
	return &program.Program{
		ID:       "ramp",
		Version:  1,
		Interval: "1m",
		Inputs:   program.Inputs{Symbol: "BTCUSDT"},
		Series:   []program.SeriesDef{{Name: "close", Type: "field", Source: "close"}},
		Rules: []program.Rule{
			{
				ID:         "enter",
				OncePerBar: true,
				Guard:      program.Threshold{Left: program.SeriesRef{Name: "close"}, Op: program.OpGT, Right: program.Const{Value: 114}},
				Actions:    []program.Action{program.OrderAction{Side: "BUY", Qty: 0.1}},
				Quota:      &program.Quota{Max: 2, WindowMs: 86_400_000},
			},
			{
				ID:         "exit",
				OncePerBar: true,
				Guard:      program.Threshold{Left: program.SeriesRef{Name: "close"}, Op: program.OpGT, Right: program.Const{Value: 129}},
				Actions:    []program.Action{program.OrderAction{Side: "SELL", Qty: 0.2}},
				Quota:      &program.Quota{Max: 1, WindowMs: 86_400_000},
			},
		},
	}
}

func rampConfig(split Split) SimulationConfig {
	return SimulationConfig{
		RunID:         "run-1",
		Symbol:        "BTCUSDT",
		Interval:      "1m",
		InitialEquity: 10_000,
		Splits:        []Split{split},
		Latency:       LatencyConfig{AckMs: 10, FirstFillMs: 20, Pieces: 1},
		Policy:        policy.Config{},
		Risk:          risk.Config{},
		Exec:          exec.Config{},
	}
}

func TestSimulatorWalkForwardRoundTrip(t *testing.T) {
	cfg := rampConfig(Split{InSampleStart: 0, OutSampleStart: 60_000, OutSampleEnd: 3_599_999})
	res, err := NewSimulator().Run(context.Background(), rampProgram(), cfg, rampCandles(60))
	require.NoError(t, err)
	require.Len(t, res.Splits, 1)
	split := res.Splits[0]

	// entries fill one bar after emission at the price marked when they drain
	require.Len(t, split.Trades, 1)
	tr := split.Trades[0]
	assert.InDelta(t, 0.2, tr.Qty, 1e-12)
	assert.InDelta(t, 114.75, tr.EntryPrice, 1e-12)
	assert.InDelta(t, 129.5, tr.ExitPrice, 1e-12)
	assert.InDelta(t, 2.95, tr.Pnl, 1e-12)
	assert.Equal(t, int64(1_800_029), tr.EntryTs)
	// the exit fill lands past the last bar, inside the settle horizon
	assert.Equal(t, int64(3_600_029), tr.ExitTs)

	require.Len(t, split.Equity, 61) // one per bar plus the settle snapshot
	last := split.Equity[len(split.Equity)-1]
	assert.Equal(t, int64(3_600_029), last.Ts)
	assert.InDelta(t, 10_002.95, last.Equity, 1e-9)

	assert.Equal(t, 1, split.Metrics.TradeCount)
	assert.InDelta(t, 2.95, split.Metrics.NetProfit, 1e-9)
	assert.Equal(t, split.Metrics, res.Aggregated) // single split aggregates to itself
}

func TestSimulatorIsDeterministic(t *testing.T) {
	cfg := rampConfig(Split{InSampleStart: 0, OutSampleStart: 60_000, OutSampleEnd: 3_599_999})
	candles := rampCandles(60)

	first, err := NewSimulator().Run(context.Background(), rampProgram(), cfg, candles)
	require.NoError(t, err)
	second, err := NewSimulator().Run(context.Background(), rampProgram(), cfg, candles)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// crossRampProgram trades once per split at most: crosses never fire on the
// first defined sample, and the ramp only crosses each level once.
func crossRampProgram() *program.Program {
	return &program.Program{
		ID:       "cross-ramp",
		Version:  1,
		Interval: "1m",
		Inputs:   program.Inputs{Symbol: "BTCUSDT"},
		Series:   []program.SeriesDef{{Name: "close", Type: "field", Source: "close"}},
		Rules: []program.Rule{
			{
				ID:         "enter",
				OncePerBar: true,
				Guard:      program.Crosses{Left: program.SeriesRef{Name: "close"}, Dir: program.CrossAbove, Right: program.Const{Value: 114}},
				Actions:    []program.Action{program.OrderAction{Side: "BUY", Qty: 0.2}},
			},
			{
				ID:         "exit",
				OncePerBar: true,
				Guard:      program.Crosses{Left: program.SeriesRef{Name: "close"}, Dir: program.CrossAbove, Right: program.Const{Value: 129}},
				Actions:    []program.Action{program.OrderAction{Side: "SELL", Qty: 0.2}},
			},
		},
	}
}

func TestAggregatedMetricsBridgeSplitResets(t *testing.T) {
	// split one books a winning trade; split two restarts its portfolio at
	// par and never trades. With no losing bar anywhere, the aggregated
	// drawdown must stay at zero: the per-split equity reset is not a loss.
	cfg := rampConfig(Split{})
	cfg.Splits = []Split{
		{InSampleStart: 0, OutSampleStart: 60_000, OutSampleEnd: 3_599_999},
		{InSampleStart: 3_600_000, OutSampleStart: 3_660_000, OutSampleEnd: 7_199_999},
	}
	res, err := NewSimulator().Run(context.Background(), crossRampProgram(), cfg, rampCandles(120))
	require.NoError(t, err)
	require.Len(t, res.Splits, 2)

	first := res.Splits[0]
	require.Len(t, first.Trades, 1)
	assert.InDelta(t, 3.0, first.Trades[0].Pnl, 1e-9)
	assert.Zero(t, first.Metrics.MaxDrawdown)

	second := res.Splits[1]
	assert.Empty(t, second.Trades)
	lastPt := second.Equity[len(second.Equity)-1]
	assert.InDelta(t, 10_000, lastPt.Equity, 1e-9)

	assert.Equal(t, 1, res.Aggregated.TradeCount)
	assert.InDelta(t, 3.0, res.Aggregated.NetProfit, 1e-9)
	assert.Zero(t, res.Aggregated.MaxDrawdown)
	assert.Zero(t, res.Aggregated.MAR)
}

func TestSimulatorSuppressesInSampleTrading(t *testing.T) {
	// out-sample opens after the entry guard's bars, so only the exit rule
	// trades and nothing ever closes
	cfg := rampConfig(Split{InSampleStart: 0, OutSampleStart: 3_560_000, OutSampleEnd: 3_599_999})
	res, err := NewSimulator().Run(context.Background(), rampProgram(), cfg, rampCandles(60))
	require.NoError(t, err)
	require.Len(t, res.Splits, 1)

	assert.Empty(t, res.Splits[0].Trades)
	assert.Zero(t, res.Splits[0].Metrics.TradeCount)
	// the lone sell opens a short; marked at its own fill price it holds
	// equity at par
	last := res.Splits[0].Equity[len(res.Splits[0].Equity)-1]
	assert.InDelta(t, 10_000, last.Equity, 1e-9)
}

func TestSimulatorRejectsBadConfig(t *testing.T) {
	base := rampConfig(Split{InSampleStart: 0, OutSampleStart: 60_000, OutSampleEnd: 3_599_999})

	noSplits := base
	noSplits.Splits = nil
	_, err := NewSimulator().Run(context.Background(), rampProgram(), noSplits, rampCandles(10))
	assert.Error(t, err)

	inverted := base
	inverted.Splits = []Split{{InSampleStart: 100, OutSampleStart: 50, OutSampleEnd: 200}}
	_, err = NewSimulator().Run(context.Background(), rampProgram(), inverted, rampCandles(10))
	assert.Error(t, err)

	badInterval := base
	badInterval.Interval = "13x"
	_, err = NewSimulator().Run(context.Background(), rampProgram(), badInterval, rampCandles(10))
	assert.Error(t, err)

	noEquity := base
	noEquity.InitialEquity = 0
	_, err = NewSimulator().Run(context.Background(), rampProgram(), noEquity, rampCandles(10))
	assert.Error(t, err)
}
