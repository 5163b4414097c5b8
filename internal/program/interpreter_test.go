package program

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/clock"
	"pilot/internal/market"
	"pilot/internal/types"
)

func fixtureBars(n int) []market.Bar {
	bars := make([]market.Bar, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		delta := math.Sin(float64(i)/3.0) * 2.5
		open := price
		close := price + delta
		bars = append(bars, market.Bar{
			Symbol:   "BTCUSDT",
			Interval: "1m",
			Candle: market.Candle{
				OpenTime:  int64(i) * 60_000,
				CloseTime: int64(i+1)*60_000 - 1,
				Open:      open,
				High:      math.Max(open, close) + 0.8,
				Low:       math.Min(open, close) - 0.8,
				Close:     close,
				Volume:    1000,
			},
		})
		price = close
	}
	return bars
}

func runProgram(t *testing.T, p *Program, bars []market.Bar) BarResult {
	t.Helper()
	clk := clock.NewLogical(0)
	it, err := NewInterpreter(p, clk)
	require.NoError(t, err)
	var total BarResult
	for _, bar := range bars {
		clk.Set(bar.Candle.CloseTime)
		res := it.OnBar(bar)
		total.Intents = append(total.Intents, res.Intents...)
		total.States = append(total.States, res.States...)
	}
	return total
}

func crossProgram() *Program {
	return &Program{
		ID:       "trend-follow",
		Version:  1,
		Interval: "1m",
		Inputs:   Inputs{Symbol: "BTCUSDT"},
		Series: []SeriesDef{
			{Name: "fast", Type: "ema", Period: 12, Source: "close"},
			{Name: "slow", Type: "ema", Period: 26, Source: "close"},
		},
		Rules: []Rule{
			{
				ID:         "golden-cross",
				OncePerBar: true,
				Guard:      Crosses{Left: SeriesRef{Name: "fast"}, Dir: CrossAbove, Right: SeriesRef{Name: "slow"}},
				Actions:    []Action{OrderAction{Side: "BUY", Notional: 500}},
				Quota:      &Quota{Max: 10, WindowMs: 86_400_000},
			},
		},
	}
}

func TestCrossProgramIsDeterministic(t *testing.T) {
	bars := fixtureBars(200)
	first := runProgram(t, crossProgram(), bars)
	second := runProgram(t, crossProgram(), bars)

	require.NotEmpty(t, first.Intents, "fixture should produce at least one cross")
	require.Equal(t, first.Intents, second.Intents)
	for _, intent := range first.Intents {
		assert.Equal(t, types.SideBuy, intent.Side)
		assert.Equal(t, "BTCUSDT", intent.Symbol)
		assert.Equal(t, "trend-follow/golden-cross", intent.SourceID)
		assert.NotEmpty(t, intent.ID)
		assert.Greater(t, intent.PriceHint, 0.0)
	}
}

func TestCrossNeverFiresOnFirstDefinedSample(t *testing.T) {
	// left starts above right and stays there: no order flip, no intent.
	p := &Program{
		ID:       "flat",
		Interval: "1m",
		Inputs:   Inputs{Symbol: "ETHUSDT"},
		Series:   []SeriesDef{{Name: "px", Type: "field", Source: "close"}},
		Rules: []Rule{{
			ID:      "r1",
			Guard:   Crosses{Left: SeriesRef{Name: "px"}, Dir: CrossAbove, Right: Const{Value: 50}},
			Actions: []Action{OrderAction{Side: "BUY", Qty: 1}},
		}},
	}
	bars := fixtureBars(40) // close hovers around 100, always above 50
	res := runProgram(t, p, bars)
	assert.Empty(t, res.Intents)
}

func TestWarmupMakesGuardFalse(t *testing.T) {
	p := &Program{
		ID:       "warmup",
		Interval: "1m",
		Inputs:   Inputs{Symbol: "BTCUSDT"},
		Series:   []SeriesDef{{Name: "slow", Type: "ema", Period: 30, Source: "close"}},
		Rules: []Rule{{
			ID:      "r1",
			Guard:   Threshold{Left: SeriesRef{Name: "slow"}, Op: OpGT, Right: Const{Value: 0}},
			Actions: []Action{OrderAction{Side: "BUY", Qty: 1}},
		}},
	}
	clk := clock.NewLogical(0)
	it, err := NewInterpreter(p, clk)
	require.NoError(t, err)
	bars := fixtureBars(35)
	for i, bar := range bars {
		clk.Set(bar.Candle.CloseTime)
		res := it.OnBar(bar)
		if i < 29 {
			assert.Empty(t, res.Intents, "bar %d is inside warmup", i)
		} else {
			assert.Len(t, res.Intents, 1, "bar %d", i)
		}
	}
}

func TestOncePerBarSuppressesSecondEvaluation(t *testing.T) {
	p := &Program{
		ID:       "opb",
		Interval: "1m",
		Inputs:   Inputs{Symbol: "BTCUSDT"},
		Series:   []SeriesDef{{Name: "px", Type: "field", Source: "close"}},
		Rules: []Rule{{
			ID:         "r1",
			OncePerBar: true,
			Guard:      Threshold{Left: SeriesRef{Name: "px"}, Op: OpGT, Right: Const{Value: 0}},
			Actions:    []Action{OrderAction{Side: "BUY", Qty: 1}},
		}},
	}
	clk := clock.NewLogical(0)
	it, err := NewInterpreter(p, clk)
	require.NoError(t, err)
	bar := fixtureBars(1)[0]
	clk.Set(bar.Candle.CloseTime)
	require.Len(t, it.OnBar(bar).Intents, 1)
	assert.Empty(t, it.OnBar(bar).Intents, "same bucket must not fire twice")
}

func TestDelayDefersFiringAndGuardDropCancels(t *testing.T) {
	p := &Program{
		ID:       "delayed",
		Interval: "1m",
		Inputs:   Inputs{Symbol: "BTCUSDT"},
		Series:   []SeriesDef{{Name: "px", Type: "field", Source: "close"}},
		Rules: []Rule{{
			ID:      "r1",
			DelayMs: 150_000,
			Guard:   Threshold{Left: SeriesRef{Name: "px"}, Op: OpGT, Right: Const{Value: 100}},
			Actions: []Action{OrderAction{Side: "SELL", Qty: 1}},
		}},
	}
	clk := clock.NewLogical(0)
	it, err := NewInterpreter(p, clk)
	require.NoError(t, err)

	bar := func(i int, close float64) market.Bar {
		return market.Bar{Symbol: "BTCUSDT", Interval: "1m", Candle: market.Candle{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1)*60_000 - 1,
			Open:      close, High: close, Low: close, Close: close,
		}}
	}
	feed := func(i int, close float64) BarResult {
		b := bar(i, close)
		clk.Set(b.Candle.CloseTime)
		return it.OnBar(b)
	}

	assert.Empty(t, feed(0, 150).Intents) // guard true, delay armed
	assert.Empty(t, feed(1, 150).Intents) // still pending
	assert.Empty(t, feed(2, 150).Intents)
	assert.Len(t, feed(3, 150).Intents, 1) // due time reached

	// Guard dropping false cancels the pending delay; re-arming starts over.
	assert.Empty(t, feed(4, 150).Intents) // delay re-armed after the fire
	assert.Empty(t, feed(5, 50).Intents)  // guard false, timer canceled
	assert.Empty(t, feed(6, 150).Intents) // armed again from scratch
	assert.Empty(t, feed(7, 150).Intents)
	assert.Empty(t, feed(8, 150).Intents)
	assert.Len(t, feed(9, 150).Intents, 1)
}

func TestQuotaWindowCapsEmissions(t *testing.T) {
	p := &Program{
		ID:       "quota",
		Interval: "1m",
		Inputs:   Inputs{Symbol: "BTCUSDT"},
		Series:   []SeriesDef{{Name: "px", Type: "field", Source: "close"}},
		Rules: []Rule{{
			ID:      "r1",
			Guard:   Threshold{Left: SeriesRef{Name: "px"}, Op: OpGT, Right: Const{Value: 0}},
			Actions: []Action{OrderAction{Side: "BUY", Qty: 1}},
			Quota:   &Quota{Max: 2, WindowMs: 200_000},
		}},
	}
	bars := fixtureBars(5)
	res := runProgram(t, p, bars)
	// bars close at 59999/119999/179999/239999/299999; the window readmits
	// capacity only once the first emission ages out.
	require.Len(t, res.Intents, 3)
	assert.Equal(t, "quota.r1.59999.0", res.Intents[0].ID)
	assert.Equal(t, "quota.r1.119999.0", res.Intents[1].ID)
	assert.Equal(t, "quota.r1.299999.0", res.Intents[2].ID)
}

func TestStateActionSurfacesAsStateChange(t *testing.T) {
	p := &Program{
		ID:       "pauser",
		Interval: "1m",
		Inputs:   Inputs{Symbol: "BTCUSDT"},
		Series:   []SeriesDef{{Name: "px", Type: "field", Source: "close"}},
		Rules: []Rule{{
			ID:         "halt",
			OncePerBar: true,
			Guard:      Threshold{Left: SeriesRef{Name: "px"}, Op: OpLT, Right: Const{Value: 1_000_000}},
			Actions:    []Action{StateAction{State: "paused", Note: "drawdown breaker"}},
		}},
	}
	res := runProgram(t, p, fixtureBars(3))
	require.Len(t, res.States, 3)
	assert.Empty(t, res.Intents)
	assert.Equal(t, "halt", res.States[0].RuleID)
	assert.Equal(t, "paused", res.States[0].State)
	assert.Equal(t, int64(59_999), res.States[0].Timestamp)
}

func TestResetClearsRuleAndSeriesState(t *testing.T) {
	bars := fixtureBars(200)
	clk := clock.NewLogical(0)
	it, err := NewInterpreter(crossProgram(), clk)
	require.NoError(t, err)

	collect := func() []types.Intent {
		var out []types.Intent
		for _, bar := range bars {
			clk.Set(bar.Candle.CloseTime)
			out = append(out, it.OnBar(bar).Intents...)
		}
		return out
	}
	first := collect()
	it.Reset()
	second := collect()
	require.Equal(t, first, second)
}
