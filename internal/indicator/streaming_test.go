package indicator

import (
	"math"
	"testing"

	talib "github.com/markcheno/go-talib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/market"
)

func fixtureCandles(n int) []market.Candle {
	candles := make([]market.Candle, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		// deterministic wobble, no randomness
		delta := math.Sin(float64(i)/3.0) * 2.5
		open := price
		close := price + delta
		high := math.Max(open, close) + 0.8
		low := math.Min(open, close) - 0.8
		candles = append(candles, market.Candle{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1)*60_000 - 1,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    1000 + float64(i),
		})
		price = close
	}
	return candles
}

func TestEMAMatchesTalib(t *testing.T) {
	candles := fixtureCandles(120)
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	for _, period := range []int{5, 12, 26} {
		ema := NewEMA(period, "close")
		reference := talib.Ema(closes, period)
		for i, c := range candles {
			ema.Update(c)
			if i < period-1 {
				assert.False(t, ema.Ready(), "period %d should not be ready at bar %d", period, i)
				continue
			}
			require.True(t, ema.Ready())
			assert.InDelta(t, reference[i], ema.Value(), 1e-9, "period %d bar %d", period, i)
		}
	}
}

func TestATRMatchesTalib(t *testing.T) {
	candles := fixtureCandles(120)
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	period := 14
	atr := NewATR(period)
	reference := talib.Atr(highs, lows, closes, period)
	for i, c := range candles {
		atr.Update(c)
		if i < period {
			assert.False(t, atr.Ready(), "bar %d", i)
			continue
		}
		require.True(t, atr.Ready())
		assert.InDelta(t, reference[i], atr.Value(), 1e-9, "bar %d", i)
	}
}

func TestEMAWarmupValueUndefined(t *testing.T) {
	ema := NewEMA(10, "close")
	assert.False(t, ema.Ready())
	assert.Zero(t, ema.Value())
	ema.Update(market.Candle{Close: 50})
	assert.False(t, ema.Ready())
}

func TestFieldSources(t *testing.T) {
	c := market.Candle{Open: 1, High: 4, Low: 0.5, Close: 2, Volume: 99}
	cases := map[string]float64{
		"open": 1, "high": 4, "low": 0.5, "close": 2, "volume": 99,
	}
	for source, want := range cases {
		f := NewField(source)
		assert.False(t, f.Ready())
		f.Update(c)
		require.True(t, f.Ready())
		assert.Equal(t, want, f.Value(), source)
	}
}

func TestResetClearsState(t *testing.T) {
	candles := fixtureCandles(30)
	ema := NewEMA(12, "close")
	for _, c := range candles {
		ema.Update(c)
	}
	require.True(t, ema.Ready())
	ema.Reset()
	assert.False(t, ema.Ready())

	atr := NewATR(14)
	for _, c := range candles {
		atr.Update(c)
	}
	require.True(t, atr.Ready())
	atr.Reset()
	assert.False(t, atr.Ready())
}
