// Package indicator provides streaming technical indicators. Each series
// consumes one candle per update in O(1) and reports Ready only after its
// warm-up window; before that its value is undefined and guards must treat
// it as such.
package indicator

import (
	"fmt"
	"math"
	"strings"

	"pilot/internal/market"
)

// Series is a streaming indicator fed one candle at a time, in bar order.
type Series interface {
	Name() string
	Warmup() int
	Update(c market.Candle)
	Ready() bool
	Value() float64
	Reset()
}

// EMA is a streaming exponential moving average seeded with the SMA of the
// first period values.
type EMA struct {
	period     int
	source     string
	multiplier float64
	ema        float64
	count      int
	warmupSum  float64
}

func NewEMA(period int, source string) *EMA {
	return &EMA{
		period:     period,
		source:     normalizeField(source),
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA(%d,%s)", e.period, e.source)
}

func (e *EMA) Warmup() int { return e.period }

func (e *EMA) Reset() {
	e.ema = 0
	e.count = 0
	e.warmupSum = 0
}

func (e *EMA) Update(c market.Candle) {
	v := fieldValue(c, e.source)
	if e.count < e.period {
		e.warmupSum += v
		e.count++
		if e.count == e.period {
			e.ema = e.warmupSum / float64(e.period)
		}
		return
	}
	e.ema = (v-e.ema)*e.multiplier + e.ema
}

func (e *EMA) Ready() bool { return e.count >= e.period }

func (e *EMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.ema
}

// ATR is a streaming Average True Range using Wilder's smoothing. It needs
// period+1 candles because the true range requires a previous close.
type ATR struct {
	period      int
	atr         float64
	count       int
	warmupSum   float64
	prevCandle  market.Candle
	hasPrevious bool
}

func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string { return fmt.Sprintf("ATR(%d)", a.period) }

func (a *ATR) Warmup() int { return a.period + 1 }

func (a *ATR) Reset() {
	a.atr = 0
	a.count = 0
	a.warmupSum = 0
	a.hasPrevious = false
}

func (a *ATR) Update(c market.Candle) {
	if !a.hasPrevious {
		a.prevCandle = c
		a.hasPrevious = true
		return
	}
	tr := trueRange(c, a.prevCandle)
	if a.count < a.period {
		a.warmupSum += tr
		a.count++
		if a.count == a.period {
			a.atr = a.warmupSum / float64(a.period)
		}
	} else {
		a.atr = (a.atr*float64(a.period-1) + tr) / float64(a.period)
	}
	a.prevCandle = c
}

func (a *ATR) Ready() bool { return a.count >= a.period }

func (a *ATR) Value() float64 {
	if !a.Ready() {
		return 0
	}
	return a.atr
}

func trueRange(current, previous market.Candle) float64 {
	highLow := current.High - current.Low
	highClose := math.Abs(current.High - previous.Close)
	lowClose := math.Abs(current.Low - previous.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}

// Field exposes a raw OHLCV field as a series. Ready after the first candle.
type Field struct {
	source string
	value  float64
	count  int
}

func NewField(source string) *Field {
	return &Field{source: normalizeField(source)}
}

func (f *Field) Name() string { return strings.ToUpper(f.source) }

func (f *Field) Warmup() int { return 1 }

func (f *Field) Reset() {
	f.value = 0
	f.count = 0
}

func (f *Field) Update(c market.Candle) {
	f.value = fieldValue(c, f.source)
	f.count++
}

func (f *Field) Ready() bool { return f.count >= 1 }

func (f *Field) Value() float64 {
	if !f.Ready() {
		return 0
	}
	return f.value
}

func normalizeField(source string) string {
	s := strings.ToLower(strings.TrimSpace(source))
	switch s {
	case "open", "high", "low", "close", "volume":
		return s
	default:
		return "close"
	}
}

func fieldValue(c market.Candle, source string) float64 {
	switch source {
	case "open":
		return c.Open
	case "high":
		return c.High
	case "low":
		return c.Low
	case "volume":
		return c.Volume
	default:
		return c.Close
	}
}
