package program

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProgramJSON = `{
  "id": "trend-follow",
  "version": 2,
  "interval": "1h",
  "inputs": {"symbol": "btcusdt", "source": "binance"},
  "series": [
    {"name": "fast", "type": "ema", "period": 12, "source": "close"},
    {"name": "slow", "type": "ema", "period": 26, "source": "close"},
    {"name": "px", "type": "field", "source": "close"}
  ],
  "rules": [
    {
      "id": "golden-cross",
      "event": "bar_close",
      "oncePerBar": true,
      "guard": {"type": "crosses", "left": {"type": "series", "name": "fast"}, "dir": "above", "right": {"type": "series", "name": "slow"}},
      "actions": [{"type": "order", "side": "BUY", "notional": 500, "meta": {"risk_mode": "fixed_pct", "risk_pct": 0.01}}],
      "quota": {"max": 10, "windowMs": 86400000},
      "delayMs": 0
    },
    {
      "id": "panic-halt",
      "guard": {"type": "threshold", "left": {"type": "series", "name": "px"}, "op": "LT", "right": {"type": "const", "value": 10000}},
      "actions": [{"type": "state", "state": "paused", "note": "price floor breached"}]
    }
  ]
}`

func TestParseProgram(t *testing.T) {
	p, err := ParseProgram([]byte(sampleProgramJSON))
	require.NoError(t, err)

	assert.Equal(t, "trend-follow", p.ID)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, "1h", p.Interval)
	assert.Equal(t, "BTCUSDT", p.Inputs.Symbol)
	require.Len(t, p.Series, 3)
	assert.Equal(t, SeriesDef{Name: "fast", Type: "ema", Period: 12, Source: "close"}, p.Series[0])

	require.Len(t, p.Rules, 2)
	cross := p.Rules[0]
	assert.True(t, cross.OncePerBar)
	require.IsType(t, Crosses{}, cross.Guard)
	g := cross.Guard.(Crosses)
	assert.Equal(t, SeriesRef{Name: "fast"}, g.Left)
	assert.Equal(t, CrossAbove, g.Dir)
	require.Len(t, cross.Actions, 1)
	order := cross.Actions[0].(OrderAction)
	assert.Equal(t, 500.0, order.Notional)
	assert.Equal(t, "fixed_pct", order.Meta["risk_mode"])
	require.NotNil(t, cross.Quota)
	assert.Equal(t, 10, cross.Quota.Max)
	assert.Equal(t, int64(86_400_000), cross.Quota.WindowMs)

	halt := p.Rules[1]
	require.IsType(t, Threshold{}, halt.Guard)
	th := halt.Guard.(Threshold)
	assert.Equal(t, OpLT, th.Op)
	assert.Equal(t, Const{Value: 10000}, th.Right)
	require.IsType(t, StateAction{}, halt.Actions[0])
}

func TestParseProgramYAMLMatchesJSON(t *testing.T) {
	yamlDoc := `
id: trend-follow
version: 2
interval: 1h
inputs:
  symbol: btcusdt
  source: binance
series:
  - {name: px, type: field, source: close}
rules:
  - id: panic-halt
    guard:
      type: threshold
      left: {type: series, name: px}
      op: LT
      right: {type: const, value: 10000}
    actions:
      - {type: state, state: paused, note: price floor breached}
`
	p, err := ParseProgramYAML([]byte(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, "trend-follow", p.ID)
	assert.Equal(t, "BTCUSDT", p.Inputs.Symbol)
	require.Len(t, p.Rules, 1)
	require.IsType(t, Threshold{}, p.Rules[0].Guard)

	_, err = ParseProgramYAML([]byte("  "))
	assert.Error(t, err)
	_, err = ParseProgramYAML([]byte("id: x\ninterval: 1h\n"))
	assert.Error(t, err)
}

func TestParseProgramRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"not json":         `{unquoted}`,
		"missing rules":    `{"id":"x","interval":"1h","inputs":{"symbol":"BTCUSDT"}}`,
		"bad guard type":   `{"id":"x","interval":"1h","inputs":{"symbol":"BTCUSDT"},"rules":[{"id":"r","guard":{"type":"fuzzy"},"actions":[{"type":"order","side":"BUY"}]}]}`,
		"bad op":           `{"id":"x","interval":"1h","inputs":{"symbol":"BTCUSDT"},"rules":[{"id":"r","guard":{"type":"threshold","left":{"type":"const","value":1},"op":"NEAR","right":{"type":"const","value":2}},"actions":[{"type":"order","side":"BUY"}]}]}`,
		"bad interval":     `{"id":"x","interval":"7m","inputs":{"symbol":"BTCUSDT"},"rules":[{"id":"r","guard":{"type":"threshold","left":{"type":"const","value":1},"op":"GT","right":{"type":"const","value":2}},"actions":[{"type":"order","side":"BUY"}]}]}`,
		"unknown series":   `{"id":"x","interval":"1h","inputs":{"symbol":"BTCUSDT"},"rules":[{"id":"r","guard":{"type":"threshold","left":{"type":"series","name":"ghost"},"op":"GT","right":{"type":"const","value":2}},"actions":[{"type":"order","side":"BUY"}]}]}`,
		"zero quota":       `{"id":"x","interval":"1h","inputs":{"symbol":"BTCUSDT"},"rules":[{"id":"r","guard":{"type":"threshold","left":{"type":"const","value":1},"op":"GT","right":{"type":"const","value":2}},"actions":[{"type":"order","side":"BUY"}],"quota":{"max":0,"windowMs":1000}}]}`,
		"duplicate series": `{"id":"x","interval":"1h","inputs":{"symbol":"BTCUSDT"},"series":[{"name":"a","type":"field"},{"name":"a","type":"field"}],"rules":[{"id":"r","guard":{"type":"threshold","left":{"type":"const","value":1},"op":"GT","right":{"type":"const","value":2}},"actions":[{"type":"order","side":"BUY"}]}]}`,
	}
	for name, raw := range cases {
		_, err := ParseProgram([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestParsedProgramRoundTripsThroughInterpreter(t *testing.T) {
	p, err := ParseProgram([]byte(sampleProgramJSON))
	require.NoError(t, err)
	bars := fixtureBars(200)
	for i := range bars {
		bars[i].Interval = "1h"
		bars[i].Candle.OpenTime = int64(i) * 3_600_000
		bars[i].Candle.CloseTime = int64(i+1)*3_600_000 - 1
	}
	first := runProgram(t, p, bars)
	second := runProgram(t, p, bars)
	require.Equal(t, first.Intents, second.Intents)
	require.Equal(t, first.States, second.States)
}
