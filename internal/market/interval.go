package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval describes a candle period (internal duration + data source key).
type Interval struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
}

var supportedIntervals = map[string]Interval{
	"1m":  {Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	"5m":  {Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	"15m": {Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	"30m": {Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	"1h":  {Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	"4h":  {Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	"1d":  {Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	"3d":  {Key: "3d", Duration: 72 * time.Hour, SourceInterval: "3d"},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour, SourceInterval: "1w"},
}

// ParseInterval returns the normalized interval definition.
func ParseInterval(input string) (Interval, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	iv, ok := supportedIntervals[key]
	if !ok {
		return Interval{}, fmt.Errorf("unsupported interval: %s", input)
	}
	return iv, nil
}

// SupportedIntervals returns all supported keys, sorted.
func SupportedIntervals() []string {
	keys := make([]string, 0, len(supportedIntervals))
	for k := range supportedIntervals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Millis returns the interval length in milliseconds.
func (iv Interval) Millis() int64 {
	return iv.Duration.Milliseconds()
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignRange snaps a millisecond range onto the interval grid, keeping start<=end.
func (iv Interval) AlignRange(start, end int64) (int64, int64) {
	step := iv.Millis()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedCandles counts the candles a complete start~end range (inclusive) holds.
func (iv Interval) ExpectedCandles(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := iv.Millis()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}
