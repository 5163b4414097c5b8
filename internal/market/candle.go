package market

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Bar is a candle stamped with its origin. Bars are immutable and ordered
// by open time; everything downstream of the interpreter keys off them.
type Bar struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Source   string `json:"source,omitempty"`
	Candle
}

// Bucket returns the bar's time bucket for the given interval length,
// i.e. floor(openTime/intervalMs). Rules use it for once-per-bar gating.
func (b Bar) Bucket(intervalMs int64) int64 {
	if intervalMs <= 0 {
		return b.OpenTime
	}
	ts := b.OpenTime
	if ts < 0 {
		return (ts - intervalMs + 1) / intervalMs
	}
	return ts / intervalMs
}

// Bars wraps raw candles with a symbol/interval stamp, preserving order.
func Bars(symbol, interval, source string, candles []Candle) []Bar {
	out := make([]Bar, 0, len(candles))
	for _, c := range candles {
		out = append(out, Bar{Symbol: symbol, Interval: interval, Source: source, Candle: c})
	}
	return out
}
