package market

import "context"

// FetchRequest describes one remote kline request.
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64 // Unix ms
	End      int64 // Unix ms (0 = unbounded)
	Limit    int
}

// CandleSource unifies remote candle providers behind one fetch call.
type CandleSource interface {
	Fetch(ctx context.Context, req FetchRequest) ([]Candle, error)
	Name() string
}
