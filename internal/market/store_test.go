package market

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minuteCandles(times ...int64) []Candle {
	out := make([]Candle, 0, len(times))
	for _, ts := range times {
		out = append(out, Candle{
			OpenTime:  ts,
			CloseTime: ts + 59_999,
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100.5,
			Volume:    10,
			Trades:    5,
		})
	}
	return out
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval(" 1H ")
	require.NoError(t, err)
	assert.Equal(t, "1h", iv.Key)
	assert.Equal(t, int64(3_600_000), iv.Millis())

	_, err = ParseInterval("7m")
	assert.Error(t, err)
}

func TestAlignRangeSnapsToGrid(t *testing.T) {
	iv, err := ParseInterval("1m")
	require.NoError(t, err)

	start, end := iv.AlignRange(61_000, 250_000)
	assert.Equal(t, int64(60_000), start)
	assert.Equal(t, int64(240_000), end)

	// reversed input is reordered
	start, end = iv.AlignRange(250_000, 61_000)
	assert.Equal(t, int64(60_000), start)
	assert.Equal(t, int64(240_000), end)

	assert.Equal(t, int64(4), iv.ExpectedCandles(60_000, 240_000))
}

func TestStoreInsertAndRange(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	n, err := store.InsertCandles(ctx, "btcusdt", "1M", minuteCandles(60_000, 120_000, 180_000))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := store.RangeCandles(ctx, "BTCUSDT", "1m", 60_000, 120_000)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(60_000), list[0].OpenTime)
	assert.Equal(t, int64(120_000), list[1].OpenTime)

	m, err := store.Manifest(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", m.Symbol)
	assert.Equal(t, int64(60_000), m.MinTime)
	assert.Equal(t, int64(180_000), m.MaxTime)
	assert.Equal(t, int64(3), m.Rows)
}

func TestStoreUpsertReplacesDuplicateOpenTime(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.InsertCandles(ctx, "ETHUSDT", "1m", minuteCandles(60_000))
	require.NoError(t, err)

	updated := minuteCandles(60_000)
	updated[0].Close = 222
	_, err = store.InsertCandles(ctx, "ETHUSDT", "1m", updated)
	require.NoError(t, err)

	list, err := store.RangeCandles(ctx, "ETHUSDT", "1m", 60_000, 60_000)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 222.0, list[0].Close)
}

func TestCheckIntegrityFindsGaps(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	iv, err := ParseInterval("1m")
	require.NoError(t, err)

	// 60k..300k grid with 120k and 180k missing
	_, err = store.InsertCandles(ctx, "BTCUSDT", "1m", minuteCandles(60_000, 240_000, 300_000))
	require.NoError(t, err)

	report, err := store.CheckIntegrity(ctx, "BTCUSDT", "1m", iv, 60_000, 300_000)
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.Expected)
	assert.Equal(t, int64(3), report.Present)
	require.Len(t, report.Gaps, 1)
	assert.Equal(t, Gap{From: 120_000, To: 180_000}, report.Gaps[0])
	assert.False(t, report.Complete())

	_, err = store.InsertCandles(ctx, "BTCUSDT", "1m", minuteCandles(120_000, 180_000))
	require.NoError(t, err)
	report, err = store.CheckIntegrity(ctx, "BTCUSDT", "1m", iv, 60_000, 300_000)
	require.NoError(t, err)
	assert.True(t, report.Complete())
}

func TestRangeCandlesRejectsBadRange(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.RangeCandles(context.Background(), "BTCUSDT", "1m", 0, 100)
	assert.Error(t, err)
	_, err = store.RangeCandles(context.Background(), "", "1m", 1, 100)
	assert.Error(t, err)
}
