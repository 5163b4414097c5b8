package backtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/market"
	"pilot/internal/program"
)

const runTestProgramJSON = `{
  "id": "run-test",
  "interval": "1h",
  "inputs": {"symbol": "ETHUSDT"},
  "series": [{"name": "px", "type": "field", "source": "close"}],
  "rules": [{
    "id": "r",
    "guard": {"type": "threshold", "left": {"type": "series", "name": "px"}, "op": "GT", "right": {"type": "const", "value": 1}},
    "actions": [{"type": "order", "side": "BUY", "qty": 1}]
  }]
}`

func newRunService(t *testing.T) *Service {
	t.Helper()

	progDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(progDir, "run-test.json"), []byte(runTestProgramJSON), 0o644))
	registry, err := program.NewRegistry(progDir)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	candles, err := market.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { candles.Close() })

	results, err := NewResultStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	svc, err := NewService(ServiceConfig{
		Results:  results,
		Candles:  candles,
		Programs: registry,
	})
	require.NoError(t, err)
	return svc
}

func TestStartRunDefaultsFromProgram(t *testing.T) {
	svc := newRunService(t)

	cfg := SimulationConfig{
		InitialEquity: 10_000,
		Splits:        []Split{{InSampleStart: 0, OutSampleStart: 60_000, OutSampleEnd: 3_599_999}},
	}
	run, err := svc.StartRun(context.Background(), "run-test", cfg)
	require.NoError(t, err)

	// symbol and interval come off the program when the request leaves
	// them blank
	assert.Equal(t, "ETHUSDT", run.Symbol)
	assert.Equal(t, "1h", run.Interval)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusPending, run.Status)

	// the empty candle store fails the background run; wait for it so the
	// stores outlive the goroutine
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := svc.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		if got.Status == RunStatusFailed {
			assert.Equal(t, "ETHUSDT", got.Symbol)
			break
		}
		require.False(t, time.Now().After(deadline), "run never settled")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartRunRejectsUnknownProgram(t *testing.T) {
	svc := newRunService(t)
	_, err := svc.StartRun(context.Background(), "nope", SimulationConfig{
		InitialEquity: 10_000,
		Splits:        []Split{{InSampleStart: 0, OutSampleStart: 1, OutSampleEnd: 2}},
	})
	assert.Error(t, err)
}
