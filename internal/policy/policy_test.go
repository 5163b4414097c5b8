package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/clock"
	"pilot/internal/types"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, clock.NewLogical(1_000))
	require.NoError(t, err)
	return e
}

func intent(id, source, symbol string, side types.Side, qty, notional float64) types.Intent {
	return types.Intent{ID: id, SourceID: source, Symbol: symbol, Side: side, Qty: qty, Notional: notional}
}

func TestPriorityKeepsBestRankedPerSymbolSide(t *testing.T) {
	e := newEngine(t, Config{
		Mode:       ModePriority,
		Priorities: []string{"trend-follow", "trend", "scalper"},
	})
	res := e.Apply([]types.Intent{
		intent("a", "scalper/r1", "BTCUSDT", types.SideBuy, 1, 0),
		intent("b", "trend-follow/golden-cross", "BTCUSDT", types.SideBuy, 2, 0),
		intent("c", "trend-other/r9", "BTCUSDT", types.SideBuy, 3, 0),
		intent("d", "unknown/r1", "BTCUSDT", types.SideBuy, 4, 0),
	}, nil)

	require.Len(t, res.Plan.Intents, 1)
	// "trend-follow" is the longest matching prefix, so intent b wins even
	// though the shorter "trend" prefix also matches c.
	assert.Equal(t, "b", res.Plan.Intents[0].ID)
	assert.ElementsMatch(t, []string{"a", "c", "d"}, res.Dropped)
}

func TestPriorityUnrankedSourcesRankLast(t *testing.T) {
	e := newEngine(t, Config{Mode: ModePriority, Priorities: []string{"ranked"}})
	res := e.Apply([]types.Intent{
		intent("u", "mystery/r1", "ETHUSDT", types.SideSell, 1, 0),
		intent("r", "ranked/r1", "ETHUSDT", types.SideSell, 2, 0),
	}, nil)
	require.Len(t, res.Plan.Intents, 1)
	assert.Equal(t, "r", res.Plan.Intents[0].ID)
}

func TestNettingOpposingQty(t *testing.T) {
	e := newEngine(t, Config{Mode: ModePriority})
	res := e.Apply([]types.Intent{
		intent("buy", "s1/r1", "BTCUSDT", types.SideBuy, 2.0, 0),
		intent("sell", "s2/r1", "BTCUSDT", types.SideSell, 0.5, 0),
	}, nil)

	require.Len(t, res.Plan.Intents, 1)
	out := res.Plan.Intents[0]
	assert.Equal(t, types.SideBuy, out.Side)
	assert.Equal(t, 1.5, out.Qty)
	assert.Equal(t, "net", out.Kind)
}

func TestNettingOpposingNotional(t *testing.T) {
	e := newEngine(t, Config{Mode: ModePriority})
	res := e.Apply([]types.Intent{
		intent("buy", "s1/r1", "BTCUSDT", types.SideBuy, 0, 300),
		intent("sell", "s2/r1", "BTCUSDT", types.SideSell, 0, 1000),
	}, nil)

	require.Len(t, res.Plan.Intents, 1)
	out := res.Plan.Intents[0]
	assert.Equal(t, types.SideSell, out.Side)
	assert.Equal(t, 700.0, out.Notional)
	assert.Zero(t, out.Qty)
}

func TestNettingEqualSizesCancel(t *testing.T) {
	e := newEngine(t, Config{Mode: ModePriority})
	res := e.Apply([]types.Intent{
		intent("buy", "s1/r1", "BTCUSDT", types.SideBuy, 1.0, 0),
		intent("sell", "s2/r1", "BTCUSDT", types.SideSell, 1.0, 0),
	}, nil)
	assert.Empty(t, res.Plan.Intents)
}

func TestMixedUnitsKeepHigherPrioritySide(t *testing.T) {
	e := newEngine(t, Config{Mode: ModePriority, Priorities: []string{"primary"}})
	res := e.Apply([]types.Intent{
		intent("q", "secondary/r1", "BTCUSDT", types.SideBuy, 1.0, 0),
		intent("n", "primary/r1", "BTCUSDT", types.SideSell, 0, 5000),
	}, nil)

	// qty vs notional cannot net; the ranked side survives unchanged.
	require.Len(t, res.Plan.Intents, 1)
	assert.Equal(t, "n", res.Plan.Intents[0].ID)
	assert.Equal(t, 5000.0, res.Plan.Intents[0].Notional)
}

func TestSameSideAggregation(t *testing.T) {
	e := newEngine(t, Config{Mode: ModePortfolioTarget})
	res := e.Apply([]types.Intent{
		intent("a", "s1/r1", "BTCUSDT", types.SideBuy, 1.0, 0),
		intent("b", "s2/r1", "BTCUSDT", types.SideBuy, 0.25, 0),
	}, nil)
	require.Len(t, res.Plan.Intents, 1)
	out := res.Plan.Intents[0]
	assert.Equal(t, 1.25, out.Qty)
	assert.Equal(t, "a.net", out.ID)
}

func TestVoteModeDropsSmallGroups(t *testing.T) {
	e := newEngine(t, Config{Mode: ModeVote, VoteKey: "signal", VoteThreshold: 2})
	mk := func(id, group string) types.Intent {
		in := intent(id, "s/"+id, "BTCUSDT", types.SideBuy, 1, 0)
		in.Meta = map[string]any{"signal": group}
		return in
	}
	lone := intent("d", "s/d", "BTCUSDT", types.SideBuy, 1, 0) // no vote key
	res := e.Apply([]types.Intent{mk("a", "momo"), mk("b", "momo"), mk("c", "rev"), lone}, nil)

	require.Len(t, res.Plan.Intents, 1)
	assert.Equal(t, 2.0, res.Plan.Intents[0].Qty)
	assert.ElementsMatch(t, []string{"c", "d"}, res.Dropped)
}

func TestVoteModeRequiresKeyAndThreshold(t *testing.T) {
	_, err := NewEngine(Config{Mode: ModeVote}, clock.NewLogical(0))
	assert.Error(t, err)
	_, err = NewEngine(Config{Mode: ModeVote, VoteKey: "signal"}, clock.NewLogical(0))
	assert.Error(t, err)
	_, err = NewEngine(Config{Mode: "quorum"}, clock.NewLogical(0))
	assert.Error(t, err)
}

func TestPortfolioTargetEmitsAdjustment(t *testing.T) {
	e := newEngine(t, Config{
		Mode:    ModePortfolioTarget,
		Targets: map[string]float64{"BTCUSDT": 2.0, "ETHUSDT": -1.0},
	})
	positions := map[string]types.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Qty: 0.5},
	}
	res := e.Apply([]types.Intent{
		intent("a", "s1/r1", "BTCUSDT", types.SideBuy, 1.0, 0),
	}, positions)

	// planned 1.0 + held 0.5 leaves 0.5 to reach the 2.0 target, and a fresh
	// short of 1.0 is needed on ETHUSDT.
	require.Len(t, res.Plan.Intents, 3)
	assert.Equal(t, "a", res.Plan.Intents[0].ID)

	adj := res.Plan.Intents[1]
	assert.Equal(t, "BTCUSDT", adj.Symbol)
	assert.Equal(t, types.SideBuy, adj.Side)
	assert.InDelta(t, 0.5, adj.Qty, 1e-12)
	assert.Equal(t, "adjustment", adj.Kind)

	short := res.Plan.Intents[2]
	assert.Equal(t, "ETHUSDT", short.Symbol)
	assert.Equal(t, types.SideSell, short.Side)
	assert.Equal(t, 1.0, short.Qty)
}

func TestPortfolioTargetAlreadyMetEmitsNothing(t *testing.T) {
	e := newEngine(t, Config{Mode: ModePortfolioTarget, Targets: map[string]float64{"BTCUSDT": 1.0}})
	res := e.Apply(nil, map[string]types.Position{"BTCUSDT": {Qty: 1.0}})
	assert.Empty(t, res.Plan.Intents)
}
