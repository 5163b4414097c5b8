// Package backtest runs programs against historical candles through the same
// policy/risk/broker pipeline the live engine uses, with walk-forward splits
// guarding against lookahead bias.
package backtest

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"pilot/internal/broker"
	"pilot/internal/clock"
	"pilot/internal/exec"
	"pilot/internal/ledger"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/pkg/maputil"
	"pilot/internal/policy"
	"pilot/internal/program"
	"pilot/internal/risk"
	"pilot/internal/types"
)

// Split is one walk-forward window. Bars inside the in-sample range only warm
// indicators up; trading happens in the out-sample range.
type Split struct {
	InSampleStart  int64 `mapstructure:"in_sample_start" json:"in_sample_start"`
	OutSampleStart int64 `mapstructure:"out_sample_start" json:"out_sample_start"`
	OutSampleEnd   int64 `mapstructure:"out_sample_end" json:"out_sample_end"`
}

func (s Split) validate() error {
	if s.InSampleStart >= s.OutSampleStart {
		return fmt.Errorf("split in-sample must start before out-sample (%d >= %d)", s.InSampleStart, s.OutSampleStart)
	}
	if s.OutSampleStart >= s.OutSampleEnd {
		return fmt.Errorf("split out-sample range is empty (%d >= %d)", s.OutSampleStart, s.OutSampleEnd)
	}
	return nil
}

// SimulationConfig is the full surface of one run.
type SimulationConfig struct {
	RunID             string         `mapstructure:"run_id" json:"run_id"`
	Symbol            string         `mapstructure:"symbol" json:"symbol"`
	Interval          string         `mapstructure:"interval" json:"interval"`
	InitialEquity     float64        `mapstructure:"initial_equity" json:"initial_equity"`
	Splits            []Split        `mapstructure:"splits" json:"splits"`
	Latency           LatencyConfig  `mapstructure:"latency" json:"latency"`
	Costs             CostConfig     `mapstructure:"costs" json:"costs"`
	Policy            policy.Config  `mapstructure:"policy" json:"policy"`
	Risk              risk.Config    `mapstructure:"risk" json:"risk"`
	Exec              exec.Config    `mapstructure:"exec" json:"exec"`
	DefaultIntentMeta map[string]any `mapstructure:"default_intent_meta" json:"default_intent_meta,omitempty"`
}

func (c SimulationConfig) validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("simulation needs a symbol")
	}
	if c.InitialEquity <= 0 {
		return fmt.Errorf("initial equity must be positive")
	}
	if len(c.Splits) == 0 {
		return fmt.Errorf("simulation needs at least one split")
	}
	for i, split := range c.Splits {
		if err := split.validate(); err != nil {
			return fmt.Errorf("split %d: %w", i, err)
		}
	}
	return nil
}

// SplitResult carries everything one split produced.
type SplitResult struct {
	Split   Split         `json:"split"`
	Metrics Metrics       `json:"metrics"`
	Equity  []EquityPoint `json:"equity"`
	Trades  []TradeRecord `json:"trades"`
	Returns []float64     `json:"returns"`
}

// SimulationResult is the finished run.
type SimulationResult struct {
	RunID      string        `json:"run_id"`
	Symbol     string        `json:"symbol"`
	Splits     []SplitResult `json:"splits"`
	Aggregated Metrics       `json:"aggregated"`
}

type projectorSource struct{ p *ledger.Projector }

func (s projectorSource) Positions() map[string]types.Position { return s.p.Positions() }

// Simulator drives the walk-forward loop. Within a split the bar/rule/fill
// order is fixed, so identical inputs give identical results; splits share no
// state and run concurrently, collected in index order.
type Simulator struct{}

func NewSimulator() *Simulator { return &Simulator{} }

// Run executes every split and aggregates metrics from the concatenated
// return samples and trades, not from averaging per-split metrics.
func (s *Simulator) Run(ctx context.Context, prog *program.Program, cfg SimulationConfig, candles []market.Candle) (SimulationResult, error) {
	if err := cfg.validate(); err != nil {
		return SimulationResult{}, err
	}
	iv, err := market.ParseInterval(cfg.Interval)
	if err != nil {
		return SimulationResult{}, err
	}
	result := SimulationResult{RunID: cfg.RunID, Symbol: cfg.Symbol}
	result.Splits = make([]SplitResult, len(cfg.Splits))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, split := range cfg.Splits {
		i, split := i, split
		group.Go(func() error {
			splitRes, err := s.runSplit(groupCtx, prog, cfg, iv, split, candles)
			if err != nil {
				return fmt.Errorf("split %d: %w", i, err)
			}
			result.Splits[i] = splitRes
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return SimulationResult{}, err
	}

	var allReturns []float64
	var allTrades []TradeRecord
	var allCurve []EquityPoint
	// each split's portfolio restarts at InitialEquity; chain-link the curves
	// by the prior splits' compounded growth so the reset never reads as a
	// drawdown in the aggregated path
	growth := 1.0
	for _, splitRes := range result.Splits {
		allReturns = append(allReturns, splitRes.Returns...)
		allTrades = append(allTrades, splitRes.Trades...)
		for _, pt := range splitRes.Equity {
			pt.Equity *= growth
			pt.Cash *= growth
			pt.GrossExposure *= growth
			allCurve = append(allCurve, pt)
		}
		if n := len(splitRes.Equity); n > 0 && cfg.InitialEquity > 0 {
			growth *= splitRes.Equity[n-1].Equity / cfg.InitialEquity
		}
	}
	periodsPerYear := msPerYear / float64(iv.Millis())
	result.Aggregated = computeMetrics(allReturns, allCurve, allTrades, periodsPerYear)
	return result, nil
}

func (s *Simulator) runSplit(ctx context.Context, prog *program.Program, cfg SimulationConfig, iv market.Interval, split Split, candles []market.Candle) (SplitResult, error) {
	clk := clock.NewLogical(split.InSampleStart)
	interp, err := program.NewInterpreter(prog, clk)
	if err != nil {
		return SplitResult{}, err
	}
	pf := newPortfolio(cfg.InitialEquity)
	simBroker := NewSimBroker(cfg.Latency, cfg.Costs, clk)
	defer simBroker.Close()
	simBroker.SetEquitySource(pf.equity)

	log := ledger.NewMemory()
	projector := ledger.NewProjector(cfg.RunID)
	policyEngine, err := policy.NewEngine(cfg.Policy, clk)
	if err != nil {
		return SplitResult{}, err
	}
	sizer := risk.NewSizer(cfg.Risk, clk)
	coord := exec.NewCoordinator(cfg.Exec, clk, policyEngine, sizer, simBroker, log, projectorSource{projector})

	var lastClose int64
	for _, candle := range candles {
		if candle.OpenTime < split.InSampleStart || candle.CloseTime > split.OutSampleEnd {
			continue
		}
		ts := candle.CloseTime
		clk.Set(ts)
		// fills scheduled up to this bar land before the bar is evaluated
		if err := s.applyFills(ctx, simBroker.Drain(ts), coord, projector, pf); err != nil {
			return SplitResult{}, err
		}

		simBroker.MarkPrice(cfg.Symbol, candle.Close)
		pf.markPrice(cfg.Symbol, candle.Close)
		if err := coord.RecordCandle(ctx, cfg.Symbol, candle); err != nil {
			return SplitResult{}, err
		}
		projector.Apply(ledger.Record{Timestamp: ts, Event: ledger.CandleLogged{Symbol: cfg.Symbol, Candle: candle}})

		bar := market.Bar{Symbol: cfg.Symbol, Interval: iv.Key, Candle: candle}
		barRes := interp.OnBar(bar)

		if ts >= split.OutSampleStart && ts <= split.OutSampleEnd {
			intents := s.withDefaultMeta(barRes.Intents, cfg.DefaultIntentMeta)
			if len(intents) > 0 {
				if err := coord.Submit(ctx, intents); err != nil {
					return SplitResult{}, err
				}
			}
			for _, state := range barRes.States {
				if err := coord.RecordState(ctx, interp.SourceID(state.RuleID), state); err != nil {
					return SplitResult{}, err
				}
			}
		}
		pf.snapshot(ts)
		lastClose = ts
	}

	// settle horizon: flush fills scheduled past the last bar
	horizon := lastClose + cfg.Latency.WorstCaseMs()
	clk.Set(horizon)
	tail := simBroker.Drain(horizon)
	if err := s.applyFills(ctx, tail, coord, projector, pf); err != nil {
		return SplitResult{}, err
	}
	if len(tail) > 0 {
		pf.snapshot(horizon)
	}

	returns := pf.returns()
	periodsPerYear := msPerYear / float64(iv.Millis())
	res := SplitResult{
		Split:   split,
		Metrics: computeMetrics(returns, pf.curve, pf.trades, periodsPerYear),
		Equity:  pf.curve,
		Trades:  pf.trades,
		Returns: returns,
	}
	logger.Infof("backtest split [%d,%d] done: trades=%d net=%.2f", split.OutSampleStart, split.OutSampleEnd, res.Metrics.TradeCount, res.Metrics.NetProfit)
	return res, nil
}

// applyFills journals and books every fill event from a drain.
func (s *Simulator) applyFills(ctx context.Context, events []broker.Event, coord *exec.Coordinator, projector *ledger.Projector, pf *portfolio) error {
	for _, evt := range events {
		var fill types.Fill
		switch e := evt.(type) {
		case broker.PartialFill:
			fill = e.Fill
		case broker.Filled:
			fill = e.Fill
		default:
			continue
		}
		if err := coord.RecordFill(ctx, fill); err != nil {
			return err
		}
		projector.Apply(ledger.Record{Timestamp: fill.Timestamp, Event: ledger.FillRecorded{Fill: fill}})
		pf.applyFill(fill)
	}
	return nil
}

// withDefaultMeta overlays run-level risk defaults under each intent's own
// metadata, without mutating the interpreter's output.
func (s *Simulator) withDefaultMeta(intents []types.Intent, defaults map[string]any) []types.Intent {
	if len(defaults) == 0 || len(intents) == 0 {
		return intents
	}
	out := make([]types.Intent, len(intents))
	for i, intent := range intents {
		merged := maputil.Clone(defaults)
		for k, v := range intent.Meta {
			merged[k] = v
		}
		intent.Meta = merged
		out[i] = intent
	}
	return out
}
