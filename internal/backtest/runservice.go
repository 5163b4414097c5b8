package backtest

import (
	"context"
	"fmt"
	"time"

	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/program"

	"github.com/google/uuid"
)

// ServiceConfig wires the run service's collaborators.
type ServiceConfig struct {
	Results       *ResultStore
	Candles       *market.Store
	Fetcher       *market.FetchService // optional gap fill
	Programs      *program.Registry
	MaxConcurrent int
	FetchTimeout  time.Duration
}

// Service owns the run lifecycle: accept a request, pull the candle range,
// execute the simulation in the background and persist the outcome.
type Service struct {
	results      *ResultStore
	candles      *market.Store
	fetcher      *market.FetchService
	programs     *program.Registry
	sim          *Simulator
	sem          chan struct{}
	fetchTimeout time.Duration

	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store cannot be nil")
	}
	if cfg.Candles == nil {
		return nil, fmt.Errorf("candle store cannot be nil")
	}
	if cfg.Programs == nil {
		return nil, fmt.Errorf("program registry cannot be nil")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Minute
	}
	return &Service{
		results:      cfg.Results,
		candles:      cfg.Candles,
		fetcher:      cfg.Fetcher,
		programs:     cfg.Programs,
		sim:          NewSimulator(),
		sem:          make(chan struct{}, maxConcurrent),
		fetchTimeout: fetchTimeout,
		baseCtx:      context.Background(),
	}, nil
}

// SetContext injects the host context used to cancel background runs.
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

// StartRun validates the request, stores a pending run and executes it in
// the background. The returned Run carries the generated id.
func (s *Service) StartRun(ctx context.Context, programID string, cfg SimulationConfig) (Run, error) {
	prog, ok := s.programs.Program(programID)
	if !ok {
		return Run{}, fmt.Errorf("unknown program: %s", programID)
	}
	if cfg.Symbol == "" {
		cfg.Symbol = prog.Inputs.Symbol
	}
	if cfg.Interval == "" {
		cfg.Interval = prog.Interval
	}
	cfg.RunID = uuid.NewString()
	if err := cfg.validate(); err != nil {
		return Run{}, err
	}
	if _, err := market.ParseInterval(cfg.Interval); err != nil {
		return Run{}, err
	}

	now := time.Now()
	run := Run{
		ID:        cfg.RunID,
		Symbol:    cfg.Symbol,
		Interval:  cfg.Interval,
		Status:    RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Config:    cfg,
	}
	if err := s.results.InsertRun(ctx, run); err != nil {
		return Run{}, err
	}
	logger.Infof("[backtest] run %s queued: program=%s %s %s splits=%d",
		run.ID, programID, cfg.Symbol, cfg.Interval, len(cfg.Splits))

	go s.execute(prog, cfg)
	return run, nil
}

func (s *Service) execute(prog *program.Program, cfg SimulationConfig) {
	ctx := s.baseCtx
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.fail(cfg.RunID, "service shut down")
		return
	}
	defer func() { <-s.sem }()

	if err := s.results.UpdateRunStatus(ctx, cfg.RunID, RunStatusRunning, ""); err != nil {
		logger.Errorf("[backtest] run %s: mark running: %v", cfg.RunID, err)
		return
	}

	candles, err := s.loadCandles(ctx, cfg)
	if err != nil {
		s.fail(cfg.RunID, err.Error())
		return
	}
	result, err := s.sim.Run(ctx, prog, cfg, candles)
	if err != nil {
		s.fail(cfg.RunID, err.Error())
		return
	}
	if err := s.results.SaveResult(ctx, result); err != nil {
		s.fail(cfg.RunID, "persist result: "+err.Error())
		return
	}
	logger.Infof("[backtest] run %s done: trades=%d net=%.2f maxdd=%.4f",
		cfg.RunID, result.Aggregated.TradeCount, result.Aggregated.NetProfit, result.Aggregated.MaxDrawdown)
}

func (s *Service) fail(runID, message string) {
	if err := s.results.UpdateRunStatus(s.baseCtx, runID, RunStatusFailed, message); err != nil {
		logger.Errorf("[backtest] run %s: mark failed: %v", runID, err)
	}
	logger.Warnf("[backtest] run %s failed: %s", runID, message)
}

// loadCandles pulls the full range every split touches, filling gaps through
// the fetch service when one is wired.
func (s *Service) loadCandles(ctx context.Context, cfg SimulationConfig) ([]market.Candle, error) {
	start, end := cfg.Splits[0].InSampleStart, cfg.Splits[0].OutSampleEnd
	for _, split := range cfg.Splits[1:] {
		if split.InSampleStart < start {
			start = split.InSampleStart
		}
		if split.OutSampleEnd > end {
			end = split.OutSampleEnd
		}
	}

	if s.fetcher != nil {
		if err := s.fillGaps(ctx, cfg.Symbol, cfg.Interval, start, end); err != nil {
			return nil, err
		}
	}
	candles, err := s.candles.RangeCandles(ctx, cfg.Symbol, cfg.Interval, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s %s in [%d,%d]", cfg.Symbol, cfg.Interval, start, end)
	}
	return candles, nil
}

// fillGaps submits a fetch job and waits for it to settle. A partial result
// is tolerated; the simulator just sees fewer bars.
func (s *Service) fillGaps(ctx context.Context, symbol, interval string, start, end int64) error {
	job, err := s.fetcher.SubmitFetch(market.FetchParams{
		Symbol:   symbol,
		Interval: interval,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return fmt.Errorf("candle fetch: %w", err)
	}
	deadline := time.Now().Add(s.fetchTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch job.Status {
		case market.JobStatusDone:
			return nil
		case market.JobStatusPartial:
			logger.Warnf("[backtest] fetch job %s left gaps: %s", job.ID, job.Message)
			return nil
		case market.JobStatusFailed:
			return fmt.Errorf("candle fetch failed: %s", job.Message)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("candle fetch timed out after %s", s.fetchTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if next, ok := s.fetcher.JobSnapshot(job.ID); ok {
			job = next
		}
	}
}

// GetRun, ListRuns, Trades and Equity proxy the result store for the HTTP
// layer.
func (s *Service) GetRun(ctx context.Context, id string) (Run, error) {
	return s.results.GetRun(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return s.results.ListRuns(ctx, limit)
}

func (s *Service) Trades(ctx context.Context, runID string) ([]TradeRecord, error) {
	return s.results.ListTrades(ctx, runID)
}

func (s *Service) Equity(ctx context.Context, runID string) ([]EquityPoint, error) {
	return s.results.ListEquity(ctx, runID)
}
