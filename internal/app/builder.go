package app

import (
	"context"
	"fmt"
	"time"

	"pilot/internal/backtest"
	"pilot/internal/broker/paper"
	"pilot/internal/clock"
	"pilot/internal/config"
	"pilot/internal/exec"
	"pilot/internal/ledger"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/policy"
	"pilot/internal/program"
	"pilot/internal/risk"
	backtesthttp "pilot/internal/transport/http/backtest"
)

// Build assembles the engine from its config: candle store and fetch
// service, program registry, paper broker, execution pipeline, run service
// and the HTTP server. Nothing is started; Run does that.
func Build(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	candles, err := market.NewStore(cfg.Market.DataDir)
	if err != nil {
		return nil, fmt.Errorf("candle store: %w", err)
	}
	fetcher, err := buildFetcher(cfg.Market, candles)
	if err != nil {
		return nil, err
	}

	programs, err := program.NewRegistry(cfg.Programs.Dir)
	if err != nil {
		return nil, fmt.Errorf("program registry: %w", err)
	}
	logger.Infof("loaded %d automation programs from %s", len(programs.IDs()), cfg.Programs.Dir)

	journal, err := ledger.NewStore(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}
	history, err := journal.Events(context.Background())
	if err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}
	projector := ledger.Replay(cfg.Ledger.AccountID, history)
	logger.Infof("replayed %d ledger records into %d positions", len(history), len(projector.Positions()))

	clk := clock.System{}
	var engine *paper.Engine
	var coordinator *exec.Coordinator
	if cfg.Paper.Enabled {
		engine = paper.New(cfg.Paper.Engine, clk, cfg.Paper.Balances)
		policyEngine, err := policy.NewEngine(cfg.Policy, clk)
		if err != nil {
			return nil, err
		}
		sizer := risk.NewSizer(cfg.Risk, clk)
		coordinator = exec.NewCoordinator(cfg.Exec, clk, policyEngine, sizer, engine, journal, projectorSource{projector})
	}

	results, err := backtest.NewResultStore(cfg.Backtest.ResultsPath)
	if err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}
	runs, err := backtest.NewService(backtest.ServiceConfig{
		Results:       results,
		Candles:       candles,
		Fetcher:       fetcher,
		Programs:      programs,
		MaxConcurrent: cfg.Backtest.MaxConcurrent,
		FetchTimeout:  time.Duration(cfg.Backtest.FetchTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("run service: %w", err)
	}

	server, err := backtesthttp.NewServer(backtesthttp.Config{
		Addr:     cfg.App.HTTPAddr,
		Runs:     runs,
		Fetcher:  fetcher,
		Candles:  candles,
		Programs: programs,
	})
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}

	return &App{
		cfg:         cfg,
		candles:     candles,
		fetcher:     fetcher,
		programs:    programs,
		journal:     journal,
		projector:   projector,
		paperEngine: engine,
		coordinator: coordinator,
		results:     results,
		runs:        runs,
		server:      server,
	}, nil
}

func buildFetcher(cfg config.MarketConfig, store *market.Store) (*market.FetchService, error) {
	sources := make(map[string]market.CandleSource)
	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		baseURL := src.RESTBaseURL
		if src.Proxy.Enabled && src.Proxy.RESTURL != "" {
			baseURL = src.Proxy.RESTURL
		}
		sources[src.Name] = market.NewBinanceSource(baseURL)
	}
	fetcher, err := market.NewFetchService(market.FetchServiceConfig{
		Store:           store,
		Sources:         sources,
		DefaultSource:   cfg.ActiveSource,
		RateLimitPerMin: cfg.RateLimitPerMin,
		MaxBatch:        cfg.MaxBatch,
		MaxConcurrent:   cfg.MaxConcurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch service: %w", err)
	}
	return fetcher, nil
}
