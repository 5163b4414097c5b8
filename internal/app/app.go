// Package app assembles the engine's services from configuration and runs
// them under one lifecycle.
package app

import (
	"context"
	"fmt"

	"pilot/internal/backtest"
	"pilot/internal/broker"
	"pilot/internal/broker/paper"
	"pilot/internal/config"
	"pilot/internal/exec"
	"pilot/internal/ledger"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/program"
	backtesthttp "pilot/internal/transport/http/backtest"
	"pilot/internal/types"

	"golang.org/x/sync/errgroup"
)

// App holds the built services. Build constructs it; Run starts everything
// and blocks until the context is canceled or a service fails.
type App struct {
	cfg         *config.Config
	candles     *market.Store
	fetcher     *market.FetchService
	programs    *program.Registry
	journal     *ledger.Store
	projector   *ledger.Projector
	paperEngine *paper.Engine
	coordinator *exec.Coordinator
	results     *backtest.ResultStore
	runs        *backtest.Service
	server      *backtesthttp.Server
}

type projectorSource struct{ p *ledger.Projector }

func (s projectorSource) Positions() map[string]types.Position { return s.p.Positions() }

// Run starts the HTTP server and the broker fill journal and blocks.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	a.fetcher.SetContext(ctx)
	a.runs.SetContext(ctx)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.paperEngine != nil {
		group.Go(func() error {
			a.journalFills(ctx)
			return nil
		})
	}

	err := group.Wait()
	a.close()
	return err
}

// journalFills folds the paper broker's fill stream into the ledger and the
// position projector until the context ends.
func (a *App) journalFills(ctx context.Context) {
	events, unsubscribe := a.paperEngine.StreamEvents(nil)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			var fill types.Fill
			switch e := evt.(type) {
			case broker.PartialFill:
				fill = e.Fill
			case broker.Filled:
				fill = e.Fill
			default:
				continue
			}
			if err := a.coordinator.RecordFill(ctx, fill); err != nil {
				logger.Errorf("journal fill %s: %v", fill.OrderID, err)
				continue
			}
			a.projector.Apply(ledger.Record{Timestamp: fill.Timestamp, Event: ledger.FillRecorded{Fill: fill}})
		}
	}
}

// Coordinator exposes the execution pipeline for candle-driven callers.
func (a *App) Coordinator() *exec.Coordinator { return a.coordinator }

// Broker exposes the paper matching engine, nil when paper trading is off.
func (a *App) Broker() *paper.Engine { return a.paperEngine }

func (a *App) close() {
	if a.paperEngine != nil {
		a.paperEngine.Close()
	}
	if err := a.programs.Close(); err != nil {
		logger.Warnf("close program registry: %v", err)
	}
	if err := a.results.Close(); err != nil {
		logger.Warnf("close result store: %v", err)
	}
	if err := a.journal.Close(); err != nil {
		logger.Warnf("close ledger: %v", err)
	}
	if err := a.candles.Close(); err != nil {
		logger.Warnf("close candle store: %v", err)
	}
}
