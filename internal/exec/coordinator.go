// Package exec sequences intent batches through policy, risk and the broker,
// journaling every stage to the ledger so a crashed run can be audited and
// replayed mid-flight.
package exec

import (
	"context"
	"fmt"
	"sync"

	"pilot/internal/broker"
	"pilot/internal/clock"
	"pilot/internal/ledger"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/policy"
	"pilot/internal/program"
	"pilot/internal/risk"
	"pilot/internal/types"
)

// PositionSource supplies the positions policy and risk evaluate against.
type PositionSource interface {
	Positions() map[string]types.Position
}

// Config tunes the intake filters.
type Config struct {
	DedupSize  int   `toml:"dedup_size" json:"dedup_size"`
	CooldownMs int64 `toml:"cooldown_ms" json:"cooldown_ms"`
}

// Coordinator owns the execution pipeline. One lock covers the dedup cache,
// the cooldown table and the pipeline itself, so concurrent producers see
// linearizable submissions.
type Coordinator struct {
	cfg       Config
	clk       clock.Clock
	policy    *policy.Engine
	sizer     *risk.Sizer
	broker    broker.Broker
	log       ledger.Ledger
	positions PositionSource

	mu        sync.Mutex
	seen      map[string]struct{}
	seenQueue []string
	lastExec  map[string]int64 // source id -> last execution ts
}

func NewCoordinator(cfg Config, clk clock.Clock, pol *policy.Engine, sizer *risk.Sizer, brk broker.Broker, log ledger.Ledger, positions PositionSource) *Coordinator {
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 4096
	}
	return &Coordinator{
		cfg:       cfg,
		clk:       clk,
		policy:    pol,
		sizer:     sizer,
		broker:    brk,
		log:       log,
		positions: positions,
		seen:      make(map[string]struct{}),
		lastExec:  make(map[string]int64),
	}
}

// Submit runs one intent batch through the pipeline. Duplicate ids and
// cooled-down sources are dropped at intake; intents from one source inside
// the same batch are all admitted before its cooldown timestamp advances.
func (c *Coordinator) Submit(ctx context.Context, batch []types.Intent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	accepted := c.admit(batch, now)
	for _, intent := range accepted {
		if _, err := c.log.Append(ctx, now, ledger.IntentLogged{Stage: "accepted", Intent: intent}); err != nil {
			return fmt.Errorf("ledger intent append: %w", err)
		}
	}
	if len(accepted) == 0 {
		return nil
	}

	positions := map[string]types.Position{}
	if c.positions != nil {
		positions = c.positions.Positions()
	}

	res := c.policy.Apply(accepted, positions)
	if _, err := c.log.Append(ctx, now, ledger.PolicyApplied{Mode: res.Mode, Plan: res.Plan, Dropped: res.Dropped}); err != nil {
		return fmt.Errorf("ledger policy append: %w", err)
	}
	if len(res.Plan.Intents) == 0 {
		return nil
	}

	account := c.broker.Account()
	sized := c.sizer.Size(res.Plan, account.Equity, positions)
	orders := append(append([]types.Order(nil), sized.Orders...), sized.StopOrders...)
	for _, order := range orders {
		if _, err := c.log.Append(ctx, now, ledger.OrderPlaced{Stage: "sized", Order: order}); err != nil {
			return fmt.Errorf("ledger sized append: %w", err)
		}
	}

	for _, order := range orders {
		if _, err := c.broker.Place(ctx, order); err != nil {
			return fmt.Errorf("place order %s: %w", order.ClientOrderID, err)
		}
		if _, err := c.log.Append(ctx, now, ledger.OrderPlaced{Stage: "routed", Order: order}); err != nil {
			return fmt.Errorf("ledger routed append: %w", err)
		}
	}
	return nil
}

// admit applies dedup and cooldown under the held lock.
func (c *Coordinator) admit(batch []types.Intent, now int64) []types.Intent {
	var accepted []types.Intent
	acceptedSources := make(map[string]struct{})
	for _, intent := range batch {
		if _, dup := c.seen[intent.ID]; dup {
			logger.Debugf("exec: duplicate intent %s dropped", intent.ID)
			continue
		}
		if c.cfg.CooldownMs > 0 {
			if last, ok := c.lastExec[intent.SourceID]; ok && now-last < c.cfg.CooldownMs {
				if _, sameBatch := acceptedSources[intent.SourceID]; !sameBatch {
					logger.Debugf("exec: source %s cooling down, intent %s dropped", intent.SourceID, intent.ID)
					continue
				}
			}
		}
		c.remember(intent.ID)
		acceptedSources[intent.SourceID] = struct{}{}
		accepted = append(accepted, intent)
	}
	for source := range acceptedSources {
		c.lastExec[source] = now
	}
	return accepted
}

// remember adds an id to the bounded cache, evicting oldest-first.
func (c *Coordinator) remember(id string) {
	c.seen[id] = struct{}{}
	c.seenQueue = append(c.seenQueue, id)
	for len(c.seenQueue) > c.cfg.DedupSize {
		evicted := c.seenQueue[0]
		c.seenQueue = c.seenQueue[1:]
		delete(c.seen, evicted)
	}
}

// RecordState journals an automation state transition.
func (c *Coordinator) RecordState(ctx context.Context, sourceID string, change program.StateChange) error {
	_, err := c.log.Append(ctx, change.Timestamp, ledger.AutomationStateRecorded{
		SourceID: sourceID,
		State:    change.State,
		Note:     change.Note,
	})
	return err
}

// RecordFill journals a broker fill.
func (c *Coordinator) RecordFill(ctx context.Context, fill types.Fill) error {
	_, err := c.log.Append(ctx, fill.Timestamp, ledger.FillRecorded{Fill: fill})
	return err
}

// RecordCandle journals a bar close.
func (c *Coordinator) RecordCandle(ctx context.Context, symbol string, candle market.Candle) error {
	_, err := c.log.Append(ctx, candle.CloseTime, ledger.CandleLogged{Symbol: symbol, Candle: candle})
	return err
}
