// Package policy nets trade intents from multiple sources into one executable
// plan. Three modes: priority keeps the best-ranked intent per symbol/side,
// vote drops thinly-supported signal groups, portfolio-target emits the delta
// to a configured net position. All modes end with symbol netting and
// same-side aggregation.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"pilot/internal/clock"
	"pilot/internal/logger"
	"pilot/internal/pkg/maputil"
	"pilot/internal/types"
)

const (
	ModePriority        = "priority"
	ModeVote            = "vote"
	ModePortfolioTarget = "portfolio_target"
)

// Config is the policy section of the engine configuration.
type Config struct {
	Mode          string             `toml:"mode" json:"mode"`
	Priorities    []string           `toml:"priorities" json:"priorities,omitempty"`
	VoteKey       string             `toml:"vote_key" json:"vote_key,omitempty"`
	VoteThreshold int                `toml:"vote_threshold" json:"vote_threshold,omitempty"`
	Targets       map[string]float64 `toml:"targets" json:"targets,omitempty"`
}

// Validate fails fast on an unusable configuration.
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModePriority, ModePortfolioTarget:
	case ModeVote:
		if strings.TrimSpace(c.VoteKey) == "" {
			return fmt.Errorf("policy: vote mode requires vote_key")
		}
		if c.VoteThreshold < 1 {
			return fmt.Errorf("policy: vote_threshold must be >= 1")
		}
	default:
		return fmt.Errorf("policy: unknown mode %q", c.Mode)
	}
	return nil
}

// Result is the plan plus an audit trail of what the policy removed.
type Result struct {
	Mode    string        `json:"mode"`
	Plan    types.NetPlan `json:"plan"`
	Dropped []string      `json:"dropped,omitempty"` // intent ids removed before netting
}

// Engine applies one configured policy mode. Stateless between calls.
type Engine struct {
	cfg Config
	clk clock.Clock
}

func NewEngine(cfg Config, clk clock.Clock) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePriority
	}
	return &Engine{cfg: cfg, clk: clk}, nil
}

// Apply filters, nets and aggregates the intent batch against current
// positions. Input order is significant: it breaks ranking ties and fixes the
// output order, keeping the pipeline deterministic.
func (e *Engine) Apply(intents []types.Intent, positions map[string]types.Position) Result {
	res := Result{Mode: e.cfg.Mode}
	kept := intents
	switch e.cfg.Mode {
	case ModeVote:
		kept, res.Dropped = e.filterByVote(intents)
	case ModePriority:
		kept, res.Dropped = e.filterByPriority(intents)
	}

	res.Plan = e.netAndAggregate(kept)

	if e.cfg.Mode == ModePortfolioTarget {
		e.appendTargetAdjustments(&res.Plan, positions)
	}
	if len(res.Dropped) > 0 {
		logger.Debugf("policy %s dropped %d of %d intents", e.cfg.Mode, len(res.Dropped), len(intents))
	}
	return res
}

// sourceRank returns the index of the longest priority prefix matching the
// source id; unranked sources sort after every ranked one.
func (e *Engine) sourceRank(sourceID string) int {
	best := len(e.cfg.Priorities)
	bestLen := -1
	for i, prefix := range e.cfg.Priorities {
		if prefix == "" || !strings.HasPrefix(sourceID, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best = i
			bestLen = len(prefix)
		}
	}
	return best
}

// filterByPriority keeps, per (symbol, side), only the best-ranked intent.
func (e *Engine) filterByPriority(intents []types.Intent) ([]types.Intent, []string) {
	type slot struct {
		idx  int
		rank int
	}
	best := make(map[string]slot)
	for i, intent := range intents {
		key := intent.Symbol + "|" + string(intent.Side)
		rank := e.sourceRank(intent.SourceID)
		cur, seen := best[key]
		if !seen || rank < cur.rank {
			best[key] = slot{idx: i, rank: rank}
		}
	}
	var kept []types.Intent
	var dropped []string
	for i, intent := range intents {
		key := intent.Symbol + "|" + string(intent.Side)
		if best[key].idx == i {
			kept = append(kept, intent)
		} else {
			dropped = append(dropped, intent.ID)
		}
	}
	return kept, dropped
}

// filterByVote drops groups whose member count is under the threshold.
// Side conflicts inside a surviving group are left for netting to resolve.
func (e *Engine) filterByVote(intents []types.Intent) ([]types.Intent, []string) {
	counts := make(map[string]int)
	for _, intent := range intents {
		counts[maputil.String(intent.Meta, e.cfg.VoteKey)]++
	}
	var kept []types.Intent
	var dropped []string
	for _, intent := range intents {
		group := maputil.String(intent.Meta, e.cfg.VoteKey)
		if group == "" || counts[group] < e.cfg.VoteThreshold {
			dropped = append(dropped, intent.ID)
			continue
		}
		kept = append(kept, intent)
	}
	return kept, dropped
}

type sideBook struct {
	intents  []types.Intent
	qty      float64
	notional float64
	allQty   bool
	allNotnl bool
	bestRank int
	firstIdx int
}

func (e *Engine) newSideBook() *sideBook {
	return &sideBook{allQty: true, allNotnl: true, bestRank: len(e.cfg.Priorities) + 1, firstIdx: 1 << 30}
}

func (b *sideBook) add(intent types.Intent, idx, rank int) {
	b.intents = append(b.intents, intent)
	b.qty += intent.Qty
	b.notional += intent.Notional
	b.allQty = b.allQty && intent.HasQty()
	b.allNotnl = b.allNotnl && intent.HasNotional()
	if rank < b.bestRank {
		b.bestRank = rank
	}
	if idx < b.firstIdx {
		b.firstIdx = idx
	}
}

func (b *sideBook) empty() bool { return len(b.intents) == 0 }

// netAndAggregate nets opposing sides per symbol, then collapses what is left
// into one intent per (symbol, side). Symbols are processed in sorted order.
func (e *Engine) netAndAggregate(intents []types.Intent) types.NetPlan {
	buys := make(map[string]*sideBook)
	sells := make(map[string]*sideBook)
	var symbols []string
	book := func(m map[string]*sideBook, symbol string) *sideBook {
		b, ok := m[symbol]
		if !ok {
			b = e.newSideBook()
			m[symbol] = b
		}
		return b
	}
	for i, intent := range intents {
		if _, seen := buys[intent.Symbol]; !seen {
			if _, seen := sells[intent.Symbol]; !seen {
				symbols = append(symbols, intent.Symbol)
			}
		}
		rank := e.sourceRank(intent.SourceID)
		if intent.Side == types.SideBuy {
			book(buys, intent.Symbol).add(intent, i, rank)
		} else {
			book(sells, intent.Symbol).add(intent, i, rank)
		}
	}
	sort.Strings(symbols)

	var plan types.NetPlan
	for _, symbol := range symbols {
		buy, sell := buys[symbol], sells[symbol]
		if buy == nil {
			buy = e.newSideBook()
		}
		if sell == nil {
			sell = e.newSideBook()
		}
		plan.Intents = append(plan.Intents, e.netSymbol(symbol, buy, sell)...)
	}
	return plan
}

func (e *Engine) netSymbol(symbol string, buy, sell *sideBook) []types.Intent {
	switch {
	case buy.empty():
		return aggregate(symbol, types.SideSell, sell)
	case sell.empty():
		return aggregate(symbol, types.SideBuy, buy)
	case buy.allQty && sell.allQty:
		return nettedIntent(symbol, buy, sell, buy.qty, sell.qty, true)
	case buy.allNotnl && sell.allNotnl:
		return nettedIntent(symbol, buy, sell, buy.notional, sell.notional, false)
	default:
		// Mixed units cannot be netted without a conversion price; the
		// higher-priority side passes through unchanged.
		winner, side := buy, types.SideBuy
		if less(sell, buy) {
			winner, side = sell, types.SideSell
		}
		logger.Warnf("policy: mixed qty/notional intents on %s, keeping %s side", symbol, side)
		return aggregate(symbol, side, winner)
	}
}

// less orders side books by rank, then by arrival.
func less(a, b *sideBook) bool {
	if a.bestRank != b.bestRank {
		return a.bestRank < b.bestRank
	}
	return a.firstIdx < b.firstIdx
}

func nettedIntent(symbol string, buy, sell *sideBook, buySize, sellSize float64, inQty bool) []types.Intent {
	if buySize == sellSize {
		return nil
	}
	winner, side, size := buy, types.SideBuy, buySize-sellSize
	if sellSize > buySize {
		winner, side, size = sell, types.SideSell, sellSize-buySize
	}
	out := synthetic(symbol, side, winner)
	if inQty {
		out.Qty = size
	} else {
		out.Notional = size
	}
	return []types.Intent{out}
}

func aggregate(symbol string, side types.Side, book *sideBook) []types.Intent {
	if book.empty() {
		return nil
	}
	if len(book.intents) == 1 {
		return []types.Intent{book.intents[0]}
	}
	out := synthetic(symbol, side, book)
	out.Qty = book.qty
	out.Notional = book.notional
	return []types.Intent{out}
}

// synthetic builds a combined intent from a side book, keeping the template
// of its earliest member so ids stay reproducible.
func synthetic(symbol string, side types.Side, book *sideBook) types.Intent {
	tmpl := book.intents[0]
	return types.Intent{
		ID:        tmpl.ID + ".net",
		SourceID:  tmpl.SourceID,
		Kind:      "net",
		Symbol:    symbol,
		Side:      side,
		PriceHint: tmpl.PriceHint,
		Meta:      tmpl.Meta,
	}
}

// appendTargetAdjustments emits one qty adjustment per configured symbol so
// that position + planned + adjustment reaches the target.
func (e *Engine) appendTargetAdjustments(plan *types.NetPlan, positions map[string]types.Position) {
	symbols := make([]string, 0, len(e.cfg.Targets))
	for symbol := range e.cfg.Targets {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	now := e.clk.Now()
	for _, symbol := range symbols {
		target := e.cfg.Targets[symbol]
		current := positions[symbol].Qty
		planned := 0.0
		for _, intent := range plan.Intents {
			if intent.Symbol != symbol || !intent.HasQty() {
				continue
			}
			if intent.Side == types.SideBuy {
				planned += intent.Qty
			} else {
				planned -= intent.Qty
			}
		}
		delta := target - current - planned
		if delta == 0 {
			continue
		}
		side := types.SideBuy
		if delta < 0 {
			side = types.SideSell
			delta = -delta
		}
		plan.Intents = append(plan.Intents, types.Intent{
			ID:       fmt.Sprintf("target.%s.%d", symbol, now),
			SourceID: "policy/target",
			Kind:     "adjustment",
			Symbol:   symbol,
			Side:     side,
			Qty:      delta,
		})
	}
}
