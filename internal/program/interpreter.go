package program

import (
	"fmt"

	"pilot/internal/clock"
	"pilot/internal/indicator"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/types"
)

// StateChange is a non-trading rule outcome (pause/resume/flag). The caller
// records it in the ledger.
type StateChange struct {
	RuleID    string `json:"rule_id"`
	State     string `json:"state"`
	Note      string `json:"note,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// BarResult is everything one bar produced.
type BarResult struct {
	Intents []types.Intent
	States  []StateChange
}

type ruleState struct {
	rule        *Rule
	lastBucket  int64
	hasBucket   bool
	prevLeft    float64
	prevRight   float64
	prevDefined bool
	delayDueAt  int64 // 0 = no pending delay
	emissions   []int64
}

// Interpreter runs one program over an ordered bar stream. It reads time only
// from the injected clock, so two runs over the same bars and clock produce
// identical output. Not safe for concurrent use; drive it from one goroutine.
type Interpreter struct {
	program    *Program
	clk        clock.Clock
	intervalMs int64
	series     map[string]indicator.Series
	seriesKeys []string
	rules      []*ruleState
}

// NewInterpreter validates the program and builds its series engines.
func NewInterpreter(p *Program, clk clock.Clock) (*Interpreter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	iv, err := market.ParseInterval(p.Interval)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", p.ID, err)
	}
	it := &Interpreter{
		program:    p,
		clk:        clk,
		intervalMs: iv.Millis(),
		series:     make(map[string]indicator.Series, len(p.Series)),
	}
	for _, def := range p.Series {
		it.series[def.Name] = buildSeries(def)
		it.seriesKeys = append(it.seriesKeys, def.Name)
	}
	for i := range p.Rules {
		it.rules = append(it.rules, &ruleState{rule: &p.Rules[i]})
	}
	return it, nil
}

func buildSeries(def SeriesDef) indicator.Series {
	switch def.Type {
	case "ema":
		return indicator.NewEMA(def.Period, def.Source)
	default:
		return indicator.NewField(def.Source)
	}
}

// Program returns the program this interpreter executes.
func (it *Interpreter) Program() *Program { return it.program }

// SourceID identifies a rule's intents to the policy engine.
func (it *Interpreter) SourceID(ruleID string) string {
	return it.program.ID + "/" + ruleID
}

// Reset clears all series and rule state for a fresh run.
func (it *Interpreter) Reset() {
	for _, s := range it.series {
		s.Reset()
	}
	for _, rs := range it.rules {
		*rs = ruleState{rule: rs.rule}
	}
}

// OnBar consumes one closed bar. Series update first, in declaration order,
// then every rule evaluates against the fresh values. Rules fire in
// declaration order, which fixes the intent order across runs.
func (it *Interpreter) OnBar(bar market.Bar) BarResult {
	for _, name := range it.seriesKeys {
		it.series[name].Update(bar.Candle)
	}
	now := it.clk.Now()
	bucket := floorDiv(now, it.intervalMs)

	var out BarResult
	for _, rs := range it.rules {
		it.evalRule(rs, bar, now, bucket, &out)
	}
	return out
}

func (it *Interpreter) evalRule(rs *ruleState, bar market.Bar, now, bucket int64, out *BarResult) {
	hold := it.guardHolds(rs, rs.rule.Guard)
	if !hold {
		rs.delayDueAt = 0
		return
	}
	if rs.delayDueAt == 0 {
		rs.delayDueAt = now + rs.rule.DelayMs
	}
	if now < rs.delayDueAt {
		return
	}
	if rs.rule.OncePerBar && rs.hasBucket && rs.lastBucket == bucket {
		return
	}
	if !it.quotaAllows(rs, now) {
		logger.Debugf("program %s rule %s suppressed by quota at %d", it.program.ID, rs.rule.ID, now)
		return
	}

	rs.delayDueAt = 0
	rs.lastBucket = bucket
	rs.hasBucket = true
	rs.emissions = append(rs.emissions, now)

	for idx, action := range rs.rule.Actions {
		switch a := action.(type) {
		case OrderAction:
			out.Intents = append(out.Intents, types.Intent{
				ID:        fmt.Sprintf("%s.%s.%d.%d", it.program.ID, rs.rule.ID, now, idx),
				SourceID:  it.SourceID(rs.rule.ID),
				Kind:      "automation",
				Symbol:    it.program.Inputs.Symbol,
				Side:      types.ParseSide(a.Side),
				Qty:       a.Qty,
				Notional:  a.Notional,
				PriceHint: bar.Candle.Close,
				Meta:      a.Meta,
			})
		case StateAction:
			out.States = append(out.States, StateChange{
				RuleID:    rs.rule.ID,
				State:     a.State,
				Note:      a.Note,
				Timestamp: now,
			})
		}
	}
}

// quotaAllows prunes the sliding window and checks spare capacity.
func (it *Interpreter) quotaAllows(rs *ruleState, now int64) bool {
	q := rs.rule.Quota
	if q == nil {
		return true
	}
	cutoff := now - q.WindowMs
	kept := rs.emissions[:0]
	for _, ts := range rs.emissions {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	rs.emissions = kept
	return len(rs.emissions) < q.Max
}

func (it *Interpreter) guardHolds(rs *ruleState, g Guard) bool {
	switch guard := g.(type) {
	case Threshold:
		left, lok := it.operandValue(guard.Left)
		right, rok := it.operandValue(guard.Right)
		if !lok || !rok {
			return false
		}
		return compare(left, guard.Op, right)
	case Crosses:
		left, lok := it.operandValue(guard.Left)
		right, rok := it.operandValue(guard.Right)
		if !lok || !rok {
			rs.prevDefined = false
			return false
		}
		crossed := false
		if rs.prevDefined {
			switch guard.Dir {
			case CrossAbove:
				crossed = rs.prevLeft <= rs.prevRight && left > right
			case CrossBelow:
				crossed = rs.prevLeft >= rs.prevRight && left < right
			}
		}
		rs.prevLeft, rs.prevRight = left, right
		rs.prevDefined = true
		return crossed
	default:
		return false
	}
}

// operandValue resolves an operand; ok is false while a series is warming up.
func (it *Interpreter) operandValue(op Operand) (float64, bool) {
	switch o := op.(type) {
	case Const:
		return o.Value, true
	case SeriesRef:
		s, exists := it.series[o.Name]
		if !exists || !s.Ready() {
			return 0, false
		}
		return s.Value(), true
	default:
		return 0, false
	}
}

func compare(left float64, op Op, right float64) bool {
	switch op {
	case OpGT:
		return left > right
	case OpGTE:
		return left >= right
	case OpLT:
		return left < right
	case OpLTE:
		return left <= right
	case OpEQ:
		return left == right
	default:
		return false
	}
}

func floorDiv(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	q := ts / step
	if ts%step != 0 && (ts < 0) != (step < 0) {
		q--
	}
	return q
}
