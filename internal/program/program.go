// Package program defines the declarative strategy format consumed by the
// interpreter: named indicator series plus guarded rules that emit trade
// intents over an ordered bar stream.
package program

import (
	"fmt"
	"strings"
)

// Program is the compiled unit the interpreter executes. It arrives as JSON
// from an upstream producer; ParseProgram validates shape and semantics.
type Program struct {
	ID       string      `json:"id"`
	Version  int         `json:"version"`
	Interval string      `json:"interval"`
	Inputs   Inputs      `json:"inputs"`
	Series   []SeriesDef `json:"series"`
	Rules    []Rule      `json:"rules"`
}

// Inputs names the market data stream the program runs against.
type Inputs struct {
	Symbol string `json:"symbol"`
	Source string `json:"source,omitempty"`
}

// SeriesDef declares one streaming indicator.
type SeriesDef struct {
	Name   string `json:"name"`
	Type   string `json:"type"`   // ema | field
	Period int    `json:"period,omitempty"`
	Source string `json:"source,omitempty"` // open/high/low/close/volume
}

// Quota caps rule emissions inside a sliding window.
type Quota struct {
	Max      int   `json:"max"`
	WindowMs int64 `json:"windowMs"`
}

// Rule couples a guard with the actions fired when it holds.
type Rule struct {
	ID         string   `json:"id"`
	Event      string   `json:"event,omitempty"` // bar_close (default)
	OncePerBar bool     `json:"oncePerBar,omitempty"`
	Guard      Guard    `json:"guard"`
	Actions    []Action `json:"actions"`
	Quota      *Quota   `json:"quota,omitempty"`
	DelayMs    int64    `json:"delayMs,omitempty"`
}

// Op is a threshold comparison operator.
type Op string

const (
	OpGT  Op = "GT"
	OpGTE Op = "GTE"
	OpLT  Op = "LT"
	OpLTE Op = "LTE"
	OpEQ  Op = "EQ"
)

// CrossDir is the direction a crosses guard watches for.
type CrossDir string

const (
	CrossAbove CrossDir = "above"
	CrossBelow CrossDir = "below"
)

// Operand is a closed union: SeriesRef or Const.
type Operand interface{ isOperand() }

type SeriesRef struct {
	Name string `json:"name"`
}

type Const struct {
	Value float64 `json:"value"`
}

func (SeriesRef) isOperand() {}
func (Const) isOperand()     {}

// Guard is a closed union: Threshold or Crosses.
type Guard interface{ isGuard() }

type Threshold struct {
	Left  Operand `json:"left"`
	Op    Op      `json:"op"`
	Right Operand `json:"right"`
}

type Crosses struct {
	Left  Operand  `json:"left"`
	Dir   CrossDir `json:"dir"`
	Right Operand  `json:"right"`
}

func (Threshold) isGuard() {}
func (Crosses) isGuard()   {}

// Action is a closed union: OrderAction or StateAction.
type Action interface{ isAction() }

// OrderAction emits a trade intent. Qty/Notional are optional; the risk
// sizer fills in sizing from Meta when both are absent.
type OrderAction struct {
	Side     string         `json:"side"`
	Qty      float64        `json:"qty,omitempty"`
	Notional float64        `json:"notional,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// StateAction records an automation state transition (pause/resume/flag)
// in the ledger without trading.
type StateAction struct {
	State string `json:"state"`
	Note  string `json:"note,omitempty"`
}

func (OrderAction) isAction() {}
func (StateAction) isAction() {}

// Validate applies the semantic checks that the JSON schema cannot express.
func (p *Program) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("program id is required")
	}
	if strings.TrimSpace(p.Inputs.Symbol) == "" {
		return fmt.Errorf("program %s: inputs.symbol is required", p.ID)
	}
	names := make(map[string]bool, len(p.Series))
	for _, s := range p.Series {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("program %s: series name is required", p.ID)
		}
		if names[name] {
			return fmt.Errorf("program %s: duplicate series %q", p.ID, name)
		}
		names[name] = true
		switch strings.ToLower(s.Type) {
		case "ema":
			if s.Period <= 0 {
				return fmt.Errorf("program %s: series %q needs a positive period", p.ID, name)
			}
		case "field":
		default:
			return fmt.Errorf("program %s: series %q has unknown type %q", p.ID, name, s.Type)
		}
	}
	ruleIDs := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("program %s: rule id is required", p.ID)
		}
		if ruleIDs[r.ID] {
			return fmt.Errorf("program %s: duplicate rule %q", p.ID, r.ID)
		}
		ruleIDs[r.ID] = true
		if r.Guard == nil {
			return fmt.Errorf("program %s: rule %q has no guard", p.ID, r.ID)
		}
		if err := validateGuardRefs(p.ID, r.ID, r.Guard, names); err != nil {
			return err
		}
		if len(r.Actions) == 0 {
			return fmt.Errorf("program %s: rule %q has no actions", p.ID, r.ID)
		}
		if r.Quota != nil && (r.Quota.Max <= 0 || r.Quota.WindowMs <= 0) {
			return fmt.Errorf("program %s: rule %q quota needs positive max and windowMs", p.ID, r.ID)
		}
		if r.DelayMs < 0 {
			return fmt.Errorf("program %s: rule %q delayMs cannot be negative", p.ID, r.ID)
		}
	}
	return nil
}

func validateGuardRefs(programID, ruleID string, g Guard, series map[string]bool) error {
	check := func(op Operand) error {
		ref, ok := op.(SeriesRef)
		if !ok {
			return nil
		}
		if !series[ref.Name] {
			return fmt.Errorf("program %s: rule %q references unknown series %q", programID, ruleID, ref.Name)
		}
		return nil
	}
	switch guard := g.(type) {
	case Threshold:
		if err := check(guard.Left); err != nil {
			return err
		}
		return check(guard.Right)
	case Crosses:
		if err := check(guard.Left); err != nil {
			return err
		}
		return check(guard.Right)
	default:
		return fmt.Errorf("program %s: rule %q has unsupported guard", programID, ruleID)
	}
}
