package program

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"pilot/internal/market"
)

// ParseProgramYAML converts a YAML program document to JSON and runs it
// through the same schema and semantic validation as ParseProgram.
func ParseProgramYAML(raw []byte) (*Program, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("program yaml is not valid YAML: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("program yaml is empty")
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("program yaml conversion failed: %w", err)
	}
	return ParseProgram(buf)
}

// ParseProgram decodes and validates a program document. Malformed input
// fails fast here; nothing downstream re-checks shape.
func ParseProgram(raw []byte) (*Program, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("program json is empty")
	}
	if !gjson.Valid(text) {
		return nil, fmt.Errorf("program json is not valid JSON")
	}
	schema, err := compiledProgramSchema()
	if err != nil {
		return nil, fmt.Errorf("program schema unavailable: %w", err)
	}
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("program json rejected by schema: %w", err)
	}

	parsed := gjson.Parse(text)
	p := &Program{
		ID:       parsed.Get("id").String(),
		Version:  int(parsed.Get("version").Int()),
		Interval: parsed.Get("interval").String(),
		Inputs: Inputs{
			Symbol: strings.ToUpper(parsed.Get("inputs.symbol").String()),
			Source: parsed.Get("inputs.source").String(),
		},
	}
	if _, err := market.ParseInterval(p.Interval); err != nil {
		return nil, fmt.Errorf("program %s: %w", p.ID, err)
	}

	parsed.Get("series").ForEach(func(_, item gjson.Result) bool {
		p.Series = append(p.Series, SeriesDef{
			Name:   item.Get("name").String(),
			Type:   strings.ToLower(item.Get("type").String()),
			Period: int(item.Get("period").Int()),
			Source: item.Get("source").String(),
		})
		return true
	})

	var ruleErr error
	parsed.Get("rules").ForEach(func(_, item gjson.Result) bool {
		rule, err := parseRule(item)
		if err != nil {
			ruleErr = err
			return false
		}
		p.Rules = append(p.Rules, rule)
		return true
	})
	if ruleErr != nil {
		return nil, fmt.Errorf("program %s: %w", p.ID, ruleErr)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseRule(item gjson.Result) (Rule, error) {
	rule := Rule{
		ID:         item.Get("id").String(),
		Event:      item.Get("event").String(),
		OncePerBar: item.Get("oncePerBar").Bool(),
		DelayMs:    item.Get("delayMs").Int(),
	}
	guard, err := parseGuard(item.Get("guard"))
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	rule.Guard = guard

	var actionErr error
	item.Get("actions").ForEach(func(_, a gjson.Result) bool {
		action, err := parseAction(a)
		if err != nil {
			actionErr = err
			return false
		}
		rule.Actions = append(rule.Actions, action)
		return true
	})
	if actionErr != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rule.ID, actionErr)
	}

	if q := item.Get("quota"); q.Exists() {
		rule.Quota = &Quota{
			Max:      int(q.Get("max").Int()),
			WindowMs: q.Get("windowMs").Int(),
		}
	}
	return rule, nil
}

func parseGuard(g gjson.Result) (Guard, error) {
	switch g.Get("type").String() {
	case "threshold":
		left, err := parseOperand(g.Get("left"))
		if err != nil {
			return nil, err
		}
		right, err := parseOperand(g.Get("right"))
		if err != nil {
			return nil, err
		}
		return Threshold{Left: left, Op: Op(g.Get("op").String()), Right: right}, nil
	case "crosses":
		left, err := parseOperand(g.Get("left"))
		if err != nil {
			return nil, err
		}
		right, err := parseOperand(g.Get("right"))
		if err != nil {
			return nil, err
		}
		return Crosses{Left: left, Dir: CrossDir(g.Get("dir").String()), Right: right}, nil
	default:
		return nil, fmt.Errorf("unknown guard type %q", g.Get("type").String())
	}
}

func parseOperand(op gjson.Result) (Operand, error) {
	switch op.Get("type").String() {
	case "series":
		return SeriesRef{Name: op.Get("name").String()}, nil
	case "const":
		return Const{Value: op.Get("value").Float()}, nil
	default:
		return nil, fmt.Errorf("unknown operand type %q", op.Get("type").String())
	}
}

func parseAction(a gjson.Result) (Action, error) {
	switch a.Get("type").String() {
	case "order":
		action := OrderAction{
			Side:     a.Get("side").String(),
			Qty:      a.Get("qty").Float(),
			Notional: a.Get("notional").Float(),
		}
		if meta := a.Get("meta"); meta.Exists() && meta.IsObject() {
			action.Meta = map[string]any{}
			if err := json.Unmarshal([]byte(meta.Raw), &action.Meta); err != nil {
				return nil, err
			}
		}
		return action, nil
	case "state":
		return StateAction{
			State: a.Get("state").String(),
			Note:  a.Get("note").String(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", a.Get("type").String())
	}
}
