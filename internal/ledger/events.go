// Package ledger is the append-only event log the engine audits itself with,
// plus the position projector that folds it back into state. The log is the
// source of truth: every cached position is rebuildable from it.
package ledger

import (
	"encoding/json"
	"fmt"

	"pilot/internal/market"
	"pilot/internal/types"
)

// Event is the closed union of everything the ledger records: CandleLogged,
// IntentLogged, OrderPlaced, FillRecorded, PolicyApplied or
// AutomationStateRecorded.
type Event interface {
	isLedgerEvent()
	EventType() string
}

const (
	TypeCandleLogged            = "candle_logged"
	TypeIntentLogged            = "intent_logged"
	TypeOrderPlaced             = "order_placed"
	TypeFillRecorded            = "fill_recorded"
	TypePolicyApplied           = "policy_applied"
	TypeAutomationStateRecorded = "automation_state_recorded"
)

type CandleLogged struct {
	Symbol string        `json:"symbol"`
	Candle market.Candle `json:"candle"`
}

type IntentLogged struct {
	Stage  string       `json:"stage"` // received | accepted
	Intent types.Intent `json:"intent"`
}

type OrderPlaced struct {
	Stage string      `json:"stage"` // sized | routed
	Order types.Order `json:"order"`
}

type FillRecorded struct {
	Fill types.Fill `json:"fill"`
}

type PolicyApplied struct {
	Mode    string        `json:"mode"`
	Plan    types.NetPlan `json:"plan"`
	Dropped []string      `json:"dropped,omitempty"`
}

type AutomationStateRecorded struct {
	SourceID string `json:"source_id"`
	State    string `json:"state"`
	Note     string `json:"note,omitempty"`
}

func (CandleLogged) isLedgerEvent()            {}
func (IntentLogged) isLedgerEvent()            {}
func (OrderPlaced) isLedgerEvent()             {}
func (FillRecorded) isLedgerEvent()            {}
func (PolicyApplied) isLedgerEvent()           {}
func (AutomationStateRecorded) isLedgerEvent() {}

func (CandleLogged) EventType() string            { return TypeCandleLogged }
func (IntentLogged) EventType() string            { return TypeIntentLogged }
func (OrderPlaced) EventType() string             { return TypeOrderPlaced }
func (FillRecorded) EventType() string            { return TypeFillRecorded }
func (PolicyApplied) EventType() string           { return TypePolicyApplied }
func (AutomationStateRecorded) EventType() string { return TypeAutomationStateRecorded }

// Record is one appended row: the event plus its immutable sequencing.
type Record struct {
	Seq       int64 `json:"seq"`
	Timestamp int64 `json:"timestamp"`
	Event     Event `json:"event"`
}

// decodeEvent rebuilds the union member from its stored discriminator.
func decodeEvent(eventType string, payload []byte) (Event, error) {
	var target Event
	switch eventType {
	case TypeCandleLogged:
		target = &CandleLogged{}
	case TypeIntentLogged:
		target = &IntentLogged{}
	case TypeOrderPlaced:
		target = &OrderPlaced{}
	case TypeFillRecorded:
		target = &FillRecorded{}
	case TypePolicyApplied:
		target = &PolicyApplied{}
	case TypeAutomationStateRecorded:
		target = &AutomationStateRecorded{}
	default:
		return nil, fmt.Errorf("unknown ledger event type %q", eventType)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", eventType, err)
	}
	switch v := target.(type) {
	case *CandleLogged:
		return *v, nil
	case *IntentLogged:
		return *v, nil
	case *OrderPlaced:
		return *v, nil
	case *FillRecorded:
		return *v, nil
	case *PolicyApplied:
		return *v, nil
	case *AutomationStateRecorded:
		return *v, nil
	}
	return nil, fmt.Errorf("unreachable event type %q", eventType)
}
