package ledger

import (
	"context"
	"sync"
)

// Ledger is an append-only, monotonically sequenced event log.
type Ledger interface {
	// Append stores the event at the next sequence number with the given
	// timestamp and returns the finished record.
	Append(ctx context.Context, ts int64, evt Event) (Record, error)
	// Events returns every record in sequence order.
	Events(ctx context.Context) ([]Record, error)
	// EventsFrom returns records with Timestamp >= ts, in sequence order.
	EventsFrom(ctx context.Context, ts int64) ([]Record, error)
}

// Memory is the in-process ledger used by simulations and tests.
type Memory struct {
	mu      sync.Mutex
	nextSeq int64
	records []Record
}

func NewMemory() *Memory {
	return &Memory{nextSeq: 1}
}

func (m *Memory) Append(_ context.Context, ts int64, evt Event) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{Seq: m.nextSeq, Timestamp: ts, Event: evt}
	m.nextSeq++
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *Memory) Events(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *Memory) EventsFrom(_ context.Context, ts int64) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Timestamp >= ts {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Len reports the number of appended records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
