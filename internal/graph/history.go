package graph

import (
	"time"

	"github.com/SIDN/pathvis/internal/domain"
)

// Record is one entry of the path-change ledger. Records are immutable
// once appended.
type Record struct {
	Destination    string                `json:"destination"`
	OldTrace       domain.Trace          `json:"old_trace,omitempty"`
	NewTrace       domain.Trace          `json:"new_trace,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
	Classification domain.Classification `json:"classification"`
	NChanges       int                   `json:"n_changes"`
}

// Ledger is the bounded, oldest-first change log. Appending past the
// cap evicts the oldest record.
type Ledger struct {
	max     int
	records []Record
}

// DefaultLedgerCap bounds the ledger when no cap is configured
const DefaultLedgerCap = 50

// NewLedger creates a ledger capped at max records
func NewLedger(max int) *Ledger {
	if max <= 0 {
		max = DefaultLedgerCap
	}
	return &Ledger{max: max}
}

// Append adds a record, evicting the oldest beyond the cap
func (l *Ledger) Append(rec Record) {
	l.records = append(l.records, rec)
	if len(l.records) > l.max {
		l.records = l.records[len(l.records)-l.max:]
	}
}

// Records returns a copy of the log, oldest first
func (l *Ledger) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// At returns the record at index, oldest first
func (l *Ledger) At(index int) (Record, bool) {
	if index < 0 || index >= len(l.records) {
		return Record{}, false
	}
	return l.records[index], true
}

// Len returns the number of records
func (l *Ledger) Len() int {
	return len(l.records)
}

// Clear drops all records
func (l *Ledger) Clear() {
	l.records = nil
}
