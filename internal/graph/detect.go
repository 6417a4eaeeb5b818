package graph

import (
	"sort"

	"github.com/SIDN/pathvis/internal/domain"
)

// Detector compares incoming traces against the last applied one per
// destination and decides whether the merge runs and what the ledger
// records. It is the sole gate in front of the merge.
type Detector struct {
	traces map[string]domain.Trace
}

// Decision is the outcome of comparing one observation
type Decision struct {
	Classification domain.Classification
	NChanges       int
	// Apply is true when the merge must run (new or changed path)
	Apply bool
	// Old is the previously applied trace, nil for a new destination
	Old domain.Trace
}

// NewDetector creates an empty detector
func NewDetector() *Detector {
	return &Detector{traces: make(map[string]domain.Trace)}
}

// Decide classifies cur against the stored trace for dest. An empty
// cur means the destination expired; expiring an unknown destination
// classifies as none and must be a complete no-op for the caller.
func (d *Detector) Decide(dest string, cur domain.Trace) Decision {
	old, seen := d.traces[dest]

	if len(cur) == 0 {
		if !seen {
			return Decision{Classification: domain.ClassificationNone}
		}
		return Decision{Classification: domain.ClassificationExpired, Old: old}
	}

	if !seen {
		return Decision{Classification: domain.ClassificationNewPath, Apply: true}
	}

	if domain.EqualIPs(old, cur) {
		return Decision{Classification: domain.ClassificationUnchanged, Old: old}
	}

	return Decision{
		Classification: domain.ClassificationChanged,
		NChanges:       countNewIPs(old, cur),
		Apply:          true,
		Old:            old,
	}
}

// countNewIPs is the cardinality of ips(cur) minus ips(old), with
// unresolved hops participating as the empty string.
func countNewIPs(old, cur domain.Trace) int {
	oldSet := old.IPSet()
	n := 0
	for ip := range cur.IPSet() {
		if _, ok := oldSet[ip]; !ok {
			n++
		}
	}
	return n
}

// Commit stores tr as the last applied trace for dest
func (d *Detector) Commit(dest string, tr domain.Trace) {
	d.traces[dest] = tr.Clone()
}

// Forget drops the stored trace for dest
func (d *Detector) Forget(dest string) {
	delete(d.traces, dest)
}

// Reset drops all stored traces
func (d *Detector) Reset() {
	d.traces = make(map[string]domain.Trace)
}

// Trace returns the stored trace for dest
func (d *Detector) Trace(dest string) (domain.Trace, bool) {
	tr, ok := d.traces[dest]
	return tr, ok
}

// Destinations returns the tracked destination keys, sorted
func (d *Detector) Destinations() []string {
	keys := make([]string, 0, len(d.traces))
	for k := range d.traces {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of tracked destinations
func (d *Detector) Len() int {
	return len(d.traces)
}
