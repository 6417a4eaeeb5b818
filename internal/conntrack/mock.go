package conntrack

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock cycles through canned host sets, advancing to the next set
// once per interval. Entries are "ip" or "ip_port"; a missing port
// records as "0". It exists to exercise the full tracer pipeline
// without depending on what the machine happens to be talking to.
type Mock struct {
	mu       sync.Mutex
	sets     [][]string
	interval time.Duration
	idx      int
	last     time.Time
}

// DefaultMockSets is the canned rotation used when mock mode is
// enabled without explicit sets
var DefaultMockSets = [][]string{
	{"8.8.8.8", "35.190.27.69_443", "185.55.136.59"},
	{},
	{"8.8.8.8_443"},
}

// NewMock creates a mock source rotating through sets
func NewMock(sets [][]string, interval time.Duration) *Mock {
	if len(sets) == 0 {
		sets = DefaultMockSets
	}
	return &Mock{sets: sets, interval: interval, last: time.Now()}
}

// Connections returns the current canned host set
func (m *Mock) Connections(_ context.Context) (PortsByHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.last) >= m.interval {
		m.last = time.Now()
		m.idx = (m.idx + 1) % len(m.sets)
	}

	set := make(map[string]map[string]struct{})
	for _, entry := range m.sets[m.idx] {
		host, port, ok := strings.Cut(entry, "_")
		if !ok {
			port = "0"
		}
		addPort(set, host, port)
	}
	return collapse(set), nil
}
