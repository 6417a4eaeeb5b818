// Package cnames recovers the DNS names behind traced destinations by
// following a dnsmasq query log. A traceroute only knows the address
// it probes; the log ties that address back to the name chain the
// client originally asked for.
package cnames

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"go.uber.org/zap"
)

const (
	maxEntries = 5000

	// Answers arriving more than this after their query line belong to
	// a recycled query id.
	openQueryTTL = 10 * time.Second

	timeLayout = "Jan _2 15:04:05"
)

// Answer values that are not addresses.
var skipValues = map[string]struct{}{
	"NXDOMAIN":    {},
	"NODATA":      {},
	"NODATA-IPv4": {},
	"NODATA-IPv6": {},
	"SERVFAIL":    {},
	"0.0.0.0":     {},
	"<HTTPS>":     {},
	"duplicate":   {},
}

type openQuery struct {
	seen  time.Time
	chain []string
}

type queryRef struct {
	seen time.Time
	id   int
}

// Table maps resolved addresses to the name chain that produced them.
// The final element is the name whose record held the address; the
// ones before it are the CNAME links walked to get there.
type Table struct {
	max  int
	log  *zap.Logger
	tail *tail.Tail
	done chan struct{}

	mu      sync.Mutex
	entries map[string][]string
	order   []string
	open    map[int]*openQuery
	queue   []queryRef
}

// New follows the dnsmasq query log at path. The existing log content
// is replayed first, which warms the table after a restart.
func New(path string, log *zap.Logger) (*Table, error) {
	if log == nil {
		log = zap.NewNop()
	}

	t := newTable(maxEntries, log)
	tf, err := tail.TailFile(path, tail.Config{
		Follow: true,
		ReOpen: true,
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to follow query log: %w", err)
	}
	t.tail = tf
	go t.consume()

	log.Info("following dnsmasq query log", zap.String("path", path))
	return t, nil
}

func newTable(max int, log *zap.Logger) *Table {
	return &Table{
		max:     max,
		log:     log,
		done:    make(chan struct{}),
		entries: map[string][]string{},
		open:    map[int]*openQuery{},
	}
}

func (t *Table) consume() {
	defer close(t.done)
	for line := range t.tail.Lines {
		if line.Err != nil {
			t.log.Warn("query log read failed", zap.Error(line.Err))
			continue
		}
		t.feed(line.Text)
	}
}

// Close stops following the log.
func (t *Table) Close() error {
	if t.tail == nil {
		return nil
	}
	err := t.tail.Stop()
	<-t.done
	t.tail.Cleanup()
	return err
}

// Lookup returns the name chain that resolved to addr, nil when the
// address never appeared in an answer.
func (t *Table) Lookup(addr string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	chain, ok := t.entries[addr]
	if !ok {
		return nil
	}
	return append([]string(nil), chain...)
}

// Len returns the number of known addresses.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// feed parses one log line. Every line keeps its query open; answer
// lines grow the query's CNAME chain until an address publishes it.
func (t *Table) feed(line string) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return
	}
	id, err := strconv.Atoi(fields[4])
	if err != nil {
		return
	}
	seen, ok := parseLogTime(fields)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	q, known := t.open[id]
	if !known {
		q = &openQuery{seen: seen}
		t.open[id] = q
		t.queue = append(t.queue, queryRef{seen: seen, id: id})
	}

	if fields[6] == "reply" || fields[6] == "cached" {
		name, value := fields[7], fields[9]
		if _, skip := skipValues[value]; !skip {
			if value == "<CNAME>" {
				q.chain = append(q.chain, name)
			} else {
				t.record(value, append(append([]string{}, q.chain...), name))
			}
		}
	}

	t.evict(seen)
}

// record stores a chain under its address, refreshing the insertion
// order so the oldest address is the eviction candidate.
func (t *Table) record(value string, chain []string) {
	if _, ok := t.entries[value]; ok {
		t.dropOrder(value)
	} else if len(t.entries) >= t.max {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
	}
	t.entries[value] = chain
	t.order = append(t.order, value)
}

func (t *Table) dropOrder(value string) {
	for i, v := range t.order {
		if v == value {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// evict closes queries whose answers never completed. The queue is in
// log order, so eviction stops at the first still-fresh entry.
func (t *Table) evict(now time.Time) {
	for len(t.queue) > 0 && t.queue[0].seen.Add(openQueryTTL).Before(now) {
		delete(t.open, t.queue[0].id)
		t.queue = t.queue[1:]
	}
}

// parseLogTime reads the syslog timestamp leading a dnsmasq line. The
// log carries no year; the current one is assumed.
func parseLogTime(fields []string) (time.Time, bool) {
	ts, err := time.Parse(timeLayout, strings.Join(fields[:3], " "))
	if err != nil {
		return time.Time{}, false
	}
	return ts.AddDate(time.Now().Year(), 0, 0), true
}
