package tracer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SIDN/pathvis/internal/domain"
)

const testDest = "93.184.216.34"

// fakeRunner serves queued traces in order and fails when drained
type fakeRunner struct {
	mu     sync.Mutex
	queue  []domain.Trace
	protos []string
	caps   []string
}

func (f *fakeRunner) push(traces ...domain.Trace) {
	f.mu.Lock()
	f.queue = append(f.queue, traces...)
	f.mu.Unlock()
}

func (f *fakeRunner) Trace(_ context.Context, _, proto string) (domain.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protos = append(f.protos, proto)
	if len(f.queue) == 0 {
		return nil, errors.New("probe failed")
	}
	tr := f.queue[0]
	f.queue = f.queue[1:]
	return tr.Clone(), nil
}

func (f *fakeRunner) Capabilities(string) []string {
	if f.caps == nil {
		return []string{"icmp", "udp", "tcp"}
	}
	return f.caps
}

func (f *fakeRunner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.protos...)
}

// asnStamper marks every hop with a fixed ASN
type asnStamper struct{}

func (asnStamper) Trace(_ context.Context, tr domain.Trace) domain.Trace {
	out := tr.Clone()
	for i := range out {
		out[i].ASN = "64500"
	}
	return out
}

func mkTrace(ips ...string) domain.Trace {
	tr := make(domain.Trace, len(ips))
	for i, ip := range ips {
		tr[i] = domain.NewHop(i, ip)
	}
	return tr
}

func testTracer(runner Runner, opts Options) *Tracer {
	return NewTracer(testDest, runner, nil, opts, nil)
}

func TestMeasureRecordsFirstObservation(t *testing.T) {
	runner := &fakeRunner{}
	runner.push(mkTrace("10.0.0.1", "192.0.2.1", testDest))
	tr := testTracer(runner, Options{})
	tr.SetDPorts([]string{"443"})

	tr.measure(context.Background())

	history := tr.History()
	if len(history) != 1 {
		t.Fatalf("got %d observations, want 1", len(history))
	}
	obs := history[0]
	if obs.Destination != testDest {
		t.Errorf("destination = %q, want %q", obs.Destination, testDest)
	}
	if !obs.Change || !obs.New {
		t.Errorf("first observation must be change+new, got change=%v new=%v", obs.Change, obs.New)
	}
	if obs.Start <= 0 {
		t.Error("start timestamp missing")
	}
	if len(obs.Trace) != 3 {
		t.Errorf("got %d wire hops, want 3", len(obs.Trace))
	}
	if len(obs.DPorts) != 1 || obs.DPorts[0] != "443" {
		t.Errorf("dports = %v, want [443]", obs.DPorts)
	}
}

func TestMeasureSkipsUnchangedPath(t *testing.T) {
	path := mkTrace("10.0.0.1", "192.0.2.1", testDest)
	runner := &fakeRunner{}
	runner.push(path, path)
	tr := testTracer(runner, Options{})

	tr.measure(context.Background())
	tr.measure(context.Background())

	if got := len(tr.History()); got != 1 {
		t.Errorf("got %d observations, want 1 (unchanged path must not record)", got)
	}
}

func TestMeasureRecordsPortChange(t *testing.T) {
	path := mkTrace("10.0.0.1", "192.0.2.1", testDest)
	runner := &fakeRunner{}
	runner.push(path, path, path)
	tr := testTracer(runner, Options{})
	tr.SetDPorts([]string{"443"})

	tr.measure(context.Background())
	tr.SetDPorts([]string{"443", "80"})
	tr.measure(context.Background())
	tr.measure(context.Background())

	history := tr.History()
	if len(history) != 2 {
		t.Fatalf("got %d observations, want 2 (port change counts, repeat does not)", len(history))
	}
	if ports := history[1].DPorts; len(ports) != 2 || ports[1] != "80" {
		t.Errorf("dports = %v, want [443 80]", ports)
	}
}

func TestMeasureMergesStarsIntoKnownPath(t *testing.T) {
	runner := &fakeRunner{}
	runner.push(
		mkTrace("10.0.0.1", "192.0.2.1", testDest),
		mkTrace("10.0.0.1", "", testDest),
		mkTrace("10.0.0.1", "192.0.2.99", testDest),
	)
	tr := testTracer(runner, Options{})

	ctx := context.Background()
	tr.measure(ctx)
	tr.measure(ctx)
	tr.measure(ctx)

	history := tr.History()
	// The star in the second measurement is filled from the first, so
	// only the real change in the third records.
	if len(history) != 2 {
		t.Fatalf("got %d observations, want 2", len(history))
	}
	hop := history[1].Trace[1].Info
	if hop.IP == nil || *hop.IP != "192.0.2.99" {
		t.Errorf("changed hop = %v, want 192.0.2.99", hop.IP)
	}
}

func TestMeasureIgnoresUselessTraces(t *testing.T) {
	tests := []struct {
		name  string
		trace domain.Trace
		opts  Options
	}{
		{"nothing answered", mkTrace("", "", ""), Options{}},
		{"no terminal", mkTrace("10.0.0.1", "192.0.2.1", ""), Options{}},
		{"hop ceiling hit", mkTrace("10.0.0.1", "192.0.2.1", testDest), Options{MaxHops: 4}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{}
			runner.push(tc.trace)
			tr := testTracer(runner, tc.opts)

			tr.measure(context.Background())

			if got := len(tr.History()); got != 0 {
				t.Errorf("got %d observations, want 0", got)
			}
		})
	}
}

func TestMeasureBackoffAfterRepeatedFailures(t *testing.T) {
	runner := &fakeRunner{}
	tr := testTracer(runner, Options{Interval: time.Second})

	ctx := context.Background()
	tr.measure(ctx)
	if tr.failcount != 1 || !tr.backoffUntil.IsZero() {
		t.Fatalf("after 1 failure: failcount=%d backoff=%v, want 1 and none", tr.failcount, tr.backoffUntil)
	}
	tr.measure(ctx)
	if tr.failcount != 2 || tr.backoffUntil.IsZero() {
		t.Fatalf("after 2 failures: failcount=%d, backoff expected", tr.failcount)
	}

	// While backing off the runner is not consulted
	tr.measure(ctx)
	if calls := runner.calls(); len(calls) != 2 {
		t.Errorf("runner called %d times, want 2", len(calls))
	}

	// An expired backoff lets the next measurement through, and a
	// trace that reaches the destination clears the failure state
	tr.backoffUntil = time.Now().Add(-time.Second)
	runner.push(mkTrace("10.0.0.1", testDest))
	tr.measure(ctx)
	if tr.failcount != 0 || !tr.backoffUntil.IsZero() {
		t.Errorf("reaching the destination must clear failcount=%d backoff=%v", tr.failcount, tr.backoffUntil)
	}
}

func TestMeasureBackoffIsCapped(t *testing.T) {
	runner := &fakeRunner{}
	tr := testTracer(runner, Options{Interval: 10 * time.Second, MaxBackoff: time.Second})

	ctx := context.Background()
	tr.measure(ctx)
	tr.measure(ctx)

	if wait := time.Until(tr.backoffUntil); wait > time.Second {
		t.Errorf("backoff %v exceeds the 1s cap", wait)
	}
}

func TestProtocolCycling(t *testing.T) {
	path := mkTrace("10.0.0.1", testDest)
	runner := &fakeRunner{}
	runner.push(path, path, path, path)
	tr := testTracer(runner, Options{})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		tr.measure(ctx)
	}

	want := []string{"icmp", "udp", "tcp", "icmp"}
	if got := runner.calls(); !equalStrings(got, want) {
		t.Errorf("protocol order = %v, want %v", got, want)
	}
}

func TestPinnedProtocol(t *testing.T) {
	path := mkTrace("10.0.0.1", testDest)
	runner := &fakeRunner{}
	runner.push(path, path)
	tr := testTracer(runner, Options{Proto: "udp"})

	ctx := context.Background()
	tr.measure(ctx)
	tr.measure(ctx)

	if got := runner.calls(); !equalStrings(got, []string{"udp", "udp"}) {
		t.Errorf("protocols = %v, want pinned udp", got)
	}
}

func TestMeasureEnriches(t *testing.T) {
	runner := &fakeRunner{}
	runner.push(mkTrace("10.0.0.1", testDest))
	tr := NewTracer(testDest, runner, asnStamper{}, Options{}, nil)

	tr.measure(context.Background())

	history := tr.History()
	if len(history) != 1 {
		t.Fatalf("got %d observations, want 1", len(history))
	}
	for _, hop := range history[0].Trace {
		if hop.Info.ASN != "64500" {
			t.Errorf("hop %d ASN = %q, want enriched 64500", hop.HopNr, hop.Info.ASN)
		}
	}
}

func TestHistoryCap(t *testing.T) {
	runner := &fakeRunner{}
	runner.push(
		mkTrace("10.0.0.1", "192.0.2.1", testDest),
		mkTrace("10.0.0.1", "192.0.2.2", testDest),
		mkTrace("10.0.0.1", "192.0.2.3", testDest),
	)
	tr := testTracer(runner, Options{HistorySize: 2})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tr.measure(ctx)
	}

	history := tr.History()
	if len(history) != 2 {
		t.Fatalf("got %d observations, want 2", len(history))
	}
	if ip := history[0].Trace[1].Info.IP; ip == nil || *ip != "192.0.2.2" {
		t.Errorf("oldest surviving observation = %v, want the second measurement", ip)
	}
}

func TestFinalBeforeAnyRecord(t *testing.T) {
	tr := testTracer(&fakeRunner{}, Options{})
	if _, ok := tr.Final(); ok {
		t.Error("a fresh tracer has no final observation")
	}
}

func TestTracerLifecycle(t *testing.T) {
	runner := &fakeRunner{}
	runner.push(mkTrace("10.0.0.1", testDest))
	tr := testTracer(runner, Options{Interval: 10 * time.Millisecond})
	tr.SetCNames([]string{"svc.example.com"})

	tr.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.History()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no observation recorded before the deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}

	tr.Stop()

	final, ok := tr.Final()
	if !ok {
		t.Fatal("expected a final observation after Stop")
	}
	if len(final.Trace) != 0 {
		t.Errorf("final trace has %d hops, want empty", len(final.Trace))
	}
	if final.New || !final.Change {
		t.Errorf("final must be change and not new, got change=%v new=%v", final.Change, final.New)
	}
	if len(final.CNames) != 1 || final.CNames[0] != "svc.example.com" {
		t.Errorf("final cnames = %v, want the recorded names", final.CNames)
	}
}
