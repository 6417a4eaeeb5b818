package tracer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/domain"
	"github.com/SIDN/pathvis/internal/feed"
	"github.com/SIDN/pathvis/internal/metrics"
)

const defaultHistorySize = 100

// Enricher fills hop metadata on a measured trace. Implementations
// must tolerate concurrent calls; every active tracer enriches on its
// own goroutine.
type Enricher interface {
	Trace(ctx context.Context, tr domain.Trace) domain.Trace
}

// Options tunes a single destination tracer
type Options struct {
	// Interval is the pause between measurements
	Interval time.Duration
	// MaxBackoff caps the failure backoff
	MaxBackoff time.Duration
	// Proto pins the probe protocol; empty cycles the capabilities
	Proto string
	// MaxHops mirrors the traceroute hop ceiling; a measurement that
	// fills it carries no terminal and is discarded
	MaxHops int
	// HistorySize bounds the observation history, oldest evicted
	HistorySize int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.MaxHops <= 0 {
		o.MaxHops = defaultMaxHops
	}
	if o.HistorySize <= 0 {
		o.HistorySize = defaultHistorySize
	}
	return o
}

// Tracer measures the path to one destination on a fixed cadence and
// keeps the observations worth publishing: the first measurement,
// every path or port change, and a final empty observation once
// stopped so consumers expire the destination.
type Tracer struct {
	dest   string
	runner Runner
	enrich Enricher
	opts   Options
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	// Measurement state below is owned by the run goroutine
	cycle        []string
	last         domain.Trace
	lastDPorts   []string
	failcount    int
	backoffUntil time.Time

	mu      sync.Mutex
	history []feed.Observation
	dports  []string
	cnames  []string
}

// NewTracer creates a tracer for dest. The destination must be a bare
// IP address, the same form it takes in the connection table.
func NewTracer(dest string, runner Runner, enrich Enricher, opts Options, log *zap.Logger) *Tracer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracer{
		dest:   dest,
		runner: runner,
		enrich: enrich,
		opts:   opts.withDefaults(),
		log:    log.With(zap.String("destination", dest)),
		done:   make(chan struct{}),
	}
}

// Destination returns the traced address
func (t *Tracer) Destination() string {
	return t.dest
}

// SetDPorts records the remote ports currently connected to the
// destination. A port change counts as a path change.
func (t *Tracer) SetDPorts(ports []string) {
	t.mu.Lock()
	t.dports = append([]string{}, ports...)
	t.mu.Unlock()
}

// SetCNames records the DNS names that resolved to the destination
func (t *Tracer) SetCNames(names []string) {
	t.mu.Lock()
	t.cnames = append([]string{}, names...)
	t.mu.Unlock()
}

// History returns a copy of the recorded observations, oldest first
func (t *Tracer) History() []feed.Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]feed.Observation(nil), t.history...)
}

// Final returns the last recorded observation. After Stop this is the
// expiry record.
func (t *Tracer) Final() (feed.Observation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.history) == 0 {
		return feed.Observation{}, false
	}
	return t.history[len(t.history)-1], true
}

// Start launches the measurement loop. Call once.
func (t *Tracer) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
}

// Stop ends the measurement loop and waits for the final observation
// to be recorded. Safe to call when the context already ended.
func (t *Tracer) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (t *Tracer) run(ctx context.Context) {
	defer close(t.done)
	defer t.final()

	t.log.Info("start tracing")
	for {
		t.measure(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.opts.Interval):
		}
	}
}

// measure runs one traceroute and records it when it differs from the
// previous path.
func (t *Tracer) measure(ctx context.Context) {
	if wait := t.backoffRemaining(); wait > 0 {
		t.log.Debug("backing off",
			zap.Int("failures", t.failcount),
			zap.Duration("remaining", wait))
		return
	}

	proto := t.nextProto()
	start := time.Now()
	tr, err := t.runner.Trace(ctx, t.dest, proto)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.log.Warn("traceroute failed", zap.String("proto", proto), zap.Error(err))
		metrics.TraceroutesTotal.WithLabelValues("error").Inc()
		tr = nil
	}
	metrics.TracerouteDuration.Observe(duration.Seconds())
	t.noteOutcome(tr)

	if !t.usable(tr) {
		if err == nil {
			metrics.TraceroutesTotal.WithLabelValues("incomplete").Inc()
		}
		return
	}
	metrics.TraceroutesTotal.WithLabelValues("ok").Inc()

	// Routers answer intermittently; keep the known hop where the new
	// measurement has a star instead of replacing information with
	// nothingness.
	tr = domain.MergeTraces(t.last, tr)

	t.mu.Lock()
	dports := append([]string{}, t.dports...)
	cnames := append([]string{}, t.cnames...)
	t.mu.Unlock()

	change := t.last == nil || !domain.EqualIPs(tr, t.last) || !equalStrings(t.lastDPorts, dports)
	if change {
		t.log.Info("path change",
			zap.String("proto", proto),
			zap.Strings("old", t.last.IPs()),
			zap.Strings("new", tr.IPs()))
	}
	t.lastDPorts = dports
	if !change {
		return
	}

	if t.enrich != nil {
		tr = t.enrich.Trace(ctx, tr)
	}
	t.last = tr

	t.record(feed.Observation{
		Start:       unixSeconds(start),
		Destination: t.dest,
		Change:      true,
		New:         true,
		Duration:    duration.Seconds(),
		CNames:      cnames,
		DPorts:      dports,
		Trace:       feed.FromTrace(tr),
	})
}

// usable filters out measurements that carry no information: nothing
// answered, the probe ran into its hop ceiling, or the path never
// reached a terminal address.
func (t *Tracer) usable(tr domain.Trace) bool {
	if len(tr) == 0 {
		return false
	}
	resolved := false
	for _, hop := range tr {
		if hop.Resolved() {
			resolved = true
			break
		}
	}
	if !resolved {
		return false
	}
	if len(tr) == t.opts.MaxHops-1 {
		return false
	}
	return tr[len(tr)-1].Resolved()
}

// noteOutcome tracks whether the measurement reached the destination.
// Repeated misses push the next attempt out so unreachable hosts do
// not burn a traceroute every interval.
func (t *Tracer) noteOutcome(tr domain.Trace) {
	for _, hop := range tr {
		if hop.IP == t.dest {
			t.failcount = 0
			t.backoffUntil = time.Time{}
			return
		}
	}
	t.failcount++
	if t.failcount > 1 {
		backoff := time.Duration(t.failcount) * t.opts.Interval
		if backoff > t.opts.MaxBackoff {
			backoff = t.opts.MaxBackoff
		}
		t.backoffUntil = time.Now().Add(backoff)
	}
}

func (t *Tracer) backoffRemaining() time.Duration {
	if t.backoffUntil.IsZero() {
		return 0
	}
	return time.Until(t.backoffUntil)
}

// nextProto rotates through the protocols the runner supports for
// this destination, unless one is pinned.
func (t *Tracer) nextProto() string {
	if t.opts.Proto != "" {
		return t.opts.Proto
	}
	if len(t.cycle) == 0 {
		t.cycle = t.runner.Capabilities(t.dest)
		if len(t.cycle) == 0 {
			return "udp"
		}
		t.log.Debug("protocol cycle", zap.Strings("protocols", t.cycle))
	}
	proto := t.cycle[0]
	t.cycle = append(t.cycle[1:], proto)
	return proto
}

// final appends the expiry observation: an empty trace tells
// consumers the destination is gone.
func (t *Tracer) final() {
	t.log.Info("stopped tracing")
	t.mu.Lock()
	cnames := append([]string{}, t.cnames...)
	t.mu.Unlock()

	t.record(feed.Observation{
		Start:       unixSeconds(time.Now()),
		Destination: t.dest,
		Change:      true,
		New:         false,
		CNames:      cnames,
		DPorts:      []string{},
		Trace:       []feed.TraceHop{},
	})
}

func (t *Tracer) record(obs feed.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, obs)
	if len(t.history) > t.opts.HistorySize {
		t.history = t.history[len(t.history)-t.opts.HistorySize:]
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func unixSeconds(ts time.Time) float64 {
	return float64(ts.UnixNano()) / 1e9
}
