package tracer

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/conntrack"
	"github.com/SIDN/pathvis/internal/feed"
	"github.com/SIDN/pathvis/internal/metrics"
)

// Publisher receives tracer snapshots for fan-out to feed clients.
// active maps each traced destination to its observation history,
// removed carries the expiry records of destinations that stopped
// since the last reconcile.
type Publisher interface {
	Update(active map[string][]feed.Observation, removed []feed.Observation)
}

// Resolver supplies the DNS names that led to a destination address
type Resolver interface {
	Lookup(addr string) []string
}

// ManagerConfig assembles a Manager's collaborators. Enricher,
// Resolver and Publisher may be nil.
type ManagerConfig struct {
	Source         conntrack.Source
	Runner         Runner
	Enricher       Enricher
	Resolver       Resolver
	Publisher      Publisher
	Tracer         Options
	UpdateInterval time.Duration
	PushInterval   time.Duration
	// LocalIP is never traced; autodetected when empty
	LocalIP string
}

// Manager reconciles tracers against the machine's connection table:
// new remote hosts get a tracer, vanished hosts get stopped and their
// expiry record published. Between reconciles it pushes fresh history
// snapshots to the publisher so observations reach the wire promptly.
type Manager struct {
	source   conntrack.Source
	runner   Runner
	enricher Enricher
	resolver Resolver
	pub      Publisher
	opts     Options
	interval time.Duration
	push     time.Duration
	localIP  string
	log      *zap.Logger

	mu      sync.Mutex
	tracers map[string]*Tracer
	removed []feed.Observation
}

// NewManager creates a manager from its wiring
func NewManager(cfg ManagerConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 10 * time.Second
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = time.Second
	}
	if cfg.LocalIP == "" {
		cfg.LocalIP = LocalIP()
	}
	return &Manager{
		source:   cfg.Source,
		runner:   cfg.Runner,
		enricher: cfg.Enricher,
		resolver: cfg.Resolver,
		pub:      cfg.Publisher,
		opts:     cfg.Tracer,
		interval: cfg.UpdateInterval,
		push:     cfg.PushInterval,
		localIP:  cfg.LocalIP,
		log:      log,
		tracers:  make(map[string]*Tracer),
	}
}

// Run reconciles and publishes until ctx ends. On return every tracer
// has stopped and the final snapshot, expiry records included, has
// been pushed.
func (m *Manager) Run(ctx context.Context) error {
	m.reconcile(ctx)
	m.publish()

	update := time.NewTicker(m.interval)
	defer update.Stop()
	push := time.NewTicker(m.push)
	defer push.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-update.C:
			m.reconcile(ctx)
		case <-push.C:
			m.publish()
		}
	}
}

// ActiveCount returns the number of destinations currently traced
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracers)
}

// Destinations returns the traced addresses, sorted
func (m *Manager) Destinations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(conntrack.PortsByHost, len(m.tracers))
	for dest := range m.tracers {
		active[dest] = nil
	}
	return active.Hosts()
}

// reconcile aligns the tracer set with the current connection table.
// A discovery failure keeps the existing tracers running.
func (m *Manager) reconcile(ctx context.Context) {
	conns, err := m.source.Connections(ctx)
	if err != nil {
		m.log.Warn("connection discovery failed", zap.Error(err))
		return
	}
	m.log.Debug("active remote hosts", zap.Strings("hosts", conns.Hosts()))

	var started, stopped int
	m.mu.Lock()
	for _, host := range conns.Hosts() {
		if host == m.localIP {
			continue
		}
		if tr, ok := m.tracers[host]; ok {
			tr.SetDPorts(conns[host])
			continue
		}
		tr := NewTracer(host, m.runner, m.enricher, m.opts, m.log)
		if m.resolver != nil {
			tr.SetCNames(m.resolver.Lookup(host))
		}
		tr.SetDPorts(conns[host])
		tr.Start(ctx)
		m.tracers[host] = tr
		started++
	}

	var finals []feed.Observation
	for dest, tr := range m.tracers {
		if _, ok := conns[dest]; ok {
			continue
		}
		delete(m.tracers, dest)
		tr.Stop()
		if obs, ok := tr.Final(); ok {
			finals = append(finals, obs)
		}
		stopped++
	}
	// Expiry records stay published until the next reconcile replaces
	// them; by then every connected client has had them pushed.
	m.removed = finals
	active := len(m.tracers)
	m.mu.Unlock()

	metrics.TracersActive.Set(float64(active))
	if started > 0 || stopped > 0 {
		m.log.Info("reconciled tracers",
			zap.Int("started", started),
			zap.Int("stopped", stopped),
			zap.Int("active", active))
	}
}

// publish pushes a fresh snapshot of all tracer histories
func (m *Manager) publish() {
	if m.pub == nil {
		return
	}
	m.mu.Lock()
	active := make(map[string][]feed.Observation, len(m.tracers))
	for dest, tr := range m.tracers {
		active[dest] = tr.History()
	}
	removed := append([]feed.Observation(nil), m.removed...)
	m.mu.Unlock()

	m.pub.Update(active, removed)
}

// shutdown stops every tracer and publishes their expiry records
func (m *Manager) shutdown() {
	start := time.Now()
	m.mu.Lock()
	tracers := make([]*Tracer, 0, len(m.tracers))
	for _, tr := range m.tracers {
		tracers = append(tracers, tr)
	}
	m.tracers = make(map[string]*Tracer)
	m.mu.Unlock()

	finals := make([]feed.Observation, 0, len(tracers))
	for _, tr := range tracers {
		tr.Stop()
		if obs, ok := tr.Final(); ok {
			finals = append(finals, obs)
		}
	}

	m.mu.Lock()
	m.removed = finals
	m.mu.Unlock()
	m.publish()

	metrics.TracersActive.Set(0)
	m.log.Info("stopped tracers",
		zap.Int("count", len(tracers)),
		zap.Duration("took", time.Since(start)))
}

// LocalIP finds the address of the default route interface. A UDP
// connect assigns the local address without sending a packet.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:1")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
