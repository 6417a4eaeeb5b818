package graph

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/domain"
	"github.com/SIDN/pathvis/internal/metrics"
)

// Session owns one path graph and everything derived from it: the
// store, the per-destination trace table, the change ledger, the
// visibility filter and the AS grouping. All mutation is serialized;
// an observation runs decide, strip, merge, sweep, record, recompute
// to completion before the next one is handled, and readers only ever
// see the result of a completed operation.
type Session struct {
	mu       sync.RWMutex
	store    *Store
	detector *Detector
	ledger   *Ledger
	filter   *Filter
	groups   *Groups
	bus      *EventBus
	log      *zap.Logger
	started  time.Time
}

// NewSession creates a session with an empty graph
func NewSession(history int, allowed []string, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		store:    NewStore(),
		detector: NewDetector(),
		ledger:   NewLedger(history),
		filter:   NewFilter(allowed),
		groups:   NewGroups(),
		bus:      NewEventBus(),
		log:      log,
		started:  time.Now(),
	}
}

// Events returns the bus presentation layers subscribe to. Subscribe
// during wiring, before observations flow.
func (s *Session) Events() *EventBus {
	return s.bus
}

// Observe handles one observation for a destination and returns the
// classification. An empty trace expires the destination. Duplicate
// traces are unchanged no-ops, as are expiries of unknown
// destinations, so transport replays are absorbed idempotently.
func (s *Session) Observe(dest string, trace domain.Trace) domain.Classification {
	s.mu.Lock()
	defer s.mu.Unlock()

	dec := s.detector.Decide(dest, trace)
	metrics.ObservationsTotal.WithLabelValues(string(dec.Classification)).Inc()

	switch dec.Classification {
	case domain.ClassificationNone, domain.ClassificationUnchanged:
		s.log.Debug("observation skipped",
			zap.String("destination", dest),
			zap.String("classification", string(dec.Classification)))
		return dec.Classification

	case domain.ClassificationExpired:
		s.expire(dest, dec)
		return dec.Classification

	default:
		s.apply(dest, trace, dec)
		return dec.Classification
	}
}

// apply runs the new-path and changed-path flow. For a changed path
// the old trace's references are stripped first and orphans are swept
// after the merge, so hops shared between the old and new path keep
// their node ids.
func (s *Session) apply(dest string, trace domain.Trace, dec Decision) {
	if dec.Classification == domain.ClassificationChanged {
		s.store.StripDestination(dest)
	}

	mut := applyTrace(s.store, s.filter, dest, trace)
	removedNodes, removedEdges := s.store.Sweep()

	s.detector.Commit(dest, trace)

	rec := Record{
		Destination:    dest,
		OldTrace:       dec.Old.Clone(),
		NewTrace:       trace.Clone(),
		Timestamp:      time.Now().UTC(),
		Classification: dec.Classification,
		NChanges:       dec.NChanges,
	}
	s.ledger.Append(rec)

	for _, id := range removedNodes {
		s.groups.Remove(id)
	}
	for _, id := range uniqueInts(append(mut.nodesAdded, mut.nodesUpdated...)) {
		if n := s.store.Node(id); n != nil {
			s.groups.Upsert(n)
		}
	}
	flipped := s.filter.Apply(s.store)
	s.groups.Refresh(s.store)

	s.emitRemovals(removedNodes, removedEdges)
	s.emitMutation(mut)
	if len(flipped) > 0 {
		s.bus.Publish(Event{Type: EventVisibilityChanged, Payload: VisibilityRef{Nodes: flipped}})
	}
	s.bus.Publish(Event{Type: EventPathRecorded, Payload: rec})

	s.log.Info("path applied",
		zap.String("destination", dest),
		zap.String("classification", string(dec.Classification)),
		zap.Int("n_changes", dec.NChanges),
		zap.Int("nodes", s.store.NodeCount()),
		zap.Int("edges", s.store.EdgeCount()))
	s.publishStats()
}

// expire removes a destination everywhere and records the expiry
func (s *Session) expire(dest string, dec Decision) {
	removedNodes, removedEdges := s.store.RemoveDestination(dest)
	s.detector.Forget(dest)

	rec := Record{
		Destination:    dest,
		OldTrace:       dec.Old.Clone(),
		Timestamp:      time.Now().UTC(),
		Classification: domain.ClassificationExpired,
	}
	s.ledger.Append(rec)

	for _, id := range removedNodes {
		s.groups.Remove(id)
	}
	flipped := s.filter.Apply(s.store)
	s.groups.Refresh(s.store)

	s.emitRemovals(removedNodes, removedEdges)
	if len(flipped) > 0 {
		s.bus.Publish(Event{Type: EventVisibilityChanged, Payload: VisibilityRef{Nodes: flipped}})
	}
	s.bus.Publish(Event{Type: EventPathRecorded, Payload: rec})

	s.log.Info("path expired",
		zap.String("destination", dest),
		zap.Int("nodes_removed", len(removedNodes)),
		zap.Int("edges_removed", len(removedEdges)))
	s.publishStats()
}

// Reset clears the graph back to the home node, empties the trace
// table and the ledger, and drops all groups. The allow-list filter is
// consumer preference and survives. The whole reset is atomic with
// respect to observations.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store.Reset()
	s.detector.Reset()
	s.ledger.Clear()
	s.groups.Clear()

	s.bus.Publish(Event{Type: EventGraphReset})
	s.log.Info("graph reset")
	s.publishStats()
}

// SetAllowed replaces the visibility allow-list and reapplies it
func (s *Session) SetAllowed(allowed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.filter.SetAllowed(allowed)
	flipped := s.filter.Apply(s.store)
	s.groups.Refresh(s.store)

	if len(flipped) > 0 {
		s.bus.Publish(Event{Type: EventVisibilityChanged, Payload: VisibilityRef{Nodes: flipped}})
	}
	s.log.Info("filter updated",
		zap.Strings("allowed", allowed),
		zap.Int("nodes_flipped", len(flipped)))
}

// Allowed returns the current allow-list
func (s *Session) Allowed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.Allowed()
}

// SetGrouping toggles AS grouping; enabling rebuilds membership
func (s *Session) SetGrouping(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups.SetEnabled(on, s.store)
	s.groups.Refresh(s.store)
	s.log.Info("grouping toggled", zap.Bool("enabled", on))
}

// GroupingEnabled reports whether AS grouping is on
func (s *Session) GroupingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups.Enabled()
}

// History returns the ledger's records, oldest first
func (s *Session) History() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Records()
}

// Diff renders the history record at index as a diff graph
func (s *Session) Diff(index int) (*DiffGraph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.ledger.At(index)
	if !ok {
		return nil, false
	}
	return BuildDiffGraph(rec), true
}

// Uptime reports how long the session has existed
func (s *Session) Uptime() time.Duration {
	return time.Since(s.started)
}

// publishStats refreshes the exported graph gauges. The caller holds
// the write lock.
func (s *Session) publishStats() {
	st := s.stats()
	metrics.GraphNodes.Set(float64(st.Nodes))
	metrics.GraphEdges.Set(float64(st.Edges))
	metrics.Destinations.Set(float64(st.Destinations))
	metrics.HistoryRecords.Set(float64(st.Records))
}

func (s *Session) emitRemovals(nodes []int, edges []EdgeKey) {
	for _, key := range edges {
		s.bus.Publish(Event{Type: EventEdgeRemoved, Payload: EdgeRef{From: key.From, To: key.To}})
	}
	for _, id := range nodes {
		s.bus.Publish(Event{Type: EventNodeRemoved, Payload: NodeRef{ID: id}})
	}
}

func (s *Session) emitMutation(mut mutation) {
	added := uniqueInts(mut.nodesAdded)
	seen := make(map[int]struct{}, len(added))
	for _, id := range added {
		seen[id] = struct{}{}
		if n := s.store.Node(id); n != nil {
			s.bus.Publish(Event{Type: EventNodeAdded, Payload: NodeRef{ID: id, IP: n.IP, HopNr: n.HopNr}})
		}
	}
	for _, id := range uniqueInts(mut.nodesUpdated) {
		if _, ok := seen[id]; ok {
			continue
		}
		if n := s.store.Node(id); n != nil {
			s.bus.Publish(Event{Type: EventNodeUpdated, Payload: NodeRef{ID: id, IP: n.IP, HopNr: n.HopNr}})
		}
	}

	addedEdges := uniqueKeys(mut.edgesAdded)
	for _, key := range addedEdges {
		s.bus.Publish(Event{Type: EventEdgeAdded, Payload: EdgeRef{From: key.From, To: key.To}})
	}
	edgeSeen := make(map[EdgeKey]struct{}, len(addedEdges))
	for _, key := range addedEdges {
		edgeSeen[key] = struct{}{}
	}
	for _, key := range uniqueKeys(mut.edgesUpdated) {
		if _, ok := edgeSeen[key]; ok {
			continue
		}
		s.bus.Publish(Event{Type: EventEdgeUpdated, Payload: EdgeRef{From: key.From, To: key.To}})
	}
}

func uniqueInts(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	var out []int
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func uniqueKeys(in []EdgeKey) []EdgeKey {
	seen := make(map[EdgeKey]struct{}, len(in))
	var out []EdgeKey
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
