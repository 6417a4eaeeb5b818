package graph

import (
	"sort"

	"github.com/SIDN/pathvis/internal/domain"
)

// Store owns the node and edge collections. It is pure storage with
// referential-integrity helpers; which destinations share which hops
// is the merge walk's business.
type Store struct {
	nodes map[int]*Node
	edges map[EdgeKey]*Edge
}

// NewStore creates a store holding only the home node
func NewStore() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// Reset clears all state and recreates the home node
func (s *Store) Reset() {
	s.nodes = map[int]*Node{HomeID: {
		ID:           HomeID,
		HopNr:        -1,
		Destinations: DestSet{},
	}}
	s.edges = map[EdgeKey]*Edge{}
}

// Node returns the node with the given id, nil when absent
func (s *Store) Node(id int) *Node {
	return s.nodes[id]
}

// Edge returns the edge under key, nil when absent
func (s *Store) Edge(key EdgeKey) *Edge {
	return s.edges[key]
}

// FindByIP returns the node carrying ip. IPs are unique across the
// graph, so the first match is the only one.
func (s *Store) FindByIP(ip string) *Node {
	if ip == "" {
		return nil
	}
	for _, id := range s.sortedNodeIDs() {
		if n := s.nodes[id]; n.IP == ip {
			return n
		}
	}
	return nil
}

// FindStar returns an unresolved node at the given hop position, home
// excluded. Lowest id wins so repeated lookups are stable.
func (s *Store) FindStar(hopnr int) *Node {
	for _, id := range s.sortedNodeIDs() {
		if id == HomeID {
			continue
		}
		if n := s.nodes[id]; n.IP == "" && n.HopNr == hopnr {
			return n
		}
	}
	return nil
}

// StarTarget returns the unresolved node that from already points at
// for this destination, nil when no such edge exists. Re-applying a
// changed trace walks its old star chain through here instead of
// growing a new node per pass. An edge with an empty destination set
// qualifies too: operations are serialized and sweep their orphans
// before finishing, so mid-operation the only empty sets are the ones
// this destination's own strip produced.
func (s *Store) StarTarget(from int, dest string) *Node {
	var best *Node
	for key, e := range s.edges {
		if key.From != from {
			continue
		}
		if !e.Destinations.Has(dest) && len(e.Destinations) > 0 {
			continue
		}
		n := s.nodes[key.To]
		if n == nil || n.IP != "" {
			continue
		}
		if best == nil || n.ID < best.ID {
			best = n
		}
	}
	return best
}

// AddNode allocates a node for a hop. IDs allocate as max existing
// plus one; a deleted top id may be reclaimed, which is safe because
// stale references never outlive the operation that deleted them.
func (s *Store) AddNode(hop domain.Hop) *Node {
	enrich := hop.Clone()
	n := &Node{
		ID:           s.nextID(),
		IP:           hop.IP,
		HopNr:        hop.HopNr,
		Destinations: DestSet{},
		Hop:          &enrich,
	}
	s.nodes[n.ID] = n
	return n
}

func (s *Store) nextID() int {
	max := 0
	for id := range s.nodes {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// EnsureEdge returns the edge from->to, creating it when absent
func (s *Store) EnsureEdge(from, to int) (*Edge, bool) {
	key := EdgeKey{From: from, To: to}
	if e, ok := s.edges[key]; ok {
		return e, false
	}
	e := &Edge{From: from, To: to, Destinations: DestSet{}}
	s.edges[key] = e
	return e, true
}

// StripDestination removes dest from every node and edge set without
// deleting anything. Emptied entries stay until Sweep so a re-applied
// trace can rescue the hops it still uses.
func (s *Store) StripDestination(dest string) {
	for _, n := range s.nodes {
		n.Destinations.Remove(dest)
	}
	for _, e := range s.edges {
		e.Destinations.Remove(dest)
	}
}

// Sweep deletes every node and edge whose destination set is empty,
// home excepted. Returns what was removed, nodes ascending by id.
func (s *Store) Sweep() ([]int, []EdgeKey) {
	var nodes []int
	for id, n := range s.nodes {
		if id != HomeID && len(n.Destinations) == 0 {
			nodes = append(nodes, id)
		}
	}
	sort.Ints(nodes)
	for _, id := range nodes {
		delete(s.nodes, id)
	}

	var edges []EdgeKey
	for key, e := range s.edges {
		if len(e.Destinations) == 0 {
			edges = append(edges, key)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	for _, key := range edges {
		delete(s.edges, key)
	}

	return nodes, edges
}

// RemoveDestination strips dest everywhere and sweeps the orphans in
// one step. Used for expiry, where nothing is re-applied afterwards.
func (s *Store) RemoveDestination(dest string) ([]int, []EdgeKey) {
	s.StripDestination(dest)
	return s.Sweep()
}

// NodeCount returns the number of nodes, home included
func (s *Store) NodeCount() int {
	return len(s.nodes)
}

// EdgeCount returns the number of edges
func (s *Store) EdgeCount() int {
	return len(s.edges)
}

// Nodes returns all nodes ascending by id
func (s *Store) Nodes() []*Node {
	ids := s.sortedNodeIDs()
	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		nodes[i] = s.nodes[id]
	}
	return nodes
}

// Edges returns all edges ordered by (from, to)
func (s *Store) Edges() []*Edge {
	keys := make([]EdgeKey, 0, len(s.edges))
	for key := range s.edges {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].From != keys[j].From {
			return keys[i].From < keys[j].From
		}
		return keys[i].To < keys[j].To
	})
	edges := make([]*Edge, len(keys))
	for i, key := range keys {
		edges[i] = s.edges[key]
	}
	return edges
}

func (s *Store) sortedNodeIDs() []int {
	ids := make([]int, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
