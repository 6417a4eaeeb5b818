package graph

import (
	"sort"

	"github.com/SIDN/pathvis/internal/domain"
)

// HomeID is the id of the fixed home/local node. The home node anchors
// every trace and is never removed.
const HomeID = 0

// DestSet is a set of destination keys (final-hop IPs)
type DestSet map[string]struct{}

// NewDestSet builds a set from a list of destination keys
func NewDestSet(keys ...string) DestSet {
	s := make(DestSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts a destination key
func (s DestSet) Add(key string) {
	s[key] = struct{}{}
}

// Remove deletes a destination key
func (s DestSet) Remove(key string) {
	delete(s, key)
}

// Has reports membership
func (s DestSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Intersects reports whether the sets share a key
func (s DestSet) Intersects(other DestSet) bool {
	for k := range s {
		if _, ok := other[k]; ok {
			return true
		}
	}
	return false
}

// Sorted returns the keys in sorted order
func (s DestSet) Sorted() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Node is one hop in the merged topology. A node with a known IP is
// unique per IP across the graph and shared by every destination whose
// path crosses it. A node with an empty IP represents an unresolved
// hop at a position.
type Node struct {
	ID           int
	IP           string
	HopNr        int
	Destinations DestSet
	Hop          *domain.Hop
	Hidden       bool
	RoaOK        bool
}

// Home reports whether this is the home node
func (n *Node) Home() bool {
	return n.ID == HomeID
}

// Resolved reports whether the node has an IP
func (n *Node) Resolved() bool {
	return n.IP != ""
}

// Endpoint reports whether the node terminates one of its own paths:
// its IP doubles as a destination key it carries.
func (n *Node) Endpoint() bool {
	return n.IP != "" && n.Destinations.Has(n.IP)
}

// Label returns the rendering label: the IP, "*" for unresolved hops,
// "home" for the home node.
func (n *Node) Label() string {
	if n.Home() {
		return "home"
	}
	if n.IP == "" {
		return "*"
	}
	return n.IP
}

// EdgeKey identifies an edge by its endpoints. At most one edge exists
// per (from, to) pair.
type EdgeKey struct {
	From int
	To   int
}

// Edge is a directed link between consecutive hops, aggregating every
// destination whose path uses it.
type Edge struct {
	From         int
	To           int
	Destinations DestSet
}

// Key returns the edge's map key
func (e *Edge) Key() EdgeKey {
	return EdgeKey{From: e.From, To: e.To}
}
