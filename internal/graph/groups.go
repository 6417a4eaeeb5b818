package graph

import (
	"sort"

	"github.com/SIDN/pathvis/internal/domain"
)

// Group is one AS-level cluster of nodes
type Group struct {
	ASN       string
	Members   map[int]struct{}
	Hidden    bool
	Highlight bool
}

// Groups clusters nodes by origin AS, derived from enrichment. It is
// owned by the session, maintained incrementally on node changes and
// rebuilt on toggle, and never mutates topology. The view emits
// groups only while grouping is enabled.
type Groups struct {
	enabled bool
	groups  map[string]*Group
	nodeASN map[int]string
}

// NewGroups creates an empty, disabled grouping engine
func NewGroups() *Groups {
	return &Groups{
		groups:  make(map[string]*Group),
		nodeASN: make(map[int]string),
	}
}

// Enabled reports whether grouping is on
func (g *Groups) Enabled() bool {
	return g.enabled
}

// SetEnabled toggles grouping. Enabling rebuilds membership from the
// store wholesale.
func (g *Groups) SetEnabled(on bool, store *Store) {
	g.enabled = on
	if on {
		g.Rebuild(store)
	}
}

// Rebuild recomputes all membership from the store
func (g *Groups) Rebuild(store *Store) {
	g.groups = make(map[string]*Group)
	g.nodeASN = make(map[int]string)
	for _, n := range store.Nodes() {
		g.Upsert(n)
	}
}

// Clear drops all groups
func (g *Groups) Clear() {
	g.groups = make(map[string]*Group)
	g.nodeASN = make(map[int]string)
}

// Upsert registers a node with the group its ASN names, moving it when
// the ASN changed and refreshing the touched groups' state.
func (g *Groups) Upsert(n *Node) {
	asn := groupKey(n)
	old, had := g.nodeASN[n.ID]

	if had && old != asn {
		g.drop(n.ID, old)
	}

	if asn == "" {
		delete(g.nodeASN, n.ID)
		return
	}

	grp, ok := g.groups[asn]
	if !ok {
		grp = &Group{ASN: asn, Members: make(map[int]struct{})}
		g.groups[asn] = grp
	}
	grp.Members[n.ID] = struct{}{}
	g.nodeASN[n.ID] = asn
}

// Remove unregisters a deleted node
func (g *Groups) Remove(nodeID int) {
	if asn, ok := g.nodeASN[nodeID]; ok {
		g.drop(nodeID, asn)
		delete(g.nodeASN, nodeID)
	}
}

func (g *Groups) drop(nodeID int, asn string) {
	grp, ok := g.groups[asn]
	if !ok {
		return
	}
	delete(grp.Members, nodeID)
	if len(grp.Members) == 0 {
		delete(g.groups, asn)
	}
}

// Refresh recomputes every group's hidden and highlight state from the
// store: hidden iff all members are hidden, highlighted iff any member
// is an endpoint.
func (g *Groups) Refresh(store *Store) {
	for _, grp := range g.groups {
		grp.Hidden = true
		grp.Highlight = false
		for id := range grp.Members {
			n := store.Node(id)
			if n == nil {
				continue
			}
			if !n.Hidden {
				grp.Hidden = false
			}
			if n.Endpoint() {
				grp.Highlight = true
			}
		}
	}
}

// List returns the groups sorted by ASN
func (g *Groups) List() []*Group {
	keys := make([]string, 0, len(g.groups))
	for k := range g.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Group, len(keys))
	for i, k := range keys {
		out[i] = g.groups[k]
	}
	return out
}

// groupKey returns the ASN a node groups under, empty for ungroupable
// nodes (home, placeholder enrichment).
func groupKey(n *Node) string {
	if n.Hop == nil {
		return ""
	}
	if n.Hop.ASN == "" || n.Hop.ASN == domain.Unset {
		return ""
	}
	return n.Hop.ASN
}
