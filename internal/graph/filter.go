package graph

// Filter is the destination allow-list governing node visibility. It
// is a derived view over the store and never alters topology.
type Filter struct {
	allowed DestSet
}

// NewFilter creates a filter; an empty allow-list shows everything
func NewFilter(allowed []string) *Filter {
	return &Filter{allowed: NewDestSet(allowed...)}
}

// SetAllowed replaces the allow-list
func (f *Filter) SetAllowed(allowed []string) {
	f.allowed = NewDestSet(allowed...)
}

// Allowed returns the allow-list, sorted
func (f *Filter) Allowed() []string {
	return f.allowed.Sorted()
}

// Visible reports whether a node passes the filter: the allow-list is
// empty, the node carries no destinations (home), or the sets
// intersect.
func (f *Filter) Visible(n *Node) bool {
	if len(f.allowed) == 0 || len(n.Destinations) == 0 {
		return true
	}
	return n.Destinations.Intersects(f.allowed)
}

// Apply recomputes every node's hidden flag and returns the ids whose
// visibility flipped.
func (f *Filter) Apply(store *Store) []int {
	var flipped []int
	for _, n := range store.Nodes() {
		hidden := !f.Visible(n)
		if hidden != n.Hidden {
			n.Hidden = hidden
			flipped = append(flipped, n.ID)
		}
	}
	return flipped
}
