package graph

import (
	"github.com/SIDN/pathvis/internal/domain"
)

// mutation collects what one merge touched, for event emission
type mutation struct {
	nodesAdded   []int
	nodesUpdated []int
	edgesAdded   []EdgeKey
	edgesUpdated []EdgeKey
}

// applyTrace merges one destination's trace into the store. It walks
// the hops left to right carrying the previous node id, starting at
// home, and stamps every hop's NodeID with the node that represents
// it. New nodes take their hidden flag from the filter's current
// predicate.
//
// Unresolved hops share nodes across destinations only while the walk
// is still inside the leading run of stars: the firstNonStar flag
// flips permanently on the first resolved hop and position-based
// matching stops. Past that point an unresolved hop may still reuse
// the star node this destination's previous trace linked after the
// same predecessor, keeping re-applied star chains stable.
func applyTrace(store *Store, filter *Filter, dest string, trace domain.Trace) mutation {
	var mut mutation
	prev := HomeID
	firstNonStar := false
	last := len(trace) - 1
	allValid := trace.AllROAValid()

	for i := range trace {
		hop := &trace[i]

		var node *Node
		if hop.Resolved() {
			node = store.FindByIP(hop.IP)
		} else if !firstNonStar {
			node = store.FindStar(hop.HopNr)
		}
		if node == nil && !hop.Resolved() {
			node = store.StarTarget(prev, dest)
		}

		if node == nil {
			node = store.AddNode(*hop)
			node.Destinations.Add(dest)
			node.Hidden = !filter.Visible(node)
			mut.nodesAdded = append(mut.nodesAdded, node.ID)
		} else {
			node.Destinations.Add(dest)
			enrich := hop.Clone()
			node.Hop = &enrich
			if !node.Resolved() {
				node.HopNr = hop.HopNr
			}
			mut.nodesUpdated = append(mut.nodesUpdated, node.ID)
		}

		if hop.Resolved() {
			firstNonStar = true
		}
		hop.NodeID = node.ID

		if i == last && hop.IP == dest {
			node.RoaOK = allValid
		}

		if prev != node.ID {
			edge, created := store.EnsureEdge(prev, node.ID)
			edge.Destinations.Add(dest)
			if created {
				mut.edgesAdded = append(mut.edgesAdded, edge.Key())
			} else {
				mut.edgesUpdated = append(mut.edgesUpdated, edge.Key())
			}
			prev = node.ID
		}
	}

	return mut
}
