package graph

import (
	"github.com/SIDN/pathvis/internal/domain"
)

// Provenance labels which lineage a diff element belongs to
type Provenance string

const (
	ProvenanceShared Provenance = "shared"
	ProvenanceOld    Provenance = "old"
	ProvenanceNew    Provenance = "new"
)

// DiffNode is one hop of a rendered old-vs-new comparison
type DiffNode struct {
	ID         int        `json:"id"`
	Label      string     `json:"label"`
	Provenance Provenance `json:"provenance"`
	Endpoint   bool       `json:"endpoint,omitempty"`
}

// DiffEdge links consecutive hops within a lineage
type DiffEdge struct {
	From       int        `json:"from"`
	To         int        `json:"to"`
	Provenance Provenance `json:"provenance"`
}

// DiffGraph is a standalone rendering of one history record
type DiffGraph struct {
	Destination string     `json:"destination"`
	Nodes       []DiffNode `json:"nodes"`
	Edges       []DiffEdge `json:"edges"`
}

// BuildDiffGraph renders a record's old and new traces side by side.
// Alignment is purely positional: at each position, equal IPs emit one
// shared node carried by both lineages, anything else emits up to two
// divergent nodes each linked to the last node of its own lineage. A
// reordering of otherwise identical hops therefore reads as divergent
// from the first mismatch on; this is not a general tree diff. The
// terminal hop of a lineage is marked as endpoint when its IP equals
// the destination.
func BuildDiffGraph(rec Record) *DiffGraph {
	old, cur := rec.OldTrace, rec.NewTrace
	g := &DiffGraph{
		Destination: rec.Destination,
		Nodes: []DiffNode{{
			ID:         0,
			Label:      "home",
			Provenance: ProvenanceShared,
		}},
	}

	nextID := 1
	prevOld, prevNew := 0, 0
	lastOld, lastNew := -1, -1

	provOf := func(id int) Provenance {
		return g.Nodes[id].Provenance
	}
	link := func(from, to int) {
		prov := provOf(to)
		if p := provOf(from); p != ProvenanceShared {
			prov = p
		}
		g.Edges = append(g.Edges, DiffEdge{From: from, To: to, Provenance: prov})
	}

	max := len(old)
	if len(cur) > max {
		max = len(cur)
	}

	for i := 0; i < max; i++ {
		hasOld := i < len(old)
		hasNew := i < len(cur)

		if hasOld && hasNew && old[i].IP == cur[i].IP {
			id := nextID
			nextID++
			g.Nodes = append(g.Nodes, DiffNode{
				ID:         id,
				Label:      hopLabel(old[i]),
				Provenance: ProvenanceShared,
			})
			link(prevOld, id)
			if prevNew != prevOld {
				link(prevNew, id)
			}
			prevOld, prevNew = id, id
			lastOld, lastNew = id, id
			continue
		}

		if hasOld {
			id := nextID
			nextID++
			g.Nodes = append(g.Nodes, DiffNode{
				ID:         id,
				Label:      hopLabel(old[i]),
				Provenance: ProvenanceOld,
			})
			link(prevOld, id)
			prevOld = id
			lastOld = id
		}
		if hasNew {
			id := nextID
			nextID++
			g.Nodes = append(g.Nodes, DiffNode{
				ID:         id,
				Label:      hopLabel(cur[i]),
				Provenance: ProvenanceNew,
			})
			link(prevNew, id)
			prevNew = id
			lastNew = id
		}
	}

	if len(old) > 0 && old[len(old)-1].IP == rec.Destination && lastOld > 0 {
		g.Nodes[lastOld].Endpoint = true
	}
	if len(cur) > 0 && cur[len(cur)-1].IP == rec.Destination && lastNew > 0 {
		g.Nodes[lastNew].Endpoint = true
	}

	return g
}

func hopLabel(h domain.Hop) string {
	if h.IP == "" {
		return "*"
	}
	return h.IP
}
