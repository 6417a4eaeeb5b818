package graph

import (
	"testing"

	"github.com/SIDN/pathvis/internal/domain"
)

func TestApplyTraceBuildsChain(t *testing.T) {
	s := NewStore()
	f := NewFilter(nil)
	trace := mkTrace("192.0.2.1", "192.0.2.2", "93.184.216.34")

	mut := applyTrace(s, f, "93.184.216.34", trace)

	assertNodeCount(t, s, 4)
	assertEdgeCount(t, s, 3)
	assertEqual(t, 3, len(mut.nodesAdded))
	assertEqual(t, 3, len(mut.edgesAdded))

	// Chain runs home -> hop0 -> hop1 -> hop2
	prev := HomeID
	for i, hop := range trace {
		if hop.NodeID <= HomeID {
			t.Fatalf("hop %d not stamped with a node id", i)
		}
		edge := s.Edge(EdgeKey{From: prev, To: hop.NodeID})
		if edge == nil {
			t.Fatalf("missing edge %d -> %d", prev, hop.NodeID)
		}
		if !edge.Destinations.Has("93.184.216.34") {
			t.Errorf("edge %d -> %d missing destination", prev, hop.NodeID)
		}
		prev = hop.NodeID
	}
}

func TestApplyTraceSharesResolvedNodes(t *testing.T) {
	s := NewStore()
	f := NewFilter(nil)

	applyTrace(s, f, "93.184.216.34", mkTrace("192.0.2.1", "93.184.216.34"))
	applyTrace(s, f, "198.51.100.7", mkTrace("192.0.2.1", "198.51.100.7"))

	// Shared first hop appears once, carrying both destinations
	assertNodeCount(t, s, 4)
	shared := s.FindByIP("192.0.2.1")
	if shared == nil {
		t.Fatal("shared hop node missing")
	}
	if !shared.Destinations.Has("93.184.216.34") || !shared.Destinations.Has("198.51.100.7") {
		t.Error("shared node should carry both destinations")
	}
}

func TestApplyTraceIdempotent(t *testing.T) {
	s := NewStore()
	f := NewFilter(nil)
	trace := mkTrace("192.0.2.1", "", "93.184.216.34")

	applyTrace(s, f, "93.184.216.34", trace)
	nodes, edges := s.NodeCount(), s.EdgeCount()

	applyTrace(s, f, "93.184.216.34", trace.Clone())

	assertNodeCount(t, s, nodes)
	assertEdgeCount(t, s, edges)
}

func TestApplyTraceLeadingStarsShared(t *testing.T) {
	s := NewStore()
	f := NewFilter(nil)

	applyTrace(s, f, "93.184.216.34", mkTrace("", "192.0.2.1", "93.184.216.34"))
	applyTrace(s, f, "198.51.100.7", mkTrace("", "192.0.2.1", "198.51.100.7"))

	// Both leading stars sit at hopnr 0, so the second destination
	// reuses the first one's node
	star := s.FindStar(0)
	if star == nil {
		t.Fatal("leading star node missing")
	}
	if !star.Destinations.Has("93.184.216.34") || !star.Destinations.Has("198.51.100.7") {
		t.Error("leading star should be shared across destinations")
	}
	assertNodeCount(t, s, 5)
}

func TestApplyTraceLateStarsNotShared(t *testing.T) {
	s := NewStore()
	f := NewFilter(nil)

	applyTrace(s, f, "93.184.216.34", mkTrace("192.0.2.1", "", "93.184.216.34"))
	applyTrace(s, f, "198.51.100.7", mkTrace("192.0.2.1", "", "198.51.100.7"))

	// Stars past the first resolved hop stay per-destination
	stars := 0
	for _, n := range s.Nodes() {
		if n.ID != HomeID && !n.Resolved() {
			stars++
			if len(n.Destinations) != 1 {
				t.Errorf("late star node %d shared by %d destinations", n.ID, len(n.Destinations))
			}
		}
	}
	assertEqual(t, 2, stars)
}

func TestApplyTraceStarChainStable(t *testing.T) {
	s := NewStore()
	f := NewFilter(nil)
	trace := mkTrace("192.0.2.1", "", "", "93.184.216.34")

	applyTrace(s, f, "93.184.216.34", trace)
	nodes := s.NodeCount()

	// Re-applying reuses the star chain through the previous node's
	// outgoing edges instead of allocating fresh stars
	applyTrace(s, f, "93.184.216.34", trace.Clone())
	assertNodeCount(t, s, nodes)
}

func TestApplyTraceEndpoint(t *testing.T) {
	s := NewStore()
	f := NewFilter(nil)
	trace := mkTrace("192.0.2.1", "93.184.216.34")

	applyTrace(s, f, "93.184.216.34", trace)

	term := s.FindByIP("93.184.216.34")
	if term == nil {
		t.Fatal("terminal node missing")
	}
	if !term.Endpoint() {
		t.Error("terminal node should be an endpoint")
	}
	mid := s.FindByIP("192.0.2.1")
	if mid.Endpoint() {
		t.Error("intermediate node should not be an endpoint")
	}
}

func TestApplyTraceRoaOK(t *testing.T) {
	valid := func(ips ...string) domain.Trace {
		tr := mkTrace(ips...)
		for i := range tr {
			if domain.IsPrivateIP(tr[i].IP) {
				tr[i].MarkPrivate()
			} else {
				tr[i].ROA = domain.ROAValid
			}
		}
		return tr
	}

	t.Run("all valid", func(t *testing.T) {
		s := NewStore()
		applyTrace(s, NewFilter(nil), "93.184.216.34", valid("10.0.0.1", "192.0.2.1", "93.184.216.34"))
		if !s.FindByIP("93.184.216.34").RoaOK {
			t.Error("endpoint should be RoaOK when all non-private hops are valid")
		}
	})
	t.Run("one unknown", func(t *testing.T) {
		s := NewStore()
		tr := valid("192.0.2.1", "93.184.216.34")
		tr[0].ROA = domain.ROAUnknown
		applyTrace(s, NewFilter(nil), "93.184.216.34", tr)
		if s.FindByIP("93.184.216.34").RoaOK {
			t.Error("endpoint should not be RoaOK with an unknown hop")
		}
	})
	t.Run("trace not reaching destination", func(t *testing.T) {
		s := NewStore()
		applyTrace(s, NewFilter(nil), "93.184.216.34", valid("192.0.2.1", "192.0.2.2"))
		for _, n := range s.Nodes() {
			if n.RoaOK {
				t.Errorf("node %d flagged RoaOK without a terminal hop", n.ID)
			}
		}
	})
}

func TestApplyTraceRefreshesEnrichment(t *testing.T) {
	s := NewStore()
	f := NewFilter(nil)

	applyTrace(s, f, "93.184.216.34", mkTrace("192.0.2.1", "93.184.216.34"))

	richer := mkTrace("192.0.2.1", "93.184.216.34")
	richer[0].ASN = "64496"
	richer[0].Hostname = "gw.example.net"
	applyTrace(s, f, "93.184.216.34", richer)

	n := s.FindByIP("192.0.2.1")
	if n.Hop == nil || n.Hop.ASN != "64496" {
		t.Error("re-apply should refresh the node's enrichment record")
	}
	if n.Hop.Hostname != "gw.example.net" {
		t.Error("re-apply should refresh the node's hostname")
	}
}

func TestApplyTraceHiddenFromFilter(t *testing.T) {
	s := NewStore()
	f := NewFilter([]string{"198.51.100.7"})

	applyTrace(s, f, "93.184.216.34", mkTrace("192.0.2.1", "93.184.216.34"))

	for _, n := range s.Nodes() {
		if n.ID == HomeID {
			continue
		}
		if !n.Hidden {
			t.Errorf("node %d should be created hidden under a foreign allow list", n.ID)
		}
	}
}
