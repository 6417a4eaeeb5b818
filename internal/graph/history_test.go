package graph

import (
	"fmt"
	"testing"
	"time"

	"github.com/SIDN/pathvis/internal/domain"
)

func mkRecord(dest string, old, cur domain.Trace) Record {
	return Record{
		Destination:    dest,
		OldTrace:       old,
		NewTrace:       cur,
		Timestamp:      time.Now().UTC(),
		Classification: domain.ClassificationChanged,
	}
}

func TestLedgerAppendAndEvict(t *testing.T) {
	l := NewLedger(3)
	for i := 0; i < 5; i++ {
		l.Append(mkRecord(fmt.Sprintf("192.0.2.%d", i), nil, mkTrace("192.0.2.1")))
	}

	assertEqual(t, 3, l.Len())
	recs := l.Records()
	// The two oldest records were evicted
	assertEqual(t, "192.0.2.2", recs[0].Destination)
	assertEqual(t, "192.0.2.4", recs[2].Destination)
}

func TestLedgerAt(t *testing.T) {
	l := NewLedger(10)
	l.Append(mkRecord("93.184.216.34", nil, mkTrace("93.184.216.34")))

	rec, ok := l.At(0)
	if !ok || rec.Destination != "93.184.216.34" {
		t.Fatal("At(0) should return the appended record")
	}
	if _, ok := l.At(1); ok {
		t.Error("At past the end should report absence")
	}
	if _, ok := l.At(-1); ok {
		t.Error("At(-1) should report absence")
	}
}

func TestLedgerDefaultCap(t *testing.T) {
	l := NewLedger(0)
	for i := 0; i < DefaultLedgerCap+10; i++ {
		l.Append(mkRecord("93.184.216.34", nil, mkTrace("93.184.216.34")))
	}
	assertEqual(t, DefaultLedgerCap, l.Len())
}

func TestLedgerClear(t *testing.T) {
	l := NewLedger(10)
	l.Append(mkRecord("93.184.216.34", nil, mkTrace("93.184.216.34")))
	l.Clear()
	assertEqual(t, 0, l.Len())
}

// ============================================================================
// Diff Graphs
// ============================================================================

func findDiffNode(g *DiffGraph, label string, prov Provenance) *DiffNode {
	for i := range g.Nodes {
		if g.Nodes[i].Label == label && g.Nodes[i].Provenance == prov {
			return &g.Nodes[i]
		}
	}
	return nil
}

func findDiffEdge(g *DiffGraph, from, to int) *DiffEdge {
	for i := range g.Edges {
		if g.Edges[i].From == from && g.Edges[i].To == to {
			return &g.Edges[i]
		}
	}
	return nil
}

func TestBuildDiffGraphMiddleHopChange(t *testing.T) {
	rec := mkRecord("93.184.216.34",
		mkTrace("192.0.2.1", "192.0.2.2", "93.184.216.34"),
		mkTrace("192.0.2.1", "192.0.2.9", "93.184.216.34"))
	g := BuildDiffGraph(rec)

	// home + shared first hop + two divergent middles + shared terminal
	assertEqual(t, 5, len(g.Nodes))
	assertEqual(t, "home", g.Nodes[0].Label)
	assertEqual(t, ProvenanceShared, g.Nodes[0].Provenance)

	oldMid := findDiffNode(g, "192.0.2.2", ProvenanceOld)
	newMid := findDiffNode(g, "192.0.2.9", ProvenanceNew)
	term := findDiffNode(g, "93.184.216.34", ProvenanceShared)
	if oldMid == nil || newMid == nil || term == nil {
		t.Fatal("expected old, new and shared nodes in the diff")
	}
	if !term.Endpoint {
		t.Error("shared terminal should be marked endpoint")
	}

	// Both lineages rejoin at the terminal, keeping their own colors
	if e := findDiffEdge(g, oldMid.ID, term.ID); e == nil || e.Provenance != ProvenanceOld {
		t.Error("old lineage should rejoin the terminal with old provenance")
	}
	if e := findDiffEdge(g, newMid.ID, term.ID); e == nil || e.Provenance != ProvenanceNew {
		t.Error("new lineage should rejoin the terminal with new provenance")
	}
}

func TestBuildDiffGraphNewPath(t *testing.T) {
	rec := mkRecord("93.184.216.34",
		nil,
		mkTrace("192.0.2.1", "93.184.216.34"))
	rec.Classification = domain.ClassificationNewPath
	g := BuildDiffGraph(rec)

	assertEqual(t, 3, len(g.Nodes))
	for _, n := range g.Nodes[1:] {
		if n.Provenance != ProvenanceNew {
			t.Errorf("node %q provenance = %v, want new", n.Label, n.Provenance)
		}
	}
	term := findDiffNode(g, "93.184.216.34", ProvenanceNew)
	if term == nil || !term.Endpoint {
		t.Error("new lineage terminal should be marked endpoint")
	}
}

func TestBuildDiffGraphExpired(t *testing.T) {
	rec := mkRecord("93.184.216.34",
		mkTrace("192.0.2.1", "93.184.216.34"),
		nil)
	rec.Classification = domain.ClassificationExpired
	g := BuildDiffGraph(rec)

	assertEqual(t, 3, len(g.Nodes))
	for _, n := range g.Nodes[1:] {
		if n.Provenance != ProvenanceOld {
			t.Errorf("node %q provenance = %v, want old", n.Label, n.Provenance)
		}
	}
}

func TestBuildDiffGraphLengthChange(t *testing.T) {
	rec := mkRecord("93.184.216.34",
		mkTrace("192.0.2.1", "93.184.216.34"),
		mkTrace("192.0.2.1", "192.0.2.2", "93.184.216.34"))
	g := BuildDiffGraph(rec)

	// Position 1 diverges, so the new lineage runs two extra nodes
	if findDiffNode(g, "192.0.2.2", ProvenanceNew) == nil {
		t.Error("inserted hop should appear in the new lineage")
	}
	oldTerm := findDiffNode(g, "93.184.216.34", ProvenanceOld)
	newTerm := findDiffNode(g, "93.184.216.34", ProvenanceNew)
	if oldTerm == nil || newTerm == nil {
		t.Fatal("both lineages should carry their own terminal after divergence")
	}
	if !oldTerm.Endpoint || !newTerm.Endpoint {
		t.Error("both terminals should be marked endpoint")
	}
}

func TestBuildDiffGraphStarLabel(t *testing.T) {
	rec := mkRecord("93.184.216.34",
		mkTrace("", "93.184.216.34"),
		mkTrace("192.0.2.1", "93.184.216.34"))
	g := BuildDiffGraph(rec)

	if findDiffNode(g, "*", ProvenanceOld) == nil {
		t.Error("unresolved hop should be labeled *")
	}
}
