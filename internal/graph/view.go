package graph

import (
	"fmt"
	"sort"

	"github.com/SIDN/pathvis/internal/domain"
)

// View is the derived graph consumers render. It is built under the
// read lock from completed state and shares nothing with the store.
type View struct {
	Nodes  []ViewNode  `json:"nodes"`
	Edges  []ViewEdge  `json:"edges"`
	Groups []ViewGroup `json:"groups,omitempty"`
	Stats  Stats       `json:"stats"`
}

// ViewNode represents a node in the visualization
type ViewNode struct {
	ID           int      `json:"id"`
	Label        string   `json:"label"`
	IP           string   `json:"ip,omitempty"`
	HopNr        int      `json:"hopnr"`
	Destinations []string `json:"destinations,omitempty"`
	Hidden       bool     `json:"hidden,omitempty"`
	Endpoint     bool     `json:"endpoint,omitempty"`
	RoaOK        bool     `json:"roa_ok,omitempty"`
	Home         bool     `json:"home,omitempty"`
	ASN          string   `json:"asn,omitempty"`
	Title        string   `json:"title,omitempty"`
}

// ViewEdge represents an edge in the visualization
type ViewEdge struct {
	From         int      `json:"from"`
	To           int      `json:"to"`
	Destinations []string `json:"destinations,omitempty"`
}

// ViewGroup represents an AS cluster in the visualization
type ViewGroup struct {
	ASN       string `json:"asn"`
	Members   []int  `json:"members"`
	Hidden    bool   `json:"hidden"`
	Highlight bool   `json:"highlight"`
}

// Stats counts the engine's current state
type Stats struct {
	Nodes        int `json:"nodes"`
	Edges        int `json:"edges"`
	Destinations int `json:"destinations"`
	Records      int `json:"records"`
}

// Snapshot derives the current view
func (s *Session) Snapshot() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view := &View{
		Nodes: make([]ViewNode, 0, s.store.NodeCount()),
		Edges: make([]ViewEdge, 0, s.store.EdgeCount()),
		Stats: s.stats(),
	}

	for _, n := range s.store.Nodes() {
		vn := ViewNode{
			ID:           n.ID,
			Label:        n.Label(),
			IP:           n.IP,
			HopNr:        n.HopNr,
			Destinations: n.Destinations.Sorted(),
			Hidden:       n.Hidden,
			Endpoint:     n.Endpoint(),
			RoaOK:        n.RoaOK,
			Home:         n.Home(),
			Title:        buildTitle(n),
		}
		if n.Hop != nil && n.Hop.ASN != domain.Unset {
			vn.ASN = n.Hop.ASN
		}
		view.Nodes = append(view.Nodes, vn)
	}

	for _, e := range s.store.Edges() {
		view.Edges = append(view.Edges, ViewEdge{
			From:         e.From,
			To:           e.To,
			Destinations: e.Destinations.Sorted(),
		})
	}

	if s.groups.Enabled() {
		for _, grp := range s.groups.List() {
			members := make([]int, 0, len(grp.Members))
			for id := range grp.Members {
				members = append(members, id)
			}
			sort.Ints(members)
			view.Groups = append(view.Groups, ViewGroup{
				ASN:       grp.ASN,
				Members:   members,
				Hidden:    grp.Hidden,
				Highlight: grp.Highlight,
			})
		}
	}

	return view
}

// Stats returns the current counters
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats()
}

func (s *Session) stats() Stats {
	return Stats{
		Nodes:        s.store.NodeCount(),
		Edges:        s.store.EdgeCount(),
		Destinations: s.detector.Len(),
		Records:      s.ledger.Len(),
	}
}

// buildTitle renders the tooltip for a node
func buildTitle(n *Node) string {
	if n.Home() {
		return "local host"
	}
	title := n.Label()
	h := n.Hop
	if h == nil {
		return title
	}
	if h.Hostname != "" && h.Hostname != domain.Unset {
		title += "\n" + h.Hostname
	}
	if h.ASN != "" && h.ASN != domain.Unset && h.ASN != domain.PrivateASN {
		title += fmt.Sprintf("\nAS%s %s", h.ASN, h.CIDR)
	}
	if h.Description != "" && h.Description != domain.Unset {
		title += "\n" + h.Description
	}
	if h.ROA != "" {
		title += "\nroa: " + string(h.ROA)
	}
	return title
}
