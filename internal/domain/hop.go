package domain

import "net/netip"

// ROA is the RPKI route origin validation state of a hop
type ROA string

const (
	ROAValid   ROA = "valid"
	ROAInvalid ROA = "invalid"
	ROAUnknown ROA = "unknown"
	ROANA      ROA = "na"
)

const (
	// Unset is the placeholder for enrichment fields with no data
	Unset = "*"
	// PrivateASN marks hops inside private address space
	PrivateASN = "private_ip"
	// PrivateDescription labels private hops
	PrivateDescription = "RFC1918/RFC4193"
)

// Hop is one step of a traced path. An empty IP denotes an unresolved
// hop (a "star"): the router did not answer.
type Hop struct {
	HopNr       int      `json:"hopnr"`
	IP          string   `json:"ip"`
	Hostname    string   `json:"hostname"`
	Domain      string   `json:"domain"`
	CNames      []string `json:"cnames,omitempty"`
	ASN         string   `json:"asn"`
	CIDR        string   `json:"cidr"`
	Country     string   `json:"country"`
	Description string   `json:"description"`
	ROA         ROA      `json:"roa"`
	DIS         string   `json:"dis,omitempty"`
	DPorts      []string `json:"dports,omitempty"`

	// NodeID is stamped during the merge with the graph node that
	// represents this hop. -1 before merging.
	NodeID int `json:"node_id,omitempty"`
}

// NewHop creates a hop with placeholder enrichment
func NewHop(hopnr int, ip string) Hop {
	return Hop{
		HopNr:       hopnr,
		IP:          ip,
		Hostname:    Unset,
		Domain:      Unset,
		ASN:         Unset,
		CIDR:        Unset,
		Country:     Unset,
		Description: Unset,
		ROA:         ROAUnknown,
		NodeID:      -1,
	}
}

// Resolved reports whether the hop has an IP address
func (h Hop) Resolved() bool {
	return h.IP != ""
}

// Private reports whether the hop sits inside private address space
func (h Hop) Private() bool {
	return h.ASN == PrivateASN || IsPrivateIP(h.IP)
}

// MarkPrivate fills the enrichment fields of a private hop. Private
// addresses have no public registration and no ROA.
func (h *Hop) MarkPrivate() {
	h.ASN = PrivateASN
	h.Description = PrivateDescription
	h.ROA = ROANA
}

// Clone returns a deep copy of the hop
func (h Hop) Clone() Hop {
	c := h
	if h.CNames != nil {
		c.CNames = append([]string(nil), h.CNames...)
	}
	if h.DPorts != nil {
		c.DPorts = append([]string(nil), h.DPorts...)
	}
	return c
}

// IsPrivateIP reports whether ip parses as an address in RFC1918 or
// RFC4193 space, loopback, or link-local.
func IsPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

// IsValidIP reports whether ip parses as an IPv4 or IPv6 address
func IsValidIP(ip string) bool {
	_, err := netip.ParseAddr(ip)
	return err == nil
}
