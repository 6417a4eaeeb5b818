package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/SIDN/pathvis/internal/domain"
)

// ClearCacheToken is the control frame requesting a full graph reset.
// It is a bare string, not JSON, and is matched before any JSON
// parsing is attempted.
const ClearCacheToken = "clear_cache"

// Message is one decoded inbound frame: the reset control or an
// observation, never both.
type Message struct {
	Reset       bool
	Observation *Observation
}

// Observation is one trace measurement as it travels the wire. The
// change and new fields are the producer's own bookkeeping and are
// hints only; the receiving engine classifies for itself.
type Observation struct {
	Start       float64    `json:"start"`
	Destination string     `json:"destination"`
	Change      bool       `json:"change"`
	New         bool       `json:"new"`
	Duration    float64    `json:"duration"`
	CNames      []string   `json:"cnames"`
	DPorts      []string   `json:"dports"`
	Trace       []TraceHop `json:"trace"`
}

// TraceHop is one element of the wire trace, a [hopnr, info] pair
type TraceHop struct {
	HopNr int
	Info  HopInfo
}

// HopInfo carries the enrichment of one hop. A nil IP is an
// unresolved hop.
type HopInfo struct {
	IP          *string    `json:"ip"`
	Hostname    string     `json:"hostname,omitempty"`
	Domain      string     `json:"domain,omitempty"`
	ASN         string     `json:"asn,omitempty"`
	CIDR        string     `json:"cidr,omitempty"`
	Country     string     `json:"country,omitempty"`
	Description string     `json:"description,omitempty"`
	ROA         domain.ROA `json:"roa,omitempty"`
	DIS         string     `json:"dis,omitempty"`
}

// MarshalJSON encodes the hop as a two-element array
func (t TraceHop) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{t.HopNr, t.Info})
}

// UnmarshalJSON decodes a [hopnr, info] pair
func (t *TraceHop) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("failed to parse trace entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("trace entry has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &t.HopNr); err != nil {
		return fmt.Errorf("failed to parse hopnr: %w", err)
	}
	if err := json.Unmarshal(pair[1], &t.Info); err != nil {
		return fmt.Errorf("failed to parse hop info: %w", err)
	}
	return nil
}

// ParseMessage interprets one inbound frame. The clear_cache token is
// tested first so the control path never depends on JSON parsing.
func ParseMessage(data []byte) (Message, error) {
	if string(bytes.TrimSpace(data)) == ClearCacheToken {
		return Message{Reset: true}, nil
	}

	var obs Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return Message{}, fmt.Errorf("failed to parse observation: %w", err)
	}
	if err := obs.Validate(); err != nil {
		return Message{}, err
	}
	return Message{Observation: &obs}, nil
}

// Validate checks the fields the engine cannot work without
func (o *Observation) Validate() error {
	if o.Destination == "" {
		return fmt.Errorf("observation without destination")
	}
	if !domain.IsValidIP(o.Destination) {
		return fmt.Errorf("observation destination %q is not an ip", o.Destination)
	}
	return nil
}

// Expired reports whether the observation announces the end of its
// destination. An empty trace is the expiry signal.
func (o *Observation) Expired() bool {
	return len(o.Trace) == 0
}

// ToTrace converts the wire trace into the engine's hop sequence.
// Enrichment fields missing on the wire keep their placeholders, and
// the observation's cnames and dports attach to the terminal hop.
func (o *Observation) ToTrace() domain.Trace {
	if o.Expired() {
		return nil
	}

	tr := make(domain.Trace, len(o.Trace))
	for i, wh := range o.Trace {
		ip := ""
		if wh.Info.IP != nil {
			ip = *wh.Info.IP
		}
		hop := domain.NewHop(wh.HopNr, ip)
		if wh.Info.Hostname != "" {
			hop.Hostname = wh.Info.Hostname
		}
		if wh.Info.Domain != "" {
			hop.Domain = wh.Info.Domain
		}
		if wh.Info.ASN != "" {
			hop.ASN = wh.Info.ASN
		}
		if wh.Info.CIDR != "" {
			hop.CIDR = wh.Info.CIDR
		}
		if wh.Info.Country != "" {
			hop.Country = wh.Info.Country
		}
		if wh.Info.Description != "" {
			hop.Description = wh.Info.Description
		}
		if wh.Info.ROA != "" {
			hop.ROA = wh.Info.ROA
		}
		hop.DIS = wh.Info.DIS
		tr[i] = hop
	}

	last := len(tr) - 1
	if len(o.CNames) > 0 {
		tr[last].CNames = append([]string(nil), o.CNames...)
	}
	if len(o.DPorts) > 0 {
		tr[last].DPorts = append([]string(nil), o.DPorts...)
	}
	return tr
}

// FromTrace builds the wire pairs for a measured trace. Unresolved
// hops travel as a null ip.
func FromTrace(tr domain.Trace) []TraceHop {
	out := make([]TraceHop, len(tr))
	for i, hop := range tr {
		info := HopInfo{
			Hostname:    hop.Hostname,
			Domain:      hop.Domain,
			ASN:         hop.ASN,
			CIDR:        hop.CIDR,
			Country:     hop.Country,
			Description: hop.Description,
			ROA:         hop.ROA,
			DIS:         hop.DIS,
		}
		if hop.Resolved() {
			ip := hop.IP
			info.IP = &ip
		}
		out[i] = TraceHop{HopNr: hop.HopNr, Info: info}
	}
	return out
}
