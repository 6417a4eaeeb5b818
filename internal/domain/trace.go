package domain

// Trace is the ordered hop sequence of one path measurement. Index 0 is
// the first hop after the local host; the destination key is the final
// hop's IP.
type Trace []Hop

// IPs returns the hop IPs in order, empty string for unresolved hops
func (t Trace) IPs() []string {
	ips := make([]string, len(t))
	for i, h := range t {
		ips[i] = h.IP
	}
	return ips
}

// IPSet returns the set of hop IPs, unresolved included as ""
func (t Trace) IPSet() map[string]struct{} {
	set := make(map[string]struct{}, len(t))
	for _, h := range t {
		set[h.IP] = struct{}{}
	}
	return set
}

// Clone returns a deep copy of the trace
func (t Trace) Clone() Trace {
	if t == nil {
		return nil
	}
	c := make(Trace, len(t))
	for i, h := range t {
		c[i] = h.Clone()
	}
	return c
}

// AllROAValid reports whether every non-private hop carries a valid
// ROA. False for an empty trace.
func (t Trace) AllROAValid() bool {
	if len(t) == 0 {
		return false
	}
	for _, h := range t {
		if h.Private() {
			continue
		}
		if h.ROA != ROAValid {
			return false
		}
	}
	return true
}

// EqualIPs reports whether two traces have the same length and the
// same IP at every position. Enrichment differences do not count.
func EqualIPs(a, b Trace) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].IP != b[i].IP {
			return false
		}
	}
	return true
}

// MergeTraces overlays cur on old, keeping the old hop wherever the
// new one is unresolved. Routers that answer intermittently would
// otherwise flap between an address and a star on every measurement.
// Traces of different lengths do not merge; cur wins whole.
func MergeTraces(old, cur Trace) Trace {
	if len(old) != len(cur) {
		return cur
	}
	merged := make(Trace, len(cur))
	for i := range cur {
		if !cur[i].Resolved() && old[i].Resolved() {
			merged[i] = old[i]
			merged[i].HopNr = cur[i].HopNr
		} else {
			merged[i] = cur[i]
		}
	}
	return merged
}
