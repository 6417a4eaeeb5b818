package domain

import (
	"testing"
)

func TestNewHop(t *testing.T) {
	h := NewHop(3, "192.0.2.1")

	if h.HopNr != 3 {
		t.Errorf("expected hopnr 3, got %d", h.HopNr)
	}
	if h.IP != "192.0.2.1" {
		t.Errorf("expected ip 192.0.2.1, got %s", h.IP)
	}
	if h.ASN != Unset || h.Hostname != Unset {
		t.Error("expected placeholder enrichment")
	}
	if h.ROA != ROAUnknown {
		t.Errorf("expected roa unknown, got %s", h.ROA)
	}
	if h.NodeID != -1 {
		t.Errorf("expected node id -1 before merge, got %d", h.NodeID)
	}
}

func TestHopResolved(t *testing.T) {
	if !NewHop(0, "10.0.0.1").Resolved() {
		t.Error("hop with ip should be resolved")
	}
	if NewHop(0, "").Resolved() {
		t.Error("star hop should not be resolved")
	}
}

func TestHopMarkPrivate(t *testing.T) {
	h := NewHop(0, "10.0.0.1")
	h.MarkPrivate()

	if h.ASN != PrivateASN {
		t.Errorf("expected asn %s, got %s", PrivateASN, h.ASN)
	}
	if h.Description != PrivateDescription {
		t.Errorf("expected description %s, got %s", PrivateDescription, h.Description)
	}
	if h.ROA != ROANA {
		t.Errorf("expected roa na, got %s", h.ROA)
	}
	if !h.Private() {
		t.Error("marked hop should report private")
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"10.0.0.1", true},
		{"172.16.5.9", true},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.0.5", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"2001:db8::1", false},
		{"", false},
		{"not-an-ip", false},
	}

	for _, tt := range tests {
		if got := IsPrivateIP(tt.ip); got != tt.private {
			t.Errorf("IsPrivateIP(%q) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}

func TestTraceIPs(t *testing.T) {
	tr := Trace{NewHop(0, "10.0.0.1"), NewHop(1, ""), NewHop(2, "93.184.216.34")}

	ips := tr.IPs()
	want := []string{"10.0.0.1", "", "93.184.216.34"}
	if len(ips) != len(want) {
		t.Fatalf("expected %d ips, got %d", len(want), len(ips))
	}
	for i := range want {
		if ips[i] != want[i] {
			t.Errorf("ips[%d] = %q, want %q", i, ips[i], want[i])
		}
	}

	set := tr.IPSet()
	if len(set) != 3 {
		t.Errorf("expected 3 set entries, got %d", len(set))
	}
	if _, ok := set[""]; !ok {
		t.Error("star hop should appear in the set as empty string")
	}
}

func TestEqualIPs(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Trace
		equal bool
	}{
		{
			name:  "identical",
			a:     Trace{NewHop(0, "10.0.0.1"), NewHop(1, "93.184.216.34")},
			b:     Trace{NewHop(0, "10.0.0.1"), NewHop(1, "93.184.216.34")},
			equal: true,
		},
		{
			name:  "enrichment differs but ips equal",
			a:     Trace{{HopNr: 0, IP: "10.0.0.1", ASN: "64500"}},
			b:     Trace{{HopNr: 0, IP: "10.0.0.1", ASN: "64501"}},
			equal: true,
		},
		{
			name:  "different hop",
			a:     Trace{NewHop(0, "10.0.0.1"), NewHop(1, "93.184.216.34")},
			b:     Trace{NewHop(0, "10.0.0.2"), NewHop(1, "93.184.216.34")},
			equal: false,
		},
		{
			name:  "different length",
			a:     Trace{NewHop(0, "10.0.0.1")},
			b:     Trace{NewHop(0, "10.0.0.1"), NewHop(1, "93.184.216.34")},
			equal: false,
		},
		{
			name:  "star compared with resolved",
			a:     Trace{NewHop(0, "")},
			b:     Trace{NewHop(0, "10.0.0.1")},
			equal: false,
		},
		{
			name:  "both empty",
			a:     Trace{},
			b:     Trace{},
			equal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EqualIPs(tt.a, tt.b); got != tt.equal {
				t.Errorf("EqualIPs() = %v, want %v", got, tt.equal)
			}
		})
	}
}

func TestMergeTraces(t *testing.T) {
	t.Run("keeps old hop where new is unresolved", func(t *testing.T) {
		old := Trace{NewHop(0, "10.0.0.1"), NewHop(1, "192.0.2.7")}
		cur := Trace{NewHop(0, "10.0.0.1"), NewHop(1, "")}

		merged := MergeTraces(old, cur)
		if merged[1].IP != "192.0.2.7" {
			t.Errorf("expected old ip kept, got %q", merged[1].IP)
		}
	})

	t.Run("new resolved hop wins", func(t *testing.T) {
		old := Trace{NewHop(0, "10.0.0.1")}
		cur := Trace{NewHop(0, "10.0.0.2")}

		merged := MergeTraces(old, cur)
		if merged[0].IP != "10.0.0.2" {
			t.Errorf("expected new ip, got %q", merged[0].IP)
		}
	})

	t.Run("length mismatch returns new trace", func(t *testing.T) {
		old := Trace{NewHop(0, "10.0.0.1"), NewHop(1, "192.0.2.7")}
		cur := Trace{NewHop(0, "")}

		merged := MergeTraces(old, cur)
		if len(merged) != 1 || merged[0].IP != "" {
			t.Error("expected new trace verbatim on length mismatch")
		}
	})
}

func TestAllROAValid(t *testing.T) {
	valid := NewHop(0, "192.0.2.1")
	valid.ROA = ROAValid
	invalid := NewHop(1, "192.0.2.2")
	invalid.ROA = ROAInvalid
	private := NewHop(0, "10.0.0.1")
	private.MarkPrivate()

	tests := []struct {
		name string
		tr   Trace
		want bool
	}{
		{"all valid", Trace{valid, valid}, true},
		{"one invalid", Trace{valid, invalid}, false},
		{"private hops ignored", Trace{private, valid}, true},
		{"only private", Trace{private}, true},
		{"unknown roa", Trace{NewHop(0, "192.0.2.3")}, false},
		{"empty trace", Trace{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tr.AllROAValid(); got != tt.want {
				t.Errorf("AllROAValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTraceClone(t *testing.T) {
	orig := Trace{NewHop(0, "10.0.0.1")}
	orig[0].CNames = []string{"a.example"}

	clone := orig.Clone()
	clone[0].IP = "10.0.0.9"
	clone[0].CNames[0] = "b.example"

	if orig[0].IP != "10.0.0.1" {
		t.Error("clone should not share hop structs")
	}
	if orig[0].CNames[0] != "a.example" {
		t.Error("clone should not share cname slices")
	}
}
