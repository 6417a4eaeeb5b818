package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SIDN/pathvis/internal/domain"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(":memory:")
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func enrichedHop(ip string) domain.Hop {
	h := domain.NewHop(3, ip)
	h.Hostname = "edge.example.net"
	h.Domain = "example.net"
	h.ASN = "15133"
	h.CIDR = "93.184.216.0/24"
	h.Country = "US"
	h.Description = "EDGECAST, US"
	h.ROA = domain.ROAValid
	h.DIS = "192.0.2.53"
	h.CNames = []string{"svc.example.com"}
	h.DPorts = []string{"443"}
	return h
}

func TestCacheRoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, enrichedHop("93.184.216.34")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := c.Get(ctx, "93.184.216.34", time.Hour)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.ASN != "15133" || got.CIDR != "93.184.216.0/24" || got.Country != "US" {
		t.Errorf("cached hop = %+v, want origin fields preserved", got)
	}
	if got.Hostname != "edge.example.net" || got.Domain != "example.net" {
		t.Errorf("cached hostname/domain = %q/%q", got.Hostname, got.Domain)
	}
	if got.ROA != domain.ROAValid || got.DIS != "192.0.2.53" {
		t.Errorf("cached roa/dis = %v/%q", got.ROA, got.DIS)
	}

	// Positional fields belong to a single trace and must not survive.
	if got.HopNr != 0 || got.CNames != nil || got.DPorts != nil {
		t.Errorf("positional fields leaked into cache: %+v", got)
	}
}

func TestCacheMiss(t *testing.T) {
	c := testCache(t)

	_, err := c.Get(context.Background(), "198.51.100.1", time.Hour)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestCacheSkipsUnresolved(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	h := domain.NewHop(1, "198.51.100.1")
	if err := c.Put(ctx, h); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := c.Get(ctx, "198.51.100.1", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound for unresolved asn", err)
	}
	if n, _ := c.Size(ctx); n != 0 {
		t.Errorf("Size() = %d, want 0", n)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, enrichedHop("93.184.216.34")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	stale := time.Now().Add(-2 * time.Hour).Unix()
	if _, err := c.db.Exec(`UPDATE hop_cache SET fetched_at = ?`, stale); err != nil {
		t.Fatalf("failed to age entry: %v", err)
	}

	if _, err := c.Get(ctx, "93.184.216.34", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound for expired entry", err)
	}
}

func TestCacheUpdate(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, enrichedHop("93.184.216.34")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	h := enrichedHop("93.184.216.34")
	h.ASN = "64500"
	if err := c.Put(ctx, h); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := c.Get(ctx, "93.184.216.34", time.Hour)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ASN != "64500" {
		t.Errorf("ASN = %q, want updated value 64500", got.ASN)
	}
	if n, _ := c.Size(ctx); n != 1 {
		t.Errorf("Size() = %d, want 1", n)
	}
}

func TestCachePrune(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, enrichedHop("93.184.216.34")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	stale := time.Now().Add(-2 * time.Hour).Unix()
	if _, err := c.db.Exec(`UPDATE hop_cache SET fetched_at = ?`, stale); err != nil {
		t.Fatalf("failed to age entry: %v", err)
	}
	if err := c.Put(ctx, enrichedHop("198.51.100.7")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	removed, err := c.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune() removed = %d, want 1", removed)
	}
	if n, _ := c.Size(ctx); n != 1 {
		t.Errorf("Size() = %d, want 1 after prune", n)
	}
}
