package rpki

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/domain"
)

func snapshotBody(buildTime time.Time) string {
	return fmt.Sprintf(`{
		"metadata": {"buildtime": %q},
		"roas": [
			{"asn": "AS15133", "prefix": "93.184.216.0/24", "maxLength": 24, "ta": "ripe"},
			{"asn": 64500, "prefix": "2001:db8::/32", "maxLength": 48, "ta": "arin"}
		]
	}`, buildTime.UTC().Format(buildTimeLayout))
}

func testChecker(t *testing.T, url string) *Checker {
	t.Helper()
	c, err := New(":memory:", Options{URL: url}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCheckerValid(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, snapshotBody(time.Now()))
	}))
	defer srv.Close()

	c := testChecker(t, srv.URL)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if c.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", c.Count())
	}

	tests := []struct {
		name   string
		asn    string
		prefix string
		want   domain.ROA
	}{
		{"announced pair", "15133", "93.184.216.0/24", domain.ROAValid},
		{"prefixed asn", "AS15133", "93.184.216.0/24", domain.ROAValid},
		{"numeric source", "64500", "2001:db8::/32", domain.ROAValid},
		{"wrong prefix", "15133", "198.51.100.0/24", domain.ROAInvalid},
		{"unknown asn", "64501", "93.184.216.0/24", domain.ROAInvalid},
		{"unset asn", domain.Unset, "93.184.216.0/24", domain.ROAUnknown},
		{"unset prefix", "15133", domain.Unset, domain.ROAUnknown},
		{"empty", "", "", domain.ROAUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Valid(tt.asn, tt.prefix); got != tt.want {
				t.Errorf("Valid(%q, %q) = %v, want %v", tt.asn, tt.prefix, got, tt.want)
			}
		})
	}

	// The snapshot is fresh, so another refresh must not download.
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

func TestCheckerNoData(t *testing.T) {
	c := testChecker(t, "http://127.0.0.1:0")

	if got := c.Valid("15133", "93.184.216.0/24"); got != domain.ROAUnknown {
		t.Errorf("Valid() = %v, want unknown without a snapshot", got)
	}
	if c.Count() != 0 {
		t.Errorf("Count() = %d, want 0", c.Count())
	}
}

func TestCheckerServesStaleSet(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		// Already aged out, so every refresh tries to download.
		fmt.Fprint(w, snapshotBody(time.Now().Add(-8*24*time.Hour)))
	}))
	defer srv.Close()

	c := testChecker(t, srv.URL)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() error = nil, want failure from server")
	}

	if got := c.Valid("15133", "93.184.216.0/24"); got != domain.ROAValid {
		t.Errorf("Valid() = %v, want valid from the stale set", got)
	}
	if c.Count() != 2 {
		t.Errorf("Count() = %d, want the stale pairs kept", c.Count())
	}
}

func TestCheckerPersistence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, snapshotBody(time.Now()))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "vrps.db")

	c, err := New(path, Options{URL: srv.URL}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A new checker on the same path serves the persisted snapshot
	// without any download.
	reopened, err := New(path, Options{URL: "http://127.0.0.1:0"}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Close()

	if reopened.Count() != 2 {
		t.Errorf("Count() = %d, want 2 from disk", reopened.Count())
	}
	if got := reopened.Valid("15133", "93.184.216.0/24"); got != domain.ROAValid {
		t.Errorf("Valid() = %v, want valid from disk", got)
	}
	if reopened.BuildTime().IsZero() {
		t.Error("BuildTime() is zero, want persisted value")
	}
}

func TestNormalizeASN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AS15133", "15133"},
		{"as64500", "64500"},
		{"15133", "15133"},
		{" AS15133 ", "15133"},
		{"AS", "AS"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := normalizeASN(tt.in); got != tt.want {
			t.Errorf("normalizeASN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseBuildTime(t *testing.T) {
	got := parseBuildTime("2024-03-01T12:00:00Z")
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseBuildTime() = %v, want %v", got, want)
	}

	if !parseBuildTime("last tuesday").IsZero() {
		t.Error("parseBuildTime() accepted garbage")
	}
}
