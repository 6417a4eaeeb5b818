package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/graph"
)

// startHub runs a hub and an httptest server around it, both torn
// down with the test.
func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return h, ts
}

// streamLines pumps the response body line by line until it ends.
func streamLines(t *testing.T, body io.Reader) <-chan string {
	t.Helper()
	out := make(chan string, 64)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(body)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

// nextData returns the payload of the next data frame, skipping
// comments and blank lines.
func nextData(t *testing.T, lines <-chan string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream ended before a data frame arrived")
			}
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("timed out waiting for a data frame")
		}
	}
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", h.ClientCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubStreamsEvents(t *testing.T) {
	h, ts := startHub(t)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	lines := streamLines(t, resp.Body)
	waitForClients(t, h, 1)

	h.Broadcast(graph.Event{
		Type:    graph.EventNodeAdded,
		Payload: graph.NodeRef{ID: 3, IP: "10.0.0.1", HopNr: 1},
	})

	var ev graph.Event
	if err := json.Unmarshal([]byte(nextData(t, lines)), &ev); err != nil {
		t.Fatalf("frame does not parse: %v", err)
	}
	if ev.Type != graph.EventNodeAdded {
		t.Errorf("event type = %q, want %q", ev.Type, graph.EventNodeAdded)
	}
}

func TestHubSnapshotOnConnect(t *testing.T) {
	h, ts := startHub(t)
	h.SnapshotFunc = func() interface{} {
		return graph.Event{Type: graph.EventGraphSnapshot, Payload: "state"}
	}

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer resp.Body.Close()

	lines := streamLines(t, resp.Body)

	var ev graph.Event
	if err := json.Unmarshal([]byte(nextData(t, lines)), &ev); err != nil {
		t.Fatalf("snapshot frame does not parse: %v", err)
	}
	if ev.Type != graph.EventGraphSnapshot {
		t.Errorf("first event = %q, want %q", ev.Type, graph.EventGraphSnapshot)
	}

	// Live events still follow the snapshot
	waitForClients(t, h, 1)
	h.Broadcast(graph.Event{Type: graph.EventGraphReset})
	if err := json.Unmarshal([]byte(nextData(t, lines)), &ev); err != nil {
		t.Fatalf("frame does not parse: %v", err)
	}
	if ev.Type != graph.EventGraphReset {
		t.Errorf("second event = %q, want %q", ev.Type, graph.EventGraphReset)
	}
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	h, ts := startHub(t)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForClients(t, h, 1)

	resp.Body.Close()
	waitForClients(t, h, 0)
}

func TestHubShutdownEndsStreams(t *testing.T) {
	h := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer resp.Body.Close()

	lines := streamLines(t, resp.Body)
	waitForClients(t, h, 1)

	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return // stream ended
			}
		case <-deadline:
			t.Fatal("stream still open after shutdown")
		}
	}
}
