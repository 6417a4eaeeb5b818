// Package hub fans engine events out to SSE subscribers.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/metrics"
)

const (
	// clientBuffer frames queue per subscriber before it starts
	// missing events.
	clientBuffer = 64
	// broadcastBuffer absorbs engine bursts between dispatches.
	broadcastBuffer = 256

	keepaliveInterval = 30 * time.Second
)

// Client represents one connected SSE subscriber
type Client struct {
	id     string
	frames chan []byte
}

// Hub manages SSE subscribers. Events enter through Broadcast; the
// Run loop frames each one once and copies the frame to every
// subscriber queue.
type Hub struct {
	log *zap.Logger

	// SnapshotFunc, when set, produces the first event of every new
	// connection so a subscriber starts from current state instead of
	// an empty graph.
	SnapshotFunc func() interface{}

	mu         sync.RWMutex
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan interface{}
	done       chan struct{}
}

// New creates a new Hub
func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:        log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan interface{}, broadcastBuffer),
		done:       make(chan struct{}),
	}
}

// Run dispatches events until ctx ends. Only this loop touches the
// subscriber queues, so a queue is never written after it closes.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.SSEClients.Set(float64(total))
			h.log.Debug("sse client connected",
				zap.String("client", client.id),
				zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.frames)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.SSEClients.Set(float64(total))
			h.log.Debug("sse client disconnected",
				zap.String("client", client.id),
				zap.Int("total", total))

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Warn("failed to marshal event", zap.Error(err))
				continue
			}
			frame := []byte(fmt.Sprintf("data: %s\n\n", data))

			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.frames <- frame:
				default:
					// Slow subscriber; it misses this event.
				}
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.frames)
			}
			h.mu.Unlock()
			metrics.SSEClients.Set(0)
			return
		}
	}
}

// Broadcast queues an event for all subscribers. A full queue drops
// the event; the stream carries updates, not history.
func (h *Hub) Broadcast(event interface{}) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast queue full, dropping event")
	}
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP streams events to one subscriber until it disconnects or
// the hub shuts down
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	client := &Client{
		id:     r.RemoteAddr,
		frames: make(chan []byte, clientBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		return
	}
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	// The first event carries current state, so the subscriber never
	// needs a separate fetch to catch up.
	if h.SnapshotFunc != nil {
		data, err := json.Marshal(h.SnapshotFunc())
		if err != nil {
			h.log.Warn("failed to marshal snapshot", zap.Error(err))
		} else {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-client.frames:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
