package feed

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/metrics"
)

const writeTimeout = 10 * time.Second

// Server publishes the observation backlog over WebSocket. Every
// connection starts with a clear_cache control frame, then receives
// each backlog entry exactly once, with per-connection bookkeeping so
// late subscribers still get the full current state. Clients that
// stop reading are dropped, never waited for.
type Server struct {
	log      *zap.Logger
	interval time.Duration
	upgrader websocket.Upgrader
	done     chan struct{}

	mu      sync.RWMutex
	active  map[string][]Observation
	removed []Observation
	clients int
}

// NewServer creates a feed server publishing every interval
func NewServer(interval time.Duration, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{
		log:      log,
		interval: interval,
		upgrader: websocket.Upgrader{
			// The feed is read-only telemetry, any origin may subscribe
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done:   make(chan struct{}),
		active: make(map[string][]Observation),
	}
}

// Update replaces the published backlog. active maps destinations to
// their observation history, oldest first; removed holds the final
// expiry observations of destinations that stopped.
func (s *Server) Update(active map[string][]Observation, removed []Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
	s.removed = removed
}

// ClientCount returns the number of connected subscribers
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients
}

// Close disconnects all subscribers and stops accepting new ones
func (s *Server) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// ServeHTTP upgrades the request and streams the backlog until the
// client goes away or the server closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.addClient(1)
	defer s.addClient(-1)
	s.log.Info("feed client connected", zap.String("remote", r.RemoteAddr))

	// Reads are discarded; they only surface the close handshake
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeText(conn, []byte(ClearCacheToken)); err != nil {
		return
	}

	sent := make(map[string]map[float64]struct{})
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.publish(conn, sent); err != nil {
				s.log.Info("feed client dropped",
					zap.String("remote", r.RemoteAddr),
					zap.Error(err))
				return
			}
		case <-gone:
			s.log.Info("feed client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case <-s.done:
			// One last publish so subscribers see what the producer
			// pushed during shutdown, the final expiries included
			_ = s.publish(conn, sent)
			return
		}
	}
}

// publish sends everything this connection has not seen yet, then the
// final observation of any stopped destination it knew about.
func (s *Server) publish(conn *websocket.Conn, sent map[string]map[float64]struct{}) error {
	s.mu.RLock()
	dests := make([]string, 0, len(s.active))
	for dest := range s.active {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	backlog := make([]Observation, 0)
	for _, dest := range dests {
		backlog = append(backlog, s.active[dest]...)
	}
	removed := append([]Observation(nil), s.removed...)
	s.mu.RUnlock()

	for _, obs := range backlog {
		starts, ok := sent[obs.Destination]
		if !ok {
			starts = make(map[float64]struct{})
			sent[obs.Destination] = starts
		}
		if _, dup := starts[obs.Start]; dup {
			continue
		}
		if err := s.writeJSON(conn, obs); err != nil {
			return err
		}
		starts[obs.Start] = struct{}{}
	}

	for _, obs := range removed {
		if _, known := sent[obs.Destination]; !known {
			continue
		}
		if err := s.writeJSON(conn, obs); err != nil {
			return err
		}
		delete(sent, obs.Destination)
	}
	return nil
}

func (s *Server) writeJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (s *Server) writeText(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) addClient(d int) {
	s.mu.Lock()
	s.clients += d
	total := s.clients
	s.mu.Unlock()
	metrics.FeedClients.Set(float64(total))
}
