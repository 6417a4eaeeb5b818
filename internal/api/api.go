// Package api implements the HTTP surface of the engine daemon.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/graph"
	"github.com/SIDN/pathvis/internal/hub"
)

// Handler serves the engine REST API
type Handler struct {
	session *graph.Session
	events  *hub.Hub
	log     *zap.Logger

	// FeedConnected reports the producer link state for /api/status.
	// Unset reads as disconnected.
	FeedConnected func() bool
}

// NewHandler creates a handler around a session. The hub serves the
// /events stream and feeds the subscriber counter.
func NewHandler(session *graph.Session, events *hub.Hub, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{session: session, events: events, log: log}
}

// ErrorResponse is the JSON body of every error status
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HistoryEntry is one ledger record plus the index the diff endpoint
// takes. Indexes shift when the ledger evicts its oldest records.
type HistoryEntry struct {
	Index int `json:"index"`
	graph.Record
}

// StatusResponse summarizes engine state for dashboards
type StatusResponse struct {
	Stats         graph.Stats `json:"stats"`
	FeedConnected bool        `json:"feed_connected"`
	SSEClients    int         `json:"sse_clients"`
	UptimeSeconds float64     `json:"uptime_seconds"`
}

// GetGraph returns the current visible view
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.session.Snapshot(), http.StatusOK)
}

// GetHistory returns the path-change ledger, newest first
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	records := h.session.History()
	entries := make([]HistoryEntry, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		entries = append(entries, HistoryEntry{Index: i, Record: records[i]})
	}
	h.writeJSON(w, entries, http.StatusOK)
}

// GetHistoryDiff renders one ledger record as a diff graph
func (h *Handler) GetHistoryDiff(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		h.writeError(w, "invalid history index", err.Error(), http.StatusBadRequest)
		return
	}

	diff, ok := h.session.Diff(index)
	if !ok {
		h.writeError(w, "history record not found",
			fmt.Sprintf("index %d out of range", index), http.StatusNotFound)
		return
	}

	h.writeJSON(w, diff, http.StatusOK)
}

// GetFilter returns the visibility allow-list
func (h *Handler) GetFilter(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string][]string{"destinations": h.session.Allowed()}, http.StatusOK)
}

// PutFilter replaces the visibility allow-list. An empty list shows
// every destination.
func (h *Handler) PutFilter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Destinations []string `json:"destinations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	h.session.SetAllowed(req.Destinations)
	h.writeJSON(w, map[string][]string{"destinations": h.session.Allowed()}, http.StatusOK)
}

// GetGrouping returns the AS grouping state
func (h *Handler) GetGrouping(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]bool{"enabled": h.session.GroupingEnabled()}, http.StatusOK)
}

// PutGrouping toggles AS grouping
func (h *Handler) PutGrouping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	h.session.SetGrouping(req.Enabled)
	h.writeJSON(w, map[string]bool{"enabled": h.session.GroupingEnabled()}, http.StatusOK)
}

// Reset clears the graph back to the home node
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	h.session.Reset()
	h.writeJSON(w, map[string]string{"status": "reset"}, http.StatusOK)
}

// GetStatus returns counters, feed link state and uptime
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusResponse{
		Stats:         h.session.Stats(),
		SSEClients:    h.events.ClientCount(),
		UptimeSeconds: h.session.Uptime().Seconds(),
	}
	if h.FeedConnected != nil {
		status.FeedConnected = h.FeedConnected()
	}
	h.writeJSON(w, status, http.StatusOK)
}

// Healthz answers liveness probes
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// Helper methods

func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, msg, details string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Details: details}); err != nil {
		h.log.Warn("failed to encode error response", zap.Error(err))
	}
}
