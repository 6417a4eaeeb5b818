package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the engine router. The event stream, metrics and the
// health probe sit outside the /api prefix.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()

	// Current visible view
	r.HandleFunc("/api/graph", h.GetGraph).Methods("GET")

	// Path-change ledger and per-record diff rendering
	r.HandleFunc("/api/history", h.GetHistory).Methods("GET")
	r.HandleFunc("/api/history/{index}/diff", h.GetHistoryDiff).Methods("GET")

	// Consumer preferences: destination visibility and AS grouping
	r.HandleFunc("/api/filter", h.GetFilter).Methods("GET")
	r.HandleFunc("/api/filter", h.PutFilter).Methods("PUT")
	r.HandleFunc("/api/grouping", h.GetGrouping).Methods("GET")
	r.HandleFunc("/api/grouping", h.PutGrouping).Methods("PUT")

	// Engine control and liveness
	r.HandleFunc("/api/reset", h.Reset).Methods("POST")
	r.HandleFunc("/api/status", h.GetStatus).Methods("GET")

	r.Handle("/events", h.events).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	return r
}
