// Package metrics defines the Prometheus collectors for both pathvis
// daemons. pathvisd exports the graph set, tracerd the producer set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ObservationsTotal counts applied feed observations by classification
	ObservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathvis_observations_total",
			Help: "Total observations applied to the graph, by classification",
		},
		[]string{"classification"},
	)

	// GraphNodes tracks the current node count
	GraphNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathvis_graph_nodes",
			Help: "Current number of nodes in the path graph",
		},
	)

	// GraphEdges tracks the current edge count
	GraphEdges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathvis_graph_edges",
			Help: "Current number of edges in the path graph",
		},
	)

	// Destinations tracks the number of destinations on the graph
	Destinations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathvis_destinations",
			Help: "Current number of traced destinations",
		},
	)

	// HistoryRecords tracks the size of the path-change ledger
	HistoryRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathvis_history_records",
			Help: "Records currently held in the path-change ledger",
		},
	)

	// FeedConnected reports whether the engine is connected to its feed
	FeedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathvis_feed_connected",
			Help: "1 when the engine is connected to the trace feed, 0 otherwise",
		},
	)

	// SSEClients tracks connected event-stream subscribers
	SSEClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathvis_sse_clients",
			Help: "Currently connected SSE subscribers",
		},
	)

	// TracersActive tracks running per-destination tracers
	TracersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathvis_tracers_active",
			Help: "Currently running per-destination tracers",
		},
	)

	// TraceroutesTotal counts finished traceroute runs by result
	TraceroutesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathvis_traceroutes_total",
			Help: "Total traceroute runs, by result",
		},
		[]string{"result"},
	)

	// TracerouteDuration observes how long traceroute runs take
	TracerouteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pathvis_traceroute_duration_seconds",
			Help:    "Traceroute run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		},
	)

	// EnrichCacheTotal counts enrichment cache lookups by outcome
	EnrichCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathvis_enrich_cache_total",
			Help: "Total enrichment cache lookups, by outcome",
		},
		[]string{"outcome"},
	)

	// FeedClients tracks consumers connected to the producer feed
	FeedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathvis_feed_clients",
			Help: "Currently connected trace feed consumers",
		},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(ObservationsTotal)
	prometheus.MustRegister(GraphNodes)
	prometheus.MustRegister(GraphEdges)
	prometheus.MustRegister(Destinations)
	prometheus.MustRegister(HistoryRecords)
	prometheus.MustRegister(FeedConnected)
	prometheus.MustRegister(SSEClients)
	prometheus.MustRegister(TracersActive)
	prometheus.MustRegister(TraceroutesTotal)
	prometheus.MustRegister(TracerouteDuration)
	prometheus.MustRegister(EnrichCacheTotal)
	prometheus.MustRegister(FeedClients)
}
