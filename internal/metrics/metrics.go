// Package metrics provides Prometheus instrumentation for the colmate chat
// services. Gauges track live connections, queue depth and rooms; counters
// track message outcomes, pairings and archive health; histograms track
// routing latency, queue wait and match scores.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values shared by callers.
const (
	ResultDelivered   = "delivered"
	ResultRejected    = "rejected"
	ResultRateLimited = "rate_limited"

	KindScored   = "scored"
	KindFallback = "fallback"
)

var (
	// ConnectionsTotal tracks the current number of registered connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "colmate_connections_total",
		Help: "Current number of registered WebSocket connections",
	})

	// MessagesTotal counts send attempts by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "colmate_messages_total",
		Help: "Total number of chat messages by outcome",
	}, []string{"result"}) // delivered | rejected | rate_limited

	// MessageLatency records time spent routing a message inside the gateway.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "colmate_message_latency_seconds",
		Help:    "Message routing latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})

	// MatchDuration records how long the earlier entry of a pair waited.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "colmate_match_wait_seconds",
		Help:    "Time a queue entry waited before being paired",
		Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
	})

	// MatchesTotal counts pairings by how the peer was chosen.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "colmate_matches_total",
		Help: "Total number of pairings by selection kind",
	}, []string{"kind"}) // scored | fallback

	// MatchScore records the compatibility score of each pairing.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "colmate_match_score",
		Help:    "Compatibility score of created rooms",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "colmate_active_rooms",
		Help: "Current number of live chat rooms",
	})

	// RoomsClosedTotal counts ended rooms by reason.
	RoomsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "colmate_rooms_closed_total",
		Help: "Total number of ended rooms by reason",
	}, []string{"reason"}) // left | disconnected

	// MatchQueueSize tracks the current number of connections waiting.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "colmate_match_queue_size",
		Help: "Current number of connections in the waiting queue",
	})

	// ArchiveDropped counts archive events discarded because the publish
	// buffer was full.
	ArchiveDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "colmate_archive_dropped_total",
		Help: "Archive events dropped due to a full buffer",
	})

	// ArchiveFailures counts archive events that could not be published or
	// stored, labeled by stage.
	ArchiveFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "colmate_archive_failures_total",
		Help: "Archive events that failed to publish or persist",
	}, []string{"stage"}) // publish | decode | store
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		MatchDuration,
		MatchesTotal,
		MatchScore,
		ActiveRooms,
		RoomsClosedTotal,
		MatchQueueSize,
		ArchiveDropped,
		ArchiveFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
