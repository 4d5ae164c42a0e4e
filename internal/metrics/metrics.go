// Package metrics provides Prometheus instrumentation for the session
// service. It exposes counters for session lifecycle and sweep outcomes,
// histograms for store latency and sweep duration, and gauges for the event
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsCreated counts sessions persisted for the first time.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_created_total",
		Help: "Total number of sessions saved for the first time",
	})

	// SessionsRemoved counts removed sessions, labeled by reason:
	// "deleted" or "expired".
	SessionsRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_removed_total",
		Help: "Total number of sessions removed from the store",
	}, []string{"reason"}) // reason = "deleted", "expired"

	// StoreLatency records repository operation latency in seconds, labeled by
	// operation: "get", "save", "delete".
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessions_store_latency_seconds",
		Help:    "Repository operation latency in seconds",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, 1},
	}, []string{"op"})

	// StoreErrors counts failed repository operations by operation.
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_store_errors_total",
		Help: "Total number of repository operations that failed",
	}, []string{"op"})

	// CorruptRecords counts stored sessions that could not be decoded.
	CorruptRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_corrupt_records_total",
		Help: "Total number of undecodable session records encountered",
	})

	// SweepDuration records how long one sweep cycle took.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessions_sweep_duration_seconds",
		Help:    "Duration of one expiration sweep cycle",
		Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 15, 30},
	})

	// SweepCandidates counts sweep candidates by outcome: "expired",
	// "retracked", "skipped", "failed".
	SweepCandidates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_sweep_candidates_total",
		Help: "Sweep candidates processed, by outcome",
	}, []string{"outcome"})

	// EventsDropped counts events discarded because the dispatch queue was full.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_events_dropped_total",
		Help: "Session events dropped because the dispatch queue was full",
	})

	// ListenerFailures counts listener errors and panics by listener name.
	ListenerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_listener_failures_total",
		Help: "Session event listener errors and panics",
	}, []string{"listener"})

	// EventQueueDepth tracks events waiting for dispatch.
	EventQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_event_queue_depth",
		Help: "Session events waiting for dispatch",
	})

	// FeedClients tracks connected event feed clients.
	FeedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_feed_clients",
		Help: "Current number of connected event feed clients",
	})

	// FeedDropped counts feed clients dropped for falling behind.
	FeedDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_feed_dropped_total",
		Help: "Feed clients disconnected because their send queue was full",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsCreated,
		SessionsRemoved,
		StoreLatency,
		StoreErrors,
		CorruptRecords,
		SweepDuration,
		SweepCandidates,
		EventsDropped,
		ListenerFailures,
		EventQueueDepth,
		FeedClients,
		FeedDropped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
