// Package metrics provides Prometheus instrumentation for the matchmaking
// services. It exposes gauges for connection and waiting-request counts,
// counters for request outcomes, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peermatch_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RequestsTotal counts processed match requests by terminal outcome:
	// "paired", "waiting", "expired", "cancelled", "invalid", or "rejected".
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peermatch_requests_total",
		Help: "Total number of match requests processed by outcome",
	}, []string{"outcome"})

	// WaitingRequests tracks the current number of requests in the candidate store.
	WaitingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peermatch_waiting_requests",
		Help: "Current number of requests waiting in the candidate store",
	})

	// MatchDuration records the time from request submission to pairing.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "peermatch_match_duration_seconds",
		Help:    "Time from match request submission to pairing",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 15, 20, 25, 30},
	})

	// SessionCreateDuration records the latency of collaboration-service calls.
	SessionCreateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "peermatch_session_create_seconds",
		Help:    "Latency of collaboration session creation calls",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// StoreRetriesTotal counts candidate-store search retries after a lost
	// compare-and-remove race.
	StoreRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peermatch_store_retries_total",
		Help: "Total number of candidate search retries after lost removal races",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RequestsTotal,
		WaitingRequests,
		MatchDuration,
		SessionCreateDuration,
		StoreRetriesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
