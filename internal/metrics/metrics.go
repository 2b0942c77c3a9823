// Package metrics provides Prometheus instrumentation for the pairing core:
// gauges for queue and session counts, counters for relay and moderation
// throughput, and a histogram for match wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchQueueSize tracks the current number of users waiting in any bucket.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilchat_match_queue_size",
		Help: "Current number of users waiting in the matchmaking queue",
	})

	// ActiveSessions tracks the current number of active chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilchat_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MessagesTotal counts relayed payloads by outcome: "relayed",
	// "blocked", "undelivered", or "throttled".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veilchat_messages_total",
		Help: "Total number of relayed payloads by outcome",
	}, []string{"outcome"})

	// MatchWaitSeconds records the time from enqueue to pairing.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "veilchat_match_wait_seconds",
		Help:    "Time from enqueue to pairing",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
	})

	// ReportsTotal counts abuse reports recorded.
	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veilchat_reports_total",
		Help: "Total number of abuse reports recorded",
	})

	// BansTotal counts automatic threshold bans applied.
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veilchat_bans_total",
		Help: "Total number of automatic bans applied",
	})
)

func init() {
	prometheus.MustRegister(
		MatchQueueSize,
		ActiveSessions,
		MessagesTotal,
		MatchWaitSeconds,
		ReportsTotal,
		BansTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
