// Package metrics provides Prometheus instrumentation for the GhostChat
// server. It exposes gauges for connection and room counts, counters for
// message and proof-of-work throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ghostchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// type: "sent", "rejected", or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghostchat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "sent", "rejected", "blocked"

	// BroadcastLatency records room fan-out latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ghostchat_broadcast_latency_seconds",
		Help:    "Room broadcast fan-out latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveRooms tracks the current number of rooms in the directory.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ghostchat_active_rooms",
		Help: "Current number of rooms in the directory",
	})

	// PowChallengesTotal counts proof-of-work challenges, labeled by outcome:
	// "issued", "solved", or "rejected".
	PowChallengesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghostchat_pow_challenges_total",
		Help: "Total number of proof-of-work challenges by outcome",
	}, []string{"outcome"}) // outcome = "issued", "solved", "rejected"

	// DestroyedIdentitiesTotal counts identities erased by the destruction
	// engine.
	DestroyedIdentitiesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ghostchat_destroyed_identities_total",
		Help: "Total number of identities destroyed",
	})

	// CleanupCyclesTotal counts cleanup cycle runs, labeled by result:
	// "ok" or "failed".
	CleanupCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghostchat_cleanup_cycles_total",
		Help: "Total number of cleanup cycles by result",
	}, []string{"result"}) // result = "ok", "failed"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		BroadcastLatency,
		ActiveRooms,
		PowChallengesTotal,
		DestroyedIdentitiesTotal,
		CleanupCyclesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
