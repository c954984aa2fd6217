// Package metrics provides Prometheus instrumentation for the collaboration
// server. It exposes gauges for connections and live rooms, counters for
// presence, commit and broadcast throughput, and a histogram for commit
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the number of note rooms held in memory.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_rooms_active",
		Help: "Current number of live note rooms",
	})

	// AttachedUsers tracks connections attached to any room.
	AttachedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_attached_users",
		Help: "Current number of connections attached to a note room",
	})

	// PresenceEvents counts presence notifications, labeled by kind:
	// "joined" or "left".
	PresenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_presence_events_total",
		Help: "Total number of presence events emitted",
	}, []string{"kind"})

	// CommitsTotal counts commits labeled by result: "ok", "rejected",
	// "invalid", "save_failed" or "rate_limited".
	CommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_commits_total",
		Help: "Total number of content commits processed",
	}, []string{"result"})

	// BroadcastDeliveries counts per-connection deliveries, labeled by
	// result: "ok" or "failed".
	BroadcastDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_broadcast_deliveries_total",
		Help: "Total number of per-connection event deliveries",
	}, []string{"result"})

	// HeartbeatEvictions counts connections dropped by the heartbeat.
	HeartbeatEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_heartbeat_evictions_total",
		Help: "Connections evicted by the heartbeat, by reason",
	}, []string{"reason"})

	// CommitLatency records time from commit receipt to local fan-out.
	CommitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_commit_latency_seconds",
		Help:    "Commit processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsActive,
		AttachedUsers,
		PresenceEvents,
		CommitsTotal,
		BroadcastDeliveries,
		CommitLatency,
		HeartbeatEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
