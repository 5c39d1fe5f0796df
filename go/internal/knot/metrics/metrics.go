// Package metrics holds the Prometheus collectors for the knot service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "knot_ws_connections_active",
		Help: "The current number of open knot websocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knot_ws_connections_total",
		Help: "The total number of knot websocket connections accepted.",
	})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "knot_ws_messages_received_total",
		Help: "Inbound websocket messages by event type.",
	}, []string{"type"})
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knot_ws_messages_dropped_total",
		Help: "Outbound messages dropped because a client send buffer was full.",
	})

	// Matchmaking metrics
	RoomsWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "knot_rooms_waiting",
		Help: "Rooms waiting for a partner.",
	})
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "knot_rooms_active",
		Help: "Rooms with two members and a running countdown.",
	})
	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "knot_match_outcomes_total",
		Help: "match_or_create results by outcome.",
	}, []string{"outcome"})
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "knot_sessions_ended_total",
		Help: "Ended rooms by reason.",
	}, []string{"reason"})
	SessionLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "knot_session_length_seconds",
		Help:    "Time between match and end for rooms that became active.",
		Buckets: []float64{30, 60, 120, 300, 600, 900, 1200, 1500, 1800},
	})

	// Countdown and sweep metrics
	CountdownsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "knot_countdowns_pending",
		Help: "Rooms with a scheduled countdown.",
	})
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knot_sweep_runs_total",
		Help: "Reconciliation sweep passes.",
	})
	SweepExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "knot_sweep_expired_total",
		Help: "Sessions expired by the sweeper, by source.",
	}, []string{"source"})

	// Persistence and publishing
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "knot_store_errors_total",
		Help: "Failed durable store calls by operation.",
	}, []string{"op"})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "knot_events_published_total",
		Help: "Lifecycle events published, by type and status.",
	}, []string{"type", "status"})
	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "knot_event_publish_duration_seconds",
		Help:    "Lifecycle event publish latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

// RecordRoomCounts sets the room gauges.
func RecordRoomCounts(waiting, active int) {
	RoomsWaiting.Set(float64(waiting))
	RoomsActive.Set(float64(active))
}
