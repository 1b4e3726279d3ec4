package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fleet-level metrics for the gateway: agent connectivity, orchestration
// throughput and push-channel health.
var (
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octofleet_dispatches_total",
		Help: "Install commands dispatched to agents, by outcome",
	}, []string{"outcome"})

	RemediationJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octofleet_remediation_jobs_total",
		Help: "Remediation jobs reaching a terminal state, by status",
	}, []string{"status"})

	SessionFramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "octofleet_session_frames_dropped_total",
		Help: "Live session frames shed for slow shared-session subscribers",
	})

	BusEventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octofleet_bus_events_dropped_total",
		Help: "Bus events shed for slow subscribers, by topic",
	}, []string{"topic"})
)

// RegisterAgentGauges exposes live connectivity counts. The callbacks are
// sampled at scrape time, so they must be cheap and lock briefly.
func RegisterAgentGauges(connectedAgents, activeSessions func() int) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "octofleet_connected_agents",
			Help: "Agents with an open WebSocket connection",
		}, func() float64 {
			return float64(connectedAgents())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "octofleet_active_sessions",
			Help: "Live sessions in pending or active state",
		}, func() float64 {
			return float64(activeSessions())
		}),
	)
}
