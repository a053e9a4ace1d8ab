package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camsignal_connections_total",
			Help: "WebSocket connections accepted, by role.",
		},
		[]string{"role"},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camsignal_auth_failures_total",
			Help: "Rejected hello handshakes, by role.",
		},
		[]string{"role"},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camsignal_frames_total",
			Help: "Inbound frames processed after authentication, by role and type.",
		},
		[]string{"role", "type"},
	)

	ErrorFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camsignal_error_frames_total",
			Help: "Error frames sent to peers, by role.",
		},
		[]string{"role"},
	)

	SessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "camsignal_sessions_started_total",
			Help: "Watch sessions created.",
		},
	)

	SessionsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camsignal_sessions_ended_total",
			Help: "Watch sessions ended, by reason.",
		},
		[]string{"reason"},
	)

	HeartbeatTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camsignal_heartbeat_timeouts_total",
			Help: "Connections closed for missing heartbeats, by role.",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		AuthFailuresTotal,
		FramesTotal,
		ErrorFramesTotal,
		SessionsStartedTotal,
		SessionsEndedTotal,
		HeartbeatTimeoutsTotal,
	)
}
