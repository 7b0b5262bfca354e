package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilerack_ws_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilerack_ws_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	DisconnectionsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilerack_disconnections_confirmed_total",
		Help: "The total number of disconnections that survived the debounce window.",
	})
	Reconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilerack_reconnections_total",
		Help: "The total number of successful player reconnections.",
	})
	SessionsPaused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilerack_sessions_paused_total",
		Help: "The total number of session pauses, by reason.",
	}, []string{"reason"})
	GracePeriodsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilerack_grace_periods_expired_total",
		Help: "The total number of grace periods that elapsed without a reconnect.",
	})
	ContinuationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilerack_continuation_decisions_total",
		Help: "The total number of executed continuation decisions, by choice.",
	}, []string{"choice"})
	SessionsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilerack_sessions_abandoned_total",
		Help: "The total number of sessions abandoned after all players disconnected.",
	})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
