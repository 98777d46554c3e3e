package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

var (
	SessionsCreated = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Sessions created or re-registered",
		},
	)

	// reason is "inactivity" or "closed"
	SessionsEnded = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_ended_total",
			Help: "Sessions transitioned to ended",
		},
		[]string{"reason"},
	)

	// mode is "owned", "shared" or "untracked"
	SessionTurns = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_turns_total",
			Help: "Chat turns passed through the activity gate",
		},
		[]string{"mode"},
	)

	SessionsRejected = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "session_requests_rejected_total",
			Help: "Requests rejected because the session had ended",
		},
	)

	// result is "ok", "skipped" or "failed"
	MonitorTicks = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_ticks_total",
			Help: "Inactivity monitor iterations",
		},
		[]string{"result"},
	)

	MonitorRunning = promauto.With(registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_running",
			Help: "1 while the inactivity monitor is running",
		},
	)

	// result is "sent" or "failed"
	Notifications = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_notifications_total",
			Help: "Ended-session notifications attempted",
		},
		[]string{"result"},
	)
)

// Handler serves the service's metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
