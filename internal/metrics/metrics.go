package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveness_sessions_started_total",
		Help: "Total number of liveness sessions that entered STARTING",
	})

	SessionsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveness_sessions_finished_total",
		Help: "Total number of liveness sessions that reached a terminal state",
	}, []string{"status", "reason"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveness_sessions_active",
		Help: "Number of liveness sessions currently STARTING or RUNNING",
	})

	ReleaseFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveness_release_failures_total",
		Help: "Total number of engine terminations that returned an error",
	})

	TelemetryDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveness_telemetry_dropped_total",
		Help: "Total number of log hook events dropped because the hook fell behind",
	})

	FramesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveness_frames_published_total",
		Help: "Total number of camera frames handed to a session",
	})

	FramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveness_frames_dropped_total",
		Help: "Total number of camera frames replaced before the engine consumed them",
	})
)

// IncSessionStarted records a session entering STARTING.
func IncSessionStarted() {
	SessionsStartedTotal.Inc()
	SessionsActive.Inc()
}

// IncSessionFinished records a session leaving the active set.
func IncSessionFinished(status, reason string) {
	if status == "" {
		status = "unknown"
	}
	if reason == "" {
		reason = "none"
	}
	SessionsFinishedTotal.WithLabelValues(status, reason).Inc()
	SessionsActive.Dec()
}
