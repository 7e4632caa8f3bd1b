// Package metrics defines the server's Prometheus metrics.
//
// Metric naming follows Prometheus conventions:
//   - vigil_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedSessions tracks active sessions by node type.
	ConnectedSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_connected_sessions",
			Help: "Currently active sessions by node type.",
		},
		[]string{"node_type"},
	)

	// SensorAlertsReceivedTotal counts sensor alerts accepted from sensor nodes.
	SensorAlertsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_sensor_alerts_received_total",
			Help: "Total sensor alerts accepted into the processing queue.",
		},
	)

	// SensorAlertsDroppedTotal counts sensor alerts consumed without a firing.
	SensorAlertsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_sensor_alerts_dropped_total",
			Help: "Total sensor alerts consumed without producing a firing.",
		},
	)

	// FiringsTotal counts alert level firings by level.
	FiringsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_firings_total",
			Help: "Total alert level firings.",
		},
		[]string{"level"},
	)

	// ManagerPushesTotal counts status snapshots pushed to manager sessions.
	ManagerPushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_manager_pushes_total",
			Help: "Total status snapshots pushed to manager sessions.",
		},
	)

	// WatchdogEvictionsTotal counts sessions closed by the watchdog.
	WatchdogEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_watchdog_evictions_total",
			Help: "Total sessions evicted for exceeding the connection timeout.",
		},
	)

	// EvalCycleSeconds is a histogram of sensor alert evaluation cycles.
	EvalCycleSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_eval_cycle_seconds",
			Help:    "Duration of sensor alert evaluation cycles.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
)

// ObserveEvalCycle records one evaluation cycle duration.
func ObserveEvalCycle(start time.Time) {
	EvalCycleSeconds.Observe(time.Since(start).Seconds())
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
