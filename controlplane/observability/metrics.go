// Package observability provides Prometheus metrics and OpenTelemetry tracing
// instrumentation shared across the control plane.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_queries_total",
			Help: "Total number of queries dispatched by the router",
		},
		[]string{"query_type", "status"}, // status: ok, unhandled, error
	)

	queryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_query_duration_seconds",
			Help:    "Query dispatch duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"query_type"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_notifications_total",
			Help: "Total number of notifications delivered by the notification bus",
		},
		[]string{"topic"},
	)

	simulationIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_simulation_iterations_total",
			Help: "Total number of physical simulation iterations",
		},
		[]string{"status"}, // status: success, error
	)

	simulationIterationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controlplane_simulation_iteration_duration_seconds",
			Help:    "Physical simulation iteration duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	simulationIntervalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_simulation_coalescing_interval_seconds",
			Help: "Current pause between physical simulation iterations",
		},
	)
)

// RecordQuery records one router dispatch's outcome and duration.
func RecordQuery(queryType, status string, durationSeconds float64) {
	queriesTotal.WithLabelValues(queryType, status).Inc()
	queryDurationSeconds.WithLabelValues(queryType).Observe(durationSeconds)
}

// RecordNotification records one notification delivered on topic.
func RecordNotification(topic string) {
	notificationsTotal.WithLabelValues(topic).Inc()
}

// RecordSimulationIteration records one physical simulation iteration's
// outcome and duration.
func RecordSimulationIteration(success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	simulationIterationsTotal.WithLabelValues(status).Inc()
	simulationIterationDurationSeconds.Observe(durationSeconds)
}

// SetSimulationInterval records the coalescing worker's current pacing.
func SetSimulationInterval(intervalSeconds float64) {
	simulationIntervalSeconds.Set(intervalSeconds)
}
