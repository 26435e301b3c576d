// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dts_tasks_total",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dts_tasks_claimed_total",
			Help: "Total number of tasks claimed by the scheduler",
		},
	)

	TasksRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dts_tasks_recovered_total",
			Help: "Total number of stale RUNNING tasks transitioned by recovery",
		},
	)

	// API metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dts_http_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dts_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics
	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dts_scheduler_tick_duration_seconds",
			Help:    "Time taken by one scheduler tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksRecovered)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SchedulerTickDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
