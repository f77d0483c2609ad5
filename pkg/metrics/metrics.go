package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_completed_total",
			Help: "Total number of tasks completed by department",
		},
		[]string{"department"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_failed_total",
			Help: "Total number of tasks permanently failed by error kind",
		},
		[]string{"error_kind"},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_tasks_retried_total",
			Help: "Total number of task retry attempts",
		},
	)

	TasksCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_tasks_cancelled_total",
			Help: "Total number of tasks cancelled",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_queue_depth",
			Help: "Number of tasks currently queued for assignment",
		},
	)

	TaskWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_task_wait_seconds",
			Help:    "Time from ready to assigned in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_dispatch_latency_seconds",
			Help:    "Provider request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Provider metrics
	ProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_provider_tokens_total",
			Help: "Total tokens consumed by provider",
		},
		[]string{"provider"},
	)

	ProviderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_provider_failures_total",
			Help: "Total failed requests by provider",
		},
		[]string{"provider"},
	)

	BreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_provider_breaker_open",
			Help: "Whether the provider breaker is open (1 = open or half-open)",
		},
		[]string{"provider"},
	)

	// Worker metrics
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_workers_active",
			Help: "Number of registered workers",
		},
	)

	// Bus metrics
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_events_dropped_total",
			Help: "Total events dropped by slow subscribers",
		},
	)

	AlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_alerts_fired_total",
			Help: "Total threshold alerts fired by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksRetried)
	prometheus.MustRegister(TasksCancelled)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TaskWaitSeconds)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(ProviderTokens)
	prometheus.MustRegister(ProviderFailures)
	prometheus.MustRegister(BreakerOpen)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(AlertsFired)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
