package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs submitted by provider and action",
		},
		[]string{"provider", "action"},
	)
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dispatched_total",
			Help: "Total number of jobs dispatched to workers",
		},
		[]string{"worker"},
	)
	DispatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_failures_total",
			Help: "Total number of dispatch refusals/failures by worker",
		},
		[]string{"worker", "reason"},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently running across all workers",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed by provider",
		},
		[]string{"provider"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job failures by error kind",
		},
		[]string{"kind"},
	)
	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job retries scheduled",
		},
	)
	JobsDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_dead_total",
			Help: "Total number of jobs moved to dead",
		},
	)
	StaleJobsRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_jobs_recovered_total",
			Help: "Total number of running jobs recovered as lost",
		},
	)
	CallbacksDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbacks_delivered_total",
			Help: "Total number of upstream callbacks by outcome",
		},
		[]string{"outcome"},
	)
	AutomationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_duration_seconds",
			Help:    "Automation execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"provider", "action"},
	)
	WorkerActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active_jobs",
			Help: "Number of automations currently executing on this worker",
		},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(DispatchFailuresTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsDeadTotal)
	prometheus.MustRegister(StaleJobsRecoveredTotal)
	prometheus.MustRegister(CallbacksDeliveredTotal)
	prometheus.MustRegister(AutomationDuration)
	prometheus.MustRegister(WorkerActiveJobs)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
