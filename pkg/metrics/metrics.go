package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuq_queue_depth",
			Help: "Number of jobs queued per node",
		},
		[]string{"node"},
	)

	QueueLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuq_queue_load_seconds",
			Help: "Cumulative expected time queued or running per node",
		},
		[]string{"node"},
	)

	// Job metrics
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuq_jobs_submitted_total",
			Help: "Total number of jobs accepted for execution",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuq_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	JobsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuq_jobs_rejected_total",
			Help: "Total number of submissions rejected at admission, by reason",
		},
		[]string{"reason"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpuq_job_duration_seconds",
			Help:    "Wall-clock duration of jobs from start to terminal state",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuq_api_requests_total",
			Help: "Total number of API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpuq_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// SSH metrics
	SSHConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuq_ssh_connects_total",
			Help: "Total SSH connection attempts by node and outcome",
		},
		[]string{"node", "outcome"},
	)

	SSHReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuq_ssh_reconnects_total",
			Help: "Total transport recoveries performed mid-job",
		},
		[]string{"node"},
	)

	// Vetter metrics
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuq_code_scans_total",
			Help: "Total code scans by verdict",
		},
		[]string{"verdict"},
	)

	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpuq_code_scan_duration_seconds",
			Help:    "Code scan duration in seconds including the LLM call",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueLoad)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsRejected)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SSHConnectsTotal)
	prometheus.MustRegister(SSHReconnects)
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(ScanDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
