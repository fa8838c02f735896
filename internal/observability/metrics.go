package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vatctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	vatsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "vats_created_total",
			Help:      "Dynamic vat creation requests by outcome.",
		},
		[]string{"outcome"},
	)
	vatsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "vats_terminated_total",
			Help:      "Vat terminations by cause.",
		},
		[]string{"cause"},
	)
	cranks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "cranks_total",
			Help:      "Run-queue deliveries by result.",
		},
		[]string{"result"},
	)
	meterExhaustions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "meter_exhaustions_total",
			Help:      "Deliveries stopped by an exhausted meter.",
		},
	)
	notifyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "notification_errors_total",
			Help:      "Lifecycle notifications that could not be composed or enqueued.",
		},
	)
	runQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "run_queue_depth",
			Help:      "Messages waiting on the run queue.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			vatsCreated,
			vatsTerminated,
			cranks,
			meterExhaustions,
			notifyErrors,
			runQueueDepth,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordVatCreated counts a creation request once it reaches a terminal
// outcome ("success" or "failure").
func RecordVatCreated(outcome string) {
	RegisterMetrics()
	vatsCreated.WithLabelValues(outcome).Inc()
}

func RecordVatTerminated(cause string) {
	RegisterMetrics()
	vatsTerminated.WithLabelValues(cause).Inc()
}

func RecordCrank(result string) {
	RegisterMetrics()
	cranks.WithLabelValues(result).Inc()
}

func RecordMeterExhausted() {
	RegisterMetrics()
	meterExhaustions.Inc()
}

func RecordNotifyError() {
	RegisterMetrics()
	notifyErrors.Inc()
}

func SetRunQueueDepth(n int) {
	RegisterMetrics()
	runQueueDepth.Set(float64(n))
}
