package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: pre-hook decisions, labelled by resulting state.
	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_outcomes_total",
			Help: "Idempotency pre-hook decisions by state.",
		},
		[]string{"state"},
	)

	// Counter: cache store operations by op and result.
	StoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_store_ops_total",
			Help: "Cache store operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	// Histogram: time spent waiting on the local or distributed key lock.
	LockWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idempotency_lock_wait_seconds",
			Help:    "Time spent acquiring key locks in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"kind"},
	)

	// Counter: lock acquisitions that failed or timed out.
	LockFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_lock_failures_total",
			Help: "Key lock acquisitions that failed.",
		},
		[]string{"kind"},
	)

	// Histogram: HTTP latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		OutcomesTotal,
		StoreOpsTotal,
		LockWaitSeconds,
		LockFailuresTotal,
		HTTPLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLockWait records how long a lock of the given kind took to acquire.
func ObserveLockWait(kind string, start time.Time, acquired bool) {
	LockWaitSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if !acquired {
		LockFailuresTotal.WithLabelValues(kind).Inc()
	}
}

// Middleware measures latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		HTTPLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
