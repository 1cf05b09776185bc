package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tracking lookup outcomes.
const (
	OutcomeDisclosed = "disclosed"
	OutcomeWithheld  = "withheld"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
)

// Prometheus metrics for the public tracking route, the API and the outbox relay.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	TrackingLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_lookups_total",
			Help: "Public tracking lookups by outcome",
		},
		[]string{"outcome"},
	)

	TrackingIntegrityWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_integrity_warnings_total",
			Help: "Deliveries found with a status outside the lifecycle",
		},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_rate_limited_total",
			Help: "Public tracking requests rejected by the per-IP limiter",
		},
	)

	RelayPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox messages published to the status channel",
		},
		[]string{"topic"},
	)

	RelayFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_failed_total",
			Help: "Outbox publish attempts that failed, by final state",
		},
		[]string{"topic", "state"},
	)
)

// Register registers all collectors with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TrackingLookupsTotal,
		TrackingIntegrityWarningsTotal,
		RateLimitedTotal,
		RelayPublishedTotal,
		RelayFailedTotal,
	)
}

// InstrumentHandler wraps an HTTP handler with Prometheus instrumentation.
func InstrumentHandler(handlerName string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		wrapped := NewStatusRecorder(w)
		handler.ServeHTTP(wrapped, r)

		HTTPRequestDuration.WithLabelValues(handlerName, r.Method).Observe(time.Since(startTime).Seconds())
		HTTPRequestsTotal.WithLabelValues(handlerName, r.Method, strconv.Itoa(wrapped.Status())).Inc()
	})
}

// StatusRecorder wraps http.ResponseWriter to capture the status code.
type StatusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	if rec, ok := w.(*StatusRecorder); ok {
		return rec
	}
	return &StatusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *StatusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *StatusRecorder) Status() int {
	return rw.statusCode
}
