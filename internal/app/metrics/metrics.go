// Package metrics exposes the Prometheus collectors for the oracle
// engine and its HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "oracle_engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "oracle_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	priceUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "prices",
			Name:      "updates_total",
			Help:      "Total number of accepted price commits by deviation class.",
		},
		[]string{"class"},
	)

	sourceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "sources",
			Name:      "failures_total",
			Help:      "Total number of upstream source failures by role.",
		},
		[]string{"role"},
	)

	breakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total number of circuit breaker trips by triggering class.",
		},
		[]string{"class"},
	)

	breakerResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "breaker",
			Name:      "resets_total",
			Help:      "Total number of administrative circuit breaker resets.",
		},
	)

	convergenceSteps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "convergence",
			Name:      "steps_total",
			Help:      "Total number of committed convergence steps.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		priceUpdates,
		sourceFailures,
		breakerTrips,
		breakerResets,
		convergenceSteps,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordPriceUpdate records an accepted commit.
func RecordPriceUpdate(class string) {
	if class == "" {
		class = "unknown"
	}
	priceUpdates.WithLabelValues(class).Inc()
}

// RecordSourceFailure records an upstream fetch failure.
func RecordSourceFailure(role string) {
	if role == "" {
		role = "unknown"
	}
	sourceFailures.WithLabelValues(role).Inc()
}

// RecordBreakerTrip records a circuit breaker trip.
func RecordBreakerTrip(class string) {
	if class == "" {
		class = "unknown"
	}
	breakerTrips.WithLabelValues(class).Inc()
}

// RecordBreakerReset records an administrative breaker reset.
func RecordBreakerReset() { breakerResets.Inc() }

// RecordConvergenceStep records one committed convergence step.
func RecordConvergenceStep() { convergenceSteps.Inc() }

// statusRecorder captures the response status. Initialized to 200 so a
// handler that writes a body without an explicit WriteHeader is
// recorded correctly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses asset-specific segments so label cardinality
// stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "prices":
		if len(parts) == 1 {
			return "/prices"
		}
		if len(parts) == 2 {
			return "/prices/:asset"
		}
		return "/prices/:asset/" + parts[2]
	case "admin":
		if len(parts) <= 2 {
			return "/" + trimmed
		}
		return "/admin/" + parts[1] + "/:asset"
	default:
		return "/" + parts[0]
	}
}
