package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Security-core metrics.
var (
	AuthDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Authentication and authorization decisions by outcome.",
		},
		[]string{"principal", "operation", "outcome"},
	)

	ReadingsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readings_admitted_total",
		Help: "Telemetry readings accepted by the ingest guard.",
	})

	ReadingsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readings_rejected_total",
			Help: "Telemetry readings rejected by the ingest guard, by reason.",
		},
		[]string{"reason"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		AuthDecisions, ReadingsAdmitted, ReadingsRejected,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// deviceActions are the subresources under /v1/devices/:id that keep their
// literal name in metric labels.
var deviceActions = map[string]bool{
	"":                  true,
	"token":             true,
	"rotate-secret":     true,
	"invalidate-tokens": true,
	"deactivate":        true,
	"reactivate":        true,
	"readings":          true,
	"readings/meta":     true,
}

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded. Unknown shapes pass through unchanged.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	rest, ok := strings.CutPrefix(p, "/v1/devices/")
	if !ok || rest == "" {
		return p
	}
	_, action, _ := strings.Cut(rest, "/")
	if !deviceActions[action] {
		return p
	}
	out := "/v1/devices/:id"
	if action != "" {
		out += "/" + action
	}
	return out
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
