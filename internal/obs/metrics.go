package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by outcome.",
		},
		[]string{"action", "decision"},
	)

	auditAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_append_failures_total",
		Help: "Audit records that could not be written to durable storage.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		authzDecisions,
		auditAppendFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts an authorization decision for an action.
func ObserveDecision(action string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	authzDecisions.WithLabelValues(action, decision).Inc()
}

// ObserveAuditFailure counts an audit write that was lost to a sink error.
// The triggering operation continues; operators alert on this counter.
func ObserveAuditFailure() {
	auditAppendFailures.Inc()
}

// Instrument wraps an http.Handler with RPS/latency/in-flight metrics.
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

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	if rest, ok := strings.CutPrefix(path, "/v1/grants/"); ok {
		if strings.HasSuffix(rest, "/revoke") {
			return "/v1/grants/:id/revoke"
		}
		if !strings.Contains(strings.Trim(rest, "/"), "/") {
			return "/v1/grants/:id"
		}
	}
	if rest, ok := strings.CutPrefix(path, "/v1/mfa/factors/"); ok {
		if !strings.Contains(strings.Trim(rest, "/"), "/") {
			return "/v1/mfa/factors/:id"
		}
	}
	if rest, ok := strings.CutPrefix(path, "/v1/mfa/members/"); ok {
		if strings.HasSuffix(rest, "/reset") {
			return "/v1/mfa/members/:id/reset"
		}
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
