package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Decision metrics
	decisionsTotal *prometheus.CounterVec
	entitiesTotal  *prometheus.CounterVec
	hopsTotal      *prometheus.CounterVec

	// Dependency metrics
	evidenceWrites *prometheus.CounterVec
	upstreamCalls  *prometheus.CounterVec

	// Configuration reload metrics
	policyReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlp_decisions_total",
				Help: "Role policy decisions by stage and action",
			},
			[]string{"stage", "action"},
		),

		entitiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlp_entities_detected_total",
				Help: "Sensitive entities detected by stage and type",
			},
			[]string{"stage", "type"},
		),

		hopsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlp_hop_decisions_total",
				Help: "Data movement hop decisions by edge and outcome",
			},
			[]string{"from", "to", "allowed"},
		),

		evidenceWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlp_evidence_writes_total",
				Help: "Evidence record writes by stage and status",
			},
			[]string{"stage", "status"},
		),

		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlp_upstream_calls_total",
				Help: "Calls to the generation service by status",
			},
			[]string{"status"},
		),

		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlp_policy_reloads_total",
				Help: "Flow policy reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlp_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dlp_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.entitiesTotal,
		m.hopsTotal,
		m.evidenceWrites,
		m.upstreamCalls,
		m.policyReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordDecision records a role policy outcome and the entity types behind it
func (m *Metrics) RecordDecision(stage string, action domain.Action, entities []domain.Entity) {
	m.decisionsTotal.WithLabelValues(stage, string(action)).Inc()
	for _, e := range entities {
		m.entitiesTotal.WithLabelValues(stage, string(e.Type)).Inc()
	}
}

// RecordHop records a hop decision. Node names outside the well-known set
// share the "other" label since callers choose them freely.
func (m *Metrics) RecordHop(decision domain.HopDecision) {
	m.hopsTotal.WithLabelValues(
		domain.BoundedNode(decision.From),
		domain.BoundedNode(decision.To),
		strconv.FormatBool(decision.Allow),
	).Inc()
}

// RecordEvidenceWrite records an evidence write attempt
func (m *Metrics) RecordEvidenceWrite(stage string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.evidenceWrites.WithLabelValues(stage, status).Inc()
}

// RecordUpstreamCall records a generation call
func (m *Metrics) RecordUpstreamCall(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.upstreamCalls.WithLabelValues(status).Inc()
}

// RecordPolicyReload records a policy reload attempt
func (m *Metrics) RecordPolicyReload(status string) {
	m.policyReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, getEndpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch {
	case path == "/healthz":
		return "healthz"
	case path == "/metrics":
		return "metrics"
	case path == "/v1/prompt":
		return "prompt"
	case path == "/v1/classify":
		return "classify"
	case path == "/v1/movement":
		return "movement"
	case path == "/v1/hop":
		return "hop"
	case path == "/v1/decide":
		return "decide"
	case strings.HasPrefix(path, "/v1/evidence/"):
		return "evidence"
	default:
		return "unknown"
	}
}
