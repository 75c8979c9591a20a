// Package metrics exposes prometheus collectors for the security subsystem.
//
// Collectors live on a private registry so several managers (and tests) can
// coexist in one process. Every method is safe to call on a nil *Recorder.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the registry and collectors.
type Recorder struct {
	registry *prometheus.Registry

	accessDecisions    *prometheus.CounterVec
	validations        *prometheus.CounterVec
	complianceScore    prometheus.Gauge
	riskScore          prometheus.Gauge
	ruleFailures       *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	sessionsTerminated *prometheus.CounterVec
	auditEvents        *prometheus.CounterVec
	deliveryFailures   *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "RBAC access decisions by outcome.",
		}, []string{"granted"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_validations_total",
			Help: "Compliance validation runs by mode.",
		}, []string{"mode"}),
		complianceScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_score",
			Help: "Overall compliance percentage of the most recent full validation.",
		}),
		riskScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_risk_score",
			Help: "Risk score of the most recent advanced validation.",
		}),
		ruleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_rule_failures_total",
			Help: "Failed compliance rule evaluations by rule id.",
		}, []string{"rule"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Currently active sessions.",
		}),
		sessionsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessions_terminated_total",
			Help: "Terminated sessions by reason.",
		}, []string{"reason"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Recorded audit events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_delivery_failures_total",
			Help: "Audit sink delivery failures by sink.",
		}, []string{"sink"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	r.registry.MustRegister(
		r.accessDecisions, r.validations, r.complianceScore, r.riskScore,
		r.ruleFailures, r.sessionsActive, r.sessionsTerminated,
		r.auditEvents, r.deliveryFailures, r.httpRequests, r.httpDuration,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) AccessDecision(granted bool) {
	if r == nil {
		return
	}
	r.accessDecisions.WithLabelValues(strconv.FormatBool(granted)).Inc()
}

func (r *Recorder) Validation(mode string) {
	if r == nil {
		return
	}
	r.validations.WithLabelValues(mode).Inc()
}

func (r *Recorder) ComplianceScore(pct int) {
	if r == nil {
		return
	}
	r.complianceScore.Set(float64(pct))
}

func (r *Recorder) RiskScore(score float64) {
	if r == nil {
		return
	}
	r.riskScore.Set(score)
}

func (r *Recorder) RuleFailed(ruleID string) {
	if r == nil {
		return
	}
	r.ruleFailures.WithLabelValues(ruleID).Inc()
}

func (r *Recorder) ActiveSessions(n int) {
	if r == nil {
		return
	}
	r.sessionsActive.Set(float64(n))
}

func (r *Recorder) SessionTerminated(reason string) {
	if r == nil {
		return
	}
	r.sessionsTerminated.WithLabelValues(reason).Inc()
}

func (r *Recorder) AuditEvent(eventType, outcome string) {
	if r == nil {
		return
	}
	r.auditEvents.WithLabelValues(eventType, outcome).Inc()
}

func (r *Recorder) DeliveryFailed(sink string) {
	if r == nil {
		return
	}
	r.deliveryFailures.WithLabelValues(sink).Inc()
}

// HTTPRequest records one served request. path should be the route pattern,
// not the raw URL, to keep label cardinality bounded.
func (r *Recorder) HTTPRequest(method, path string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	code := strconv.Itoa(status)
	r.httpRequests.WithLabelValues(method, path, code).Inc()
	r.httpDuration.WithLabelValues(method, path, code).Observe(elapsed.Seconds())
}
