package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	loginAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_login_attempts_total",
		Help: "Total number of login attempts by outcome",
	}, []string{"outcome"})
	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_rate_limited_total",
		Help: "Total number of requests denied by the rate limiter",
	})
	threatBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_threat_blocked_total",
		Help: "Total number of requests blocked by threat intelligence",
	})
	auditEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_audit_events_total",
		Help: "Total number of audit events recorded",
	})
	alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_alerts_total",
		Help: "Total number of alerts triggered by severity",
	}, []string{"severity"})
	storeDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_store_degraded",
		Help: "1 when the key-value store is unreachable and the local fallback is active",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(loginAttemptsTotal, rateLimitedTotal, threatBlockedTotal,
		auditEventsTotal, alertsTotal, storeDegraded)
}

// IncLoginAttempt increments the login attempt counter for an outcome.
func IncLoginAttempt(outcome string) { loginAttemptsTotal.WithLabelValues(outcome).Inc() }

// IncRateLimited increments the rate-limited request counter.
func IncRateLimited() { rateLimitedTotal.Inc() }

// IncThreatBlocked increments the threat-blocked request counter.
func IncThreatBlocked() { threatBlockedTotal.Inc() }

// IncAuditEvent increments the recorded audit event counter.
func IncAuditEvent() { auditEventsTotal.Inc() }

// IncAlert increments the triggered alert counter for a severity.
func IncAlert(severity string) { alertsTotal.WithLabelValues(severity).Inc() }

// SetStoreDegraded flips the degraded-mode gauge.
func SetStoreDegraded(degraded bool) {
	if degraded {
		storeDegraded.Set(1)
	} else {
		storeDegraded.Set(0)
	}
}
