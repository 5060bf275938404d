package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session subsystem's Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	logins      *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	revocations *prometheus.CounterVec
	cleaned     *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "session",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "session",
			Name:      "refreshes_total",
			Help:      "Refresh attempts by result.",
		}, []string{"result"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "session",
			Name:      "revocations_total",
			Help:      "Refresh tokens revoked, by trigger.",
		}, []string{"kind"}),
		cleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "session",
			Name:      "cleanup_deleted_total",
			Help:      "Expired rows removed by the cleanup sweep, by store.",
		}, []string{"store"}),
	}
	if reg != nil {
		reg.MustRegister(m.logins, m.refreshes, m.revocations, m.cleaned)
	}
	return m
}

func (m *Metrics) login(result string) {
	if m != nil {
		m.logins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) refresh(result string) {
	if m != nil {
		m.refreshes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) revoked(kind string, n int64) {
	if m != nil && n > 0 {
		m.revocations.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) swept(store string, n int64) {
	if m != nil && n > 0 {
		m.cleaned.WithLabelValues(store).Add(float64(n))
	}
}

// resultLabel maps an operation error to a bounded label value.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, ErrTwoFactorRequired):
		return "two_factor_required"
	case errors.Is(err, ErrTokenReplay):
		return "replay"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	default:
		return "error"
	}
}
