// Package metrics exposes Prometheus counters for the session core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Login outcome labels.
const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeUserNotFound       = "user_not_found"
	OutcomeAccountLocked      = "account_locked"
	OutcomeEmailUnconfirmed   = "email_unconfirmed"
	OutcomeError              = "error"
)

type Metrics struct {
	loginAttempts   *prometheus.CounterVec
	lockouts        prometheus.Counter
	rotations       prometheus.Counter
	refreshRejected prometheus.Counter
	authorizations  *prometheus.CounterVec
}

// New registers the counters on reg. Passing nil registers them on the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		loginAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Total number of login attempts by outcome",
		}, []string{"outcome"}),
		lockouts: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_lockouts_total",
			Help: "Total number of accounts locked after repeated failures",
		}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_token_rotations_total",
			Help: "Total number of refresh tokens issued or rotated",
		}),
		refreshRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_rejected_total",
			Help: "Total number of refresh requests rejected",
		}),
		authorizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_authorizations_total",
			Help: "Total number of authorization checks by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) LoginAttempt(outcome string) {
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LockoutTriggered() {
	m.lockouts.Inc()
}

func (m *Metrics) TokenRotated() {
	m.rotations.Inc()
}

func (m *Metrics) RefreshRejected() {
	m.refreshRejected.Inc()
}

// Authorization records "allowed", "unauthenticated" or "forbidden".
func (m *Metrics) Authorization(result string) {
	m.authorizations.WithLabelValues(result).Inc()
}
