package metrics

import (
	"sync"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var _ domain.SessionObserver = (*SessionMetrics)(nil)

// SessionMetrics observes the session registry and exports how many sessions sit in each
// readiness state, plus a counter of transitions.
type SessionMetrics struct {
	Sessions    *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Rebuilds    prometheus.Counter

	mu      sync.Mutex
	current map[string]domain.Session
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "current",
			Help:      "Number of registered sessions, by readiness.",
		}, []string{"readiness"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Total number of session state transitions, by target readiness.",
		}, []string{"readiness"}),
		Rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "rebuilds_total",
			Help:      "Total number of sessions replaced after a disconnect or failure.",
		}),
		current: make(map[string]domain.Session),
	}

	// Pre-populate so every state is exported as zero before the first session exists.
	for _, r := range domain.AllReadiness {
		m.Sessions.WithLabelValues(string(r))
	}

	reg.MustRegister(m.Sessions, m.Transitions, m.Rebuilds)
	return m
}

func (m *SessionMetrics) SessionChanged(s domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.current[s.UserID]
	if existed {
		if prev.ID == s.ID && prev.Readiness == s.Readiness {
			return
		}
		m.Sessions.WithLabelValues(string(prev.Readiness)).Dec()
		if prev.ID != s.ID {
			m.Rebuilds.Inc()
		}
	}

	m.current[s.UserID] = s
	m.Sessions.WithLabelValues(string(s.Readiness)).Inc()
	m.Transitions.WithLabelValues(string(s.Readiness)).Inc()
}

func (m *SessionMetrics) SessionRemoved(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.current[userID]
	if !ok {
		return
	}
	delete(m.current, userID)
	m.Sessions.WithLabelValues(string(prev.Readiness)).Dec()
}
