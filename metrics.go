package betamax

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes session and interaction counters on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	sessions     *prometheus.CounterVec
	interactions *prometheus.CounterVec
	loaded       prometheus.Counter
	storageFails *prometheus.CounterVec
	sessionTime  *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "betamax_sessions_total",
		Help: "Cassette sessions opened, by mode",
	}, []string{"mode"})

	interactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "betamax_interactions_total",
		Help: "Intercepted requests, by outcome",
	}, []string{"outcome"})

	loaded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "betamax_interactions_loaded_total",
		Help: "Interactions loaded from storage",
	})

	storageFails := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "betamax_storage_errors_total",
		Help: "Cassette storage failures, by operation",
	}, []string{"op"})

	sessionTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "betamax_session_duration_seconds",
		Help:    "Time spent inside UseCassette",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	registry.MustRegister(sessions, interactions, loaded, storageFails, sessionTime)

	return &Metrics{
		registry:     registry,
		sessions:     sessions,
		interactions: interactions,
		loaded:       loaded,
		storageFails: storageFails,
		sessionTime:  sessionTime,
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format. A nil *Metrics
// serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) sessionOpened(mode State, loaded int) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(mode.String()).Inc()
	m.loaded.Add(float64(loaded))
}

func (m *Metrics) sessionClosed(mode State, seconds float64) {
	if m == nil {
		return
	}
	m.sessionTime.WithLabelValues(mode.String()).Observe(seconds)
}

func (m *Metrics) interaction(outcome string) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) storageError(op string) {
	if m == nil {
		return
	}
	m.storageFails.WithLabelValues(op).Inc()
}
