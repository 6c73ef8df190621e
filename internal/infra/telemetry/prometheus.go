package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcpkit/internal/domain"
)

type PrometheusMetrics struct {
	callDuration   *prometheus.HistogramVec
	sessionsActive prometheus.Gauge
	sessionEvents  *prometheus.CounterVec
	authOutcomes   *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpkit_call_duration_seconds",
				Help:    "Duration of capability calls in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind", "capability", "outcome"},
		),
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpkit_sessions_active",
				Help: "Current number of live sessions",
			},
		),
		sessionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpkit_session_events_total",
				Help: "Total number of session lifecycle events",
			},
			[]string{"event"},
		),
		authOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpkit_auth_outcomes_total",
				Help: "Total number of auth gate decisions",
			},
			[]string{"provider", "outcome"},
		),
	}
}

func (p *PrometheusMetrics) ObserveCall(metric domain.CallMetric) {
	p.callDuration.WithLabelValues(string(metric.Kind), metric.Name, string(metric.Outcome)).Observe(metric.Duration.Seconds())
}

func (p *PrometheusMetrics) ObserveSessionEvent(event domain.SessionEvent) {
	p.sessionEvents.WithLabelValues(string(event)).Inc()
}

func (p *PrometheusMetrics) SetActiveSessions(count int) {
	p.sessionsActive.Set(float64(count))
}

func (p *PrometheusMetrics) ObserveAuth(provider string, outcome domain.AuthOutcome) {
	if provider == "" {
		provider = "none"
	}
	p.authOutcomes.WithLabelValues(provider, string(outcome)).Inc()
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
