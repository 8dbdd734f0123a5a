package monitoring

import (
	"time"

	"mediconnect/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	sessionsActiveTotal prometheus.Gauge
	sessionsTotal       prometheus.Counter
	peersRegistered     *prometheus.CounterVec

	// Histograms
	sessionDuration     prometheus.Histogram
	negotiationDuration prometheus.Histogram

	// Call state metrics
	stateTransitions *prometheus.CounterVec
	negotiationTotal *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActiveTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediconnect_sessions_active_total",
			Help: "Number of currently open video sessions",
		}),

		sessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediconnect_sessions_total",
			Help: "Total number of video sessions created",
		}),

		peersRegistered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mediconnect_peers_registered_total",
			Help: "Total number of peer registrations",
		}, []string{"role"}),

		sessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediconnect_session_duration_seconds",
			Help:    "Duration of video sessions from creation to end",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),

		negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediconnect_negotiation_duration_seconds",
			Help:    "Duration of connection negotiation attempts",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15},
		}),

		stateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mediconnect_call_state_transitions_total",
			Help: "Call state transitions by entered state",
		}, []string{"state"}),

		negotiationTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mediconnect_negotiation_attempts_total",
			Help: "Negotiation attempts by outcome",
		}, []string{"outcome"}),
	}
}

func (p *PrometheusCollector) RecordSessionCreated() {
	p.sessionsTotal.Inc()
	p.sessionsActiveTotal.Inc()
}

func (p *PrometheusCollector) RecordSessionEnded(duration time.Duration) {
	p.sessionsActiveTotal.Dec()
	p.sessionDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordPeerRegistered(role string) {
	p.peersRegistered.WithLabelValues(role).Inc()
}

func (p *PrometheusCollector) RecordNegotiationDuration(duration time.Duration) {
	p.negotiationDuration.Observe(duration.Seconds())
}

// ObserveStateChange implements the call engine's metrics hook.
func (p *PrometheusCollector) ObserveStateChange(state domain.CallState) {
	p.stateTransitions.WithLabelValues(string(state)).Inc()
}

// ObserveNegotiation implements the call engine's metrics hook.
func (p *PrometheusCollector) ObserveNegotiation(outcome domain.AttemptOutcome) {
	p.negotiationTotal.WithLabelValues(string(outcome)).Inc()
}
