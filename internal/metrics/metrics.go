// Package metrics holds the prometheus collectors of the relay. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicerelay"

// Metrics groups the relay collectors.
type Metrics struct {
	activeSessions   prometheus.Gauge
	upstreamOpened   prometheus.Counter
	upstreamFailures prometheus.Counter
	upstreamErrors   prometheus.Counter
	framesIn         *prometheus.CounterVec
	framesOut        *prometheus.CounterVec
	malformedFrames  prometheus.Counter
	audioDropped     prometheus.Counter
	gateRejections   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Client voice sessions currently connected.",
		}),
		upstreamOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_sessions_opened_total",
			Help:      "Upstream sessions opened successfully.",
		}),
		upstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_failures_total",
			Help:      "Upstream sessions that failed to open.",
		}),
		upstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Errors reported by open upstream sessions.",
		}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_frames_received_total",
			Help:      "Client frames received, by type.",
		}, []string{"type"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_frames_sent_total",
			Help:      "Frames sent to clients, by type.",
		}, []string{"type"}),
		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_frames_malformed_total",
			Help:      "Client frames dropped because they could not be parsed.",
		}),
		audioDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_audio_dropped_total",
			Help:      "Client audio chunks dropped because the session queue was full.",
		}),
		gateRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Upgrade requests rejected before the handshake, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) UpstreamOpened() {
	if m != nil {
		m.upstreamOpened.Inc()
	}
}

func (m *Metrics) UpstreamFailed() {
	if m != nil {
		m.upstreamFailures.Inc()
	}
}

func (m *Metrics) UpstreamError() {
	if m != nil {
		m.upstreamErrors.Inc()
	}
}

func (m *Metrics) FrameIn(typ string) {
	if m != nil {
		m.framesIn.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) FrameOut(typ string) {
	if m != nil {
		m.framesOut.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

func (m *Metrics) AudioDropped() {
	if m != nil {
		m.audioDropped.Inc()
	}
}

func (m *Metrics) GateRejected(reason string) {
	if m != nil {
		m.gateRejections.WithLabelValues(reason).Inc()
	}
}
