package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SignalSessions  prometheus.Gauge
	SignalPeers     prometheus.Gauge
	SignalEvents    *prometheus.CounterVec
	SignalMessages  *prometheus.CounterVec
	AudioChunks     *prometheus.CounterVec
	RenderOutcomes  *prometheus.CounterVec
	RenderFallbacks *prometheus.CounterVec
	RenderDuration  prometheus.Histogram
	RenderStages    *RenderWindow
	gatherer        prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg gets a private registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		SignalSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_sessions",
			Help:      "Number of live signaling sessions.",
		}),
		SignalPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_peers",
			Help:      "Number of registered signaling peers.",
		}),
		SignalEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_events_total",
			Help:      "Signaling lifecycle events by type.",
		}, []string{"event"}),
		SignalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_messages_total",
			Help:      "Relayed signaling messages by sender role and outcome.",
		}, []string{"from_role", "outcome"}),
		AudioChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks streamed by framing.",
		}, []string{"framing"}),
		RenderOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_outcomes_total",
			Help:      "Render jobs by terminal outcome.",
		}, []string{"outcome"}),
		RenderFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_fallbacks_total",
			Help:      "Render jobs served by the fallback chain, by reason.",
		}, []string{"reason"}),
		RenderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_ms",
			Help:      "Wall time of render jobs in milliseconds, fallback included.",
			Buckets:   []float64{250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		}),
		RenderStages: NewRenderWindow(256),
		gatherer:     reg,
	}
}

// SetSignalCounts publishes the current registry size.
func (m *Metrics) SetSignalCounts(sessions, peers int) {
	if m == nil {
		return
	}
	m.SignalSessions.Set(float64(sessions))
	m.SignalPeers.Set(float64(peers))
}

func (m *Metrics) SignalEvent(event string) {
	if m == nil {
		return
	}
	m.SignalEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SignalMessage(fromRole, outcome string) {
	if m == nil {
		return
	}
	m.SignalMessages.WithLabelValues(fromRole, outcome).Inc()
}

func (m *Metrics) AudioChunk(framing string) {
	if m == nil {
		return
	}
	m.AudioChunks.WithLabelValues(framing).Inc()
}

// ObserveRender records a resolved job under its terminal outcome.
func (m *Metrics) ObserveRender(outcome string, sample RenderSample) {
	if m == nil {
		return
	}
	m.RenderOutcomes.WithLabelValues(outcome).Inc()
	if sample.FallbackReason != "" {
		m.RenderFallbacks.WithLabelValues(sample.FallbackReason).Inc()
	}
	m.RenderDuration.Observe(float64(sample.Total.Milliseconds()))
	m.RenderStages.Observe(sample)
}

// Handler serves the registry the metrics were created on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
