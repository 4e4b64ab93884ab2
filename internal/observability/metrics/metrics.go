// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcript_relay"

// Drop reasons for audio frames that never reach a backend.
const (
	DropNoSession    = "no_session"
	DropNotReady     = "not_ready"
	DropClosed       = "closed"
	DropBackpressure = "backpressure"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Client connection metrics
	ClientSessionsTotal  prometheus.Counter
	ClientSessionsActive prometheus.Gauge
	ClientSessionSeconds prometheus.Histogram
	ClientErrors         *prometheus.CounterVec

	// Upstream session metrics
	UpstreamOpened   *prometheus.CounterVec
	UpstreamFailed   *prometheus.CounterVec
	UpstreamActive   *prometheus.GaugeVec
	UpstreamErrors   *prometheus.CounterVec
	HandshakeLatency *prometheus.HistogramVec

	// Audio metrics
	AudioBytesReceived  *prometheus.CounterVec
	AudioFramesReceived *prometheus.CounterVec
	AudioFramesDropped  *prometheus.CounterVec

	// Transcript metrics
	Transcripts *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ClientSessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_sessions_total",
			Help:      "Total number of client websocket sessions accepted",
		}),
		ClientSessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_sessions_active",
			Help:      "Number of currently connected client sessions",
		}),
		ClientSessionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "client_session_duration_seconds",
			Help:      "Client session duration in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
		ClientErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_errors_total",
			Help:      "Total number of error events sent to clients",
		}, []string{"kind"}),

		UpstreamOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_sessions_opened_total",
			Help:      "Total number of upstream sessions that completed the handshake",
		}, []string{"source"}),
		UpstreamFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_sessions_failed_total",
			Help:      "Total number of upstream handshakes that failed",
		}, []string{"source"}),
		UpstreamActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_sessions_active",
			Help:      "Number of upstream sessions currently open",
		}, []string{"source"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of mid-stream errors reported by the backend",
		}, []string{"source"}),
		HandshakeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_handshake_seconds",
			Help:      "Upstream handshake latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"source"}),

		AudioBytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from clients",
		}, []string{"source"}),
		AudioFramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received from clients",
		}, []string{"source"}),
		AudioFramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total audio frames dropped before reaching a backend",
		}, []string{"source", "reason"}),

		Transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Total number of transcript events relayed",
		}, []string{"source", "kind"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		GRPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC calls handled",
		}, []string{"method", "code"}),
	}
}

// RecordClientConnected records a new client session.
func (m *Metrics) RecordClientConnected() {
	m.ClientSessionsTotal.Inc()
	m.ClientSessionsActive.Inc()
}

// RecordClientDisconnected records a client session ending.
func (m *Metrics) RecordClientDisconnected(durationSeconds float64) {
	m.ClientSessionsActive.Dec()
	m.ClientSessionSeconds.Observe(durationSeconds)
}

// RecordClientError records an error event sent to a client.
func (m *Metrics) RecordClientError(kind string) {
	m.ClientErrors.WithLabelValues(kind).Inc()
}

// RecordUpstreamOpened records a successful handshake.
func (m *Metrics) RecordUpstreamOpened(source string, latencySeconds float64) {
	m.UpstreamOpened.WithLabelValues(source).Inc()
	m.UpstreamActive.WithLabelValues(source).Inc()
	m.HandshakeLatency.WithLabelValues(source).Observe(latencySeconds)
}

// RecordUpstreamFailed records a failed handshake.
func (m *Metrics) RecordUpstreamFailed(source string) {
	m.UpstreamFailed.WithLabelValues(source).Inc()
}

// RecordUpstreamClosed records an opened upstream session closing.
func (m *Metrics) RecordUpstreamClosed(source string) {
	m.UpstreamActive.WithLabelValues(source).Dec()
}

// RecordUpstreamError records a mid-stream backend error.
func (m *Metrics) RecordUpstreamError(source string) {
	m.UpstreamErrors.WithLabelValues(source).Inc()
}

// RecordAudioReceived records audio bytes and frames received for a source.
func (m *Metrics) RecordAudioReceived(source string, bytes int) {
	m.AudioBytesReceived.WithLabelValues(source).Add(float64(bytes))
	m.AudioFramesReceived.WithLabelValues(source).Inc()
}

// RecordAudioDropped records an audio frame that was not forwarded.
func (m *Metrics) RecordAudioDropped(source, reason string) {
	m.AudioFramesDropped.WithLabelValues(source, reason).Inc()
}

// RecordTranscript records a relayed transcript.
func (m *Metrics) RecordTranscript(source string, final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	m.Transcripts.WithLabelValues(source, kind).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCRequest records a handled gRPC call.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
}
