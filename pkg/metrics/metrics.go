package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	SessionFailures *prometheus.CounterVec

	// Media metrics
	FramesReceived  *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	MixerTickTime   *prometheus.HistogramVec
	PlayoutQueueLen *prometheus.GaugeVec

	// Barge-in metrics
	BargeIns         *prometheus.CounterVec
	TruncatedAudioMs *prometheus.HistogramVec

	// Backend metrics
	BackendConnectTime *prometheus.HistogramVec
	BackendErrors      *prometheus.CounterVec
	BackendAudioBytes  *prometheus.CounterVec

	// Transcript metrics
	TranscriptsPublished *prometheus.CounterVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionErrors  *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge

	// Recording metrics
	RecordingsArchived *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicebridge_sessions_active",
				Help: "Number of media stream sessions currently active",
			},
		)

		SessionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_sessions_total",
				Help: "Total number of media stream sessions by backend",
			},
			[]string{"backend"},
		)

		SessionDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicebridge_session_duration_seconds",
				Help:    "Duration of media stream sessions",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"backend"},
		)

		SessionFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_session_failures_total",
				Help: "Total number of sessions that ended in failure",
			},
			[]string{"backend", "reason"},
		)

		FramesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_frames_received_total",
				Help: "Total number of inbound media frames received",
			},
			[]string{"call_sid"},
		)

		FramesSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_frames_sent_total",
				Help: "Total number of outbound media frames sent",
			},
			[]string{"call_sid", "source"},
		)

		FramesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_frames_dropped_total",
				Help: "Total number of frames dropped",
			},
			[]string{"call_sid", "reason"},
		)

		MixerTickTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicebridge_mixer_tick_duration_seconds",
				Help:    "Time spent producing one outbound frame",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.02},
			},
			[]string{"call_sid"},
		)

		PlayoutQueueLen = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voicebridge_playout_queue_frames",
				Help: "Frames waiting in the playout queue",
			},
			[]string{"call_sid"},
		)

		BargeIns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_barge_ins_total",
				Help: "Total number of caller barge-ins handled",
			},
			[]string{"backend"},
		)

		TruncatedAudioMs = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicebridge_truncated_audio_ms",
				Help:    "Elapsed playback offset reported on truncation",
				Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000},
			},
			[]string{"backend"},
		)

		BackendConnectTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicebridge_backend_connect_seconds",
				Help:    "Time to establish the backend session",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"backend"},
		)

		BackendErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_backend_errors_total",
				Help: "Total number of backend errors by type",
			},
			[]string{"backend", "error_type"},
		)

		BackendAudioBytes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_backend_audio_bytes_total",
				Help: "Audio bytes exchanged with the backend by direction",
			},
			[]string{"backend", "direction"},
		)

		TranscriptsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_transcripts_published_total",
				Help: "Total number of transcript lines published",
			},
			[]string{"role"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_amqp_published_messages_total",
				Help: "Total number of messages published to AMQP",
			},
			[]string{"queue", "status"},
		)

		AMQPConnectionErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_amqp_connection_errors_total",
				Help: "Total number of AMQP connection errors",
			},
			[]string{"error_type"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicebridge_amqp_connection_status",
				Help: "Current AMQP connection status (1=connected, 0=disconnected)",
			},
		)

		RecordingsArchived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_recordings_archived_total",
				Help: "Total number of call recordings archived by status",
			},
			[]string{"status"},
		)

		registry.MustRegister(
			SessionsActive,
			SessionsTotal,
			SessionDuration,
			SessionFailures,
			FramesReceived,
			FramesSent,
			FramesDropped,
			MixerTickTime,
			PlayoutQueueLen,
			BargeIns,
			TruncatedAudioMs,
			BackendConnectTime,
			BackendErrors,
			BackendAudioBytes,
			TranscriptsPublished,
			AMQPPublishedMessages,
			AMQPConnectionErrors,
			AMQPConnectionStatus,
			RecordingsArchived,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// RecordSessionStart tracks a session opening against a backend.
func RecordSessionStart(backend string) {
	if !metricsEnabled || SessionsActive == nil {
		return
	}
	SessionsActive.Inc()
	SessionsTotal.WithLabelValues(backend).Inc()
}

// RecordSessionEnd tracks a session closing and its duration.
func RecordSessionEnd(backend string, duration time.Duration) {
	if !metricsEnabled || SessionsActive == nil {
		return
	}
	SessionsActive.Dec()
	SessionDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordSessionFailure tracks a session ending in failure.
func RecordSessionFailure(backend, reason string) {
	if !metricsEnabled || SessionFailures == nil {
		return
	}
	SessionFailures.WithLabelValues(backend, reason).Inc()
}

// RecordFrameReceived tracks one inbound frame.
func RecordFrameReceived(callSid string) {
	if !metricsEnabled || FramesReceived == nil {
		return
	}
	FramesReceived.WithLabelValues(callSid).Inc()
}

// RecordFrameSent tracks one outbound frame by source.
func RecordFrameSent(callSid, source string) {
	if !metricsEnabled || FramesSent == nil {
		return
	}
	FramesSent.WithLabelValues(callSid, source).Inc()
}

// RecordFrameDropped tracks a dropped frame.
func RecordFrameDropped(callSid, reason string) {
	if !metricsEnabled || FramesDropped == nil {
		return
	}
	FramesDropped.WithLabelValues(callSid, reason).Inc()
}

// ObserveMixerTick returns a completion func that records tick duration.
func ObserveMixerTick(callSid string) func() {
	if !metricsEnabled || MixerTickTime == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		MixerTickTime.WithLabelValues(callSid).Observe(time.Since(start).Seconds())
	}
}

// RecordBargeIn tracks one handled barge-in and the truncation offset.
func RecordBargeIn(backend string, elapsedMs int) {
	if !metricsEnabled || BargeIns == nil {
		return
	}
	BargeIns.WithLabelValues(backend).Inc()
	TruncatedAudioMs.WithLabelValues(backend).Observe(float64(elapsedMs))
}

// ObserveBackendConnect returns a completion func that records connect time.
func ObserveBackendConnect(backend string) func() {
	if !metricsEnabled || BackendConnectTime == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		BackendConnectTime.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	}
}

// RecordBackendError tracks a backend error by type.
func RecordBackendError(backend, errorType string) {
	if !metricsEnabled || BackendErrors == nil {
		return
	}
	BackendErrors.WithLabelValues(backend, errorType).Inc()
}

// RecordBackendAudio tracks audio volume exchanged with the backend.
func RecordBackendAudio(backend, direction string, bytes int) {
	if !metricsEnabled || BackendAudioBytes == nil {
		return
	}
	BackendAudioBytes.WithLabelValues(backend, direction).Add(float64(bytes))
}

// RecordTranscriptPublished tracks one published transcript line.
func RecordTranscriptPublished(role string) {
	if !metricsEnabled || TranscriptsPublished == nil {
		return
	}
	TranscriptsPublished.WithLabelValues(role).Inc()
}

// RecordAMQPPublish tracks one AMQP publish attempt.
func RecordAMQPPublish(queue, status string) {
	if !metricsEnabled || AMQPPublishedMessages == nil {
		return
	}
	AMQPPublishedMessages.WithLabelValues(queue, status).Inc()
}

// RecordAMQPConnectionError tracks one AMQP connection error.
func RecordAMQPConnectionError(errorType string) {
	if !metricsEnabled || AMQPConnectionErrors == nil {
		return
	}
	AMQPConnectionErrors.WithLabelValues(errorType).Inc()
}

// SetAMQPConnectionStatus updates the AMQP connection gauge.
func SetAMQPConnectionStatus(connected bool) {
	if !metricsEnabled || AMQPConnectionStatus == nil {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}

// SetPlayoutQueueLen updates the playout queue depth gauge.
func SetPlayoutQueueLen(callSid string, frames int) {
	if !metricsEnabled || PlayoutQueueLen == nil {
		return
	}
	PlayoutQueueLen.WithLabelValues(callSid).Set(float64(frames))
}

// RecordRecordingArchived tracks one recording archive outcome.
func RecordRecordingArchived(status string) {
	if !metricsEnabled || RecordingsArchived == nil {
		return
	}
	RecordingsArchived.WithLabelValues(status).Inc()
}
