package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	initialized        atomic.Bool
	metricsEnabled     atomic.Bool
	defaultMetricsPath = "/metrics"

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio ingestion metrics
	AudioChunksTotal   *prometheus.CounterVec
	AudioChunksDropped *prometheus.CounterVec

	// Coaching metrics
	SuggestionsEmitted *prometheus.CounterVec
	SuggestionsDropped *prometheus.CounterVec
	RuleEvaluationTime prometheus.Histogram

	// Output metrics
	SinkErrors         *prometheus.CounterVec
	ViewerClients      prometheus.Gauge
	MediaStreamsActive prometheus.Gauge
	WebhooksTotal      *prometheus.CounterVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
)

// Init initializes all metrics collectors on a dedicated registry
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcoach_sessions_active",
			Help: "Number of coaching sessions currently processing audio",
		})
		SessionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_sessions_total",
				Help: "Total number of coaching session create attempts",
			},
			[]string{"result"},
		)
		SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcoach_session_duration_seconds",
			Help:    "Coaching session duration from start to end",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		})

		AudioChunksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_audio_chunks_total",
				Help: "Total number of audio chunks accepted for processing",
			},
			[]string{"track"},
		)
		AudioChunksDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_audio_chunks_dropped_total",
				Help: "Total number of audio chunks dropped before processing",
			},
			[]string{"reason"},
		)

		SuggestionsEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_suggestions_emitted_total",
				Help: "Total number of coaching suggestions handed to the output sink",
			},
			[]string{"type", "severity"},
		)
		SuggestionsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_suggestions_dropped_total",
				Help: "Total number of suggestions dropped instead of delivered",
			},
			[]string{"reason"},
		)
		RuleEvaluationTime = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcoach_rule_evaluation_seconds",
			Help:    "Time spent in one rule evaluation pass",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		})

		SinkErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_sink_errors_total",
				Help: "Total number of output sink publish failures",
			},
			[]string{"sink"},
		)
		ViewerClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcoach_viewer_clients",
			Help: "Number of connected suggestion viewer websockets",
		})
		MediaStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcoach_media_streams_active",
			Help: "Number of open telephony media stream websockets",
		})
		WebhooksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_webhooks_total",
				Help: "Total number of telephony webhooks received",
			},
			[]string{"kind", "status"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_amqp_published_messages_total",
				Help: "Total number of messages published to AMQP",
			},
			[]string{"queue", "status"},
		)
		AMQPConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcoach_amqp_connection_status",
			Help: "AMQP connection status (1 = connected, 0 = disconnected)",
		})

		registry.MustRegister(
			SessionsActive,
			SessionsTotal,
			SessionDuration,
			AudioChunksTotal,
			AudioChunksDropped,
			SuggestionsEmitted,
			SuggestionsDropped,
			RuleEvaluationTime,
			SinkErrors,
			ViewerClients,
			MediaStreamsActive,
			WebhooksTotal,
			AMQPPublishedMessages,
			AMQPConnectionStatus,
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
		initialized.Store(true)

		logger.Info("Prometheus metrics initialized")
	})
}

func init() {
	metricsEnabled.Store(true)
}

// GetRegistry returns the prometheus registry, or nil before Init
func GetRegistry() *prometheus.Registry {
	if !initialized.Load() {
		return nil
	}
	return registry
}

// EnableMetrics toggles recording
func EnableMetrics(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// Handler returns the scrape handler for the registry, or nil before Init
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          reg,
	})
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if h := Handler(); IsMetricsEnabled() && h != nil {
		mux.Handle(defaultMetricsPath, h)
	}
}

func recording() bool {
	return metricsEnabled.Load() && initialized.Load()
}

// SessionStarted records a successful session creation
func SessionStarted() {
	if recording() {
		SessionsTotal.WithLabelValues("created").Inc()
		SessionsActive.Inc()
	}
}

// SessionRejected records a failed session creation
func SessionRejected(reason string) {
	if recording() {
		SessionsTotal.WithLabelValues(reason).Inc()
	}
}

// SessionEnded records a session leaving the active state
func SessionEnded(duration time.Duration) {
	if recording() {
		SessionsActive.Dec()
		SessionDuration.Observe(duration.Seconds())
	}
}

// RecordAudioChunk records an accepted audio chunk
func RecordAudioChunk(track string) {
	if recording() {
		AudioChunksTotal.WithLabelValues(track).Inc()
	}
}

// RecordAudioChunkDropped records a chunk discarded before processing
func RecordAudioChunkDropped(reason string) {
	if recording() {
		AudioChunksDropped.WithLabelValues(reason).Inc()
	}
}

// RecordSuggestion records a suggestion handed to the sink
func RecordSuggestion(suggestionType, severity string) {
	if recording() {
		SuggestionsEmitted.WithLabelValues(suggestionType, severity).Inc()
	}
}

// RecordSuggestionDropped records a suggestion that was not delivered
func RecordSuggestionDropped(reason string) {
	if recording() {
		SuggestionsDropped.WithLabelValues(reason).Inc()
	}
}

// ObserveRuleEvaluation returns a func that records the pass duration when called
func ObserveRuleEvaluation() func() {
	start := time.Now()
	return func() {
		if recording() {
			RuleEvaluationTime.Observe(time.Since(start).Seconds())
		}
	}
}

// RecordSinkError records a failed publish on the named sink
func RecordSinkError(sink string) {
	if recording() {
		SinkErrors.WithLabelValues(sink).Inc()
	}
}

// SetViewerClients records the number of connected viewers
func SetViewerClients(n int) {
	if recording() {
		ViewerClients.Set(float64(n))
	}
}

// MediaStreamOpened records a media websocket connecting
func MediaStreamOpened() {
	if recording() {
		MediaStreamsActive.Inc()
	}
}

// MediaStreamClosed records a media websocket disconnecting
func MediaStreamClosed() {
	if recording() {
		MediaStreamsActive.Dec()
	}
}

// RecordWebhook records a telephony webhook
func RecordWebhook(kind, status string) {
	if recording() {
		WebhooksTotal.WithLabelValues(kind, status).Inc()
	}
}

// RecordAMQPPublish records an AMQP publish attempt
func RecordAMQPPublish(queue, status string) {
	if recording() {
		AMQPPublishedMessages.WithLabelValues(queue, status).Inc()
	}
}

// SetAMQPConnectionStatus records whether the AMQP connection is up
func SetAMQPConnectionStatus(connected bool) {
	if recording() {
		if connected {
			AMQPConnectionStatus.Set(1)
		} else {
			AMQPConnectionStatus.Set(0)
		}
	}
}
