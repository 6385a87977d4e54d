package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics of a voice session
type Metrics struct {
	// Connection metrics
	Connected         prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	ConnectionErrors  prometheus.Counter
	SendFailures      prometheus.Counter

	// Playback metrics
	ChunksReceived    prometheus.Counter
	ChunksPlayed      prometheus.Counter
	ChunksFailed      prometheus.Counter
	ChunksDiscarded   prometheus.Counter
	QueueDepth        prometheus.Gauge
	ChunkPlayDuration prometheus.Histogram

	// Capture metrics
	CaptureStarts        prometheus.Counter
	CaptureRejections    *prometheus.CounterVec
	CaptureErrors        prometheus.Counter
	TranscriptsSent      prometheus.Counter
	TranscriptsDiscarded prometheus.Counter
	SilenceEscalations   *prometheus.CounterVec
	ForceRestarts        prometheus.Counter

	// Barge-in metrics
	BargeIns        prometheus.Counter
	BargeInRestarts prometheus.Counter
}

// NewMetrics creates all session metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_connected",
			Help: "Whether the channel to the assistant is open",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		}),
		ConnectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_connection_errors_total",
			Help: "Total number of connection errors",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_send_failures_total",
			Help: "Total number of messages that could not be sent",
		}),

		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_chunks_received_total",
			Help: "Total number of audio chunks pushed by the assistant",
		}),
		ChunksPlayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_chunks_played_total",
			Help: "Total number of audio chunks played to completion",
		}),
		ChunksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_chunks_failed_total",
			Help: "Total number of audio chunks that failed to play",
		}),
		ChunksDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_chunks_discarded_total",
			Help: "Total number of queued audio chunks dropped by an interruption or reset",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_audio_queue_depth",
			Help: "Current number of audio chunks waiting or playing",
		}),
		ChunkPlayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_audio_chunk_play_duration_seconds",
			Help:    "Time taken to play a single audio chunk",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),

		CaptureStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_starts_total",
			Help: "Total number of listening passes that started",
		}),
		CaptureRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_capture_rejections_total",
			Help: "Total number of capture start requests rejected by gating",
		}, []string{"reason"}),
		CaptureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_errors_total",
			Help: "Total number of speech recognition errors",
		}),
		TranscriptsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcripts_sent_total",
			Help: "Total number of transcripts forwarded to the assistant",
		}),
		TranscriptsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcripts_discarded_total",
			Help: "Total number of transcripts dropped while not listening for a query",
		}),
		SilenceEscalations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_silence_escalations_total",
			Help: "Total number of no-input timeouts by resulting level",
		}, []string{"level"}),
		ForceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_force_restarts_total",
			Help: "Total number of capture reinitializations triggered by the watchdog",
		}),

		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_barge_ins_total",
			Help: "Total number of playbacks interrupted by the user",
		}),
		BargeInRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_barge_in_restarts_total",
			Help: "Total number of barge-in listener restarts",
		}),
	}
}

// PeerMetrics contains the Prometheus metrics of the development peer
type PeerMetrics struct {
	ActiveConnections prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec
	Replies           prometheus.Counter
	ReplyErrors       prometheus.Counter
	ReplyDuration     prometheus.Histogram
	AudioBytesSent    prometheus.Counter
}

// NewPeerMetrics creates the dev peer metrics and registers them on reg
func NewPeerMetrics(reg prometheus.Registerer) *PeerMetrics {
	factory := promauto.With(reg)
	return &PeerMetrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "devpeer_active_connections",
			Help: "Current number of connected clients",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devpeer_messages_received_total",
			Help: "Total number of client messages by type",
		}, []string{"type"}),
		Replies: factory.NewCounter(prometheus.CounterOpts{
			Name: "devpeer_replies_total",
			Help: "Total number of assistant replies sent",
		}),
		ReplyErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "devpeer_reply_errors_total",
			Help: "Total number of replies that failed",
		}),
		ReplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "devpeer_reply_duration_seconds",
			Help:    "Time from transcript to the end of the reply",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		AudioBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "devpeer_audio_bytes_sent_total",
			Help: "Total number of synthesized audio bytes sent",
		}),
	}
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
