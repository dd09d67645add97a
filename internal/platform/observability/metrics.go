package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_messages_consumed_total",
		Help: "The total number of stream entries consumed by the worker",
	}, []string{"status"})

	MessagesScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_messages_scored_total",
		Help: "The total number of messages scored, by pipeline",
	}, []string{"pipeline"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_messages_dropped_total",
		Help: "Total number of dropped messages by reason",
	}, []string{"reason"})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_alerts_sent_total",
		Help: "The total number of instant alerts sent",
	}, []string{"status"})

	ScoreDistribution = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_message_score",
		Help:    "Distribution of heuristic pre-scores",
		Buckets: []float64{0.5, 1, 1.5, 2, 3, 4, 5, 7, 10},
	})

	SemanticSimilarity = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_semantic_similarity",
		Help:    "Distribution of cosine similarities against interest centroids",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_embedding_requests_total",
		Help: "Total number of embedding requests",
	}, []string{"status"})

	EmbeddingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_embedding_latency_seconds",
		Help:    "Latency of embedding requests",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	PipelineBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_pipeline_batch_duration_seconds",
		Help:    "Duration in seconds to process one consumed batch",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	StreamClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_stream_claimed_total",
		Help: "Total number of stream entries reclaimed from dead consumers",
	})

	DigestsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_digests_sent_total",
		Help: "The total number of digests sent, by schedule and status",
	}, []string{"schedule", "status"})

	DigestMessages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_digest_messages",
		Help:    "Number of messages included per digest",
		Buckets: []float64{1, 2, 5, 10, 20, 50},
	})

	FeedbackReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_feedback_total",
		Help: "Total number of feedback submissions by label",
	}, []string{"label"})

	ProfileAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_profile_adjustments_total",
		Help: "Total number of auto-tuner profile adjustments",
	}, []string{"type"})

	CentroidRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_centroid_recomputes_total",
		Help: "Total number of centroid recomputation batches",
	})

	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_retention_deleted_total",
		Help: "Total number of message rows deleted by the retention sweeper",
	}, []string{"reason"})

	SessionGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_session_generation",
		Help: "Current session generation counter",
	})

	SessionAuthorized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_session_authorized",
		Help: "Whether the chat-platform session is authorized (0=no, 1=yes)",
	})
)
