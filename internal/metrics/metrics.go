package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ask pipeline metrics
	AsksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragloop_asks_total",
			Help: "Total number of ask requests by outcome",
		},
		[]string{"status"},
	)

	AskPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragloop_ask_phase_duration_ms",
			Help:    "Duration of each ask pipeline phase in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		},
		[]string{"phase"},
	)

	// Retrieval metrics
	RetrievalCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragloop_retrieval_candidates",
			Help:    "Number of candidate chunks fetched per retrieval",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 200},
		},
	)

	RetrievalResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragloop_retrieval_results",
			Help:    "Number of chunks returned per retrieval",
			Buckets: []float64{0, 1, 3, 5, 10, 25, 50},
		},
	)

	WorkflowBoostsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragloop_workflow_boosts_applied_total",
			Help: "Total number of candidate chunks boosted by workflow memories",
		},
	)

	WorkflowLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragloop_workflow_lookups_total",
			Help: "Total number of workflow memory lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss, error, disabled
	)

	// Feedback metrics
	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragloop_feedback_total",
			Help: "Total number of feedback applications by verdict",
		},
		[]string{"verdict"}, // correct, incorrect
	)

	FeedbackRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragloop_feedback_rejected_total",
			Help: "Total number of rejected feedback submissions by reason",
		},
		[]string{"reason"}, // not_found, already_finalised, invalid_input, store_error
	)

	WeightClampHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragloop_weight_clamp_hits_total",
			Help: "Total number of weight adjustments stopped at a clamp bound",
		},
		[]string{"bound"}, // min, max
	)

	WorkflowMemoriesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragloop_workflow_memories_created_total",
			Help: "Total number of workflow memories recorded",
		},
	)

	WorkflowMemoryWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragloop_workflow_memory_write_failures_total",
			Help: "Total number of workflow memory writes that failed after retries",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragloop_embedding_requests_total",
			Help: "Total number of embedding service requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragloop_embedding_latency_seconds",
			Help:    "Embedding service request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragloop_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits by tier",
		},
		[]string{"tier"}, // lru, redis
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragloop_embedding_cache_misses_total",
			Help: "Total number of embedding cache misses",
		},
	)

	// LLM provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragloop_provider_calls_total",
			Help: "Total number of LLM provider calls by outcome",
		},
		[]string{"provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragloop_provider_latency_seconds",
			Help:    "LLM provider call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	ProviderRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragloop_provider_retries_total",
			Help: "Total number of LLM provider retry attempts",
		},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragloop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragloop_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// Event feed metrics
	EventClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragloop_event_clients",
			Help: "Number of connected event feed clients",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragloop_events_published_total",
			Help: "Total number of events published to the feed",
		},
		[]string{"type"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragloop_sessions_created_total",
			Help: "Total number of sessions persisted",
		},
	)
)

// RecordAsk records the outcome and per-phase timings of one ask request.
func RecordAsk(status string, phaseMs map[string]float64) {
	AsksTotal.WithLabelValues(status).Inc()
	for phase, ms := range phaseMs {
		AskPhaseDuration.WithLabelValues(phase).Observe(ms)
	}
}

// RecordRetrieval records candidate and result counts for one retrieval.
func RecordRetrieval(candidates, results, boosted int) {
	RetrievalCandidates.Observe(float64(candidates))
	RetrievalResults.Observe(float64(results))
	if boosted > 0 {
		WorkflowBoostsApplied.Add(float64(boosted))
	}
}

// RecordEmbedding records one embedding service round trip.
func RecordEmbedding(model, status string, seconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if seconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(seconds)
	}
}

// RecordProviderCall records one LLM provider round trip.
func RecordProviderCall(provider, status string, seconds float64) {
	ProviderCalls.WithLabelValues(provider, status).Inc()
	if seconds > 0 {
		ProviderLatency.WithLabelValues(provider).Observe(seconds)
	}
}
