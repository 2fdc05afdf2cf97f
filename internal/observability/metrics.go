package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_pipeline_active_sessions",
		Help: "Number of sessions with in-flight streaming state",
	})

	sessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_pipeline_sessions_finished_total",
		Help: "Total number of sessions finished",
	}, []string{"outcome"}) // outcome: "completed", "error", "evicted"

	// Chunk metrics
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_pipeline_chunks_total",
		Help: "Total number of audio chunks received",
	}, []string{"status"}) // status: "accepted", "rejected", "failed"

	// Transcription metrics
	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_pipeline_transcription_latency_seconds",
		Help:    "Latency of the external transcription call in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	transcriptionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_pipeline_transcription_requests_total",
		Help: "Total number of transcription requests",
	}, []string{"status"})

	// Keyword metrics
	keywordHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_pipeline_keyword_hits_total",
		Help: "Total keyword hits detected in transcribed text",
	}, []string{"keyword"})

	// Event fan-out metrics
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_pipeline_events_published_total",
		Help: "Total events published to subscribers",
	}, []string{"type"})

	activeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_pipeline_active_subscribers",
		Help: "Number of live event subscribers across all sessions",
	})

	subscribersPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_pipeline_subscribers_pruned_total",
		Help: "Subscribers removed after failed delivery",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_pipeline_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audio_pipeline_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_pipeline_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordSessionStart records new in-flight streaming state for a session
func RecordSessionStart() {
	activeSessions.Inc()
}

// RecordSessionEnd records the end of a session's streaming state
func RecordSessionEnd(outcome string) {
	activeSessions.Dec()
	sessionsCompleted.WithLabelValues(outcome).Inc()
}

// RecordChunk records a chunk outcome: accepted, rejected or failed
func RecordChunk(status string) {
	chunksTotal.WithLabelValues(status).Inc()
}

// RecordTranscription records one transcription call and its latency
func RecordTranscription(start time.Time, success bool) {
	transcriptionLatency.Observe(time.Since(start).Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	transcriptionRequests.WithLabelValues(status).Inc()
}

// RecordKeywordHit records a detected keyword
func RecordKeywordHit(keyword string) {
	keywordHits.WithLabelValues(keyword).Inc()
}

// RecordEventPublished records one published event by type
func RecordEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordSubscriberAdded increments the live subscriber gauge
func RecordSubscriberAdded() {
	activeSubscribers.Inc()
}

// RecordSubscriberRemoved decrements the live subscriber gauge
func RecordSubscriberRemoved() {
	activeSubscribers.Dec()
}

// RecordSubscriberPruned records a subscriber dropped after failed delivery
func RecordSubscriberPruned() {
	subscribersPruned.Inc()
	activeSubscribers.Dec()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
