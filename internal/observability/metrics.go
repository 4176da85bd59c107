package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection and session metrics
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_pipeline_active_connections",
		Help: "Number of live transport connections",
	})

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_pipeline_connection_duration_seconds",
		Help:    "Lifetime of transport connections in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_sessions_total",
		Help: "Sessions bound to a connection",
	}, []string{"kind"}) // kind: "created" or "resumed"

	greetingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_greetings_total",
		Help: "Automatic greetings synthesized",
	})

	// Exchange metrics
	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_exchanges_total",
		Help: "Finalized exchanges by outcome",
	}, []string{"status"})

	classifierRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_classifier_rejections_total",
		Help: "Final hypotheses ignored by the transcript classifier",
	}, []string{"reason"})

	speculationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_speculation_total",
		Help: "Speculative completion outcomes",
	}, []string{"outcome"}) // started, hit, miss, cancelled, discarded, failed

	// Stage latency
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_pipeline_stage_latency_seconds",
		Help:    "Latency of each pipeline stage in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"}) // completion, synthesis, turnaround

	// Recognizer metrics
	recognizerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_recognizer_reconnects_total",
		Help: "Upstream recognizer re-open attempts",
	}, []string{"provider", "status"})

	recognizerDroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_recognizer_dropped_frames_total",
		Help: "Audio frames dropped before reaching the recognizer",
	}, []string{"reason"}) // overflow, cooldown

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_pipeline_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Event publishing
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_events_published_total",
		Help: "Conversation events published, by topic and status",
	}, []string{"topic", "event_type", "status"})

	eventPublishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_pipeline_event_publish_seconds",
		Help:    "Time spent publishing one conversation event",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"topic"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single transport connection
type Metrics struct {
	agentID   string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewConnectionMetrics creates a new metrics tracker for a connection
func NewConnectionMetrics(agentID string) *Metrics {
	return &Metrics{
		agentID:   agentID,
		startTime: time.Now(),
	}
}

// RecordConnectionStart records the start of a connection
func (m *Metrics) RecordConnectionStart() {
	activeConnections.Inc()
}

// RecordConnectionEnd records the end of a connection; repeated calls are ignored
func (m *Metrics) RecordConnectionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeConnections.Dec()
	connectionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSession records a session bind, created or resumed
func (m *Metrics) RecordSession(resumed bool) {
	kind := "created"
	if resumed {
		kind = "resumed"
	}
	sessionsTotal.WithLabelValues(kind).Inc()
}

// RecordGreeting records an automatic greeting
func (m *Metrics) RecordGreeting() {
	greetingsTotal.Inc()
}

// RecordExchange records the outcome of a finalized exchange
func (m *Metrics) RecordExchange(status string) {
	exchangesTotal.WithLabelValues(status).Inc()
}

// RecordRejection records a classifier rejection reason
func (m *Metrics) RecordRejection(reason string) {
	classifierRejections.WithLabelValues(reason).Inc()
}

// RecordSpeculation records a speculative completion outcome
func (m *Metrics) RecordSpeculation(outcome string) {
	speculationOutcomes.WithLabelValues(outcome).Inc()
}

// RecordStage records the latency of a pipeline stage
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	if d < 0 {
		return
	}
	stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordRecognizerReconnect records an upstream recognizer re-open attempt
func RecordRecognizerReconnect(provider string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	recognizerReconnects.WithLabelValues(provider, status).Inc()
}

// RecordDroppedFrame records an audio frame that never reached the recognizer
func RecordDroppedFrame(reason string) {
	recognizerDroppedFrames.WithLabelValues(reason).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// RecordEventPublish records one event publish attempt
func RecordEventPublish(topic, eventType string, err error, seconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	eventsPublished.WithLabelValues(topic, eventType, status).Inc()
	eventPublishLatency.WithLabelValues(topic).Observe(seconds)
}
