package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirigent_workflows_started_total",
			Help: "Total number of workflows started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirigent_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
		[]string{"status", "complexity"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirigent_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"complexity"},
	)

	// Subtask metrics
	SubtaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirigent_subtask_transitions_total",
			Help: "Total number of subtask state transitions",
		},
		[]string{"state"},
	)

	SubtasksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirigent_subtasks_skipped_total",
			Help: "Subtasks failed without dispatch because a prerequisite failed",
		},
	)

	// Inference metrics
	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirigent_inference_requests_total",
			Help: "Total number of inference requests",
		},
		[]string{"model", "outcome"},
	)

	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirigent_inference_latency_seconds",
			Help:    "Inference request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	ModelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirigent_model_fallbacks_total",
			Help: "Total number of model selection fallbacks",
		},
		[]string{"class"},
	)

	// Persona metrics
	PersonaMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirigent_persona_matches_total",
			Help: "Persona store match attempts by outcome (reused, created, fallback)",
		},
		[]string{"outcome"},
	)

	PersonasStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirigent_personas_stored",
			Help: "Number of personas currently in the library",
		},
	)

	LibraryReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirigent_persona_library_reloads_total",
			Help: "Total number of persona library reloads from disk",
		},
	)

	// Message bus metrics
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirigent_bus_published_total",
			Help: "Total number of messages published on the bus",
		},
		[]string{"type"},
	)

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirigent_bus_dropped_total",
			Help: "Messages dropped because a subscriber queue overflowed",
		},
		[]string{"subscriber"},
	)

	// Evaluation metrics
	OutcomeScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dirigent_outcome_scores",
			Help:    "Overall outcome scores assigned by the evaluator",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirigent_sessions_active",
			Help: "Number of sessions with at least one turn in memory",
		},
	)

	SessionTurns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirigent_session_turns_total",
			Help: "Total number of conversation turns recorded",
		},
	)

	// Long-term memory metrics
	MemoryRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirigent_memory_records",
			Help: "Workflow records currently held in memory",
		},
	)

	MemoryArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirigent_memory_archived_total",
			Help: "Workflow records moved to dated archive files",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirigent_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirigent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

// RecordWorkflow records metrics for a completed workflow.
func RecordWorkflow(status, complexity string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(status, complexity).Inc()
	WorkflowDuration.WithLabelValues(complexity).Observe(durationSeconds)
}

// RecordInference records metrics for one inference request.
func RecordInference(model, outcome string, durationSeconds float64) {
	InferenceRequests.WithLabelValues(model, outcome).Inc()
	if durationSeconds > 0 {
		InferenceLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
