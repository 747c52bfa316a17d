// Package metrics holds the process-wide prometheus collectors. They are
// registered with the default registry and served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tutor"

var (
	// StepDuration measures each workflow step.
	// Labels: workflow, step, outcome (ok or an error kind).
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "step_duration_seconds",
		Help:      "Workflow step latency in seconds",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"workflow", "step", "outcome"})

	// CheckpointWrites counts checkpoint writes.
	// Labels: workflow, status (ok, error).
	CheckpointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "writes_total",
		Help:      "Total checkpoint writes",
	}, []string{"workflow", "status"})

	// Routes counts routing decisions.
	// Labels: intent, route.
	Routes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "routes_total",
		Help:      "Total routing decisions by intent and route",
	}, []string{"intent", "route"})

	// IntentConfidence tracks classifier confidence.
	IntentConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "intent_confidence",
		Help:      "Distribution of intent classification confidence",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// Retries counts orchestration-level retries after upstream failures.
	// Labels: step.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "retries_total",
		Help:      "Total orchestration retries after upstream failures",
	}, []string{"step"})

	// Fallbacks counts responses synthesized from a fallback paragraph.
	Fallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "fallbacks_total",
		Help:      "Total responses that used a fallback paragraph",
	})

	// GapIterations records how many analysis passes a gap analysis needed.
	GapIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gapanalysis",
		Name:      "iterations",
		Help:      "Analysis passes per gap analysis run",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	// GapConfidence tracks the confidence score of completed analyses.
	GapConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gapanalysis",
		Name:      "confidence",
		Help:      "Distribution of gap analysis confidence scores",
		Buckets:   []float64{0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// LLMCalls counts gateway calls.
	// Labels: purpose (intent, gaps, evaluation, explanation, direct, rerank), status (ok, error).
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total LLM gateway calls",
	}, []string{"purpose", "status"})

	// IngestJobs counts processed ingestion jobs.
	// Labels: status (completed, failed).
	IngestJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "jobs_total",
		Help:      "Total processed ingestion jobs",
	}, []string{"status"})
)
