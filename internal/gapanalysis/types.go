// Package gapanalysis finds, scores and ranks the knowledge gaps behind a
// student's question about an exercise, refining the analysis in a bounded
// feedback loop when its quality is low.
package gapanalysis

import (
	"fmt"
	"strings"

	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/flow"
)

// Category classifies what kind of knowledge is missing.
type Category string

const (
	Conceptual    Category = "conceptual"
	Procedural    Category = "procedural"
	Theoretical   Category = "theoretical"
	Practical     Category = "practical"
	Prerequisite  Category = "prerequisite"
	Communication Category = "communication"
)

// Categories lists every category.
func Categories() []Category {
	return []Category{Conceptual, Procedural, Theoretical, Practical, Prerequisite, Communication}
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

func (c *Category) UnmarshalText(b []byte) error {
	v := Category(strings.ToLower(strings.TrimSpace(string(b))))
	if !v.Valid() {
		return fmt.Errorf("unknown gap category %q", string(b))
	}
	*c = v
	return nil
}

// MarshalText refuses values UnmarshalText would reject, so a stored state
// always decodes.
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown gap category %q", string(c))
	}
	return []byte(c), nil
}

// needsTheory reports whether a gap of this category calls for supporting
// course material.
func (c Category) needsTheory() bool {
	return c == Theoretical || c == Conceptual || c == Prerequisite
}

// Severity grades how much a gap blocks progress.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// Severities lists every severity from least to most severe.
func Severities() []Severity {
	return []Severity{Low, Medium, High, Critical}
}

// Valid reports whether s is one of Severities.
func (s Severity) Valid() bool {
	for _, known := range Severities() {
		if s == known {
			return true
		}
	}
	return false
}

func (s *Severity) UnmarshalText(b []byte) error {
	v := Severity(strings.ToLower(strings.TrimSpace(string(b))))
	if !v.Valid() {
		return fmt.Errorf("unknown gap severity %q", string(b))
	}
	*s = v
	return nil
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown gap severity %q", string(s))
	}
	return []byte(s), nil
}

// StudentContext is the input of an analysis. It is not modified by the
// workflow.
type StudentContext struct {
	Question         string           `json:"question"`
	History          []engine.Message `json:"history,omitempty"`
	Subject          string           `json:"subject,omitempty"`
	PracticeID       string           `json:"practice_id,omitempty"`
	ExerciseID       string           `json:"exercise_id,omitempty"`
	PracticeText     string           `json:"practice_text,omitempty"`
	ExerciseText     string           `json:"exercise_text,omitempty"`
	ExpectedSolution string           `json:"expected_solution,omitempty"`
	Hint             string           `json:"hint,omitempty"`
}

// IdentifiedGap is one gap reported by the analysis step.
type IdentifiedGap struct {
	ID                    string   `json:"id"`
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	Category              Category `json:"category"`
	Severity              Severity `json:"severity"`
	Evidence              string   `json:"evidence,omitempty"`
	AffectedConcepts      []string `json:"affected_concepts,omitempty"`
	PrerequisiteKnowledge []string `json:"prerequisite_knowledge,omitempty"`
}

// GapEvaluation scores one gap. The three factors are in [0,1];
// PriorityScore is derived from them.
type GapEvaluation struct {
	GapID                string  `json:"gap_id"`
	PedagogicalRelevance float64 `json:"pedagogical_relevance"`
	ImpactOnLearning     float64 `json:"impact_on_learning"`
	Addressability       float64 `json:"addressability"`
	PriorityScore        float64 `json:"priority_score"`
	Reasoning            string  `json:"reasoning,omitempty"`
}

// PrioritizedGap is an evaluated gap with its rank (1 is most urgent).
type PrioritizedGap struct {
	Gap                IdentifiedGap `json:"gap"`
	Evaluation         GapEvaluation `json:"evaluation"`
	Rank               int           `json:"rank"`
	RecommendedActions []string      `json:"recommended_actions"`
}

// Result is the outcome shown to the student. Error is set instead of the
// analysis fields when the run failed; it is always safe to display.
type Result struct {
	Context         StudentContext   `json:"context"`
	PrioritizedGaps []PrioritizedGap `json:"prioritized_gaps"`
	Summary         string           `json:"summary,omitempty"`
	ConfidenceScore float64          `json:"confidence_score"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Iterations      int              `json:"iterations"`
	Error           string           `json:"error,omitempty"`
}

// State is the checkpointed state of one analysis run.
type State struct {
	Context             StudentContext   `json:"context"`
	ContextComplete     bool             `json:"context_complete"`
	NeedsTheory         bool             `json:"needs_theory"`
	Gaps                []IdentifiedGap  `json:"gaps"`
	Evaluations         []GapEvaluation  `json:"evaluations"`
	Prioritized         []PrioritizedGap `json:"prioritized"`
	Result              *Result          `json:"result,omitempty"`
	IterationsDone      int              `json:"iterations_done"`
	MaxIterations       int              `json:"max_iterations"`
	NeedsMoreWork       bool             `json:"needs_more_work"`
	Reason              string           `json:"reason,omitempty"`
	SupplementaryTheory string           `json:"supplementary_theory,omitempty"`
	ParseRecoveries     int              `json:"parse_recoveries"`
	Warnings            []string         `json:"warnings,omitempty"`
	Err                 *flow.ErrorInfo  `json:"error,omitempty"`
}
