package gapanalysis

import (
	"fmt"
	"sort"
	"strings"
)

// Weights combine the evaluation factors into a priority score.
type Weights struct {
	Relevance      float64 `json:"relevance"`
	Impact         float64 `json:"impact"`
	Addressability float64 `json:"addressability"`
}

// DefaultWeights returns 0.4 relevance, 0.4 impact, 0.2 addressability.
func DefaultWeights() Weights {
	return Weights{Relevance: 0.4, Impact: 0.4, Addressability: 0.2}
}

// ConfidenceWeights combine the three confidence factors.
type ConfidenceWeights struct {
	GapCount   float64 `json:"gap_count"`
	Context    float64 `json:"context"`
	Evaluation float64 `json:"evaluation"`
}

// DefaultConfidenceWeights returns 0.4 gap count, 0.3 context, 0.3 evaluation.
func DefaultConfidenceWeights() ConfidenceWeights {
	return ConfidenceWeights{GapCount: 0.4, Context: 0.3, Evaluation: 0.3}
}

// PriorityScore returns the weighted sum of the evaluation factors.
func (w Weights) PriorityScore(ev GapEvaluation) float64 {
	return w.Relevance*ev.PedagogicalRelevance + w.Impact*ev.ImpactOnLearning + w.Addressability*ev.Addressability
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// joinEvaluations keeps the first evaluation per known gap id, clamps the
// factors and recomputes the priority. It returns the evaluations in gap
// order and the ids that got none.
func joinEvaluations(gaps []IdentifiedGap, evals []GapEvaluation, w Weights) (joined []GapEvaluation, missing []string) {
	byID := make(map[string]GapEvaluation, len(evals))
	for _, ev := range evals {
		id := strings.TrimSpace(ev.GapID)
		if _, dup := byID[id]; dup {
			continue
		}
		ev.GapID = id
		byID[id] = ev
	}
	for _, g := range gaps {
		ev, ok := byID[g.ID]
		if !ok {
			missing = append(missing, g.ID)
			continue
		}
		ev.PedagogicalRelevance = clamp01(ev.PedagogicalRelevance)
		ev.ImpactOnLearning = clamp01(ev.ImpactOnLearning)
		ev.Addressability = clamp01(ev.Addressability)
		ev.PriorityScore = w.PriorityScore(ev)
		joined = append(joined, ev)
	}
	return joined, missing
}

// Prioritize joins gaps with their evaluations, drops unevaluated gaps and
// ranks the rest by priority. Ties keep analysis order.
func Prioritize(gaps []IdentifiedGap, evals []GapEvaluation) []PrioritizedGap {
	byID := make(map[string]GapEvaluation, len(evals))
	for _, ev := range evals {
		if _, dup := byID[ev.GapID]; !dup {
			byID[ev.GapID] = ev
		}
	}
	out := make([]PrioritizedGap, 0, len(gaps))
	for _, g := range gaps {
		ev, ok := byID[g.ID]
		if !ok {
			continue
		}
		out = append(out, PrioritizedGap{Gap: g, Evaluation: ev, RecommendedActions: actionsFor(g.Category)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Evaluation.PriorityScore > out[j].Evaluation.PriorityScore
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

var categoryActions = map[Category][]string{
	Conceptual: {
		"Revisit the definition of the concept and restate it in your own words.",
		"Compare the concept with a closely related one and list the differences.",
	},
	Procedural: {
		"Write down the steps of the procedure before applying them.",
		"Trace the procedure by hand on a small example.",
	},
	Theoretical: {
		"Read the course notes on the underlying theory.",
		"Summarize the key result and when it applies.",
	},
	Practical: {
		"Solve a simpler variant of the exercise first.",
		"Check your solution against the expected output on a small input.",
	},
	Prerequisite: {
		"Review the prerequisite topic before continuing with this exercise.",
		"Do one warm-up exercise on the prerequisite.",
	},
	Communication: {
		"Rephrase your answer using the course terminology.",
		"Explain each step of your reasoning explicitly.",
	},
}

func actionsFor(c Category) []string {
	actions := categoryActions[c]
	out := make([]string, len(actions))
	copy(out, actions)
	return out
}

var fixedRecommendations = []string{
	"Start with the highest ranked gap and follow its recommended actions.",
	"Attempt the exercise again after addressing each gap.",
	"Ask a follow-up question if a step is still unclear.",
}

// Confidence scores how much the analysis can be trusted, from the number of
// ranked gaps, whether the exercise context was complete and whether every
// gap was evaluated.
func Confidence(w ConfidenceWeights, ranked int, contextComplete, evaluationComplete bool) float64 {
	var gapScore float64
	switch {
	case ranked >= 3:
		gapScore = 0.9
	case ranked == 2:
		gapScore = 0.8
	case ranked == 1:
		gapScore = 0.7
	default:
		gapScore = 0.4
	}
	ctxScore := 0.6
	if contextComplete {
		ctxScore = 0.9
	}
	evalScore := 0.7
	if evaluationComplete {
		evalScore = 0.9
	}
	total := w.GapCount + w.Context + w.Evaluation
	if total <= 0 {
		w, total = DefaultConfidenceWeights(), 1
	}
	return (w.GapCount*gapScore + w.Context*ctxScore + w.Evaluation*evalScore) / total
}

func summarize(ranked []PrioritizedGap) string {
	if len(ranked) == 0 {
		return "No gaps were found in the student's understanding."
	}
	top := ranked[0].Gap
	noun := "gaps"
	if len(ranked) == 1 {
		noun = "gap"
	}
	return fmt.Sprintf("Found %d %s. The most important is %q (%s, %s severity).", len(ranked), noun, top.Title, top.Category, top.Severity)
}

// dominantConcept returns the affected concept named by the most gaps,
// preferring the first seen on ties. Matching ignores case.
func dominantConcept(gaps []IdentifiedGap) string {
	counts := make(map[string]int)
	display := make(map[string]string)
	var order []string
	for _, g := range gaps {
		for _, c := range g.AffectedConcepts {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			key := strings.ToLower(c)
			if _, seen := counts[key]; !seen {
				order = append(order, key)
				display[key] = c
			}
			counts[key]++
		}
	}
	best := ""
	for _, key := range order {
		if best == "" || counts[key] > counts[best] {
			best = key
		}
	}
	return display[best]
}
