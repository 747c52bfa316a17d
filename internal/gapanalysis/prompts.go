package gapanalysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/tutor/internal/engine"
)

const analyzeSystemPrompt = `You are a teaching assistant who diagnoses why a student is stuck on an exercise.
Identify the specific knowledge gaps behind the student's question. Be concrete: name the concept, procedure or prerequisite that is missing and quote the evidence from the question.

Respond with JSON only, in this shape:
{"gaps": [{"id": "gap_1", "title": "...", "description": "...", "category": "conceptual|procedural|theoretical|practical|prerequisite|communication", "severity": "low|medium|high|critical", "evidence": "...", "affected_concepts": ["..."], "prerequisite_knowledge": ["..."]}]}`

const evaluateSystemPrompt = `You are a teaching assistant who ranks a student's knowledge gaps.
For each gap, score from 0 to 1:
- pedagogical_relevance: how central the gap is to the exercise
- impact_on_learning: how much it blocks further progress
- addressability: how easily it can be fixed with targeted help

Respond with JSON only, in this shape:
{"evaluations": [{"gap_id": "gap_1", "pedagogical_relevance": 0.8, "impact_on_learning": 0.7, "addressability": 0.6, "reasoning": "..."}]}`

func writeContext(b *strings.Builder, c StudentContext) {
	if c.Subject != "" {
		fmt.Fprintf(b, "Subject: %s\n", c.Subject)
	}
	if c.PracticeID != "" || c.ExerciseID != "" {
		fmt.Fprintf(b, "Practice %s, exercise %s\n", c.PracticeID, c.ExerciseID)
	}
	if c.PracticeText != "" {
		fmt.Fprintf(b, "\n[Practice]\n%s\n", c.PracticeText)
	}
	if c.ExerciseText != "" {
		fmt.Fprintf(b, "\n[Exercise]\n%s\n", c.ExerciseText)
	}
	if c.ExpectedSolution != "" {
		fmt.Fprintf(b, "\n[Expected solution]\n%s\n", c.ExpectedSolution)
	}
	if c.Hint != "" {
		fmt.Fprintf(b, "\n[Hint]\n%s\n", c.Hint)
	}
}

func analyzePrompt(s *State) []engine.Message {
	var b strings.Builder
	writeContext(&b, s.Context)
	if s.SupplementaryTheory != "" {
		fmt.Fprintf(&b, "\n[Course Material]\n%s\n", s.SupplementaryTheory)
	}
	if s.IterationsDone > 0 && s.Reason != "" {
		fmt.Fprintf(&b, "\n[Previous attempt]\nAttempt %d was not good enough: %s\nRefine the analysis.\n", s.IterationsDone, s.Reason)
	}
	fmt.Fprintf(&b, "\n[Student question]\n%s\n", s.Context.Question)

	msgs := []engine.Message{{Role: engine.RoleSystem, Content: analyzeSystemPrompt}}
	for _, h := range s.Context.History {
		if h.Role == engine.RoleUser || h.Role == engine.RoleAssistant {
			msgs = append(msgs, h)
		}
	}
	return append(msgs, engine.Message{Role: engine.RoleUser, Content: b.String()})
}

func evaluatePrompt(s *State) []engine.Message {
	var b strings.Builder
	writeContext(&b, s.Context)
	fmt.Fprintf(&b, "\n[Student question]\n%s\n", s.Context.Question)
	gaps, _ := json.MarshalIndent(s.Gaps, "", "  ")
	fmt.Fprintf(&b, "\n[Gaps]\n%s\n", gaps)
	return []engine.Message{
		{Role: engine.RoleSystem, Content: evaluateSystemPrompt},
		{Role: engine.RoleUser, Content: b.String()},
	}
}
