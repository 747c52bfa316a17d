package orchestrator

import (
	"fmt"
	"strings"

	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/gapanalysis"
	"github.com/kalambet/tutor/internal/intent"
)

var directTemplates = map[intent.Intent]string{
	intent.Greeting: "Hi! I'm your course tutor. Ask me about a topic from the lectures, " +
		"or tell me which practice and exercise you are working on (for example \"practice 2, exercise 1.d\") and what is blocking you.",
	intent.Goodbye: "Good luck with your studies! Come back whenever you get stuck on an exercise.",
	intent.OffTopic: "I can only help with the course. Ask me about a topic from the lectures " +
		"or about an exercise from one of the practices.",
}

// fallbackText is the reply used when the chosen path could not produce
// an answer.
func fallbackText(s *State) string {
	var b strings.Builder
	b.WriteString("I couldn't put together a complete answer right now. ")
	if ex := s.Exercise; ex != nil {
		fmt.Fprintf(&b, "While I recover, re-read exercise %s of practice %s and write down what you already know, "+
			"what the exercise asks for, and the exact step where you get stuck.", ex.ExerciseID, ex.PracticeID)
		if ex.Hint != "" {
			fmt.Fprintf(&b, "\n\nHint from the practice: %s", ex.Hint)
		}
	} else {
		b.WriteString("Try to rephrase your question or narrow it down to one concept, and ask me again in a moment.")
	}
	if len(s.Execution.Snippets) > 0 {
		top := s.Execution.Snippets[0]
		fmt.Fprintf(&b, "\n\nThis part of the course material looks related [%s]:\n%s", top.SourceRef, strings.TrimSpace(top.Content))
	}
	return b.String()
}

// formatGapResult renders a finished gap analysis for the student.
func formatGapResult(r *gapanalysis.Result) string {
	var b strings.Builder
	b.WriteString(r.Summary)
	for _, p := range r.PrioritizedGaps {
		fmt.Fprintf(&b, "\n\n%d. %s (%s, %s)\n%s", p.Rank, p.Gap.Title, p.Gap.Category, p.Gap.Severity, p.Gap.Description)
		for _, a := range p.RecommendedActions {
			fmt.Fprintf(&b, "\n   - %s", a)
		}
	}
	if len(r.Recommendations) > 0 {
		b.WriteString("\n\nNext steps:")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "\n- %s", rec)
		}
	}
	return b.String()
}

func apology(kind flow.Kind) string {
	switch kind {
	case flow.KindValidation:
		return "I didn't receive a question. Tell me what you'd like to work on and I'll help."
	case flow.KindPersistence:
		return "Sorry, I couldn't save our conversation just now. Please send your message again."
	default:
		return "Sorry, something went wrong while I was working on your question. Please try again in a moment."
	}
}
