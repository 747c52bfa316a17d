// Package composer assembles the chat messages for explanation answers from
// retrieved course material, the learner summary and recent history.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/knowledge"
)

const (
	defaultMaxContextTokens = 4000
	// historyTurns bounds how many prior messages are replayed.
	historyTurns = 6
)

// Mode selects the system instructions.
type Mode int

const (
	// Explain answers from retrieved course material.
	Explain Mode = iota
	// Explore answers an open-ended question briefly and invites a follow-up.
	Explore
)

const explainInstructions = `You are a patient teaching assistant for a university course. Answer the student's question clearly and step by step. Prefer the course material below when it is relevant and cite it by its source in brackets. If the material does not cover the question, say so and answer from general knowledge. Reply in the language the student used.`

const exploreInstructions = `You are a teaching assistant for a university course. The student asked an open-ended question. Give a short, accurate answer, relate it to the course subject when possible and suggest one concrete follow-up question. Reply in the language the student used.`

// Request is everything a composed prompt may draw on.
type Request struct {
	Mode           Mode
	Message        string
	Subject        string
	History        []engine.Message
	Snippets       []knowledge.Snippet
	LearnerSummary string
}

// Composer builds prompts under a token budget for injected context.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer. If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns system, history and user messages. Snippets are taken best
// score first until the budget runs out; one that does not fit is skipped and
// smaller ones may still be added.
func (c *Composer) Compose(req Request) []engine.Message {
	var sb strings.Builder
	if req.Mode == Explore {
		sb.WriteString(exploreInstructions)
	} else {
		sb.WriteString(explainInstructions)
	}
	if req.Subject != "" {
		fmt.Fprintf(&sb, "\n\nCourse subject: %s", req.Subject)
	}
	if req.LearnerSummary != "" {
		sb.WriteString("\n\n[Learner]\n")
		sb.WriteString(req.LearnerSummary)
	}

	remaining := c.MaxContextTokens - EstimateTokens(sb.String())
	if entries := selectSnippets(req.Snippets, remaining); len(entries) > 0 {
		sb.WriteString("\n\n[Course Material]\n")
		for _, e := range entries {
			sb.WriteString(e)
		}
	}

	history := req.History
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}

	msgs := make([]engine.Message, 0, len(history)+2)
	msgs = append(msgs, engine.Message{Role: engine.RoleSystem, Content: strings.TrimRight(sb.String(), "\n")})
	msgs = append(msgs, history...)
	msgs = append(msgs, engine.Message{Role: engine.RoleUser, Content: req.Message})
	return msgs
}

func selectSnippets(snippets []knowledge.Snippet, budget int) []string {
	if len(snippets) == 0 || budget <= 0 {
		return nil
	}
	sorted := make([]knowledge.Snippet, len(snippets))
	copy(sorted, snippets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	budget -= EstimateTokens("\n\n[Course Material]\n")
	var out []string
	for _, s := range sorted {
		entry := fmt.Sprintf("[%s] (relevance %.2f)\n%s\n\n", s.SourceRef, s.Score, s.Content)
		tokens := EstimateTokens(entry)
		if tokens > budget {
			continue
		}
		out = append(out, entry)
		budget -= tokens
	}
	return out
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
