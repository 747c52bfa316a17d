package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/tutor/internal/engine"
)

const systemPromptTemplate = `You are the intent classifier of a course tutoring assistant. Read the student's message and the conversation so far. Answer with ONLY one JSON object matching the schema, no prose and no markdown.

Intents (choose exactly one):
- "theoretical_question": asks what a concept means or how it works
- "practical_general": asks how to approach a kind of exercise, no specific one named
- "practical_specific": asks about a specific exercise of a specific practice (for example "práctica 2, ejercicio 1.d")
- "exploration": curious open-ended question loosely related to the course
- "greeting": says hello
- "goodbye": ends the conversation
- "off_topic": unrelated to the course

Rules:
- Set practice_id and exercise_id only when the student names them.
- confidence is your certainty in the chosen intent, from 0 to 1.
- topics are short lowercase tags for the concepts involved.`

// BuildPrompt constructs the chat messages for intent classification.
func BuildPrompt(message string, history []engine.Message, learnerSummary string) []engine.Message {
	var sb strings.Builder
	sb.WriteString(systemPromptTemplate)

	if learnerSummary != "" {
		fmt.Fprintf(&sb, "\n\n[Learner]\n%s", learnerSummary)
	}

	messages := []engine.Message{
		{Role: engine.RoleSystem, Content: sb.String()},
	}
	messages = append(messages, history...)
	messages = append(messages, engine.Message{Role: engine.RoleUser, Content: message})
	return messages
}
