package intent

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/metrics"
)

const defaultTimeout = 60 * time.Second

// Chatter is the chat-completion subset of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Classifier uses an LLM to classify student messages.
type Classifier struct {
	client  Chatter
	model   string
	timeout time.Duration
}

// NewClassifier creates a Classifier. A non-positive timeout uses 60s.
func NewClassifier(client Chatter, model string, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Classifier{client: client, model: model, timeout: timeout}
}

// Classify makes one LLM call and parses its answer. Transport failures and
// timeouts are upstream errors; unusable answers are parse errors.
func (c *Classifier) Classify(ctx context.Context, message string, history []engine.Message, learnerSummary string) (Classification, error) {
	if message == "" {
		return Classification{}, flow.Errorf(flow.KindValidation, "", "empty message")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Chat(ctx, c.model, BuildPrompt(message, history, learnerSummary), Schema())
	if err != nil {
		metrics.LLMCalls.WithLabelValues("intent", "error").Inc()
		slog.Warn("intent classification chat failed", "error", err)
		return Classification{}, flow.Wrap(flow.KindUpstream, "", err)
	}
	metrics.LLMCalls.WithLabelValues("intent", "ok").Inc()

	cls, err := Parse(raw)
	if err != nil {
		slog.Warn("intent classification unparseable", "error", err, "response", raw)
		return Classification{}, err
	}
	return cls, nil
}

// Schema returns the structured-output hint for classification.
func Schema() *engine.Schema {
	labels := make([]string, 0, len(All()))
	for _, in := range All() {
		labels = append(labels, string(in))
	}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"intent":      {Type: "string", Description: "Exactly one intent label", Enum: labels},
			"confidence":  {Type: "number", Description: "Confidence between 0 and 1"},
			"practice_id": {Type: "string", Description: "Practice number mentioned, or empty"},
			"exercise_id": {Type: "string", Description: "Exercise identifier mentioned such as 1.d, or empty"},
			"subject":     {Type: "string", Description: "Course subject, or empty"},
			"topics":      {Type: "array", Description: "Short topic tags", Items: &engine.Schema{Type: "string"}},
		},
		Required: []string{"intent", "confidence"},
	}
}
