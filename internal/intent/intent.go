// Package intent classifies a student message into exactly one intent from a
// closed set.
package intent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/llmjson"
)

// Intent is the top-level purpose of a student message.
type Intent string

const (
	TheoreticalQuestion Intent = "theoretical_question"
	PracticalGeneral    Intent = "practical_general"
	PracticalSpecific   Intent = "practical_specific"
	Exploration         Intent = "exploration"
	Greeting            Intent = "greeting"
	Goodbye             Intent = "goodbye"
	OffTopic            Intent = "off_topic"
)

// All lists every intent in a stable order.
func All() []Intent {
	return []Intent{
		TheoreticalQuestion, PracticalGeneral, PracticalSpecific,
		Exploration, Greeting, Goodbye, OffTopic,
	}
}

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	for _, known := range All() {
		if i == known {
			return true
		}
	}
	return false
}

func (i Intent) String() string { return string(i) }

// UnmarshalText rejects labels outside the closed set, so decoded state can
// never carry a free-form intent.
func (i *Intent) UnmarshalText(b []byte) error {
	v := Intent(strings.TrimSpace(string(b)))
	if !v.Valid() {
		return fmt.Errorf("unknown intent %q", string(b))
	}
	*i = v
	return nil
}

func (i Intent) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("unknown intent %q", string(i))
	}
	return []byte(i), nil
}

// Classification is the parsed result of one classify call.
type Classification struct {
	Intent     Intent   `json:"intent"`
	Confidence float64  `json:"confidence"`
	PracticeID string   `json:"practice_id,omitempty"`
	ExerciseID string   `json:"exercise_id,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Topics     []string `json:"topics,omitempty"`
}

// HasReference reports whether both a practice and an exercise were named.
func (c Classification) HasReference() bool {
	return c.PracticeID != "" && c.ExerciseID != ""
}

type rawClassification struct {
	Intent     json.RawMessage `json:"intent"`
	Intents    json.RawMessage `json:"intents"`
	Confidence json.RawMessage `json:"confidence"`
	PracticeID json.RawMessage `json:"practice_id"`
	ExerciseID json.RawMessage `json:"exercise_id"`
	Subject    string          `json:"subject"`
	Topics     []string        `json:"topics"`
}

// Parse extracts a Classification from free-form LLM output. Candidates are
// collected from "intent" and "intents"; each may be a string or an array,
// and a string holding several labels separated by commas or pipes counts as
// several. Anything other than exactly one distinct known label is a parse
// error.
func Parse(text string) (Classification, error) {
	var raw rawClassification
	if err := llmjson.Decode(text, &raw); err != nil {
		return Classification{}, flow.Errorf(flow.KindParse, "", "classification: %v", err)
	}

	var labels []string
	for _, field := range []json.RawMessage{raw.Intent, raw.Intents} {
		got, err := labelsOf(field)
		if err != nil {
			return Classification{}, flow.Errorf(flow.KindParse, "", "classification: %v", err)
		}
		labels = append(labels, got...)
	}

	distinct := make([]Intent, 0, len(labels))
	seen := make(map[Intent]bool)
	for _, l := range labels {
		var in Intent
		if err := in.UnmarshalText([]byte(strings.ToLower(l))); err != nil {
			return Classification{}, flow.Errorf(flow.KindParse, "", "classification: %v", err)
		}
		if !seen[in] {
			seen[in] = true
			distinct = append(distinct, in)
		}
	}
	switch len(distinct) {
	case 0:
		return Classification{}, flow.Errorf(flow.KindParse, "", "classification: no intent present")
	case 1:
	default:
		return Classification{}, flow.Errorf(flow.KindParse, "", "classification: %d intents present, want exactly one", len(distinct))
	}

	conf, err := numberOf(raw.Confidence)
	if err != nil {
		return Classification{}, flow.Errorf(flow.KindParse, "", "classification: confidence: %v", err)
	}

	return Classification{
		Intent:     distinct[0],
		Confidence: clamp01(conf),
		PracticeID: scalarOf(raw.PracticeID),
		ExerciseID: scalarOf(raw.ExerciseID),
		Subject:    strings.TrimSpace(raw.Subject),
		Topics:     cleanTopics(raw.Topics),
	}, nil
}

func labelsOf(field json.RawMessage) ([]string, error) {
	if len(field) == 0 || string(field) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(field, &one); err == nil {
		return splitLabels(one), nil
	}
	var many []string
	if err := json.Unmarshal(field, &many); err != nil {
		return nil, fmt.Errorf("intent must be a string or array of strings")
	}
	var out []string
	for _, s := range many {
		out = append(out, splitLabels(s)...)
	}
	return out, nil
}

func splitLabels(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// numberOf accepts a JSON number or a numeric string. Absent means zero.
func numberOf(field json.RawMessage) (float64, error) {
	if len(field) == 0 || string(field) == "null" {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(field, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(field, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", field)
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// scalarOf renders a string or number reference as text. Models emit
// practice 2 as either "2" or 2.
func scalarOf(field json.RawMessage) string {
	if len(field) == 0 || string(field) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(field, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(field, &n); err == nil {
		return n.String()
	}
	return ""
}

func cleanTopics(topics []string) []string {
	var out []string
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
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
