package gapanalysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/tutor/internal/llmjson"
)

// parseList extracts a JSON list from an LLM answer. The list may be the
// top-level value or sit under key in an object.
func parseList(text, key string, v interface{}) error {
	raw, err := llmjson.Extract(text)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return err
		}
		list, ok := obj[key]
		if !ok {
			return fmt.Errorf("object has no %q field", key)
		}
		trimmed = string(list)
	}
	return json.Unmarshal([]byte(trimmed), v)
}

// ParseGaps reads the analysis answer. Gaps without an id get gap_<n> by
// position; ids are unique within the result. Every gap must carry a known
// category and severity.
func ParseGaps(text string) ([]IdentifiedGap, error) {
	var gaps []IdentifiedGap
	if err := parseList(text, "gaps", &gaps); err != nil {
		return nil, fmt.Errorf("parsing gaps: %w", err)
	}
	seen := make(map[string]bool, len(gaps))
	for i := range gaps {
		id := strings.TrimSpace(gaps[i].ID)
		if id == "" || seen[id] {
			id = fmt.Sprintf("gap_%d", i+1)
		}
		for seen[id] {
			id += "_"
		}
		seen[id] = true
		gaps[i].ID = id
		if gaps[i].Category == "" {
			return nil, fmt.Errorf("parsing gaps: gap %s has no category", id)
		}
		if gaps[i].Severity == "" {
			return nil, fmt.Errorf("parsing gaps: gap %s has no severity", id)
		}
		gaps[i].Title = strings.TrimSpace(gaps[i].Title)
		gaps[i].Description = strings.TrimSpace(gaps[i].Description)
	}
	return gaps, nil
}

// ParseEvaluations reads the evaluation answer.
func ParseEvaluations(text string) ([]GapEvaluation, error) {
	var evals []GapEvaluation
	if err := parseList(text, "evaluations", &evals); err != nil {
		return nil, fmt.Errorf("parsing evaluations: %w", err)
	}
	return evals, nil
}
