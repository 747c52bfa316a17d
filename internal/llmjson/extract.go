// Package llmjson locates JSON documents embedded in free-form LLM output.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoJSON is returned when the text holds no well-formed JSON object or array.
var ErrNoJSON = errors.New("no JSON document found")

// Extract returns the first balanced {...} or [...] block in text that is
// valid JSON. Brackets inside string literals are ignored.
func Extract(text string) (string, error) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' && text[start] != '[' {
			continue
		}
		end, ok := balancedEnd(text, start)
		if !ok {
			continue
		}
		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", ErrNoJSON
}

// Decode extracts the first JSON document from text and unmarshals it into v.
func Decode(text string, v interface{}) error {
	doc, err := Extract(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("decoding extracted JSON: %w", err)
	}
	return nil
}

// balancedEnd returns the index of the bracket closing the one at start.
func balancedEnd(text string, start int) (int, bool) {
	stack := make([]byte, 0, 8)
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
