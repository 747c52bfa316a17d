package catalog

import (
	"regexp"
	"strings"
)

var (
	practiceRe = regexp.MustCompile(`(?i)\b(?:pr[aá]ctica|practice|tp)\s*(?:n[°º]?\s*|#\s*)?(\d+)\b`)
	exerciseRe = regexp.MustCompile(`(?i)\b(?:ejercicio|exercise|ej\.?|ex\.?)\s*(?:n[°º]?\s*|#\s*)?(\d+(?:[.\-)]?[a-z])?)\b`)
	// "1d", "1-d" and "1)d" all mean "1.d".
	splitRe = regexp.MustCompile(`^(\d+)[.\-)]?([a-z])$`)
)

// ParseReference scans free text for a practice and an exercise number,
// e.g. "práctica 2, ejercicio 1.d" or "practice 2 exercise 1d". Either id may
// be empty when it is not mentioned.
func ParseReference(text string) (practiceID, exerciseID string) {
	if m := practiceRe.FindStringSubmatch(text); m != nil {
		practiceID = NormalizePracticeID(m[1])
	}
	if m := exerciseRe.FindStringSubmatch(text); m != nil {
		exerciseID = NormalizeExerciseID(m[1])
	}
	return practiceID, exerciseID
}

// NormalizePracticeID trims the id, accepts "p2" for "2" and drops leading
// zeros from numbers.
func NormalizePracticeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if rest := strings.TrimPrefix(id, "p"); rest != id && isDigits(rest) {
		id = rest
	}
	return trimZeros(id)
}

// NormalizeExerciseID lowercases the id and writes letter suffixes as "1.d".
func NormalizeExerciseID(id string) string {
	id = strings.ToLower(strings.Join(strings.Fields(id), ""))
	if m := splitRe.FindStringSubmatch(id); m != nil {
		return trimZeros(m[1]) + "." + m[2]
	}
	return trimZeros(id)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func trimZeros(s string) string {
	if !isDigits(s) {
		return s
	}
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}
