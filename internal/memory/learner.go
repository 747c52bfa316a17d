package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// Keys and record types of the per-learner educational namespace.
const (
	KeyTopics    = "topics_discussed"
	KeyPatterns  = "learning_patterns"
	KeyGapTrends = "gap_trends"

	TypeTopics    = "topics"
	TypePatterns  = "learning_patterns"
	TypeGapTrends = "gap_trends"
)

// ErrInvalidUser is returned for a user id that cannot name a namespace
// segment of its own.
var ErrInvalidUser = errors.New("invalid user id")

// ValidateUserID accepts ids that form exactly one namespace segment. Empty
// ids, "." and "..", separators, wildcards, whitespace and control
// characters are rejected.
func ValidateUserID(userID string) error {
	if userID == "" || userID == "." || userID == ".." {
		return fmt.Errorf("%w %q", ErrInvalidUser, userID)
	}
	for _, r := range userID {
		if r == '/' || r == '*' || r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w %q: %q is not allowed", ErrInvalidUser, userID, r)
		}
	}
	return nil
}

// EducationalNamespace returns the namespace holding a learner's
// educational memory. userID must pass ValidateUserID.
func EducationalNamespace(userID string) string {
	return "user/" + userID + "/educational"
}

// UserPattern returns the search pattern covering every namespace of a user.
func UserPattern(userID string) string {
	return "user/" + userID + "/*"
}

// Pattern is one classified message: what the learner asked for and how
// sure the classifier was.
type Pattern struct {
	Intent     string    `json:"intent"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// GapTrend summarizes one prioritized gap from a finished analysis.
type GapTrend struct {
	Title      string    `json:"title"`
	Category   string    `json:"category"`
	Severity   string    `json:"severity"`
	Priority   float64   `json:"priority"`
	ExerciseID string    `json:"exercise_id,omitempty"`
	At         time.Time `json:"at"`
}

// GapTrends keeps recent gaps and running per-category counts.
type GapTrends struct {
	Recent         []GapTrend     `json:"recent"`
	CategoryCounts map[string]int `json:"category_counts"`
}

// Learner is everything remembered about one learner.
type Learner struct {
	Topics    []string  `json:"topics"`
	Patterns  []Pattern `json:"patterns"`
	GapTrends GapTrends `json:"gap_trends"`
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options tune the Manager. Zero values take defaults.
type Options struct {
	// PatternWindow is how many intent/confidence pairs are kept.
	PatternWindow int
	// TrendWindow is how many recent gap summaries are kept.
	TrendWindow int
	TTL         time.Duration
	Clock       Clock
}

type cacheEntry struct {
	learner Learner
	at      time.Time
}

// Manager provides cached, structured access to learner memory.
type Manager struct {
	mem           *Memory
	clock         Clock
	ttl           time.Duration
	patternWindow int
	trendWindow   int

	mu    sync.RWMutex
	cache map[string]cacheEntry

	// writeMu serializes read-modify-write updates so two threads of the
	// same learner cannot lose each other's topics.
	writeMu sync.Mutex
}

// NewManager creates a Manager.
func NewManager(mem *Memory, opts Options) *Manager {
	if opts.PatternWindow <= 0 {
		opts.PatternWindow = 10
	}
	if opts.TrendWindow <= 0 {
		opts.TrendWindow = 50
	}
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Manager{
		mem:           mem,
		clock:         opts.Clock,
		ttl:           opts.TTL,
		patternWindow: opts.PatternWindow,
		trendWindow:   opts.TrendWindow,
		cache:         make(map[string]cacheEntry),
	}
}

// Memory returns the underlying record store.
func (m *Manager) Memory() *Memory { return m.mem }

// Load returns the learner's memory, from cache when fresh. A learner with
// no records yields a zero Learner.
func (m *Manager) Load(ctx context.Context, userID string) (Learner, error) {
	if err := ValidateUserID(userID); err != nil {
		return Learner{}, err
	}
	m.mu.RLock()
	if e, ok := m.cache[userID]; ok && m.clock.Now().Before(e.at.Add(m.ttl)) {
		m.mu.RUnlock()
		return copyLearner(e.learner), nil
	}
	m.mu.RUnlock()

	l, err := m.loadFromStore(ctx, userID)
	if err != nil {
		return Learner{}, err
	}

	m.mu.Lock()
	m.cache[userID] = cacheEntry{learner: l, at: m.clock.Now()}
	m.mu.Unlock()
	return copyLearner(l), nil
}

func (m *Manager) loadFromStore(ctx context.Context, userID string) (Learner, error) {
	ns := EducationalNamespace(userID)
	var l Learner

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := m.mem.GetInto(gCtx, ns, KeyTopics, &l.Topics)
		return err
	})
	g.Go(func() error {
		_, err := m.mem.GetInto(gCtx, ns, KeyPatterns, &l.Patterns)
		return err
	})
	g.Go(func() error {
		_, err := m.mem.GetInto(gCtx, ns, KeyGapTrends, &l.GapTrends)
		return err
	})
	if err := g.Wait(); err != nil {
		return Learner{}, fmt.Errorf("loading learner %s: %w", userID, err)
	}
	return l, nil
}

func (m *Manager) invalidate(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}

// MergeTopics adds topics to the learner's topics_discussed set. Matching
// is case-insensitive and existing order is kept, so repeating a topic is a
// no-op. It returns the resulting set.
func (m *Manager) MergeTopics(ctx context.Context, userID string, topics []string) ([]string, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ns := EducationalNamespace(userID)
	var current []string
	if _, err := m.mem.GetInto(ctx, ns, KeyTopics, &current); err != nil {
		return nil, err
	}
	merged, changed := unionTopics(current, topics)
	if !changed {
		return merged, nil
	}
	if err := m.mem.Put(ctx, ns, KeyTopics, merged, TypeTopics); err != nil {
		return nil, err
	}
	m.invalidate(userID)
	return merged, nil
}

func unionTopics(current, add []string) ([]string, bool) {
	seen := make(map[string]bool, len(current)+len(add))
	out := make([]string, 0, len(current)+len(add))
	for _, t := range current {
		k := strings.ToLower(strings.TrimSpace(t))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	changed := len(out) != len(current)
	for _, t := range add {
		t = strings.TrimSpace(t)
		k := strings.ToLower(t)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
		changed = true
	}
	return out, changed
}

// RecordPattern appends p to the rolling learning_patterns window.
func (m *Manager) RecordPattern(ctx context.Context, userID string, p Pattern) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if p.At.IsZero() {
		p.At = m.clock.Now().UTC()
	}
	ns := EducationalNamespace(userID)
	var patterns []Pattern
	if _, err := m.mem.GetInto(ctx, ns, KeyPatterns, &patterns); err != nil {
		return err
	}
	patterns = append(patterns, p)
	if len(patterns) > m.patternWindow {
		patterns = patterns[len(patterns)-m.patternWindow:]
	}
	if err := m.mem.Put(ctx, ns, KeyPatterns, patterns, TypePatterns); err != nil {
		return err
	}
	m.invalidate(userID)
	return nil
}

// RecordGapTrends stores the gaps of a finished analysis for trend tracking.
func (m *Manager) RecordGapTrends(ctx context.Context, userID string, gaps []GapTrend) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if len(gaps) == 0 {
		return nil
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ns := EducationalNamespace(userID)
	var trends GapTrends
	if _, err := m.mem.GetInto(ctx, ns, KeyGapTrends, &trends); err != nil {
		return err
	}
	if trends.CategoryCounts == nil {
		trends.CategoryCounts = make(map[string]int)
	}
	now := m.clock.Now().UTC()
	for _, g := range gaps {
		if g.At.IsZero() {
			g.At = now
		}
		trends.Recent = append(trends.Recent, g)
		trends.CategoryCounts[g.Category]++
	}
	if len(trends.Recent) > m.trendWindow {
		trends.Recent = trends.Recent[len(trends.Recent)-m.trendWindow:]
	}
	if err := m.mem.Put(ctx, ns, KeyGapTrends, trends, TypeGapTrends); err != nil {
		return err
	}
	m.invalidate(userID)
	return nil
}

// maxSummaryChars keeps the learner summary around 200 tokens.
const maxSummaryChars = 800

// Summary renders l as a short paragraph for prompts.
func Summary(l Learner) string {
	var parts []string

	if len(l.Topics) > 0 {
		topics := l.Topics
		if len(topics) > 12 {
			topics = topics[len(topics)-12:]
		}
		parts = append(parts, fmt.Sprintf("Topics already discussed: %s.", strings.Join(topics, ", ")))
	}

	if len(l.Patterns) > 0 {
		counts := make(map[string]int)
		var sum float64
		for _, p := range l.Patterns {
			counts[p.Intent]++
			sum += p.Confidence
		}
		intents := make([]string, 0, len(counts))
		for k := range counts {
			intents = append(intents, k)
		}
		sort.Slice(intents, func(i, j int) bool {
			if counts[intents[i]] != counts[intents[j]] {
				return counts[intents[i]] > counts[intents[j]]
			}
			return intents[i] < intents[j]
		})
		var desc []string
		for _, k := range intents {
			desc = append(desc, fmt.Sprintf("%s (%d)", k, counts[k]))
		}
		parts = append(parts, fmt.Sprintf("Recent questions: %s.", strings.Join(desc, ", ")))
	}

	if len(l.GapTrends.CategoryCounts) > 0 {
		cats := make([]string, 0, len(l.GapTrends.CategoryCounts))
		for k := range l.GapTrends.CategoryCounts {
			cats = append(cats, k)
		}
		sort.Slice(cats, func(i, j int) bool {
			ci, cj := l.GapTrends.CategoryCounts[cats[i]], l.GapTrends.CategoryCounts[cats[j]]
			if ci != cj {
				return ci > cj
			}
			return cats[i] < cats[j]
		})
		var desc []string
		for _, k := range cats {
			desc = append(desc, fmt.Sprintf("%s (%d)", k, l.GapTrends.CategoryCounts[k]))
		}
		parts = append(parts, fmt.Sprintf("Recurring gap categories: %s.", strings.Join(desc, ", ")))
	}

	if len(parts) == 0 {
		return ""
	}
	return truncate(strings.Join(parts, " "), maxSummaryChars)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	end := max
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if idx := strings.LastIndex(s[:end], " "); idx > 0 {
		return s[:idx]
	}
	return s[:end]
}

func copyLearner(l Learner) Learner {
	cp := l
	cp.Topics = append([]string(nil), l.Topics...)
	cp.Patterns = append([]Pattern(nil), l.Patterns...)
	cp.GapTrends.Recent = append([]GapTrend(nil), l.GapTrends.Recent...)
	if l.GapTrends.CategoryCounts != nil {
		cp.GapTrends.CategoryCounts = make(map[string]int, len(l.GapTrends.CategoryCounts))
		for k, v := range l.GapTrends.CategoryCounts {
			cp.GapTrends.CategoryCounts[k] = v
		}
	}
	return cp
}
