package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/tutor/internal/storage"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestMemory_PutGet(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	if _, err := m.Get(ctx, "user/a/educational", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}

	if err := m.Put(ctx, "user/a/educational", "fav", map[string]string{"topic": "joins"}, "note"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := m.Get(ctx, "user/a/educational", "fav")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var v map[string]string
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		t.Fatalf("value not JSON: %v", err)
	}
	if v["topic"] != "joins" || rec.RecordType != "note" {
		t.Errorf("record = %+v", rec)
	}
}

func TestMemory_PutRejectsWildcardNamespace(t *testing.T) {
	m := newTestMemory(t)
	if err := m.Put(context.Background(), "user/*", "k", 1, ""); err == nil {
		t.Error("expected error for wildcard namespace")
	}
	if err := m.Put(context.Background(), "", "k", 1, ""); err == nil {
		t.Error("expected error for empty namespace")
	}
}

func TestMemory_SearchNamespaceIsolation(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	for _, user := range []string{"A", "B"} {
		for i, topic := range []string{"left join semantics", "outer join nulls", "group by"} {
			key := fmt.Sprintf("note-%d", i)
			if err := m.Put(ctx, "user/"+user+"/educational", key, topic+" for "+user, "note"); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}

	got, err := m.Search(ctx, "user/B/*", "join nulls", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	for _, r := range got {
		if !strings.HasPrefix(r.Namespace, "user/B/") {
			t.Errorf("search under user/B/* returned %s", r.Namespace)
		}
	}
	// The record matching both keywords ranks first.
	if !strings.Contains(string(got[0].Value), "outer join nulls") {
		t.Errorf("top result = %s", got[0].Value)
	}
}

func TestMemory_SearchExactNamespace(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	if err := m.Put(ctx, "user/a/educational", "k", "recursion", ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Put(ctx, "user/a/educational/archive", "k", "recursion", ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	exact, err := m.Search(ctx, "user/a/educational", "recursion", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(exact) != 1 {
		t.Errorf("exact search returned %d records, want 1", len(exact))
	}

	sub, err := m.Search(ctx, "user/a/educational/*", "recursion", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(sub) != 2 {
		t.Errorf("subtree search returned %d records, want 2", len(sub))
	}
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in      string
		ns      string
		subtree bool
	}{
		{"user/a/*", "user/a", true},
		{"user/a/educational", "user/a/educational", false},
		{"user/a/", "user/a", false},
	}
	for _, tt := range tests {
		ns, sub := ParsePattern(tt.in)
		if ns != tt.ns || sub != tt.subtree {
			t.Errorf("ParsePattern(%q) = %q,%v, want %q,%v", tt.in, ns, sub, tt.ns, tt.subtree)
		}
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("¿Qué es un LEFT JOIN? left join, y el OUTER join")
	want := []string{"left", "join", "outer"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Keywords = %v, want %v", got, want)
	}
	if Keywords("  ") != nil {
		t.Error("Keywords of blank query should be nil")
	}
}

func newTestManager(t *testing.T) (*Manager, *mockClock) {
	t.Helper()
	clock := &mockClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return NewManager(newTestMemory(t), Options{PatternWindow: 3, TrendWindow: 2, TTL: time.Minute, Clock: clock}), clock
}

func TestManager_MergeTopicsIsIdempotentUnion(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.MergeTopics(ctx, "u1", []string{"LEFT JOIN", "subqueries"}); err != nil {
		t.Fatalf("MergeTopics: %v", err)
	}
	got, err := mgr.MergeTopics(ctx, "u1", []string{"left join", "indexes", " ", "subqueries"})
	if err != nil {
		t.Fatalf("MergeTopics: %v", err)
	}
	want := []string{"LEFT JOIN", "subqueries", "indexes"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("topics = %v, want %v", got, want)
	}

	again, err := mgr.MergeTopics(ctx, "u1", []string{"indexes"})
	if err != nil {
		t.Fatalf("MergeTopics: %v", err)
	}
	if !reflect.DeepEqual(again, want) {
		t.Errorf("repeat merge changed topics: %v", again)
	}
}

func TestValidateUserID(t *testing.T) {
	for _, id := range []string{"ana", "user-42", "B.x", "josé"} {
		if err := ValidateUserID(id); err != nil {
			t.Errorf("ValidateUserID(%q) = %v", id, err)
		}
	}
	for _, id := range []string{"", ".", "..", "B/x", "B/*", "*", `a\b`, "a b", "a\tb", "a\x00"} {
		if err := ValidateUserID(id); !errors.Is(err, ErrInvalidUser) {
			t.Errorf("ValidateUserID(%q) = %v, want ErrInvalidUser", id, err)
		}
	}
}

func TestManager_UserIDStaysInItsNamespace(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.MergeTopics(ctx, "B/x", []string{"recursion"}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("MergeTopics(B/x) = %v, want ErrInvalidUser", err)
	}
	if err := mgr.RecordPattern(ctx, "*", Pattern{Intent: "greeting"}); !errors.Is(err, ErrInvalidUser) {
		t.Errorf("RecordPattern(*) = %v, want ErrInvalidUser", err)
	}
	if _, err := mgr.Load(ctx, ".."); !errors.Is(err, ErrInvalidUser) {
		t.Errorf("Load(..) = %v, want ErrInvalidUser", err)
	}

	got, err := mgr.Memory().Search(ctx, UserPattern("B"), "recursion", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("user B sees %d records written for another user", len(got))
	}
}

func TestManager_RecordPatternKeepsWindow(t *testing.T) {
	mgr, clock := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if err := mgr.RecordPattern(ctx, "u1", Pattern{Intent: fmt.Sprintf("intent-%d", i), Confidence: 0.5}); err != nil {
			t.Fatalf("RecordPattern: %v", err)
		}
	}

	l, err := mgr.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(l.Patterns) != 3 {
		t.Fatalf("len(patterns) = %d, want 3", len(l.Patterns))
	}
	if l.Patterns[0].Intent != "intent-2" || l.Patterns[2].Intent != "intent-4" {
		t.Errorf("window = %+v", l.Patterns)
	}
	if l.Patterns[2].At.IsZero() {
		t.Error("pattern timestamp not set")
	}
}

func TestManager_RecordGapTrends(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if err := mgr.RecordGapTrends(ctx, "u1", []GapTrend{
		{Title: "NULL handling", Category: "conceptual", Priority: 0.8},
		{Title: "Join syntax", Category: "procedural", Priority: 0.6},
	}); err != nil {
		t.Fatalf("RecordGapTrends: %v", err)
	}
	if err := mgr.RecordGapTrends(ctx, "u1", []GapTrend{{Title: "NULL again", Category: "conceptual", Priority: 0.7}}); err != nil {
		t.Fatalf("RecordGapTrends: %v", err)
	}

	l, err := mgr.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.GapTrends.CategoryCounts["conceptual"] != 2 || l.GapTrends.CategoryCounts["procedural"] != 1 {
		t.Errorf("counts = %v", l.GapTrends.CategoryCounts)
	}
	if len(l.GapTrends.Recent) != 2 || l.GapTrends.Recent[1].Title != "NULL again" {
		t.Errorf("recent = %+v", l.GapTrends.Recent)
	}
}

func TestManager_LoadCachesUntilTTL(t *testing.T) {
	mgr, clock := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.MergeTopics(ctx, "u1", []string{"joins"}); err != nil {
		t.Fatalf("MergeTopics: %v", err)
	}
	if _, err := mgr.Load(ctx, "u1"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// A write that bypasses the manager is invisible until the TTL passes.
	if err := mgr.Memory().Put(ctx, EducationalNamespace("u1"), KeyTopics, []string{"joins", "views"}, TypeTopics); err != nil {
		t.Fatalf("Put: %v", err)
	}
	l, _ := mgr.Load(ctx, "u1")
	if len(l.Topics) != 1 {
		t.Errorf("cached topics = %v, want stale single topic", l.Topics)
	}

	clock.Advance(2 * time.Minute)
	l, _ = mgr.Load(ctx, "u1")
	if len(l.Topics) != 2 {
		t.Errorf("topics after TTL = %v, want 2", l.Topics)
	}
}

func TestManager_LoadReturnsCopy(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := mgr.MergeTopics(ctx, "u1", []string{"joins"}); err != nil {
		t.Fatalf("MergeTopics: %v", err)
	}
	l, _ := mgr.Load(ctx, "u1")
	l.Topics[0] = "mutated"

	again, _ := mgr.Load(ctx, "u1")
	if again.Topics[0] != "joins" {
		t.Errorf("cache mutated through returned value: %v", again.Topics)
	}
}

func TestSummary(t *testing.T) {
	if got := Summary(Learner{}); got != "" {
		t.Errorf("empty summary = %q", got)
	}

	l := Learner{
		Topics: []string{"joins", "indexes"},
		Patterns: []Pattern{
			{Intent: "theoretical_question", Confidence: 0.9},
			{Intent: "practical_specific", Confidence: 0.8},
			{Intent: "theoretical_question", Confidence: 0.7},
		},
		GapTrends: GapTrends{CategoryCounts: map[string]int{"conceptual": 3, "procedural": 1}},
	}
	got := Summary(l)
	for _, want := range []string{"joins, indexes", "theoretical_question (2)", "conceptual (3)"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary %q missing %q", got, want)
		}
	}
}
