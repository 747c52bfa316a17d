package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/checkpoint"
	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/gapanalysis"
	"github.com/kalambet/tutor/internal/ingest"
	"github.com/kalambet/tutor/internal/intent"
	"github.com/kalambet/tutor/internal/memory"
	"github.com/kalambet/tutor/internal/orchestrator"
	"github.com/kalambet/tutor/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type fakeConversations struct {
	mu       sync.Mutex
	inputs   []orchestrator.Input
	progress []string
	state    *orchestrator.State
	err      error
}

func (f *fakeConversations) Run(_ context.Context, in orchestrator.Input, p flow.Progress) (*orchestrator.State, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	for _, msg := range f.progress {
		p.Emit(msg)
	}
	if f.err != nil {
		return nil, f.err
	}
	s := *f.state
	s.ThreadID = in.ThreadID
	return &s, nil
}

func (f *fakeConversations) Resume(_ context.Context, threadID string, p flow.Progress) (*orchestrator.State, error) {
	return f.Run(context.Background(), orchestrator.Input{ThreadID: threadID}, p)
}

func (f *fakeConversations) Latest(_ context.Context, threadID string) (*orchestrator.State, checkpoint.Summary, error) {
	if f.err != nil {
		return nil, checkpoint.Summary{}, f.err
	}
	return f.state, checkpoint.Summary{ThreadID: threadID, CheckpointID: "cp-1", Seq: 6}, nil
}

type fakeGaps struct {
	threadID string
	got      gapanalysis.StudentContext
	opts     gapanalysis.Options
}

func (f *fakeGaps) Run(_ context.Context, threadID string, sc gapanalysis.StudentContext, opts gapanalysis.Options) (*gapanalysis.State, error) {
	f.threadID = threadID
	f.got = sc
	f.opts = opts
	return &gapanalysis.State{
		Context: sc,
		Result: &gapanalysis.Result{
			Context:         sc,
			Summary:         "No gaps were found in the student's understanding.",
			ConfidenceScore: 0.64,
			Iterations:      3,
		},
		Warnings: []string{"iteration cap reached"},
	}, nil
}

type fakeCheckpoints struct {
	list []checkpoint.Summary
	err  error
}

func (f *fakeCheckpoints) List(context.Context, string) ([]checkpoint.Summary, error) {
	return f.list, f.err
}

type fakeIngester struct {
	got ingest.Request
	err error
}

func (f *fakeIngester) Ingest(_ context.Context, req ingest.Request) (ingest.Result, error) {
	f.got = req
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return ingest.Result{DocID: "doc-1", JobID: "job-1"}, nil
}

type fakeCounter struct{ n int }

func (f fakeCounter) Count(context.Context) (int, error) { return f.n, nil }

// --- helpers ---

type testEnv struct {
	deps     Deps
	store    *storage.Store
	mem      *memory.Memory
	convs    *fakeConversations
	gaps     *fakeGaps
	ingester *fakeIngester
	handler  http.Handler
}

func answeredState() *orchestrator.State {
	return &orchestrator.State{
		Turn:           2,
		Message:        "What is recursion?",
		Classification: &intent.Classification{Intent: intent.TheoreticalQuestion, Confidence: 0.8},
		Route:          orchestrator.RouteKnowledge,
		Response:       &orchestrator.Synthesis{Text: "Recursion is a function calling itself."},
		Answered:       true,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cat := catalog.New(store)
	_, err = cat.Add(context.Background(), catalog.PracticeInput{
		ID:      "2",
		Subject: "Algorithms",
		Title:   "Recursion",
		Content: "Practice 2 covers recursive definitions.",
		Exercises: []catalog.ExerciseInput{{
			ID:               "1.d",
			Statement:        "Define sum over a list recursively.",
			ExpectedSolution: "sum([]) = 0; sum(x:xs) = x + sum(xs)",
			Hint:             "What is the sum of the empty list?",
		}},
	})
	if err != nil {
		t.Fatalf("seeding catalog: %v", err)
	}

	mem := memory.New(store)
	env := &testEnv{
		store:    store,
		mem:      mem,
		convs:    &fakeConversations{state: answeredState(), progress: []string{"Understanding your question", "Writing the answer"}},
		gaps:     &fakeGaps{},
		ingester: &fakeIngester{},
	}
	env.deps = Deps{
		Token:         testToken,
		Conversations: env.convs,
		Gaps:          env.gaps,
		Checkpoints:   &fakeCheckpoints{},
		Memory:        mem,
		Learners:      memory.NewManager(mem, memory.Options{}),
		Ingester:      env.ingester,
		Knowledge:     fakeCounter{n: 42},
		Catalog:       cat,
	}
	env.handler = NewHandler(env.deps)
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}
