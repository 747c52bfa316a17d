package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/kalambet/tutor/internal/checkpoint"
	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/memory"
)

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		token  string
		path   string
		status int
	}{
		{"missing token", "", "/v1/knowledge/count", http.StatusUnauthorized},
		{"wrong token", "nope", "/v1/knowledge/count", http.StatusUnauthorized},
		{"valid token", testToken, "/v1/knowledge/count", http.StatusOK},
		{"health is public", "", "/health", http.StatusOK},
		{"metrics are public", "", "/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(authReq(http.MethodGet, tt.path, "", tt.token))
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.status, rr.Body.String())
			}
		})
	}
}

func TestAuth_EmptyServerTokenRejectsEverything(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Token = ""
	env.handler = NewHandler(env.deps)

	req := authReq(http.MethodGet, "/v1/knowledge/count", "", "")
	req.Header.Set("Authorization", "Bearer ")
	if rr := env.do(req); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestPostMessage_JSON(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(authReq(http.MethodPost, "/v1/threads/t-1/messages", `{"user_id":"alice","message":"What is recursion?"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp TurnResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.ThreadID != "t-1" || resp.Turn != 2 {
		t.Errorf("thread/turn = %s/%d", resp.ThreadID, resp.Turn)
	}
	if resp.Response != "Recursion is a function calling itself." {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.Intent != "theoretical_question" || resp.Route != "knowledge_retrieval" || resp.Confidence != 0.8 {
		t.Errorf("classification = %s/%s/%v", resp.Intent, resp.Route, resp.Confidence)
	}
	if len(resp.Progress) != 2 || resp.Progress[0] != "Understanding your question" {
		t.Errorf("progress = %v", resp.Progress)
	}

	in := env.convs.inputs[0]
	if in.UserID != "alice" || in.Message != "What is recursion?" {
		t.Errorf("input = %+v", in)
	}
}

func TestPostMessage_SSE(t *testing.T) {
	env := newTestEnv(t)

	req := authReq(http.MethodPost, "/v1/threads/t-1/messages", `{"message":"What is recursion?"}`, testToken)
	req.Header.Set("Accept", "text/event-stream")
	rr := env.do(req)

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rr.Body.String()
	first := strings.Index(body, "event: progress\ndata: {\"message\":\"Understanding your question\"}")
	result := strings.Index(body, "event: result\n")
	if first < 0 || result < 0 || first > result {
		t.Fatalf("expected progress events before the result, got:\n%s", body)
	}
	if strings.Count(body, "event: progress") != 2 {
		t.Errorf("expected 2 progress events, got:\n%s", body)
	}
}

func TestPostMessage_SSEError(t *testing.T) {
	env := newTestEnv(t)
	env.convs.err = flow.Wrap(flow.KindPersistence, "execute", errors.New("disk full"))

	req := authReq(http.MethodPost, "/v1/threads/t-1/messages", `{"message":"hi"}`, testToken)
	req.Header.Set("Accept", "text/event-stream")
	body := env.do(req).Body.String()
	if !strings.Contains(body, "event: error") || strings.Contains(body, "event: result") {
		t.Errorf("unexpected stream:\n%s", body)
	}
	if strings.Contains(body, "disk full") || !strings.Contains(body, `"message":"running turn failed"`) {
		t.Errorf("error event leaks detail:\n%s", body)
	}
}

func TestPostMessage_HidesInternalDetail(t *testing.T) {
	env := newTestEnv(t)
	env.convs.err = flow.Wrap(flow.KindPersistence, "route", errors.New("disk I/O error at /var/lib/tutor/tutor.db"))
	rr := env.do(authReq(http.MethodPost, "/v1/threads/t-1/messages", `{"message":"hi"}`, testToken))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := rr.Body.String(); strings.Contains(body, "tutor.db") || !strings.Contains(body, "running turn failed") {
		t.Errorf("body = %s", body)
	}

	env.convs.err = flow.Errorf(flow.KindValidation, "", "thread id is required")
	rr = env.do(authReq(http.MethodPost, "/v1/threads/t-1/messages", `{"message":"hi"}`, testToken))
	if !strings.Contains(rr.Body.String(), "thread id is required") {
		t.Errorf("validation body = %s", rr.Body.String())
	}
}

func TestPostMessage_ErrorKindOnly(t *testing.T) {
	env := newTestEnv(t)
	s := answeredState()
	s.Err = &flow.ErrorInfo{Kind: flow.KindUpstream, Step: "execute", Detail: "POST http://10.0.0.7:11434/api/chat: connection refused"}
	s.Warnings = []string{"memory update failed: database is locked"}
	env.convs.state = s

	rr := env.do(authReq(http.MethodPost, "/v1/threads/t-1/messages", `{"message":"hi"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if strings.Contains(body, "10.0.0.7") || strings.Contains(body, "database is locked") {
		t.Errorf("turn response leaks detail: %s", body)
	}
	var resp TurnResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != flow.KindUpstream || resp.Error.Step != "execute" || resp.Warnings != 1 {
		t.Errorf("error/warnings = %+v/%d", resp.Error, resp.Warnings)
	}

	rr = env.do(authReq(http.MethodGet, "/v1/threads/t-1/state", "", testToken))
	if !strings.Contains(rr.Body.String(), "10.0.0.7") || !strings.Contains(rr.Body.String(), "database is locked") {
		t.Errorf("state should keep the detail: %s", rr.Body.String())
	}
}

func TestPostMessage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"empty message", `{"message":"  "}`, nil, http.StatusBadRequest},
		{"validation", `{"message":"hi"}`, flow.Errorf(flow.KindValidation, "", "thread id is required"), http.StatusBadRequest},
		{"persistence", `{"message":"hi"}`, flow.Wrap(flow.KindPersistence, "route", errors.New("locked")), http.StatusInternalServerError},
		{"cancelled", `{"message":"hi"}`, context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.convs.err = tt.err
			rr := env.do(authReq(http.MethodPost, "/v1/threads/t-1/messages", tt.body, testToken))
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.status, rr.Body.String())
			}
		})
	}
}

func TestResume(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(authReq(http.MethodPost, "/v1/threads/t-9/resume", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := env.convs.inputs[0].ThreadID; got != "t-9" {
		t.Errorf("resumed thread = %q", got)
	}
}

func TestGetState(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(authReq(http.MethodGet, "/v1/threads/t-1/state", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Checkpoint checkpoint.Summary `json:"checkpoint"`
		State      struct {
			Turn int `json:"turn"`
		} `json:"state"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Checkpoint.CheckpointID != "cp-1" || body.State.Turn != 2 {
		t.Errorf("body = %+v", body)
	}

	env.convs.err = checkpoint.ErrNotFound
	if rr := env.do(authReq(http.MethodGet, "/v1/threads/none/state", "", testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("unknown thread status = %d, want 404", rr.Code)
	}
}

func TestListCheckpoints_Empty(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(authReq(http.MethodGet, "/v1/threads/t-1/checkpoints", "", testToken))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestGapAnalysis_FillsFromCatalog(t *testing.T) {
	env := newTestEnv(t)
	body := `{"question":"I don't get the base case","practice_id":"02","exercise_id":"1.D","max_iterations":2}`
	rr := env.do(authReq(http.MethodPost, "/v1/gap-analysis", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	got := env.gaps.got
	if got.ExerciseText != "Define sum over a list recursively." || got.Hint != "What is the sum of the empty list?" {
		t.Errorf("context not filled from catalog: %+v", got)
	}
	if got.Subject != "Algorithms" || got.PracticeID != "2" || got.ExerciseID != "1.d" {
		t.Errorf("ids/subject = %s/%s/%s", got.PracticeID, got.ExerciseID, got.Subject)
	}
	if env.gaps.opts.MaxIterations != 2 {
		t.Errorf("MaxIterations = %d", env.gaps.opts.MaxIterations)
	}
	if !strings.HasPrefix(env.gaps.threadID, "gap-") {
		t.Errorf("generated thread id = %q", env.gaps.threadID)
	}

	var resp GapAnalysisResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Result == nil || resp.Result.ConfidenceScore != 0.64 || resp.Warnings != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGapAnalysis_RequiresQuestion(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(authReq(http.MethodPost, "/v1/gap-analysis", `{"practice_id":"2"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestMemory_SearchAndGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.mem.Put(ctx, "user/alice", "topics", []string{"recursion", "lists"}, "topics"); err != nil {
		t.Fatal(err)
	}
	if err := env.mem.Put(ctx, "user/bob", "topics", []string{"recursion"}, "topics"); err != nil {
		t.Fatal(err)
	}

	rr := env.do(authReq(http.MethodGet, "/v1/memory?namespace=user/alice/*&q=recursion", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var records []memory.Record
	if err := json.NewDecoder(rr.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Namespace != "user/alice" {
		t.Errorf("records = %+v", records)
	}

	rr = env.do(authReq(http.MethodGet, "/v1/memory/user/bob?key=topics", "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "recursion") {
		t.Errorf("get status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(authReq(http.MethodGet, "/v1/memory/user/carol?key=topics", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", rr.Code)
	}
}

func TestMemory_RejectsBadNamespace(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"", "namespace=", "namespace=edu/*/x"} {
		rr := env.do(authReq(http.MethodGet, "/v1/memory?"+q, "", testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", q, rr.Code)
		}
	}
}

func TestKnowledge_Add(t *testing.T) {
	env := newTestEnv(t)

	pdf := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4"))
	rr := env.do(authReq(http.MethodPost, "/v1/knowledge", `{"title":"Notes","pdf":"`+pdf+`","subject":"Algorithms"}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if string(env.ingester.got.PDF) != "%PDF-1.4" || env.ingester.got.Source != "api" {
		t.Errorf("ingest request = %+v", env.ingester.got)
	}
	if !strings.Contains(rr.Body.String(), `"status":"queued"`) {
		t.Errorf("body = %s", rr.Body.String())
	}

	for _, body := range []string{`{}`, `{"pdf":"***"}`} {
		if rr := env.do(authReq(http.MethodPost, "/v1/knowledge", body, testToken)); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestKnowledge_Count(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(authReq(http.MethodGet, "/v1/knowledge/count", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != `{"chunks":42}` {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestCatalog_AddAndGet(t *testing.T) {
	env := newTestEnv(t)

	body := `{"id":"3","subject":"Logic","title":"Induction","exercises":[{"id":"2.a","statement":"Prove P(n)."}]}`
	rr := env.do(authReq(http.MethodPost, "/v1/catalog/exercises", body, testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"exercises":1`) {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(authReq(http.MethodGet, "/v1/catalog/practices/3/exercises/2.a", "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Prove P(n).") {
		t.Errorf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(authReq(http.MethodGet, "/v1/catalog/practices/3/exercises/9.z", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown exercise status = %d, want 404", rr.Code)
	}

	if rr := env.do(authReq(http.MethodPost, "/v1/catalog/exercises", `{"title":"x"}`, testToken)); rr.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", rr.Code)
	}
}
