package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func openAIServer(t *testing.T, handler http.HandlerFunc) *OpenAIEngine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIEngine(srv.URL+"/v1", "test-key")
}

func TestOpenAIEngine_ChatWithSchema(t *testing.T) {
	var req struct {
		Model          string `json:"model"`
		ResponseFormat *struct {
			Type string `json:"type"`
		} `json:"response_format"`
		Messages []Message `json:"messages"`
	}
	e := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": `{"intent":"goodbye"}`},
				"finish_reason": "stop",
			}},
		})
	})

	out, err := e.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: RoleUser, Content: "chau"}},
		&Schema{Type: "object", Required: []string{"intent"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != `{"intent":"goodbye"}` {
		t.Errorf("got %q", out)
	}
	if req.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", req.Model)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", req.ResponseFormat)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != RoleSystem || !strings.Contains(req.Messages[0].Content, `"required":["intent"]`) {
		t.Errorf("messages = %+v, want schema hint then user message", req.Messages)
	}
}

func TestOpenAIEngine_ChatAPIError(t *testing.T) {
	e := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key", "type": "invalid_request_error"},
		})
	})

	_, err := e.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", se.Code)
	}
}

func TestOpenAIEngine_Embed(t *testing.T) {
	e := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{{
				"object":    "embedding",
				"index":     0,
				"embedding": []float32{0.5, 0.25},
			}},
		})
	})

	vec, err := e.Embed(context.Background(), "text-embedding-3-small", "recursion")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Errorf("vec = %v", vec)
	}
}

func TestOpenAIEngine_ModelsAndPull(t *testing.T) {
	e := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"id": "gpt-4o-mini", "object": "model"}},
		})
	})

	ctx := context.Background()
	if !e.IsRunning(ctx) {
		t.Error("IsRunning() = false, want true")
	}
	if !e.HasModel(ctx, "gpt-4o-mini") {
		t.Error("HasModel(gpt-4o-mini) = false")
	}
	if e.HasModel(ctx, "gpt-5") {
		t.Error("HasModel(gpt-5) = true")
	}
	if err := e.PullModel(ctx, "gpt-5", nil); err == nil {
		t.Error("PullModel should be unsupported")
	}
}
