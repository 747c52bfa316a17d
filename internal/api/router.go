// Package api exposes the tutor over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/checkpoint"
	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/gapanalysis"
	"github.com/kalambet/tutor/internal/ingest"
	"github.com/kalambet/tutor/internal/memory"
	"github.com/kalambet/tutor/internal/orchestrator"
	"github.com/kalambet/tutor/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxIngestBodySize = 10 << 20 // 10MB

// Conversations runs conversation turns. Implemented by orchestrator.Runner.
type Conversations interface {
	Run(ctx context.Context, in orchestrator.Input, progress flow.Progress) (*orchestrator.State, error)
	Resume(ctx context.Context, threadID string, progress flow.Progress) (*orchestrator.State, error)
	Latest(ctx context.Context, threadID string) (*orchestrator.State, checkpoint.Summary, error)
}

// GapAnalyzer runs the gap analysis workflow directly. Implemented by
// gapanalysis.Workflow.
type GapAnalyzer interface {
	Run(ctx context.Context, threadID string, sc gapanalysis.StudentContext, opts gapanalysis.Options) (*gapanalysis.State, error)
}

// CheckpointLister lists the checkpoints of a thread. Implemented by
// checkpoint.Saver.
type CheckpointLister interface {
	List(ctx context.Context, threadID string) ([]checkpoint.Summary, error)
}

// MemoryReader reads namespaced memory. Implemented by memory.Memory.
type MemoryReader interface {
	Get(ctx context.Context, namespace, key string) (memory.Record, error)
	Search(ctx context.Context, pattern, query string, limit int) ([]memory.Record, error)
}

// LearnerLoader loads learner memory. Implemented by memory.Manager.
type LearnerLoader interface {
	Load(ctx context.Context, userID string) (memory.Learner, error)
}

// Ingester stores course material. Implemented by ingest.Ingester.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

// KnowledgeCounter reports the size of the knowledge index.
type KnowledgeCounter interface {
	Count(ctx context.Context) (int, error)
}

// Catalog adds and resolves exercises. Implemented by catalog.Catalog.
type Catalog interface {
	Add(ctx context.Context, in catalog.PracticeInput) (int, error)
	Resolve(ctx context.Context, practiceID, exerciseID string) (*catalog.Exercise, bool, error)
}

// Deps holds the collaborators of the HTTP and MCP layers.
type Deps struct {
	Token         string
	Conversations Conversations
	Gaps          GapAnalyzer
	Checkpoints   CheckpointLister
	Memory        MemoryReader
	Learners      LearnerLoader
	Ingester      Ingester
	Knowledge     KnowledgeCounter
	Catalog       Catalog
}

// NewHandler returns the tutor HTTP API. /health and /metrics are public;
// everything under /v1 requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/threads/{threadID}/messages", handlePostMessage(deps))
		r.Post("/threads/{threadID}/resume", handleResume(deps))
		r.Get("/threads/{threadID}/checkpoints", handleListCheckpoints(deps))
		r.Get("/threads/{threadID}/state", handleGetState(deps))
		r.Post("/gap-analysis", handleGapAnalysis(deps))

		r.Get("/memory", handleSearchMemory(deps))
		r.Get("/memory/*", handleGetMemory(deps))

		r.Post("/knowledge", handleAddKnowledge(deps))
		r.Get("/knowledge/count", handleKnowledgeCount(deps))

		r.Post("/catalog/exercises", handleAddExercises(deps))
		r.Get("/catalog/practices/{practiceID}/exercises/{exerciseID}", handleGetExercise(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// failure maps err onto an HTTP status and error type.
func failure(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case flow.Is(err, flow.KindValidation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "api_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeFailure(w http.ResponseWriter, what string, err error) {
	code, errType := failure(err)
	if code >= 500 {
		slog.Error(what, "error", err)
	}
	httpError(w, code, errType, "%s", publicMessage(what, err))
}

// publicMessage describes err for a client. Server-side failures are
// reduced to what failed; their detail stays in the log and checkpoints.
func publicMessage(what string, err error) string {
	if code, _ := failure(err); code < http.StatusInternalServerError {
		return fmt.Sprintf("%s: %v", what, err)
	}
	return what + " failed"
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
