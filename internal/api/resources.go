package api

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/ingest"
	"github.com/kalambet/tutor/internal/memory"
)

func handleSearchMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("namespace")
		if ns, _ := memory.ParsePattern(pattern); ns == "" || strings.Contains(ns, "*") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "namespace is required and may only end in /*")
			return
		}
		limit := parseIntParam(r, "limit", 10, 100)

		records, err := deps.Memory.Search(r.Context(), pattern, r.URL.Query().Get("q"), limit)
		if err != nil {
			writeFailure(w, "searching memory", err)
			return
		}
		if records == nil {
			records = []memory.Record{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleGetMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace := strings.Trim(chi.URLParam(r, "*"), "/")
		key := r.URL.Query().Get("key")
		if namespace == "" || key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "namespace and key are required")
			return
		}
		rec, err := deps.Memory.Get(r.Context(), namespace, key)
		if err != nil {
			writeFailure(w, "reading memory", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// KnowledgeRequest is the body of POST /v1/knowledge. PDF is base64 encoded.
type KnowledgeRequest struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	URL     string   `json:"url"`
	PDF     string   `json:"pdf"`
	Source  string   `json:"source"`
	Subject string   `json:"subject"`
	Tags    []string `json:"tags"`
}

func handleAddKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req KnowledgeRequest
		if !decodeBody(w, r, maxIngestBodySize, &req) {
			return
		}
		if req.Content == "" && req.URL == "" && req.PDF == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of content, url or pdf is required")
			return
		}

		in := ingest.Request{
			Title:   req.Title,
			Content: req.Content,
			URL:     req.URL,
			Source:  req.Source,
			Subject: req.Subject,
			Tags:    req.Tags,
		}
		if in.Source == "" {
			in.Source = "api"
		}
		if req.PDF != "" {
			pdf, err := base64.StdEncoding.DecodeString(req.PDF)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 pdf")
				return
			}
			in.PDF = pdf
		}

		res, err := deps.Ingester.Ingest(r.Context(), in)
		if err != nil {
			writeFailure(w, "ingesting material", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"doc_id": res.DocID,
			"job_id": res.JobID,
			"status": "queued",
		})
	}
}

func handleKnowledgeCount(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Knowledge.Count(r.Context())
		if err != nil {
			writeFailure(w, "counting knowledge", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"chunks": n})
	}
}

func handleAddExercises(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req catalog.PracticeInput
		if !decodeBody(w, r, maxIngestBodySize, &req) {
			return
		}
		if catalog.NormalizePracticeID(req.ID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "practice id is required")
			return
		}
		n, err := deps.Catalog.Add(r.Context(), req)
		if err != nil {
			writeFailure(w, "adding exercises", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"practice_id": catalog.NormalizePracticeID(req.ID),
			"exercises":   n,
		})
	}
}

func handleGetExercise(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ex, ok, err := deps.Catalog.Resolve(r.Context(), chi.URLParam(r, "practiceID"), chi.URLParam(r, "exerciseID"))
		if err != nil {
			writeFailure(w, "resolving exercise", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "exercise not found")
			return
		}
		writeJSON(w, http.StatusOK, ex)
	}
}
