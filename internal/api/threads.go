package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/checkpoint"
	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/gapanalysis"
	"github.com/kalambet/tutor/internal/orchestrator"
)

// MessageRequest is the body of POST /v1/threads/{threadID}/messages.
type MessageRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// TurnResponse is the result of one conversation turn.
type TurnResponse struct {
	ThreadID    string              `json:"thread_id"`
	Turn        int                 `json:"turn"`
	Response    string              `json:"response"`
	Fallback    bool                `json:"fallback"`
	Progress    []string            `json:"progress"`
	Intent      string              `json:"intent,omitempty"`
	Confidence  float64             `json:"confidence,omitempty"`
	Route       string              `json:"route,omitempty"`
	GapAnalysis *gapanalysis.Result `json:"gap_analysis,omitempty"`
	Error       *TurnError          `json:"error,omitempty"`
	Warnings    int                 `json:"warnings,omitempty"`
}

// TurnError names what failed in a run. The full detail stays in the
// checkpoint and is served by the state endpoint.
type TurnError struct {
	Kind flow.Kind `json:"kind"`
	Step string    `json:"step,omitempty"`
}

func newTurnError(info *flow.ErrorInfo) *TurnError {
	if info == nil {
		return nil
	}
	return &TurnError{Kind: info.Kind, Step: info.Step}
}

func newTurnResponse(s *orchestrator.State) TurnResponse {
	resp := TurnResponse{
		ThreadID:    s.ThreadID,
		Turn:        s.Turn,
		Progress:    []string{},
		Route:       string(s.Route),
		GapAnalysis: s.Execution.Gap,
		Error:       newTurnError(s.Err),
		Warnings:    len(s.Warnings),
	}
	if s.Response != nil {
		resp.Response = s.Response.Text
		resp.Fallback = s.Response.Fallback
		if s.Response.Progress != nil {
			resp.Progress = s.Response.Progress
		}
	}
	if s.Classification != nil {
		resp.Intent = string(s.Classification.Intent)
		resp.Confidence = s.Classification.Confidence
	}
	return resp
}

// runTurn runs fn with a progress sink and writes its outcome either as a
// JSON body or, when the client accepts it, as an SSE stream of progress
// events followed by a result event.
func runTurn(w http.ResponseWriter, r *http.Request, what string, fn func(flow.Progress) (*orchestrator.State, error)) {
	if wantsEventStream(r) {
		if stream, ok := newEventStream(w); ok {
			s, err := fn(func(msg string) {
				stream.send("progress", map[string]string{"message": msg})
			})
			if err != nil {
				stream.fail(what, err)
				return
			}
			stream.send("result", newTurnResponse(s))
			return
		}
	}

	var progress []string
	s, err := fn(func(msg string) { progress = append(progress, msg) })
	if err != nil {
		writeFailure(w, what, err)
		return
	}
	resp := newTurnResponse(s)
	if len(resp.Progress) == 0 && progress != nil {
		resp.Progress = progress
	}
	writeJSON(w, http.StatusOK, resp)
}

func handlePostMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MessageRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		in := orchestrator.Input{
			ThreadID: chi.URLParam(r, "threadID"),
			UserID:   req.UserID,
			Message:  req.Message,
		}
		runTurn(w, r, "running turn", func(p flow.Progress) (*orchestrator.State, error) {
			return deps.Conversations.Run(r.Context(), in, p)
		})
	}
}

func handleResume(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "threadID")
		runTurn(w, r, "resuming thread", func(p flow.Progress) (*orchestrator.State, error) {
			return deps.Conversations.Resume(r.Context(), threadID, p)
		})
	}
}

func handleListCheckpoints(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Checkpoints.List(r.Context(), chi.URLParam(r, "threadID"))
		if err != nil {
			writeFailure(w, "listing checkpoints", err)
			return
		}
		if list == nil {
			list = []checkpoint.Summary{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetState(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, summary, err := deps.Conversations.Latest(r.Context(), chi.URLParam(r, "threadID"))
		if err != nil {
			writeFailure(w, "loading state", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"checkpoint": summary,
			"state":      s,
		})
	}
}

// GapAnalysisRequest is the body of POST /v1/gap-analysis. When the exercise
// texts are empty and both ids are set, they are filled from the catalog.
type GapAnalysisRequest struct {
	ThreadID         string `json:"thread_id"`
	Question         string `json:"question"`
	Subject          string `json:"subject"`
	PracticeID       string `json:"practice_id"`
	ExerciseID       string `json:"exercise_id"`
	PracticeText     string `json:"practice_text"`
	ExerciseText     string `json:"exercise_text"`
	ExpectedSolution string `json:"expected_solution"`
	Hint             string `json:"hint"`
	MaxIterations    int    `json:"max_iterations"`
}

// GapAnalysisResponse is the outcome of a direct gap analysis run.
type GapAnalysisResponse struct {
	ThreadID string              `json:"thread_id"`
	Result   *gapanalysis.Result `json:"result,omitempty"`
	Error    *TurnError          `json:"error,omitempty"`
	Warnings int                 `json:"warnings,omitempty"`
}

func handleGapAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GapAnalysisRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		resp, err := analyzeGaps(r.Context(), deps, req)
		if err != nil {
			writeFailure(w, "analyzing gaps", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func analyzeGaps(ctx context.Context, deps Deps, req GapAnalysisRequest) (GapAnalysisResponse, error) {
	if strings.TrimSpace(req.Question) == "" {
		return GapAnalysisResponse{}, flow.Errorf(flow.KindValidation, "", "question is required")
	}
	sc := gapanalysis.StudentContext{
		Question:         req.Question,
		Subject:          req.Subject,
		PracticeID:       req.PracticeID,
		ExerciseID:       req.ExerciseID,
		PracticeText:     req.PracticeText,
		ExerciseText:     req.ExerciseText,
		ExpectedSolution: req.ExpectedSolution,
		Hint:             req.Hint,
	}
	if sc.ExerciseText == "" && sc.PracticeID != "" && sc.ExerciseID != "" && deps.Catalog != nil {
		ex, ok, err := deps.Catalog.Resolve(ctx, sc.PracticeID, sc.ExerciseID)
		if err != nil {
			return GapAnalysisResponse{}, err
		}
		if ok {
			fillFromExercise(&sc, ex)
		}
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = "gap-" + uuid.NewString()
	}
	s, err := deps.Gaps.Run(ctx, threadID, sc, gapanalysis.Options{MaxIterations: req.MaxIterations})
	if err != nil {
		return GapAnalysisResponse{}, err
	}
	return GapAnalysisResponse{ThreadID: threadID, Result: s.Result, Error: newTurnError(s.Err), Warnings: len(s.Warnings)}, nil
}

func fillFromExercise(sc *gapanalysis.StudentContext, ex *catalog.Exercise) {
	sc.PracticeID = ex.PracticeID
	sc.ExerciseID = ex.ExerciseID
	sc.PracticeText = ex.PracticeText
	sc.ExerciseText = ex.Statement
	if sc.ExpectedSolution == "" {
		sc.ExpectedSolution = ex.ExpectedSolution
	}
	if sc.Hint == "" {
		sc.Hint = ex.Hint
	}
	if sc.Subject == "" {
		sc.Subject = ex.Subject
	}
}
