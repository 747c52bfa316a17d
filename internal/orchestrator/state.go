package orchestrator

import (
	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/checkpoint"
	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/gapanalysis"
	"github.com/kalambet/tutor/internal/intent"
	"github.com/kalambet/tutor/internal/knowledge"
)

// StateType is the codec tag of State.
const StateType = "orchestrator.State"

// RegisterTypes makes State and the nested gap analysis state decodable
// from checkpoints.
func RegisterTypes(c *checkpoint.Codec) {
	c.Register(StateType, State{})
	gapanalysis.RegisterTypes(c)
}

// Input is one inbound student message.
type Input struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
}

// EducationalContext is what the thread is currently about. It carries over
// between turns.
type EducationalContext struct {
	Subject         string   `json:"subject,omitempty"`
	PracticeID      string   `json:"practice_id,omitempty"`
	ExerciseID      string   `json:"exercise_id,omitempty"`
	TopicsDiscussed []string `json:"topics_discussed,omitempty"`
}

// Execution is the output of the chosen path.
type Execution struct {
	Explanation string              `json:"explanation,omitempty"`
	Snippets    []knowledge.Snippet `json:"snippets,omitempty"`
	Gap         *gapanalysis.Result `json:"gap,omitempty"`
	SubThreadID string              `json:"sub_thread_id,omitempty"`
	// Degraded is set when the path failed but the turn still answers with
	// a fallback.
	Degraded *flow.ErrorInfo `json:"degraded,omitempty"`
}

// Synthesis is the reply sent to the student.
type Synthesis struct {
	Text     string   `json:"text"`
	Progress []string `json:"progress,omitempty"`
	Fallback bool     `json:"fallback"`
}

// State is the checkpointed state of one conversation turn. History spans
// every turn of the thread and only grows.
type State struct {
	ThreadID       string                 `json:"thread_id"`
	UserID         string                 `json:"user_id"`
	Turn           int                    `json:"turn"`
	Message        string                 `json:"message"`
	History        []engine.Message       `json:"history"`
	Context        EducationalContext     `json:"context"`
	Classification *intent.Classification `json:"classification,omitempty"`
	Route          Route                  `json:"route,omitempty"`
	Exercise       *catalog.Exercise      `json:"exercise,omitempty"`
	Execution      Execution              `json:"execution"`
	Response       *Synthesis             `json:"response,omitempty"`
	Answered       bool                   `json:"answered"`
	Err            *flow.ErrorInfo        `json:"error,omitempty"`
	Retries        int                    `json:"retries"`
	Warnings       []string               `json:"warnings,omitempty"`
}
