package gapanalysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/tutor/internal/checkpoint"
	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/knowledge"
	"github.com/kalambet/tutor/internal/metrics"
)

// WorkflowName tags the checkpoints written by a gap analysis.
const WorkflowName = "gap_analysis"

// StateType is the codec tag of State.
const StateType = "gapanalysis.State"

const (
	StepValidate   = "validate_context"
	StepAnalyze    = "analyze_gaps"
	StepEvaluate   = "evaluate_gaps"
	StepPrioritize = "prioritize_gaps"
	StepDecide     = "decide_feedback"
	StepFeedback   = "feedback_analysis"
	StepGenerate   = "generate_response"
	StepError      = "handle_error"
)

const (
	defaultMaxIterations = 3
	defaultStepTimeout   = 60 * time.Second
)

// Chatter is the chat-completion subset of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Config tunes the analysis. Zero values take defaults.
type Config struct {
	Model                 string
	MaxIterations         int
	MinContextChars       int
	ShortDescriptionChars int
	LowPriorityThreshold  float64
	Weights               Weights
	ConfidenceWeights     ConfidenceWeights
	StepTimeout           time.Duration
	// TheoryResults is how many knowledge snippets feed a refinement pass.
	TheoryResults int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.MinContextChars <= 0 {
		c.MinContextChars = 20
	}
	if c.ShortDescriptionChars <= 0 {
		c.ShortDescriptionChars = 50
	}
	if c.LowPriorityThreshold <= 0 {
		c.LowPriorityThreshold = 0.5
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.ConfidenceWeights == (ConfidenceWeights{}) {
		c.ConfidenceWeights = DefaultConfidenceWeights()
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaultStepTimeout
	}
	if c.TheoryResults <= 0 {
		c.TheoryResults = 3
	}
	return c
}

// Options apply to a single run.
type Options struct {
	// MaxIterations overrides the configured cap when positive.
	MaxIterations int
	Progress      flow.Progress
	// Turn is the conversation turn recorded in checkpoint metadata.
	Turn int
}

// RegisterTypes makes State decodable from checkpoints.
func RegisterTypes(c *checkpoint.Codec) {
	c.Register(StateType, State{})
}

// Workflow runs gap analyses.
type Workflow struct {
	chat   Chatter
	lookup knowledge.Lookup
	saver  *checkpoint.Saver
	cfg    Config
}

// New creates a Workflow. lookup may be nil, in which case refinement
// passes run without course material.
func New(chat Chatter, lookup knowledge.Lookup, saver *checkpoint.Saver, cfg Config) *Workflow {
	RegisterTypes(saver.Codec())
	return &Workflow{chat: chat, lookup: lookup, saver: saver, cfg: cfg.withDefaults()}
}

// Run analyzes sc from the start, checkpointing every step under threadID.
// The returned error is non-nil only when the run was cancelled or its
// terminal state could not be persisted; analysis failures end in
// State.Result.Error instead.
func (w *Workflow) Run(ctx context.Context, threadID string, sc StudentContext, opts Options) (*State, error) {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = w.cfg.MaxIterations
	}
	s := &State{Context: sc, MaxIterations: maxIter}

	var prev checkpoint.Versions
	if cp, err := w.saver.GetLatest(ctx, threadID); err == nil {
		prev = cp.Versions
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, flow.Wrap(flow.KindPersistence, "", err)
	}
	rec := w.saver.NewRecorder(threadID, WorkflowName, opts.Turn, prev)
	return s, w.run(ctx, rec, s, "", opts)
}

// Resume continues the run recorded in threadID from the step after its
// latest checkpoint. A finished run is returned as is.
func (w *Workflow) Resume(ctx context.Context, threadID string, opts Options) (*State, error) {
	cp, err := w.saver.GetLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	s, ok := cp.State.(*State)
	if !ok || cp.Metadata.Workflow != WorkflowName {
		return nil, fmt.Errorf("thread %s does not hold a gap analysis", threadID)
	}
	if cp.Metadata.Next == flow.End {
		return s, nil
	}
	rec := w.saver.NewRecorder(threadID, WorkflowName, cp.Metadata.Turn, cp.Versions)
	return s, w.run(ctx, rec, s, cp.Metadata.Next, opts)
}

func (w *Workflow) run(ctx context.Context, rec *checkpoint.Recorder, s *State, from string, opts Options) error {
	g := w.graph(s.MaxIterations)
	err := g.Run(ctx, s, from, flow.Hooks[State]{
		Checkpoint: func(ctx context.Context, step, next string, s *State) error {
			status := checkpoint.StatusRunning
			if next == flow.End {
				status = checkpoint.StatusDone
				if s.Err != nil {
					status = checkpoint.StatusError
				}
			}
			return rec.Record(ctx, step, next, status, s)
		},
		Fail: func(s *State, step string, err error) {
			s.Err = flow.Info(step, err)
		},
		Progress: opts.Progress,
	})
	if err != nil {
		slog.Error("gap analysis aborted", "thread", rec.ThreadID(), "error", err)
	}
	return err
}

func (w *Workflow) graph(maxIterations int) *flow.Graph[State] {
	return flow.NewGraph(WorkflowName, StepValidate, StepError, 2+5*maxIterations+3,
		flow.Step[State]{Name: StepValidate, Describe: "Checking the exercise context", Run: w.validate},
		flow.Step[State]{Name: StepAnalyze, Describe: "Looking for knowledge gaps", Run: w.analyze},
		flow.Step[State]{Name: StepEvaluate, Describe: "Evaluating the gaps", Run: w.evaluate},
		flow.Step[State]{Name: StepPrioritize, Describe: "Ranking the gaps", Run: w.prioritize},
		flow.Step[State]{Name: StepDecide, Run: w.decide},
		flow.Step[State]{Name: StepFeedback, Describe: "Refining the analysis", Run: w.feedback},
		flow.Step[State]{Name: StepGenerate, Describe: "Preparing feedback", Run: w.generate},
		flow.Step[State]{Name: StepError, Run: w.handleError},
	)
}

func (w *Workflow) validate(_ context.Context, s *State) (string, error) {
	if strings.TrimSpace(s.Context.Question) == "" {
		return "", flow.Errorf(flow.KindValidation, StepValidate, "empty question")
	}
	minChars := w.cfg.MinContextChars
	s.ContextComplete = utf8.RuneCountInString(strings.TrimSpace(s.Context.PracticeText)) >= minChars &&
		utf8.RuneCountInString(strings.TrimSpace(s.Context.ExerciseText)) >= minChars
	s.NeedsTheory = !s.ContextComplete
	return StepAnalyze, nil
}

func (w *Workflow) call(ctx context.Context, purpose string, msgs []engine.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StepTimeout)
	defer cancel()
	out, err := w.chat.Chat(ctx, w.cfg.Model, msgs, nil)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LLMCalls.WithLabelValues(purpose, status).Inc()
	return out, err
}

func (w *Workflow) analyze(ctx context.Context, s *State) (string, error) {
	msgs := analyzePrompt(s)
	s.IterationsDone++
	raw, err := w.call(ctx, "gaps", msgs)
	if err != nil {
		return "", flow.Wrap(flow.KindUpstream, StepAnalyze, err)
	}
	gaps, err := ParseGaps(raw)
	if err != nil {
		return w.recoverParse(s, StepAnalyze, err)
	}
	s.Gaps = gaps
	s.Evaluations = nil
	s.Prioritized = nil
	return StepEvaluate, nil
}

// recoverParse turns the first parse failure of a run into a warning and
// sends the run back through the feedback loop while iterations remain.
func (w *Workflow) recoverParse(s *State, step string, err error) (string, error) {
	perr := flow.Wrap(flow.KindParse, step, err)
	if s.ParseRecoveries > 0 || s.IterationsDone >= s.MaxIterations {
		return "", perr
	}
	s.ParseRecoveries++
	s.Warnings = append(s.Warnings, perr.Error())
	s.Gaps = nil
	s.Evaluations = nil
	s.Prioritized = nil
	return StepDecide, nil
}

func (w *Workflow) evaluate(ctx context.Context, s *State) (string, error) {
	if len(s.Gaps) == 0 {
		s.Evaluations = nil
		return StepPrioritize, nil
	}
	raw, err := w.call(ctx, "evaluation", evaluatePrompt(s))
	if err != nil {
		return "", flow.Wrap(flow.KindUpstream, StepEvaluate, err)
	}
	evals, err := ParseEvaluations(raw)
	if err != nil {
		return w.recoverParse(s, StepEvaluate, err)
	}
	joined, missing := joinEvaluations(s.Gaps, evals, w.cfg.Weights)
	for _, id := range missing {
		s.Warnings = append(s.Warnings, fmt.Sprintf("gap %s was not evaluated", id))
	}
	s.Evaluations = joined
	return StepPrioritize, nil
}

func (w *Workflow) prioritize(_ context.Context, s *State) (string, error) {
	s.Prioritized = Prioritize(s.Gaps, s.Evaluations)
	return StepDecide, nil
}

func (w *Workflow) decide(_ context.Context, s *State) (string, error) {
	for _, g := range s.Gaps {
		if g.Category.needsTheory() {
			s.NeedsTheory = true
			break
		}
	}

	reason := w.shortfall(s.Prioritized)
	if reason == "" {
		s.NeedsMoreWork = false
		s.Reason = ""
		return StepGenerate, nil
	}
	if s.IterationsDone >= s.MaxIterations {
		s.NeedsMoreWork = false
		s.Reason = fmt.Sprintf("%s: %s", flow.KindIterationExhausted, reason)
		s.Warnings = append(s.Warnings, fmt.Sprintf("%s after %d iterations: %s", flow.KindIterationExhausted, s.IterationsDone, reason))
		return StepGenerate, nil
	}
	s.NeedsMoreWork = true
	s.Reason = reason
	return StepFeedback, nil
}

// shortfall explains why the ranked gaps are not good enough, or returns
// the empty string when they are.
func (w *Workflow) shortfall(ranked []PrioritizedGap) string {
	switch {
	case len(ranked) == 0:
		return "no gaps were identified"
	case len(ranked) == 1 && utf8.RuneCountInString(ranked[0].Gap.Description) < w.cfg.ShortDescriptionChars:
		return "the only gap has a vague description"
	}
	var sum float64
	for _, p := range ranked {
		sum += p.Evaluation.PriorityScore
	}
	if mean := sum / float64(len(ranked)); mean < w.cfg.LowPriorityThreshold {
		return fmt.Sprintf("mean priority %.2f is below %.2f", mean, w.cfg.LowPriorityThreshold)
	}
	return ""
}

func (w *Workflow) feedback(ctx context.Context, s *State) (string, error) {
	if !s.NeedsTheory || w.lookup == nil {
		return StepAnalyze, nil
	}
	query := dominantConcept(s.Gaps)
	if query == "" {
		query = s.Context.Question
	}

	lctx, cancel := context.WithTimeout(ctx, w.cfg.StepTimeout)
	defer cancel()
	snippets, err := w.lookup.Search(lctx, query, w.cfg.TheoryResults)
	if err != nil {
		slog.Warn("theory lookup failed", "query", query, "error", err)
		s.Warnings = append(s.Warnings, fmt.Sprintf("course material lookup failed: %v", err))
		return StepAnalyze, nil
	}
	if len(snippets) == 0 {
		return StepAnalyze, nil
	}
	parts := make([]string, 0, len(snippets))
	for _, sn := range snippets {
		parts = append(parts, strings.TrimSpace(sn.Content))
	}
	s.SupplementaryTheory = strings.Join(parts, "\n\n")
	return StepAnalyze, nil
}

func (w *Workflow) generate(_ context.Context, s *State) (string, error) {
	evaluationComplete := len(s.Gaps) > 0 && len(s.Evaluations) == len(s.Gaps)
	confidence := Confidence(w.cfg.ConfidenceWeights, len(s.Prioritized), s.ContextComplete, evaluationComplete)

	recs := make([]string, len(fixedRecommendations))
	copy(recs, fixedRecommendations)
	s.Result = &Result{
		Context:         s.Context,
		PrioritizedGaps: s.Prioritized,
		Summary:         summarize(s.Prioritized),
		ConfidenceScore: confidence,
		Recommendations: recs,
		Iterations:      s.IterationsDone,
	}
	metrics.GapIterations.Observe(float64(s.IterationsDone))
	metrics.GapConfidence.Observe(confidence)
	return flow.End, nil
}

func (w *Workflow) handleError(_ context.Context, s *State) (string, error) {
	var kind flow.Kind
	if s.Err != nil {
		kind = s.Err.Kind
	}
	s.Result = &Result{
		Context:         s.Context,
		PrioritizedGaps: []PrioritizedGap{},
		Iterations:      s.IterationsDone,
		Error:           userMessage(kind),
	}
	return flow.End, nil
}

func userMessage(kind flow.Kind) string {
	switch kind {
	case flow.KindValidation:
		return "Please tell me what you are stuck on so I can look at the exercise with you."
	case flow.KindUpstream:
		return "The tutor model is not responding right now. Please try again in a moment."
	case flow.KindParse:
		return "I could not make sense of the analysis this time. Please try rephrasing your question."
	case flow.KindPersistence:
		return "I could not save the progress of this analysis. Please try again."
	default:
		return "Something went wrong while analyzing your question."
	}
}
