package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/composer"
	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/gapanalysis"
	"github.com/kalambet/tutor/internal/intent"
	"github.com/kalambet/tutor/internal/knowledge"
	"github.com/kalambet/tutor/internal/memory"
	"github.com/kalambet/tutor/internal/metrics"
)

// turn holds what one run of the graph shares between steps but does not
// checkpoint.
type turn struct {
	r        *Runner
	progress flow.Progress

	notes   []string
	learner *memory.Learner
}

func (t *turn) emit(message string) {
	if message == "" {
		return
	}
	t.notes = append(t.notes, message)
	t.progress.Emit(message)
}

func (t *turn) learnerSummary(ctx context.Context, s *State) string {
	if t.learner == nil {
		t.learner = &memory.Learner{}
		if t.r.deps.Memory != nil {
			l, err := t.r.deps.Memory.Load(ctx, s.UserID)
			if err != nil {
				slog.Warn("loading learner memory failed", "user", s.UserID, "error", err)
				s.Warnings = append(s.Warnings, fmt.Sprintf("learner memory unavailable: %v", err))
			} else {
				t.learner = &l
			}
		}
	}
	return memory.Summary(*t.learner)
}

// retry reruns call after an upstream failure while the turn's retry budget
// lasts.
func (t *turn) retry(s *State, step string, call func() error) error {
	err := call()
	for err != nil && flow.Is(err, flow.KindUpstream) && s.Retries < t.r.cfg.RetryBudget {
		s.Retries++
		metrics.Retries.WithLabelValues(step).Inc()
		slog.Warn("retrying after upstream failure", "thread", s.ThreadID, "step", step, "error", err)
		err = call()
	}
	return err
}

func (t *turn) classify(ctx context.Context, s *State) (string, error) {
	summary := t.learnerSummary(ctx, s)

	var cls intent.Classification
	err := t.retry(s, StepClassify, func() error {
		var err error
		cls, err = t.r.deps.Classifier.Classify(ctx, s.Message, s.History, summary)
		return err
	})
	if err != nil {
		return "", flow.Wrap(flow.KindInternal, StepClassify, err)
	}

	if cls.PracticeID == "" || cls.ExerciseID == "" {
		p, e := catalog.ParseReference(s.Message)
		if cls.PracticeID == "" {
			cls.PracticeID = p
		}
		if cls.ExerciseID == "" {
			cls.ExerciseID = e
		}
	}
	cls.PracticeID = catalog.NormalizePracticeID(cls.PracticeID)
	cls.ExerciseID = catalog.NormalizeExerciseID(cls.ExerciseID)
	s.Classification = &cls
	metrics.IntentConfidence.Observe(cls.Confidence)

	if cls.Subject != "" {
		s.Context.Subject = cls.Subject
	}
	if cls.PracticeID != "" {
		s.Context.PracticeID = cls.PracticeID
	}
	if cls.ExerciseID != "" {
		s.Context.ExerciseID = cls.ExerciseID
	}
	s.Context.TopicsDiscussed = addTopics(s.Context.TopicsDiscussed, cls.Topics)
	return StepRoute, nil
}

// addTopics appends topics not yet present, ignoring case.
func addTopics(current, topics []string) []string {
	seen := make(map[string]bool, len(current))
	for _, t := range current {
		seen[strings.ToLower(t)] = true
	}
	for _, t := range topics {
		t = strings.TrimSpace(t)
		k := strings.ToLower(t)
		if t == "" || seen[k] {
			continue
		}
		seen[k] = true
		current = append(current, t)
	}
	return current
}

func (t *turn) route(ctx context.Context, s *State) (string, error) {
	cls := s.Classification
	if cls == nil {
		return "", flow.Errorf(flow.KindInternal, StepRoute, "no classification")
	}

	s.Exercise = nil
	resolvable := false
	if cls.Intent == intent.PracticalSpecific && t.r.deps.Catalog != nil {
		ex, ok, err := t.r.deps.Catalog.Resolve(ctx, s.Context.PracticeID, s.Context.ExerciseID)
		switch {
		case err != nil:
			slog.Warn("exercise lookup failed", "thread", s.ThreadID, "practice", s.Context.PracticeID, "exercise", s.Context.ExerciseID, "error", err)
			s.Warnings = append(s.Warnings, fmt.Sprintf("exercise lookup failed: %v", err))
		case ok:
			s.Exercise = ex
			resolvable = true
			if s.Context.Subject == "" {
				s.Context.Subject = ex.Subject
			}
		}
	}

	s.Route = Decide(cls.Intent, cls.Confidence, resolvable, t.r.cfg.LowConfidence)
	metrics.Routes.WithLabelValues(string(cls.Intent), string(s.Route)).Inc()
	slog.Debug("routed message", "thread", s.ThreadID, "intent", cls.Intent, "confidence", cls.Confidence, "route", s.Route)
	return StepExecute, nil
}

func (t *turn) execute(ctx context.Context, s *State) (string, error) {
	s.Execution = Execution{}
	var err error
	switch s.Route {
	case RouteGaps:
		err = t.executeGaps(ctx, s)
	case RouteKnowledge:
		err = t.executeKnowledge(ctx, s)
	case RouteDirect:
		err = t.executeDirect(ctx, s)
	default:
		return "", flow.Errorf(flow.KindInternal, StepExecute, "unknown route %q", s.Route)
	}
	if err == nil {
		return StepSynthesize, nil
	}
	if k := flow.KindOf(err); k == flow.KindUpstream || k == flow.KindParse {
		slog.Warn("execution degraded", "thread", s.ThreadID, "route", s.Route, "kind", k, "error", err)
		s.Execution.Degraded = flow.Info(StepExecute, err)
		return StepSynthesize, nil
	}
	return "", err
}

func (t *turn) executeGaps(ctx context.Context, s *State) error {
	ex := s.Exercise
	if ex == nil {
		return flow.Errorf(flow.KindInternal, StepExecute, "gap analysis without a resolved exercise")
	}
	sub := fmt.Sprintf("%s/gap/%d", s.ThreadID, s.Turn)
	s.Execution.SubThreadID = sub
	sc := gapanalysis.StudentContext{
		Question:         s.Message,
		History:          s.History,
		Subject:          s.Context.Subject,
		PracticeID:       ex.PracticeID,
		ExerciseID:       ex.ExerciseID,
		PracticeText:     ex.PracticeText,
		ExerciseText:     ex.Statement,
		ExpectedSolution: ex.ExpectedSolution,
		Hint:             ex.Hint,
	}
	opts := gapanalysis.Options{MaxIterations: t.r.cfg.GapIterations, Progress: t.emit, Turn: s.Turn}

	var gs *gapanalysis.State
	err := t.retry(s, StepExecute, func() error {
		var err error
		gs, err = t.r.deps.Gaps.Run(ctx, sub, sc, opts)
		if err != nil {
			return flow.Wrap(flow.KindInternal, StepExecute, err)
		}
		if gs.Err != nil {
			return &flow.Error{Kind: gs.Err.Kind, Step: StepExecute, Err: fmt.Errorf("gap analysis failed in %s: %s", gs.Err.Step, gs.Err.Detail)}
		}
		return nil
	})
	if gs != nil {
		s.Execution.Gap = gs.Result
		s.Warnings = append(s.Warnings, gs.Warnings...)
	}
	// A finished analysis that ended in an error still gets a fallback
	// answer; only a lost checkpoint aborts the turn.
	if err != nil && gs != nil && gs.Err != nil && gs.Err.Kind != flow.KindPersistence {
		slog.Warn("gap analysis degraded", "thread", s.ThreadID, "kind", gs.Err.Kind, "error", err)
		s.Execution.Degraded = flow.Info(StepExecute, err)
		return nil
	}
	return err
}

func (t *turn) executeKnowledge(ctx context.Context, s *State) error {
	query := s.Message
	if s.Context.Subject != "" {
		query = s.Context.Subject + ": " + s.Message
	}

	if lookup := t.r.deps.Lookup; lookup != nil {
		t.emit("Searching the course material")
		var snippets []knowledge.Snippet
		err := t.retry(s, StepExecute, func() error {
			lctx, cancel := context.WithTimeout(ctx, t.r.cfg.StepTimeout)
			defer cancel()
			var err error
			snippets, err = lookup.Search(lctx, query, t.r.cfg.TopK)
			return flow.Wrap(flow.KindUpstream, StepExecute, err)
		})
		if err != nil {
			slog.Warn("knowledge lookup failed", "thread", s.ThreadID, "error", err)
			s.Warnings = append(s.Warnings, fmt.Sprintf("course material unavailable: %v", err))
		}
		s.Execution.Snippets = snippets
	}

	msgs := t.r.deps.Composer.Compose(composer.Request{
		Mode:           composer.Explain,
		Message:        s.Message,
		Subject:        s.Context.Subject,
		History:        s.History,
		Snippets:       s.Execution.Snippets,
		LearnerSummary: t.learnerSummary(ctx, s),
	})
	answer, err := t.chat(ctx, s, "explanation", msgs)
	if err != nil {
		return err
	}
	s.Execution.Explanation = answer
	return nil
}

func (t *turn) executeDirect(ctx context.Context, s *State) error {
	in := s.Classification.Intent
	if text, ok := directTemplates[in]; ok {
		s.Execution.Explanation = text
		return nil
	}
	msgs := t.r.deps.Composer.Compose(composer.Request{
		Mode:           composer.Explore,
		Message:        s.Message,
		Subject:        s.Context.Subject,
		History:        s.History,
		LearnerSummary: t.learnerSummary(ctx, s),
	})
	answer, err := t.chat(ctx, s, "direct", msgs)
	if err != nil {
		return err
	}
	s.Execution.Explanation = answer
	return nil
}

func (t *turn) chat(ctx context.Context, s *State, purpose string, msgs []engine.Message) (string, error) {
	var out string
	err := t.retry(s, StepExecute, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.r.cfg.StepTimeout)
		defer cancel()
		var err error
		out, err = t.r.deps.Chat.Chat(cctx, t.r.cfg.Model, msgs, nil)
		if err != nil {
			metrics.LLMCalls.WithLabelValues(purpose, "error").Inc()
			return flow.Wrap(flow.KindUpstream, StepExecute, err)
		}
		metrics.LLMCalls.WithLabelValues(purpose, "ok").Inc()
		if strings.TrimSpace(out) == "" {
			return flow.Errorf(flow.KindParse, StepExecute, "empty %s answer", purpose)
		}
		return nil
	})
	return strings.TrimSpace(out), err
}

func (t *turn) synthesize(_ context.Context, s *State) (string, error) {
	resp := &Synthesis{Progress: append([]string(nil), t.notes...)}
	gap := s.Execution.Gap
	switch {
	case s.Execution.Degraded != nil:
		resp.Text, resp.Fallback = fallbackText(s), true
	case s.Route == RouteGaps && (gap == nil || gap.Error != ""):
		resp.Text, resp.Fallback = fallbackText(s), true
	case s.Route == RouteGaps:
		resp.Text = formatGapResult(gap)
	case strings.TrimSpace(s.Execution.Explanation) == "":
		resp.Text, resp.Fallback = fallbackText(s), true
	default:
		resp.Text = s.Execution.Explanation
	}
	if resp.Fallback {
		metrics.Fallbacks.Inc()
	}
	s.Response = resp
	s.History = append(s.History,
		engine.Message{Role: engine.RoleUser, Content: s.Message},
		engine.Message{Role: engine.RoleAssistant, Content: resp.Text},
	)
	s.Answered = true
	return StepMemory, nil
}

func (t *turn) updateMemory(ctx context.Context, s *State) (string, error) {
	mem := t.r.deps.Memory
	cls := s.Classification
	if mem == nil || cls == nil {
		return flow.End, nil
	}
	if _, err := mem.MergeTopics(ctx, s.UserID, cls.Topics); err != nil {
		return "", flow.Wrap(flow.KindPersistence, StepMemory, err)
	}
	if err := mem.RecordPattern(ctx, s.UserID, memory.Pattern{Intent: string(cls.Intent), Confidence: cls.Confidence}); err != nil {
		return "", flow.Wrap(flow.KindPersistence, StepMemory, err)
	}
	if gap := s.Execution.Gap; gap != nil && gap.Error == "" {
		trends := make([]memory.GapTrend, 0, len(gap.PrioritizedGaps))
		for _, p := range gap.PrioritizedGaps {
			trends = append(trends, memory.GapTrend{
				Title:      p.Gap.Title,
				Category:   string(p.Gap.Category),
				Severity:   string(p.Gap.Severity),
				Priority:   p.Evaluation.PriorityScore,
				ExerciseID: gap.Context.PracticeID + "/" + gap.Context.ExerciseID,
			})
		}
		if err := mem.RecordGapTrends(ctx, s.UserID, trends); err != nil {
			return "", flow.Wrap(flow.KindPersistence, StepMemory, err)
		}
	}
	return flow.End, nil
}

func (t *turn) handleError(_ context.Context, s *State) (string, error) {
	if s.Answered {
		// The reply already reached the history; only its follow-up failed.
		if s.Err != nil {
			s.Warnings = append(s.Warnings, fmt.Sprintf("%s after reply: %s", s.Err.Kind, s.Err.Detail))
		}
		return flow.End, nil
	}
	var kind flow.Kind
	if s.Err != nil {
		kind = s.Err.Kind
	}
	text := apology(kind)
	s.Response = &Synthesis{Text: text, Progress: append([]string(nil), t.notes...), Fallback: true}
	if strings.TrimSpace(s.Message) != "" {
		s.History = append(s.History,
			engine.Message{Role: engine.RoleUser, Content: s.Message},
			engine.Message{Role: engine.RoleAssistant, Content: text},
		)
	}
	s.Answered = true
	return flow.End, nil
}
