// Package orchestrator runs one conversation turn: it classifies the
// student's message, routes it to a reasoning path, synthesizes the reply
// and updates learner memory, checkpointing every step under the thread id.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/checkpoint"
	"github.com/kalambet/tutor/internal/composer"
	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/flow"
	"github.com/kalambet/tutor/internal/gapanalysis"
	"github.com/kalambet/tutor/internal/intent"
	"github.com/kalambet/tutor/internal/knowledge"
	"github.com/kalambet/tutor/internal/memory"
)

// WorkflowName tags the checkpoints written by a conversation turn.
const WorkflowName = "conversation"

const (
	StepClassify   = "classify_intent"
	StepRoute      = "route"
	StepExecute    = "execute"
	StepSynthesize = "synthesize"
	StepMemory     = "update_memory"
	StepError      = "handle_error"
)

// anonymousUser owns the memory of messages sent without a user id.
const anonymousUser = "anonymous"

// Classifier labels a message with exactly one intent.
type Classifier interface {
	Classify(ctx context.Context, message string, history []engine.Message, learnerSummary string) (intent.Classification, error)
}

// Resolver finds exercises by practice and exercise id.
type Resolver interface {
	Resolve(ctx context.Context, practiceID, exerciseID string) (*catalog.Exercise, bool, error)
}

// GapAnalyzer runs the gap analysis workflow.
type GapAnalyzer interface {
	Run(ctx context.Context, threadID string, sc gapanalysis.StudentContext, opts gapanalysis.Options) (*gapanalysis.State, error)
}

// Chatter is the chat-completion subset of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// LearnerMemory is the long-term memory the orchestrator reads and updates.
type LearnerMemory interface {
	Load(ctx context.Context, userID string) (memory.Learner, error)
	MergeTopics(ctx context.Context, userID string, topics []string) ([]string, error)
	RecordPattern(ctx context.Context, userID string, p memory.Pattern) error
	RecordGapTrends(ctx context.Context, userID string, gaps []memory.GapTrend) error
}

// Deps are the collaborators of a Runner. Lookup may be nil.
type Deps struct {
	Saver      *checkpoint.Saver
	Classifier Classifier
	Catalog    Resolver
	Gaps       GapAnalyzer
	Lookup     knowledge.Lookup
	Chat       Chatter
	Composer   *composer.Composer
	Memory     LearnerMemory
}

// Config tunes routing and execution. Zero values take defaults.
type Config struct {
	// Model answers explanation and exploration messages.
	Model string
	// LowConfidence is the exploration confidence under which the direct
	// path is taken.
	LowConfidence float64
	TopK          int
	StepTimeout   time.Duration
	// RetryBudget is how many upstream failures per turn are retried.
	RetryBudget int
	// GapIterations overrides the gap analysis iteration cap when positive.
	GapIterations int
}

func (c Config) withDefaults() Config {
	if c.LowConfidence <= 0 {
		c.LowConfidence = DefaultLowConfidence
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 60 * time.Second
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 1
	}
	return c
}

// Runner executes conversation turns. Turns of the same thread run one at a
// time; distinct threads run concurrently.
type Runner struct {
	deps  Deps
	cfg   Config
	locks *threadLocks
}

// NewRunner creates a Runner and registers its state types with the saver's
// codec.
func NewRunner(deps Deps, cfg Config) *Runner {
	RegisterTypes(deps.Saver.Codec())
	if deps.Composer == nil {
		deps.Composer = composer.New(0)
	}
	return &Runner{deps: deps, cfg: cfg.withDefaults(), locks: newThreadLocks()}
}

// Run answers in.Message as the next turn of in.ThreadID. History and the
// educational context carry over from the thread's latest checkpoint. The
// returned error is non-nil only when the turn was cancelled or its terminal
// state could not be persisted; every other failure ends in an apology in
// State.Response.
func (r *Runner) Run(ctx context.Context, in Input, progress flow.Progress) (*State, error) {
	if in.ThreadID == "" {
		return nil, flow.Errorf(flow.KindValidation, "", "thread id is required")
	}
	unlock := r.locks.lock(in.ThreadID)
	defer unlock()

	userID := in.UserID
	if userID == "" {
		userID = anonymousUser
	}
	if err := memory.ValidateUserID(userID); err != nil {
		return nil, flow.Wrap(flow.KindValidation, "", err)
	}
	s := &State{ThreadID: in.ThreadID, UserID: userID, Turn: 1, Message: in.Message}

	var prev checkpoint.Versions
	cp, err := r.deps.Saver.GetLatest(ctx, in.ThreadID)
	switch {
	case err == nil:
		prev = cp.Versions
		if last, ok := cp.State.(*State); ok {
			s.Turn = last.Turn + 1
			s.History = last.History
			s.Context = last.Context
		} else {
			slog.Warn("latest checkpoint is not a conversation state", "thread", in.ThreadID, "type", fmt.Sprintf("%T", cp.State))
			s.Turn = cp.Metadata.Turn + 1
		}
	case errors.Is(err, checkpoint.ErrNotFound):
	default:
		return nil, flow.Wrap(flow.KindPersistence, "", err)
	}

	rec := r.deps.Saver.NewRecorder(in.ThreadID, WorkflowName, s.Turn, prev)
	return s, r.run(ctx, rec, s, "", progress)
}

// Resume continues the turn recorded in threadID from the step after its
// latest checkpoint. A finished turn is returned as is.
func (r *Runner) Resume(ctx context.Context, threadID string, progress flow.Progress) (*State, error) {
	unlock := r.locks.lock(threadID)
	defer unlock()

	cp, err := r.deps.Saver.GetLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	s, ok := cp.State.(*State)
	if !ok || cp.Metadata.Workflow != WorkflowName {
		return nil, fmt.Errorf("thread %s does not hold a conversation", threadID)
	}
	if cp.Metadata.Next == flow.End {
		return s, nil
	}
	rec := r.deps.Saver.NewRecorder(threadID, WorkflowName, cp.Metadata.Turn, cp.Versions)
	return s, r.run(ctx, rec, s, cp.Metadata.Next, progress)
}

// Latest returns the thread's newest conversation state.
func (r *Runner) Latest(ctx context.Context, threadID string) (*State, checkpoint.Summary, error) {
	cp, err := r.deps.Saver.GetLatest(ctx, threadID)
	if err != nil {
		return nil, checkpoint.Summary{}, err
	}
	s, ok := cp.State.(*State)
	if !ok {
		return nil, cp.Summary, fmt.Errorf("thread %s does not hold a conversation", threadID)
	}
	return s, cp.Summary, nil
}

func (r *Runner) run(ctx context.Context, rec *checkpoint.Recorder, s *State, from string, progress flow.Progress) error {
	t := &turn{r: r, progress: progress}
	g := flow.NewGraph(WorkflowName, StepClassify, StepError, 12,
		flow.Step[State]{Name: StepClassify, Describe: "Understanding your question", Run: t.classify},
		flow.Step[State]{Name: StepRoute, Run: t.route},
		flow.Step[State]{Name: StepExecute, Run: t.execute},
		flow.Step[State]{Name: StepSynthesize, Describe: "Writing the answer", Run: t.synthesize},
		flow.Step[State]{Name: StepMemory, Run: t.updateMemory},
		flow.Step[State]{Name: StepError, Run: t.handleError},
	)
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
		Progress: t.emit,
	})
	if err != nil {
		slog.Error("conversation turn aborted", "thread", s.ThreadID, "turn", s.Turn, "error", err)
	}
	return err
}
