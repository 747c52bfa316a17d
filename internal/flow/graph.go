// Package flow runs workflows expressed as named steps joined by explicit
// edges. Each step returns the name of the next one; a checkpoint hook runs
// after every step so a run can be resumed from the recorded next step.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tutor/internal/metrics"
)

// End is the pseudo-step that terminates a run.
const End = "__end__"

// Progress receives a human-readable line each time a step starts.
type Progress func(message string)

// Emit calls p if it is set.
func (p Progress) Emit(message string) {
	if p != nil && message != "" {
		p(message)
	}
}

// Step is one state of a workflow.
type Step[S any] struct {
	Name string
	// Describe is sent to the progress sink when the step starts.
	Describe string
	Run      func(ctx context.Context, s *S) (next string, err error)
}

// Hooks connect a run to persistence and the caller.
type Hooks[S any] struct {
	// Checkpoint persists s after step ran. next is where the run goes
	// from here. An error aborts the step.
	Checkpoint func(ctx context.Context, step, next string, s *S) error
	// Fail records err in s before control moves to the error step.
	Fail     func(s *S, step string, err error)
	Progress Progress
}

// Graph is an immutable set of steps with a designated entry and error
// step.
type Graph[S any] struct {
	name      string
	entry     string
	errorStep string
	maxSteps  int
	steps     map[string]Step[S]
}

// NewGraph creates a graph. maxSteps guards against edges that cycle
// without a bound; it should exceed the longest legitimate run.
func NewGraph[S any](name, entry, errorStep string, maxSteps int, steps ...Step[S]) *Graph[S] {
	g := &Graph[S]{
		name:      name,
		entry:     entry,
		errorStep: errorStep,
		maxSteps:  maxSteps,
		steps:     make(map[string]Step[S], len(steps)),
	}
	for _, st := range steps {
		g.steps[st.Name] = st
	}
	return g
}

// Name returns the workflow name.
func (g *Graph[S]) Name() string { return g.name }

// Entry returns the first step.
func (g *Graph[S]) Entry() string { return g.entry }

// Has reports whether step exists.
func (g *Graph[S]) Has(step string) bool {
	_, ok := g.steps[step]
	return ok
}

// Run executes steps starting at from (the entry step when empty) until a
// step returns End. Step errors are recorded through hooks.Fail and routed
// to the error step. A failed checkpoint write is routed the same way as a
// persistence error; if the error step cannot be checkpointed either, Run
// returns that error. Context cancellation between steps stops the run and
// leaves the last checkpoint pointing at the step that did not run.
func (g *Graph[S]) Run(ctx context.Context, s *S, from string, hooks Hooks[S]) error {
	node := from
	if node == "" {
		node = g.entry
	}
	logger := slog.Default().With("workflow", g.name)

	for steps := 0; node != End; steps++ {
		if steps >= g.maxSteps {
			return fmt.Errorf("%s: exceeded %d steps", g.name, g.maxSteps)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		st, ok := g.steps[node]
		if !ok {
			return fmt.Errorf("%s: unknown step %q", g.name, node)
		}

		hooks.Progress.Emit(st.Describe)
		start := time.Now()
		next, err := st.Run(ctx, s)
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
		}
		metrics.StepDuration.WithLabelValues(g.name, node, outcome).Observe(time.Since(start).Seconds())

		if err != nil {
			if node == g.errorStep {
				return fmt.Errorf("%s: error step failed: %w", g.name, err)
			}
			logger.Warn("step failed", "step", node, "kind", KindOf(err), "error", err)
			if hooks.Fail != nil {
				hooks.Fail(s, node, err)
			}
			next = g.errorStep
		}
		logger.Debug("step done", "step", node, "next", next)

		if hooks.Checkpoint != nil {
			if cerr := hooks.Checkpoint(ctx, node, next, s); cerr != nil {
				perr := Wrap(KindPersistence, node, cerr)
				metrics.CheckpointWrites.WithLabelValues(g.name, "error").Inc()
				if node == g.errorStep {
					return perr
				}
				logger.Error("checkpoint failed", "step", node, "error", cerr)
				if hooks.Fail != nil {
					hooks.Fail(s, node, perr)
				}
				node = g.errorStep
				continue
			}
			metrics.CheckpointWrites.WithLabelValues(g.name, "ok").Inc()
		}
		node = next
	}
	return nil
}
