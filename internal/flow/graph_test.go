package flow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

type testState struct {
	Visited []string
	Counter int
	Failed  string
	Kind    Kind
}

func visit(name, next string) Step[testState] {
	return Step[testState]{
		Name:     name,
		Describe: "doing " + name,
		Run: func(_ context.Context, s *testState) (string, error) {
			s.Visited = append(s.Visited, name)
			return next, nil
		},
	}
}

func recordFail(s *testState, step string, err error) {
	s.Failed = step
	s.Kind = KindOf(err)
}

func TestRun_FollowsEdgesAndCheckpointsEachStep(t *testing.T) {
	g := NewGraph("test", "a", "oops", 10,
		visit("a", "b"),
		visit("b", End),
		visit("oops", End),
	)

	var checkpoints []string
	var progress []string
	var s testState
	err := g.Run(context.Background(), &s, "", Hooks[testState]{
		Checkpoint: func(_ context.Context, step, next string, _ *testState) error {
			checkpoints = append(checkpoints, step+"->"+next)
			return nil
		},
		Progress: func(m string) { progress = append(progress, m) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if want := []string{"a", "b"}; !reflect.DeepEqual(s.Visited, want) {
		t.Errorf("visited = %v, want %v", s.Visited, want)
	}
	if want := []string{"a->b", "b->" + End}; !reflect.DeepEqual(checkpoints, want) {
		t.Errorf("checkpoints = %v, want %v", checkpoints, want)
	}
	if want := []string{"doing a", "doing b"}; !reflect.DeepEqual(progress, want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
}

func TestRun_StepErrorRoutesToErrorStep(t *testing.T) {
	failing := Step[testState]{
		Name: "a",
		Run: func(_ context.Context, s *testState) (string, error) {
			s.Counter = 42
			return "b", Errorf(KindParse, "", "bad json")
		},
	}
	g := NewGraph("test", "a", "oops", 10, failing, visit("b", End), visit("oops", End))

	var checkpoints []string
	var s testState
	err := g.Run(context.Background(), &s, "", Hooks[testState]{
		Checkpoint: func(_ context.Context, step, next string, _ *testState) error {
			checkpoints = append(checkpoints, step+"->"+next)
			return nil
		},
		Fail: recordFail,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Failed != "a" || s.Kind != KindParse {
		t.Errorf("failure recorded as %q/%q", s.Failed, s.Kind)
	}
	if s.Counter != 42 {
		t.Errorf("partial result lost: counter = %d", s.Counter)
	}
	if want := []string{"oops"}; !reflect.DeepEqual(s.Visited, want) {
		t.Errorf("visited = %v, want %v", s.Visited, want)
	}
	if want := []string{"a->oops", "oops->" + End}; !reflect.DeepEqual(checkpoints, want) {
		t.Errorf("checkpoints = %v, want %v", checkpoints, want)
	}
}

func TestRun_CheckpointFailureIsPersistenceError(t *testing.T) {
	g := NewGraph("test", "a", "oops", 10, visit("a", "b"), visit("b", End), visit("oops", End))

	var s testState
	err := g.Run(context.Background(), &s, "", Hooks[testState]{
		Checkpoint: func(_ context.Context, step, _ string, _ *testState) error {
			if step == "a" {
				return errors.New("disk full")
			}
			return nil
		},
		Fail: recordFail,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Kind != KindPersistence {
		t.Errorf("kind = %q, want persistence", s.Kind)
	}
	if want := []string{"a", "oops"}; !reflect.DeepEqual(s.Visited, want) {
		t.Errorf("visited = %v, want %v (b must not run after a lost checkpoint)", s.Visited, want)
	}
}

func TestRun_ErrorStepCheckpointFailureReturnsError(t *testing.T) {
	g := NewGraph("test", "a", "oops", 10, visit("a", End), visit("oops", End))

	var s testState
	err := g.Run(context.Background(), &s, "", Hooks[testState]{
		Checkpoint: func(context.Context, string, string, *testState) error {
			return errors.New("store down")
		},
		Fail: recordFail,
	})
	if !Is(err, KindPersistence) {
		t.Fatalf("err = %v, want persistence error", err)
	}
}

func TestRun_ResumesFromGivenStep(t *testing.T) {
	g := NewGraph("test", "a", "oops", 10, visit("a", "b"), visit("b", "c"), visit("c", End), visit("oops", End))

	var s testState
	if err := g.Run(context.Background(), &s, "b", Hooks[testState]{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"b", "c"}; !reflect.DeepEqual(s.Visited, want) {
		t.Errorf("visited = %v, want %v", s.Visited, want)
	}
}

func TestRun_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := Step[testState]{
		Name: "a",
		Run: func(_ context.Context, s *testState) (string, error) {
			s.Visited = append(s.Visited, "a")
			cancel()
			return "b", nil
		},
	}
	g := NewGraph("test", "a", "oops", 10, first, visit("b", End), visit("oops", End))

	var s testState
	err := g.Run(ctx, &s, "", Hooks[testState]{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(s.Visited) != 1 {
		t.Errorf("visited = %v, want only a", s.Visited)
	}
}

func TestRun_MaxStepsGuard(t *testing.T) {
	g := NewGraph("test", "a", "oops", 5, visit("a", "a"), visit("oops", End))

	var s testState
	err := g.Run(context.Background(), &s, "", Hooks[testState]{})
	if err == nil {
		t.Fatal("expected error for runaway cycle")
	}
	if len(s.Visited) != 5 {
		t.Errorf("ran %d steps, want 5", len(s.Visited))
	}
}

func TestRun_UnknownStep(t *testing.T) {
	g := NewGraph("test", "a", "oops", 5, visit("a", "missing"), visit("oops", End))
	var s testState
	if err := g.Run(context.Background(), &s, "", Hooks[testState]{}); err == nil {
		t.Fatal("expected error for unknown step")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", Errorf(KindValidation, "s", "empty"), KindValidation},
		{"wrapped classified", fmt.Errorf("outer: %w", Errorf(KindParse, "s", "x")), KindParse},
		{"deadline", fmt.Errorf("chat: %w", context.DeadlineExceeded), KindUpstream},
		{"plain", errors.New("x"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrap_KeepsExistingKind(t *testing.T) {
	inner := Errorf(KindUpstream, "", "timeout")
	err := Wrap(KindPersistence, "analyze_gaps", inner)
	if KindOf(err) != KindUpstream {
		t.Errorf("kind = %q, want upstream", KindOf(err))
	}
	info := Info("ignored", err)
	if info.Step != "analyze_gaps" {
		t.Errorf("info step = %q, want analyze_gaps", info.Step)
	}
	if Wrap(KindParse, "x", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}
