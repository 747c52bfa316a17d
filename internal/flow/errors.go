package flow

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies workflow failures.
type Kind string

const (
	// KindValidation: required input missing or too short.
	KindValidation Kind = "validation"
	// KindUpstream: LLM or knowledge lookup timeout, transport failure or non-2xx.
	KindUpstream Kind = "upstream"
	// KindParse: a response did not contain JSON of the expected shape.
	KindParse Kind = "parse"
	// KindPersistence: the store was unavailable or rejected a write.
	KindPersistence Kind = "persistence"
	// KindIterationExhausted: the feedback loop hit its cap. Not fatal.
	KindIterationExhausted Kind = "iteration_exhausted"
	// KindInternal covers anything unclassified.
	KindInternal Kind = "internal"
)

// Error is a classified failure raised by a workflow step.
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s in %s: %v", e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. A nil err returns nil; an err that is already an
// *Error keeps its kind and gains a step if it had none.
func Wrap(kind Kind, step string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Step == "" {
			return &Error{Kind: fe.Kind, Step: step, Err: fe.Err}
		}
		return err
	}
	return &Error{Kind: kind, Step: step, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, step, format string, args ...interface{}) error {
	return &Error{Kind: kind, Step: step, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err. Deadline overruns count as upstream
// failures since they come from bounded calls to the LLM or knowledge base.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstream
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrorInfo is the serializable form of a step failure kept in workflow
// state for diagnostics.
type ErrorInfo struct {
	Kind   Kind   `json:"kind"`
	Step   string `json:"step"`
	Detail string `json:"detail"`
}

// Info converts err into an ErrorInfo.
func Info(step string, err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: KindOf(err), Step: step, Detail: err.Error()}
	var fe *Error
	if errors.As(err, &fe) && fe.Step != "" {
		info.Step = fe.Step
	}
	return info
}
