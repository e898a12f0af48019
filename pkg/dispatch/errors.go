package dispatch

import (
	"errors"
	"fmt"
)

// ErrorKind classifies task dispatch failures.
type ErrorKind string

const (
	// ErrKindValidation means the request or task failed schema validation.
	// Validation errors are synchronous and never retried.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindTimeout means a single attempt exceeded its timeout.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindRetriesExhausted means every allowed attempt failed.
	ErrKindRetriesExhausted ErrorKind = "retries-exhausted"
	// ErrKindUnknownPlan means no orchestration plan is registered under the
	// requested type.
	ErrKindUnknownPlan ErrorKind = "unknown-plan-type"
	// ErrKindCancelled means the task was cancelled before completion.
	ErrKindCancelled ErrorKind = "cancelled"
)

// TaskError carries the failing task id and the failure class.
type TaskError struct {
	Kind   ErrorKind
	TaskID string
	Msg    string
	Err    error
}

func (e *TaskError) Error() string {
	s := string(e.Kind)
	if e.TaskID != "" {
		s = fmt.Sprintf("task %s: %s", e.TaskID, e.Kind)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *TaskError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *TaskError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Kind == kind
}
