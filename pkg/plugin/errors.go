package plugin

import (
	"errors"
	"fmt"
)

// ErrorKind classifies plugin lifecycle failures.
type ErrorKind string

const (
	// ErrKindDuplicateID means two plugins declared the same id.
	ErrKindDuplicateID ErrorKind = "duplicate-id"
	// ErrKindUnknownDependency means a plugin depends on an id that is not
	// registered or is disabled.
	ErrKindUnknownDependency ErrorKind = "unknown-dependency"
	// ErrKindCyclicDependency means the dependency graph contains a cycle.
	ErrKindCyclicDependency ErrorKind = "cyclic-dependency"
	// ErrKindInitFailure means a plugin's Init returned an error.
	ErrKindInitFailure ErrorKind = "initialization-failure"
)

// PluginError carries the failing plugin id and the failure class.
type PluginError struct {
	Kind     ErrorKind
	PluginID string
	Msg      string
	Err      error
}

func (e *PluginError) Error() string {
	s := fmt.Sprintf("plugin %s: %s", e.PluginID, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *PluginError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *PluginError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *PluginError
	return errors.As(err, &pe) && pe.Kind == kind
}
