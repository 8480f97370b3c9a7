// Package engerr defines the engine's error taxonomy. Errors are values,
// not exceptions: every public operation in this module returns (T, error)
// and partial failure of one model never unwinds the stack for another.
package engerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	// KindUnknown is never returned by this package; it is the zero value
	// guard against an uninitialised Error.
	KindUnknown Kind = iota

	// Recoverable kinds: a single model failed, the run continues.
	KindModelExecutionFailure
	KindTransientDriverFailure
	KindQueryTimeout

	// Non-recoverable kinds: the run aborts.
	KindConfigurationError
	KindCycleError
	KindMissingModelError
	KindMissingVariableError

	// Warning kinds: logged, never fatal.
	KindParseWarning
	KindLineageWarning
	KindDeleteFailure
)

func (k Kind) String() string {
	switch k {
	case KindModelExecutionFailure:
		return "ModelExecutionFailure"
	case KindTransientDriverFailure:
		return "TransientDriverFailure"
	case KindQueryTimeout:
		return "QueryTimeout"
	case KindConfigurationError:
		return "ConfigurationError"
	case KindCycleError:
		return "CycleError"
	case KindMissingModelError:
		return "MissingModelError"
	case KindMissingVariableError:
		return "MissingVariableError"
	case KindParseWarning:
		return "ParseWarning"
	case KindLineageWarning:
		return "LineageWarning"
	case KindDeleteFailure:
		return "DeleteFailure"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether a run should continue past an error of this kind.
func (k Kind) Recoverable() bool {
	switch k {
	case KindModelExecutionFailure, KindTransientDriverFailure, KindQueryTimeout,
		KindParseWarning, KindLineageWarning, KindDeleteFailure:
		return true
	default:
		return false
	}
}

// Warning reports whether an error of this kind is a logged, non-fatal notice.
func (k Kind) Warning() bool {
	switch k {
	case KindParseWarning, KindLineageWarning, KindDeleteFailure:
		return true
	default:
		return false
	}
}

// Error carries structured context alongside a taxonomy Kind, per the
// fields spec.md §7 requires on every propagated error.
type Error struct {
	Kind        Kind
	Operation   string
	ModelName   string
	SQLFragment string
	DriverErr   error
	RetryCount  int
	msg         string
	cause       error
}

// New builds an Error of the given kind with a human-readable message.
func New(kind Kind, operation, msg string) *Error {
	return &Error{Kind: kind, Operation: operation, msg: msg}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, operation string, cause error) *Error {
	return &Error{Kind: kind, Operation: operation, cause: cause}
}

// WithModel attaches the model name this error pertains to.
func (e *Error) WithModel(name string) *Error {
	e.ModelName = name
	return e
}

// WithSQL attaches the offending SQL fragment (trimmed by the caller as needed).
func (e *Error) WithSQL(fragment string) *Error {
	e.SQLFragment = fragment
	return e
}

// WithDriverErr attaches the raw driver-level error that triggered this one.
func (e *Error) WithDriverErr(err error) *Error {
	e.DriverErr = err
	return e
}

// WithRetryCount records how many retries had been attempted when this error surfaced.
func (e *Error) WithRetryCount(n int) *Error {
	e.RetryCount = n
	return e
}

func (e *Error) Error() string {
	base := e.msg
	if base == "" && e.cause != nil {
		base = e.cause.Error()
	}

	s := fmt.Sprintf("%s: %s", e.Kind, base)
	if e.Operation != "" {
		s = fmt.Sprintf("%s (operation=%s", s, e.Operation)
	} else {
		return s
	}

	if e.ModelName != "" {
		s += fmt.Sprintf(", model=%s", e.ModelName)
	}

	if e.RetryCount > 0 {
		s += fmt.Sprintf(", retries=%d", e.RetryCount)
	}

	s += ")"

	return s
}

func (e *Error) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}

	return e.DriverErr
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, &engerr.Error{Kind: engerr.KindCycleError}) matches any
// *Error of that kind; OfKind is the shorter helper for the same check,
// since Kind alone isn't an error value.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return e.Kind == other.Kind
}

// OfKind reports whether err is an *Error of the given kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == kind
}
