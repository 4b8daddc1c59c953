package domain

import (
	"errors"
	"fmt"
)

// ErrorClass partitions stage failures into retryable and non-retryable.
type ErrorClass string

const (
	// ErrTransient covers resource exhaustion, timeouts and transient I/O;
	// the Scheduler retries these up to the configured attempt bound.
	ErrTransient ErrorClass = "transient"
	// ErrDeterministic covers malformed input, invalid parameter
	// combinations and algorithm convergence failures; never retried.
	ErrDeterministic ErrorClass = "deterministic"
)

// ConfigError is a fatal configuration problem detected at load time.
type ConfigError struct {
	Section string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config [%s]: %s", e.Section, e.Reason)
}

// DuplicateDatasetError is recoverable and scoped to a single dataset: the
// Watcher refuses to re-ingest it, other datasets are unaffected.
type DuplicateDatasetError struct {
	Dataset string
}

func (e *DuplicateDatasetError) Error() string {
	return fmt.Sprintf("dataset %s is already registered", e.Dataset)
}

// StageError is the classified outcome of a failed stage execution.
type StageError struct {
	Stage Stage
	Class ErrorClass
	Msg   string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Msg)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewTransientStageError builds a retryable stage failure.
func NewTransientStageError(stage Stage, msg string, err error) *StageError {
	return &StageError{Stage: stage, Class: ErrTransient, Msg: msg, Err: err}
}

// NewDeterministicStageError builds a non-retryable stage failure.
func NewDeterministicStageError(stage Stage, msg string, err error) *StageError {
	return &StageError{Stage: stage, Class: ErrDeterministic, Msg: msg, Err: err}
}

// IsTransient reports whether err classifies as retryable. Unclassified
// errors are treated as deterministic so unknown failures never loop.
func IsTransient(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Class == ErrTransient
	}
	return false
}

// ErrResourceExhausted signals that the Dispatcher could not grant a slot
// within its bound. It surfaces as a scheduling delay, not a dataset failure.
var ErrResourceExhausted = errors.New("resource slots exhausted")

// ErrNotFound signals an unknown dataset identity.
var ErrNotFound = errors.New("dataset not found")
