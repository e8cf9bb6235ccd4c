package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	// ErrDefinitionNotFound is returned when a dataset definition does not exist.
	ErrDefinitionNotFound = errors.New("dataset definition not found")
	// ErrStudyNotFound is returned when a study does not exist.
	ErrStudyNotFound = errors.New("study not found")
	// ErrRowNotFound is returned when no row carries the requested identity.
	ErrRowNotFound = errors.New("row not found")
	// ErrDuplicateRow is returned when a row identity already exists.
	ErrDuplicateRow = errors.New("duplicate row")
	// ErrIncompatibleTimepointModel marks a disallowed timepoint transition.
	ErrIncompatibleTimepointModel = errors.New("incompatible timepoint model")
	// ErrMissingKeyColumn marks a tabular source lacking a key column.
	ErrMissingKeyColumn = errors.New("missing key column")
)

// ErrNotFound is returned when reference validation fails within transactional helpers.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	msgs := e.Result.Messages()
	if len(msgs) == 0 {
		return "transaction blocked by rules"
	}
	return "transaction blocked by rules: " + strings.Join(msgs, "; ")
}

// ValidationError aggregates every problem found while validating one request.
// Error renders the problems newline-joined in the order they were found.
type ValidationError struct {
	err error
}

// Append records a problem. Nil problems are ignored.
func (v *ValidationError) Append(problem error) {
	v.err = multierr.Append(v.err, problem)
}

// Appendf records a formatted problem.
func (v *ValidationError) Appendf(format string, args ...any) {
	v.Append(fmt.Errorf(format, args...))
}

// Empty reports whether no problem has been recorded.
func (v *ValidationError) Empty() bool { return v == nil || v.err == nil }

// Problems returns the individual problems.
func (v *ValidationError) Problems() []error { return multierr.Errors(v.err) }

// Messages returns the problem messages in order.
func (v *ValidationError) Messages() []string {
	problems := v.Problems()
	out := make([]string, 0, len(problems))
	for _, p := range problems {
		out = append(out, p.Error())
	}
	return out
}

// Err returns nil when empty so callers can `return v.Err()`.
func (v *ValidationError) Err() error {
	if v.Empty() {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	return strings.Join(v.Messages(), "\n")
}

// Unwrap exposes the aggregated problems to errors.Is and errors.As.
func (v *ValidationError) Unwrap() []error { return v.Problems() }

// StorageError wraps a transaction or IO fault so callers can tell system
// failures apart from invalid input.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage wraps err as a StorageError unless it is nil or already one.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// WrapUnexpected passes input and policy errors through unchanged and wraps
// everything else as a StorageError, so callers can tell "your input was
// wrong" apart from "the system failed".
func WrapUnexpected(op string, err error) error {
	if err == nil {
		return nil
	}
	var verr *ValidationError
	var rv RuleViolationError
	var nf ErrNotFound
	var tp *TimepointTransitionError
	switch {
	case errors.As(err, &verr), errors.As(err, &rv), errors.As(err, &nf), errors.As(err, &tp),
		errors.Is(err, ErrDefinitionNotFound), errors.Is(err, ErrStudyNotFound),
		errors.Is(err, ErrRowNotFound), errors.Is(err, ErrDuplicateRow),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return WrapStorage(op, err)
}
