package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks unknown agents, channels, spawns or handoffs.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks malformed input and illegal state changes.
	ErrValidation = errors.New("validation error")
	// ErrTransientLaunch marks a process start failure worth one retry.
	ErrTransientLaunch = errors.New("transient launch error")
	// ErrCorrelationMiss marks a spawn whose session artifact was not found.
	ErrCorrelationMiss = errors.New("correlation miss")
	// ErrTimeout marks a blocking wait that exceeded its bound.
	ErrTimeout = errors.New("timed out")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Ref)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotFound builds a NotFoundError.
func NotFound(kind, ref string) error {
	return &NotFoundError{Kind: kind, Ref: ref}
}

// ValidationError carries a user-facing validation message.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TransientLaunchError wraps a process start failure.
type TransientLaunchError struct {
	Executable string
	Err        error
}

func (e *TransientLaunchError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Executable, e.Err)
}

func (e *TransientLaunchError) Unwrap() error {
	return e.Err
}

func (e *TransientLaunchError) Is(target error) bool {
	return target == ErrTransientLaunch
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
