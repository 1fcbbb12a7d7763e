package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyClaimed is returned when a request is not PENDING anymore,
	// typically because the change feed redelivered an event
	ErrAlreadyClaimed = errors.New("publish request already claimed or not in PENDING status")

	// ErrNotRunning is returned when a terminal write finds the request outside RUNNING
	ErrNotRunning = errors.New("publish request not in RUNNING status")
)

// ValidationError reports a malformed or incomplete publish request
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a new validation error for field
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing credential record
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// TransientError wraps feed, store and network failures. A fresh pipeline run
// may succeed, but nothing retries it automatically.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient error
func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// DispatchError carries the external publish operation's failure detail verbatim
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return "dispatch error: " + e.Err.Error()
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a new dispatch error
func NewDispatchError(err error) error {
	return &DispatchError{Err: err}
}

// KindOf maps an error to the kind recorded against the request.
// Unclassified errors are treated as transient.
func KindOf(err error) string {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		dispatchErr   *DispatchError
	)
	switch {
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.As(err, &dispatchErr):
		return KindDispatch
	default:
		return KindTransient
	}
}
