package domain

import (
	"errors"
	"fmt"
)

// Error types for consistent error handling across the tracker.

// ErrAuthUnresolved is returned when an operation needs a principal while
// the session is still being resolved. Queries never surface it: they
// report a loading entry instead.
var ErrAuthUnresolved = errors.New("authentication state not settled yet")

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrRemoteQueryFailed is stored on a cache entry whose fetch failed.
type ErrRemoteQueryFailed struct {
	Collection Collection
	Err        error
}

func (e *ErrRemoteQueryFailed) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Collection, e.Err)
}

func (e *ErrRemoteQueryFailed) Unwrap() error {
	return e.Err
}

// ErrRemoteMutationFailed is returned by a write the backend rejected.
// The cache is untouched when this is returned.
type ErrRemoteMutationFailed struct {
	Collection Collection
	Operation  string
	Err        error
}

func (e *ErrRemoteMutationFailed) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Operation, e.Collection, e.Err)
}

func (e *ErrRemoteMutationFailed) Unwrap() error {
	return e.Err
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrUnauthorized indicates invalid credentials or no session.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrConflict indicates a resource already exists (e.g. duplicate category name).
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}
