package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	// ErrInvalidOrder is matched by every order ValidationError.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrMissingParameter is matched by every MissingParameterError.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("not found")
)

// ValidationError indicates bad input. No state was mutated.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Is makes errors.Is(err, ErrInvalidOrder) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidOrder
}

// MissingParameterError is a caller contract violation on an endpoint with
// required parameters. It is never retryable.
type MissingParameterError struct {
	Parameters []string
}

// Error implements the error interface.
func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter(s): %s", strings.Join(e.Parameters, ", "))
}

// Is makes errors.Is(err, ErrMissingParameter) true.
func (e *MissingParameterError) Is(target error) bool {
	return target == ErrMissingParameter
}

// NotFoundError indicates a referenced entity is absent.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// TransientDeliveryFailure indicates a queue or push send failed in a way
// that a later attempt may fix.
type TransientDeliveryFailure struct {
	Target string
	Err    error
}

// Error implements the error interface.
func (e *TransientDeliveryFailure) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientDeliveryFailure) Unwrap() error {
	return e.Err
}

// PoisonMessage records that a message exhausted its retry budget.
type PoisonMessage struct {
	MessageID string
	Attempts  int
	LastError string
}

// Error implements the error interface.
func (e *PoisonMessage) Error() string {
	return fmt.Sprintf("message %s quarantined after %d attempts: %s", e.MessageID, e.Attempts, e.LastError)
}
