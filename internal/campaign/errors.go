package campaign

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a campaign does not exist for the tenant
	ErrNotFound = errors.New("campaign not found")

	// ErrValidation wraps all campaign definition errors
	ErrValidation = errors.New("validation error")
)

// ValidationError describes an invalid campaign definition
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// TransitionError is returned for a status change outside the transition table
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// ErrInvalidTransition matches any *TransitionError with errors.Is
var ErrInvalidTransition = &TransitionError{}

func (e *TransitionError) Is(target error) bool {
	_, ok := target.(*TransitionError)
	return ok
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
