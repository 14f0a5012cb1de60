package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the flow engine.
var (
	ErrUnknownKind          = errors.New("unknown node kind")
	ErrUnknownNodeReference = errors.New("unknown node reference")
	ErrInvalidFlow          = errors.New("invalid flow")
	ErrInvalidLabel         = errors.New("invalid label")
	ErrInvalidEntityID      = errors.New("invalid entity id")
	ErrInvalidNodeData      = errors.New("invalid node data")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
