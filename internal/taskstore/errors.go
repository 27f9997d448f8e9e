package taskstore

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("task not found")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation failed"
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	if e == nil {
		return "conflict"
	}
	return e.Reason
}

func NewConflictError(reason string) *ConflictError {
	return &ConflictError{Reason: reason}
}
