package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrTerminalDelivery  = errors.New("terminal delivery failure")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
)

// ValidationError lists offending fields. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Transient marks err as retryable by the queue.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientDelivery, err)
}
