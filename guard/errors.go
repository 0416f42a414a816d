package guard

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMethod      = errors.New("unknown method")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrDuplicateCommandID = errors.New("duplicate command id")
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("policy changed concurrently")
	ErrQueueClosed        = errors.New("approval queue is closed")
)

// ValidationError reports a malformed policy or permissions draft.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func validationf(field string, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
