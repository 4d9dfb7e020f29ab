package planner

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is matched by every planning-time validation failure.
var ErrInvalidRequest = errors.New("invalid workflow request")

// RequestError describes a structurally invalid request. No stage runs for such a request.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidRequest) match any RequestError.
func (e *RequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func invalid(field, format string, args ...any) error {
	return &RequestError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
