package detection

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrDuplicatePattern  = errors.New("pattern already registered")
	ErrInvalidMatcher    = errors.New("matcher does not compile")
	ErrInvalidThreshold  = errors.New("threshold must be at least 1")
	ErrInvalidCondition  = errors.New("invalid condition")
	ErrInvalidDefinition = errors.New("invalid pattern definition")
	ErrEngineClosed      = errors.New("detection engine is closed")
	ErrEnginePanic       = errors.New("detection engine request panicked")
)

// ValidationError rejects a pattern before it reaches the registry. A
// rejected pattern is never partially applied.
type ValidationError struct {
	Pattern string
	Field   string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("pattern %q", e.Pattern)
	if e.Field != "" {
		msg += fmt.Sprintf(" field %s", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(pattern, field string, cause error, reason string, args ...any) *ValidationError {
	return &ValidationError{
		Pattern: pattern,
		Field:   field,
		Reason:  fmt.Sprintf(reason, args...),
		Err:     cause,
	}
}
