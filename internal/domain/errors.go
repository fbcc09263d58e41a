package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors that can occur during an optimization run.
var (
	// ErrInvalidState indicates a scene state that cannot be used, such as
	// one containing non-finite values.
	ErrInvalidState = errors.New("invalid state")

	// ErrPipelineIntegrity is the sentinel every PipelineIntegrityError matches.
	ErrPipelineIntegrity = errors.New("pipeline integrity violated")

	// ErrInvalidConfiguration indicates that configuration is invalid or incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// maxPayloadLen bounds how much of an offending payload a ValidationError keeps.
const maxPayloadLen = 500

// ValidationError represents an error that occurred during validation.
// It can contain multiple validation failures.
type ValidationError struct {
	// Entity is the name of the entity that failed validation.
	Entity string

	// Errors contains the list of validation error messages.
	Errors []string

	// Payload holds the offending input, truncated for logging.
	Payload string

	// Err optionally classifies the failure for errors.Is checks.
	Err error
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	}
	return fmt.Sprintf("validation errors for %s: %v", e.Entity, e.Errors)
}

// Unwrap returns the classifying error, if any.
func (e *ValidationError) Unwrap() error { return e.Err }

// AddError adds a new error message to the validation error.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// HasErrors returns true if there are any validation errors.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// WithPayload records the offending payload, truncated.
func (e *ValidationError) WithPayload(payload string) *ValidationError {
	e.Payload = Truncate(payload, maxPayloadLen)
	return e
}

// NewValidationError creates a new ValidationError for the given entity.
func NewValidationError(entity string) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Errors: make([]string, 0),
	}
}

// PipelineIntegrityError reports a renderer/optimizer mismatch that makes
// further oracle calls pointless: a missing binding, an incomplete capture
// set, or a write that did not take effect. It is always fatal to a run.
type PipelineIntegrityError struct {
	Reason   string
	Entity   string
	Expected *Transform
	Actual   *Transform
	Bindings []string
}

// Error implements the error interface for PipelineIntegrityError.
func (e *PipelineIntegrityError) Error() string {
	var b strings.Builder
	b.WriteString("pipeline integrity: ")
	b.WriteString(e.Reason)
	if e.Entity != "" {
		fmt.Fprintf(&b, " (entity=%s)", e.Entity)
	}
	if e.Expected != nil && e.Actual != nil {
		fmt.Fprintf(&b, " expected=%+v actual=%+v", *e.Expected, *e.Actual)
	}
	return b.String()
}

// Is matches ErrPipelineIntegrity.
func (e *PipelineIntegrityError) Is(target error) bool { return target == ErrPipelineIntegrity }

// NewPipelineIntegrityError creates a PipelineIntegrityError.
func NewPipelineIntegrityError(reason, entity string, bindings []string) *PipelineIntegrityError {
	return &PipelineIntegrityError{Reason: reason, Entity: entity, Bindings: bindings}
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
