package ports

import (
	"errors"
	"fmt"
	"time"
)

// Common infrastructure errors that can occur during external service
// interactions. Each FailureKind has a matching sentinel so callers can use
// errors.Is without inspecting OracleError directly.
var (
	// ErrMissingCredentials indicates that no credential was configured; no
	// network call was attempted.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrUnauthorized indicates that the provider rejected the credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates that the service has rate limited the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrBadRequest indicates that the provider refused the request shape.
	ErrBadRequest = errors.New("bad request")

	// ErrMalformedResponse indicates that a successful response did not
	// contain the expected text or JSON content.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrTransport indicates a network-level or server-side failure.
	ErrTransport = errors.New("transport error")

	// ErrBindingNotFound is returned by a Renderer when an entity name has
	// no live binding in the scene.
	ErrBindingNotFound = errors.New("entity binding not found")

	// ErrBudgetExceeded indicates that the configured spend limit was reached.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrCacheCorrupted indicates that cached data is corrupted or invalid.
	ErrCacheCorrupted = errors.New("cache corrupted")

	// ErrConfigNotFound indicates that required configuration is missing.
	ErrConfigNotFound = errors.New("configuration not found")
)

// FailureKind classifies a failed oracle call.
type FailureKind string

const (
	FailureMissingCredentials FailureKind = "MissingCredentials"
	FailureUnauthorized       FailureKind = "Unauthorized"
	FailureRateLimited        FailureKind = "RateLimited"
	FailureTimeout            FailureKind = "Timeout"
	FailureBadRequest         FailureKind = "BadRequest"
	FailureMalformedResponse  FailureKind = "MalformedResponse"
	FailureTransport          FailureKind = "TransportError"
)

// sentinel returns the package error matching the kind.
func (k FailureKind) sentinel() error {
	switch k {
	case FailureMissingCredentials:
		return ErrMissingCredentials
	case FailureUnauthorized:
		return ErrUnauthorized
	case FailureRateLimited:
		return ErrRateLimited
	case FailureTimeout:
		return ErrTimeout
	case FailureBadRequest:
		return ErrBadRequest
	case FailureMalformedResponse:
		return ErrMalformedResponse
	default:
		return ErrTransport
	}
}

// ErrorClass is the run-level category of a failure. The controller decides
// between retrying, recording a failed iteration and aborting on the class.
type ErrorClass string

const (
	ClassCredential ErrorClass = "credential"
	ClassTransient  ErrorClass = "transient"
	ClassValidation ErrorClass = "validation"
)

// OracleError represents a failed call to an oracle provider.
type OracleError struct {
	// Kind is the failure classification.
	Kind FailureKind

	// Provider is the provider family that produced the error.
	Provider string

	// Model is the model identifier in use when the error occurred.
	Model string

	// StatusCode is the HTTP status, when one was received.
	StatusCode int

	// Message carries the provider-supplied detail.
	Message string

	// Err is the underlying error, if any.
	Err error

	// RetryAfter indicates how long to wait before retrying, if known.
	RetryAfter *time.Duration
}

// Error implements the error interface for OracleError.
func (e *OracleError) Error() string {
	msg := fmt.Sprintf("oracle error: provider=%s, kind=%s", e.Provider, e.Kind)
	if e.Model != "" {
		msg += ", model=" + e.Model
	}
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(", status=%d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ", message=" + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(", err=%v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *OracleError) Unwrap() error { return e.Err }

// Is matches the sentinel error for the failure kind.
func (e *OracleError) Is(target error) bool { return target == e.Kind.sentinel() }

// Class maps the failure kind onto the run-level taxonomy.
func (e *OracleError) Class() ErrorClass {
	switch e.Kind {
	case FailureMissingCredentials, FailureUnauthorized:
		return ClassCredential
	case FailureBadRequest, FailureMalformedResponse:
		return ClassValidation
	default:
		return ClassTransient
	}
}

// IsRetryable returns true if the error is temporary and the call can be
// retried.
func (e *OracleError) IsRetryable() bool { return e.Class() == ClassTransient }

// NewOracleError creates a new OracleError with the given details.
func NewOracleError(kind FailureKind, provider, message string, err error) *OracleError {
	return &OracleError{
		Kind:     kind,
		Provider: provider,
		Message:  message,
		Err:      err,
	}
}

// CacheError represents an error from cache operations.
type CacheError struct {
	// Key is the cache key that was involved in the failed operation.
	Key string

	// Operation is the name of the cache operation that failed.
	Operation string

	// Err is the underlying error that caused the cache operation to fail.
	Err error
}

// Error implements the error interface for CacheError.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache error: operation=%s, key=%s, err=%v", e.Operation, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *CacheError) Unwrap() error { return e.Err }

// NewCacheError creates a new CacheError with the given details.
func NewCacheError(key, operation string, err error) *CacheError {
	return &CacheError{Key: key, Operation: operation, Err: err}
}

// ConfigError represents an error from configuration operations.
type ConfigError struct {
	// ConfigKey is the configuration key that was involved in the failed
	// operation.
	ConfigKey string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: key=%s, err=%v", e.ConfigKey, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a new ConfigError with the given details.
func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{ConfigKey: key, Err: err}
}
