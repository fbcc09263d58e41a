package oracle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ahrav/go-blocking/internal/ports"
)

// Common errors returned by providers and middleware.
var (
	// ErrEmptyResponse indicates that a successful response carried no text.
	ErrEmptyResponse = errors.New("empty response from API")
	// ErrNoResponseChoice indicates that the provider's response contained no choices.
	ErrNoResponseChoice = errors.New("no response choices returned")
	// ErrCircuitOpen indicates that the circuit breaker rejected a request.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrModelNotInstalled indicates a local provider lacks the requested model.
	ErrModelNotInstalled = errors.New("model not installed")
)

// ErrorClassifier standardizes provider-specific errors into
// *ports.OracleError values.
type ErrorClassifier struct {
	// Provider is the name stamped on every classified error.
	Provider string
	// Model is the model identifier stamped on every classified error.
	Model string
}

func (ec *ErrorClassifier) newError(kind ports.FailureKind, status int, message string, err error) *ports.OracleError {
	return &ports.OracleError{
		Kind:       kind,
		Provider:   ec.Provider,
		Model:      ec.Model,
		StatusCode: status,
		Message:    message,
		Err:        err,
	}
}

// ClassifyHTTPError maps an HTTP status code onto a failure kind. The
// provider's own message is preserved so bad requests surface their detail.
func (ec *ErrorClassifier) ClassifyHTTPError(statusCode int, message string, err error) *ports.OracleError {
	var kind ports.FailureKind
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = ports.FailureUnauthorized
		if message == "" {
			message = fmt.Sprintf("%s authentication failed", ec.Provider)
		}
	case statusCode == http.StatusTooManyRequests:
		kind = ports.FailureRateLimited
		if message == "" {
			message = fmt.Sprintf("%s rate limit exceeded", ec.Provider)
		}
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		kind = ports.FailureTimeout
	case statusCode >= 400 && statusCode < 500:
		kind = ports.FailureBadRequest
	default:
		kind = ports.FailureTransport
	}
	return ec.newError(kind, statusCode, message, err)
}

// ClassifyContextError classifies context and network errors. A deadline is a
// Timeout; cancellation and everything else network-level is a TransportError.
func (ec *ErrorClassifier) ClassifyContextError(err error) *ports.OracleError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ec.newError(ports.FailureTimeout, 0, "context deadline exceeded", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return ec.newError(ports.FailureTimeout, 0, "network timeout", err)
	case errors.Is(err, context.Canceled):
		return ec.newError(ports.FailureTransport, 0, "request canceled", err)
	default:
		return ec.newError(ports.FailureTransport, 0, "request failed", err)
	}
}

// MissingCredentials reports that no credential is configured.
func (ec *ErrorClassifier) MissingCredentials() *ports.OracleError {
	return ec.newError(ports.FailureMissingCredentials, 0,
		fmt.Sprintf("%s API key not configured", ec.Provider), ports.ErrMissingCredentials)
}

// BadRequest reports a request rejected before any network call.
func (ec *ErrorClassifier) BadRequest(message string) *ports.OracleError {
	return ec.newError(ports.FailureBadRequest, 0, message, nil)
}

// Malformed reports a successful response without usable content.
func (ec *ErrorClassifier) Malformed(message string, err error) *ports.OracleError {
	return ec.newError(ports.FailureMalformedResponse, 0, message, err)
}

// WithRetryAfter records a server-provided retry hint on a rate-limit error.
func WithRetryAfter(e *ports.OracleError, header string) *ports.OracleError {
	if header == "" {
		return e
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		e.RetryAfter = &secs
	}
	return e
}

// asOracleError converts any error into a *ports.OracleError, classifying
// unknown errors as transport failures.
func asOracleError(ec *ErrorClassifier, err error) *ports.OracleError {
	var oe *ports.OracleError
	if errors.As(err, &oe) {
		return oe
	}
	return ec.ClassifyContextError(err)
}
