package ports

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOracleError(t *testing.T) {
	t.Run("message formatting", func(t *testing.T) {
		err := &OracleError{
			Kind:       FailureBadRequest,
			Provider:   "anthropic",
			Model:      "claude-sonnet-4-5-20250929",
			StatusCode: 400,
			Message:    "too many images",
		}

		assert.Equal(t,
			"oracle error: provider=anthropic, kind=BadRequest, model=claude-sonnet-4-5-20250929, status=400, message=too many images",
			err.Error())
	})

	t.Run("matches kind sentinel", func(t *testing.T) {
		err := fmt.Errorf("iteration 3: %w", NewOracleError(FailureRateLimited, "openai", "", nil))

		assert.True(t, errors.Is(err, ErrRateLimited))
		assert.False(t, errors.Is(err, ErrUnauthorized))
	})

	t.Run("unwraps underlying error", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := NewOracleError(FailureTransport, "ollama", "", cause)

		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("classification", func(t *testing.T) {
		tests := []struct {
			kind      FailureKind
			class     ErrorClass
			retryable bool
		}{
			{FailureMissingCredentials, ClassCredential, false},
			{FailureUnauthorized, ClassCredential, false},
			{FailureRateLimited, ClassTransient, true},
			{FailureTimeout, ClassTransient, true},
			{FailureTransport, ClassTransient, true},
			{FailureBadRequest, ClassValidation, false},
			{FailureMalformedResponse, ClassValidation, false},
		}

		for _, tt := range tests {
			err := NewOracleError(tt.kind, "test", "", nil)
			assert.Equal(t, tt.class, err.Class(), "class for %s", tt.kind)
			assert.Equal(t, tt.retryable, err.IsRetryable(), "retryable for %s", tt.kind)
		}
	})
}

func TestCacheError(t *testing.T) {
	err := NewCacheError("abc123", "Get", ErrCacheCorrupted)

	assert.Equal(t, "cache error: operation=Get, key=abc123, err=cache corrupted", err.Error())
	assert.ErrorIs(t, err, ErrCacheCorrupted)
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("provider.api_key", ErrConfigNotFound)

	assert.Equal(t, "config error: key=provider.api_key, err=configuration not found", err.Error())
	assert.ErrorIs(t, err, ErrConfigNotFound)
}
