package oracle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/go-blocking/internal/ports"
)

func TestErrorClassifier_ClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status int
		kind   ports.FailureKind
		class  ports.ErrorClass
	}{
		{401, ports.FailureUnauthorized, ports.ClassCredential},
		{403, ports.FailureUnauthorized, ports.ClassCredential},
		{429, ports.FailureRateLimited, ports.ClassTransient},
		{408, ports.FailureTimeout, ports.ClassTransient},
		{504, ports.FailureTimeout, ports.ClassTransient},
		{400, ports.FailureBadRequest, ports.ClassValidation},
		{413, ports.FailureBadRequest, ports.ClassValidation},
		{500, ports.FailureTransport, ports.ClassTransient},
		{503, ports.FailureTransport, ports.ClassTransient},
	}

	ec := &ErrorClassifier{Provider: "openai", Model: "gpt-4o"}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			oe := ec.ClassifyHTTPError(tt.status, "", nil)

			assert.Equal(t, tt.kind, oe.Kind)
			assert.Equal(t, tt.class, oe.Class())
			assert.Equal(t, tt.status, oe.StatusCode)
			assert.Equal(t, "openai", oe.Provider)
		})
	}
}

func TestErrorClassifier_ClassifyContextError(t *testing.T) {
	ec := &ErrorClassifier{Provider: "anthropic"}

	assert.Equal(t, ports.FailureTimeout, ec.ClassifyContextError(context.DeadlineExceeded).Kind)
	assert.Equal(t, ports.FailureTimeout, ec.ClassifyContextError(fmt.Errorf("post: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, ports.FailureTransport, ec.ClassifyContextError(context.Canceled).Kind)
	assert.Equal(t, ports.FailureTransport, ec.ClassifyContextError(errors.New("connection refused")).Kind)
}

func TestWithRetryAfter(t *testing.T) {
	ec := &ErrorClassifier{Provider: "openai"}

	oe := WithRetryAfter(ec.ClassifyHTTPError(429, "", nil), "7")
	if assert.NotNil(t, oe.RetryAfter) {
		assert.Equal(t, 7*time.Second, *oe.RetryAfter)
	}

	assert.Nil(t, WithRetryAfter(ec.ClassifyHTTPError(429, "", nil), "").RetryAfter)
	assert.Nil(t, WithRetryAfter(ec.ClassifyHTTPError(429, "", nil), "Wed, 21 Oct 2015").RetryAfter)
}

func TestAsOracleError(t *testing.T) {
	ec := &ErrorClassifier{Provider: "google"}
	orig := ec.BadRequest("nope")

	assert.Same(t, orig, asOracleError(ec, fmt.Errorf("wrapped: %w", orig)))
	assert.Equal(t, ports.FailureTransport, asOracleError(ec, errors.New("x")).Kind)
}
