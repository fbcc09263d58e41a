package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-blocking/internal/ports"
)

func TestOpenAIResponsesProvider_Analyze(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		wantText string
	}{
		{
			name:     "output_text convenience field",
			reply:    `{"output_text": "{\"match_score\": 81}", "usage": {"input_tokens": 1000, "output_tokens": 200, "reasoning_tokens": 400}}`,
			wantText: `{"match_score": 81}`,
		},
		{
			name: "message output items",
			reply: `{"output": [
				{"type": "reasoning"},
				{"type": "message", "content": [{"type": "output_text", "text": "part one "}, {"type": "refusal", "text": "x"}, {"type": "output_text", "text": "part two"}]}
			], "usage": {"input_tokens": 1000, "output_tokens": 200, "reasoning_tokens": 400}}`,
			wantText: "part one part two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a responses endpoint
			var body map[string]any
			srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, responsesPath, r.URL.Path)
				assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				_, _ = w.Write([]byte(tt.reply))
			})
			p, err := NewProvider(Config{Name: "openai-responses", APIKey: "sk", BaseURL: srv.URL})
			require.NoError(t, err)

			temp := 0.3
			req := testRequest()
			req.Temperature = &temp

			// When analyzing
			res, err := p.Analyze(context.Background(), req)

			// Then text is extracted and reasoning is billed at the input rate
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, res.Text)
			assert.Equal(t, 400, res.Usage.ReasoningTokens)
			assert.InDelta(t, ((1000+400)*2.50+200*10.00)/1_000_000, res.Usage.CostUSD, 1e-12)
			assert.NotContains(t, body, "temperature")
			assert.Equal(t, map[string]any{"effort": "medium"}, body["reasoning"])
		})
	}
}

func TestOpenAIResponsesProvider_HTTPError(t *testing.T) {
	// Given a 401 from the responses endpoint
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key"}}`))
	})
	p, err := NewProvider(Config{Name: "openai-responses", APIKey: "sk", BaseURL: srv.URL})
	require.NoError(t, err)

	// When analyzing
	res, err := p.Analyze(context.Background(), testRequest())

	// Then the failure is Unauthorized with zero cost
	assert.ErrorIs(t, err, ports.ErrUnauthorized)
	assert.False(t, res.Success)
	assert.Zero(t, res.Usage.CostUSD)
}

func TestOpenAIResponsesProvider_InvalidJSONIsMalformed(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	p, err := NewProvider(Config{Name: "openai-responses", APIKey: "sk", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Analyze(context.Background(), testRequest())

	assert.ErrorIs(t, err, ports.ErrMalformedResponse)
}
