package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

const (
	// OpenAIDefaultModel is the default chat completions model.
	OpenAIDefaultModel = "gpt-4o"
	// openAIDefaultTemperature is used when neither request nor config sets one.
	openAIDefaultTemperature = 0.7
	// responseSchemaName names the structured-output schema on the wire.
	responseSchemaName = "scene_analysis"
)

// Model prefixes that accept strict json_schema response formats.
var structuredOutputPrefixes = []string{"gpt-4o", "gpt-4.1", "gpt-4-turbo"}

func init() {
	RegisterProviderFactory("openai", newOpenAIProvider)
}

// openAIProvider implements Provider for OpenAI's chat completions API.
type openAIProvider struct {
	*BaseProvider
	client *openai.Client
}

func newOpenAIProvider(cfg Config) (Provider, error) {
	caps := Capabilities{
		MaxImages:                20,
		SupportsStructuredOutput: true,
		HonorsTemperature:        true,
		DefaultTimeout:           60 * time.Second,
		RequiresCredentials:      true,
	}
	base := newBaseProvider("openai", OpenAIDefaultModel, cfg, caps)

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/") + "/v1"
	}
	clientConfig.HTTPClient = base.httpClient

	return &openAIProvider{
		BaseProvider: base,
		client:       openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Analyze sends the request as a single multimodal chat completion.
func (p *openAIProvider) Analyze(ctx context.Context, req domain.OracleRequest) (res ports.OracleResult, err error) {
	start := time.Now()
	defer p.recoverPanic(start, &res, &err)

	if err := p.checkRequest(req); err != nil {
		return p.failure(start, err)
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	chatReq := p.buildChatCompletionRequest(req)
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return p.failure(start, p.handleError(err))
	}

	if len(resp.Choices) == 0 {
		return p.failure(start, p.classifier().Malformed("no choices in response", ErrNoResponseChoice))
	}

	usage := domain.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Images:       req.ImageCount(),
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		usage.CacheReadTokens = d.CachedTokens
	}
	meta := map[string]any{
		"finish_reason":     string(resp.Choices[0].FinishReason),
		"structured_output": chatReq.ResponseFormat != nil,
	}
	return p.success(start, resp.Choices[0].Message.Content, usage, meta)
}

// buildChatCompletionRequest creates the chat request: an optional system
// message and one user message carrying captions, images and the prompt.
func (p *openAIProvider) buildChatCompletionRequest(req domain.OracleRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	images := labeledImages(req)
	parts := make([]openai.ChatMessagePart, 0, 2*len(images)+1)
	for _, img := range images {
		detail := openai.ImageURLDetailLow
		if img.HighDetail {
			detail = openai.ImageURLDetailHigh
		}
		parts = append(parts,
			openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: img.Label + ":"},
			openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: dataURL(img.Image), Detail: detail},
			},
		)
	}
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: req.Prompt})
	messages = append(messages, openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	})

	temperature := openAIDefaultTemperature
	if t := p.requestTemperature(req); t != nil {
		temperature = *t
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       p.Model(),
		Messages:    messages,
		MaxTokens:   p.requestMaxTokens(req),
		Temperature: float32(temperature),
	}

	if req.ResponseSchema != nil && supportsStructuredOutput(p.Model()) {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   responseSchemaName,
				Schema: rawSchema(SanitizeSchema(req.ResponseSchema)),
				Strict: true,
			},
		}
	}
	return chatReq
}

// supportsStructuredOutput reports whether the model accepts strict schemas.
func supportsStructuredOutput(model string) bool {
	for _, prefix := range structuredOutputPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// rawSchema adapts a schema map to json.Marshaler.
type rawSchema map[string]any

// MarshalJSON implements json.Marshaler.
func (s rawSchema) MarshalJSON() ([]byte, error) { return json.Marshal(map[string]any(s)) }

// handleError classifies go-openai errors.
func (p *openAIProvider) handleError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return p.classifier().ClassifyHTTPError(apiErr.HTTPStatusCode, openAIMessage(apiErr.HTTPStatusCode, apiErr.Message), err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return p.classifier().ClassifyHTTPError(reqErr.HTTPStatusCode, openAIMessage(reqErr.HTTPStatusCode, ""), err)
	}

	return p.classifier().ClassifyContextError(err)
}

// openAIMessage fills in the operator-facing text for common statuses.
func openAIMessage(status int, message string) string {
	switch status {
	case 401:
		return "Invalid OpenAI API key"
	case 429:
		if message == "" {
			return "OpenAI rate limit exceeded"
		}
	}
	return message
}
