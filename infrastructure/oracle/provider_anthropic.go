package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// Anthropic provider constants.
const (
	// AnthropicDefaultModel is the default Anthropic model.
	AnthropicDefaultModel = "claude-sonnet-4-5-20250929"
	// AnthropicThinkingBudget is the default extended-thinking token budget.
	AnthropicThinkingBudget = 10000
	// anthropicThinkingHeadroom is the reply space kept above the thinking budget.
	anthropicThinkingHeadroom = 4096
	// anthropicCachedImages is how many trailing images get a cache breakpoint.
	anthropicCachedImages = 2
)

func init() {
	RegisterProviderFactory("anthropic", newAnthropicProvider)
}

// anthropicProvider implements Provider for Anthropic's Messages API.
// Extended thinking pins temperature to 1.0; a caller-supplied value is
// overridden with a warning.
type anthropicProvider struct {
	*BaseProvider
	client         anthropic.Client
	thinking       bool
	thinkingBudget int
}

func newAnthropicProvider(cfg Config) (Provider, error) {
	caps := Capabilities{
		MaxImages:                20,
		SupportsStructuredOutput: false,
		HonorsTemperature:        !cfg.ExtendedThinking,
		DefaultTimeout:           90 * time.Second,
		RequiresCredentials:      true,
	}
	if cfg.ExtendedThinking {
		caps.DefaultTimeout = 180 * time.Second
	}
	base := newBaseProvider("anthropic", AnthropicDefaultModel, cfg, caps)

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(base.httpClient),
		// Retries are owned by RetryMiddleware.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	budget := cfg.ThinkingBudget
	if budget <= 0 {
		budget = AnthropicThinkingBudget
	}

	return &anthropicProvider{
		BaseProvider:   base,
		client:         anthropic.NewClient(opts...),
		thinking:       cfg.ExtendedThinking,
		thinkingBudget: budget,
	}, nil
}

// Analyze sends the request to the Messages API.
func (p *anthropicProvider) Analyze(ctx context.Context, req domain.OracleRequest) (res ports.OracleResult, err error) {
	start := time.Now()
	defer p.recoverPanic(start, &res, &err)

	if err := p.checkRequest(req); err != nil {
		return p.failure(start, err)
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	params := p.buildParams(req)
	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return p.failure(start, p.handleError(err))
	}

	text, thinking := p.extractText(message)
	usage := domain.Usage{
		InputTokens:      int(message.Usage.InputTokens),
		OutputTokens:     int(message.Usage.OutputTokens),
		CacheReadTokens:  int(message.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(message.Usage.CacheCreationInputTokens),
		Images:           req.ImageCount(),
	}
	meta := map[string]any{
		"stop_reason":       string(message.StopReason),
		"extended_thinking": p.thinking,
	}
	if thinking != "" {
		meta["thinking_chars"] = len(thinking)
	}
	return p.success(start, text, usage, meta)
}

// buildParams assembles the Messages API request.
func (p *anthropicProvider) buildParams(req domain.OracleRequest) anthropic.MessageNewParams {
	images := labeledImages(req)

	blocks := make([]anthropic.ContentBlockParamUnion, 0, 2*len(images)+1)
	for i, img := range images {
		blocks = append(blocks, anthropic.NewTextBlock(img.Label+":"))
		block := anthropic.NewImageBlockBase64(img.Image.DetectedMediaType(), encodeBase64(img.Image))
		if i >= len(images)-anthropicCachedImages {
			block.OfImage.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		blocks = append(blocks, block)
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Prompt))

	maxTokens := p.requestMaxTokens(req)
	params := anthropic.MessageNewParams{
		Model:    anthropic.Model(p.Model()),
		Messages: []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}

	if p.thinking {
		if min := p.thinkingBudget + anthropicThinkingHeadroom; maxTokens < min {
			maxTokens = min
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(p.thinkingBudget))
		if t := p.requestTemperature(req); t != nil && *t != 1.0 {
			p.logger.Warn("temperature ignored, extended thinking requires 1.0", "requested", *t)
		}
	} else if t := p.requestTemperature(req); t != nil {
		params.Temperature = anthropic.Float(ClampFloat64(*t, 0, 1))
	}
	params.MaxTokens = int64(maxTokens)

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text:         req.System,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}

	return params
}

// extractText concatenates text blocks; thinking blocks are returned
// separately and never parsed as the answer.
func (p *anthropicProvider) extractText(message *anthropic.Message) (string, string) {
	var text, thinking strings.Builder
	for _, block := range message.Content {
		switch content := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(content.Text)
		case anthropic.ThinkingBlock:
			thinking.WriteString(content.Thinking)
		}
	}
	return text.String(), thinking.String()
}

// handleError classifies Anthropic SDK errors.
func (p *anthropicProvider) handleError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		oe := p.classifier().ClassifyHTTPError(apiErr.StatusCode, anthropicErrorMessage(apiErr.RawJSON()), err)
		if apiErr.Response != nil {
			oe = WithRetryAfter(oe, apiErr.Response.Header.Get("Retry-After"))
		}
		return oe
	}
	return p.classifier().ClassifyContextError(err)
}

// anthropicErrorMessage pulls error.message out of an error body.
func anthropicErrorMessage(raw string) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return ""
	}
	return body.Error.Message
}
