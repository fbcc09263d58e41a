package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// GoogleDefaultModel is the default Gemini model.
const GoogleDefaultModel = "gemini-2.5-flash"

func init() {
	RegisterProviderFactory("google", newGoogleProvider)
}

// googleProvider implements Provider for the Gemini API. The client is built
// lazily so that a provider without a key can still be constructed and
// report MissingCredentials from Analyze.
type googleProvider struct {
	*BaseProvider
	baseURL        string
	thinking       bool
	thinkingBudget int

	clientMu sync.Mutex
	client   *genai.Client
}

func newGoogleProvider(cfg Config) (Provider, error) {
	caps := Capabilities{
		MaxImages:                16,
		SupportsStructuredOutput: true,
		HonorsTemperature:        true,
		DefaultTimeout:           90 * time.Second,
		RequiresCredentials:      true,
	}
	return &googleProvider{
		BaseProvider:   newBaseProvider("google", GoogleDefaultModel, cfg, caps),
		baseURL:        cfg.BaseURL,
		thinking:       cfg.ExtendedThinking,
		thinkingBudget: cfg.ThinkingBudget,
	}, nil
}

func (p *googleProvider) genaiClient(ctx context.Context) (*genai.Client, error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cc := &genai.ClientConfig{
		APIKey:     p.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	p.client = client
	return client, nil
}

// Analyze sends the request to GenerateContent.
func (p *googleProvider) Analyze(ctx context.Context, req domain.OracleRequest) (res ports.OracleResult, err error) {
	start := time.Now()
	defer p.recoverPanic(start, &res, &err)

	if err := p.checkRequest(req); err != nil {
		return p.failure(start, err)
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	client, err := p.genaiClient(ctx)
	if err != nil {
		return p.failure(start, p.classifier().ClassifyContextError(err))
	}

	resp, err := client.Models.GenerateContent(ctx, p.Model(), p.buildContents(req), p.buildGenerationConfig(req))
	if err != nil {
		return p.failure(start, p.handleError(err))
	}

	usage := domain.Usage{Images: req.ImageCount()}
	if m := resp.UsageMetadata; m != nil {
		usage.InputTokens = int(m.PromptTokenCount)
		usage.OutputTokens = int(m.CandidatesTokenCount)
		usage.ReasoningTokens = int(m.ThoughtsTokenCount)
		usage.CacheReadTokens = int(m.CachedContentTokenCount)
	}
	meta := map[string]any{}
	if len(resp.Candidates) > 0 {
		meta["finish_reason"] = string(resp.Candidates[0].FinishReason)
	}
	return p.success(start, resp.Text(), usage, meta)
}

// buildContents interleaves captions and inline image bytes, then the prompt.
func (p *googleProvider) buildContents(req domain.OracleRequest) []*genai.Content {
	images := labeledImages(req)
	parts := make([]*genai.Part, 0, 2*len(images)+1)
	for _, img := range images {
		parts = append(parts,
			genai.NewPartFromText(img.Label+":"),
			genai.NewPartFromBytes(img.Image.Data, img.Image.DetectedMediaType()),
		)
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

// buildGenerationConfig maps request options onto the Gemini config.
func (p *googleProvider) buildGenerationConfig(req domain.OracleRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if t := p.requestTemperature(req); t != nil {
		config.Temperature = genai.Ptr(float32(*t))
	}

	maxTokens := p.requestMaxTokens(req)
	if maxTokens > math.MaxInt32 {
		maxTokens = math.MaxInt32
	}
	config.MaxOutputTokens = int32(maxTokens)

	if req.ResponseSchema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = req.ResponseSchema
	}

	if p.thinking {
		tc := &genai.ThinkingConfig{}
		if p.thinkingBudget > 0 {
			tc.ThinkingBudget = genai.Ptr(int32(min(p.thinkingBudget, math.MaxInt32)))
		}
		config.ThinkingConfig = tc
	}
	return config
}

// handleError classifies genai and googleapi errors.
func (p *googleProvider) handleError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return p.classifier().ClassifyHTTPError(apiErr.Code, apiErr.Message, err)
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		message := gErr.Message
		if message == "" && len(gErr.Errors) > 0 {
			message = gErr.Errors[0].Message
		}
		return p.classifier().ClassifyHTTPError(gErr.Code, message, err)
	}

	return p.classifier().ClassifyContextError(err)
}
