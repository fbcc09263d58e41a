package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

const (
	// OpenAIResponsesDefaultModel is the default reasoning model.
	OpenAIResponsesDefaultModel = "gpt-5"
	openAIDefaultBaseURL        = "https://api.openai.com"
	responsesPath               = "/v1/responses"
)

// ResponsesModelPrefixes are model families served by the responses API.
var ResponsesModelPrefixes = []string{"gpt-5", "o3", "o4"}

func init() {
	RegisterProviderFactory("openai-responses", newOpenAIResponsesProvider)
}

// openAIResponsesProvider implements Provider for reasoning models on the
// responses API. These models take no temperature and report hidden
// reasoning tokens, which are billed at the input rate.
type openAIResponsesProvider struct {
	*BaseProvider
	endpoint string
}

func newOpenAIResponsesProvider(cfg Config) (Provider, error) {
	caps := Capabilities{
		MaxImages:                20,
		SupportsStructuredOutput: false,
		HonorsTemperature:        false,
		DefaultTimeout:           180 * time.Second,
		RequiresCredentials:      true,
	}
	base := newBaseProvider("openai-responses", OpenAIResponsesDefaultModel, cfg, caps)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	return &openAIResponsesProvider{
		BaseProvider: base,
		endpoint:     strings.TrimSuffix(baseURL, "/") + responsesPath,
	}, nil
}

type responsesContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesInput struct {
	Role    string             `json:"role"`
	Content []responsesContent `json:"content"`
}

type responsesRequest struct {
	Model           string           `json:"model"`
	Instructions    string           `json:"instructions,omitempty"`
	Input           []responsesInput `json:"input"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Reasoning       struct {
		Effort string `json:"effort"`
	} `json:"reasoning"`
	Text struct {
		Verbosity string `json:"verbosity"`
	} `json:"text"`
}

type responsesResponse struct {
	OutputText string `json:"output_text"`
	Output     []struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens     int `json:"input_tokens"`
		OutputTokens    int `json:"output_tokens"`
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"usage"`
	Status string `json:"status"`
}

type responsesError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Analyze posts the request to the responses endpoint.
func (p *openAIResponsesProvider) Analyze(ctx context.Context, req domain.OracleRequest) (res ports.OracleResult, err error) {
	start := time.Now()
	defer p.recoverPanic(start, &res, &err)

	if err := p.checkRequest(req); err != nil {
		return p.failure(start, err)
	}
	if req.Temperature != nil {
		p.logger.Debug("temperature ignored by reasoning model", "requested", *req.Temperature)
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return p.failure(start, p.classifier().BadRequest(fmt.Sprintf("encode request: %v", err)))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return p.failure(start, p.classifier().BadRequest(fmt.Sprintf("build request: %v", err)))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return p.failure(start, p.classifier().ClassifyContextError(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.failure(start, p.classifier().ClassifyContextError(err))
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr responsesError
		_ = json.Unmarshal(raw, &apiErr)
		oe := p.classifier().ClassifyHTTPError(resp.StatusCode, openAIMessage(resp.StatusCode, apiErr.Error.Message), nil)
		return p.failure(start, WithRetryAfter(oe, resp.Header.Get("Retry-After")))
	}

	var parsed responsesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return p.failure(start, p.classifier().Malformed("response is not valid JSON", err))
	}

	usage := domain.Usage{
		InputTokens:     parsed.Usage.InputTokens,
		OutputTokens:    parsed.Usage.OutputTokens,
		ReasoningTokens: parsed.Usage.ReasoningTokens,
		Images:          req.ImageCount(),
	}
	meta := map[string]any{"status": parsed.Status}
	return p.success(start, parsed.text(), usage, meta)
}

// buildRequest assembles the responses API payload.
func (p *openAIResponsesProvider) buildRequest(req domain.OracleRequest) responsesRequest {
	images := labeledImages(req)
	content := make([]responsesContent, 0, 2*len(images)+1)
	for _, img := range images {
		content = append(content,
			responsesContent{Type: "input_text", Text: img.Label + ":"},
			responsesContent{Type: "input_image", ImageURL: dataURL(img.Image)},
		)
	}
	content = append(content, responsesContent{Type: "input_text", Text: req.Prompt})

	out := responsesRequest{
		Model:           p.Model(),
		Instructions:    req.System,
		Input:           []responsesInput{{Role: "user", Content: content}},
		MaxOutputTokens: p.requestMaxTokens(req),
	}
	out.Reasoning.Effort = "medium"
	if strings.Contains(strings.ToLower(p.Model()), "-pro") {
		out.Reasoning.Effort = "high"
	}
	out.Text.Verbosity = "medium"
	return out
}

// text prefers the output_text convenience field, then concatenates
// output_text items from message outputs.
func (r responsesResponse) text() string {
	if r.OutputText != "" {
		return r.OutputText
	}
	var sb strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		if len(item.Content) == 0 {
			sb.WriteString(item.Text)
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				sb.WriteString(c.Text)
			}
		}
	}
	return sb.String()
}
