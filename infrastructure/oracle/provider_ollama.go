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
	// OllamaDefaultModel is the default local vision model.
	OllamaDefaultModel = "llava"
	// OllamaDefaultBaseURL is where a local ollama server listens.
	OllamaDefaultBaseURL = "http://localhost:11434"
	ollamaProbeTimeout   = 2 * time.Second
)

func init() {
	RegisterProviderFactory("ollama", newOllamaProvider)
}

// ollamaProvider implements Provider for a local ollama server. It needs no
// credential; availability means the server answers and has the model.
type ollamaProvider struct {
	*BaseProvider
	baseURL string
}

func newOllamaProvider(cfg Config) (Provider, error) {
	caps := Capabilities{
		MaxImages:                5,
		SupportsStructuredOutput: false,
		HonorsTemperature:        true,
		DefaultTimeout:           120 * time.Second,
		RequiresCredentials:      false,
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = OllamaDefaultBaseURL
	}
	return &ollamaProvider{
		BaseProvider: newBaseProvider("ollama", OllamaDefaultModel, cfg, caps),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
	}, nil
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Images  []string       `json:"images"`
	Stream  bool           `json:"stream"`
	Format  map[string]any `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsAvailable probes /api/tags and checks that the configured model is
// installed.
func (p *ollamaProvider) IsAvailable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ollamaProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return p.classifier().ClassifyContextError(err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return p.classifier().ClassifyContextError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.classifier().ClassifyHTTPError(resp.StatusCode, "ollama tags probe failed", nil)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return p.classifier().Malformed("ollama tags response is not valid JSON", err)
	}

	model := p.Model()
	for _, m := range tags.Models {
		if modelMatches(m.Name, model) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s (run: ollama pull %s)", ErrModelNotInstalled, model, model)
}

// modelMatches treats "name" and "name:latest" as the same model.
func modelMatches(installed, want string) bool {
	if installed == want {
		return true
	}
	if !strings.Contains(want, ":") {
		return installed == want+":latest"
	}
	return false
}

// Analyze posts a non-streaming generate request.
func (p *ollamaProvider) Analyze(ctx context.Context, req domain.OracleRequest) (res ports.OracleResult, err error) {
	start := time.Now()
	defer p.recoverPanic(start, &res, &err)

	if err := p.checkRequest(req); err != nil {
		return p.failure(start, err)
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return p.failure(start, p.classifier().BadRequest(fmt.Sprintf("encode request: %v", err)))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return p.failure(start, p.classifier().BadRequest(fmt.Sprintf("build request: %v", err)))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return p.failure(start, p.classifier().ClassifyContextError(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.failure(start, p.classifier().ClassifyContextError(err))
	}

	var parsed ollamaGenerateResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if resp.StatusCode != http.StatusOK {
		return p.failure(start, p.classifier().ClassifyHTTPError(resp.StatusCode, parsed.Error, nil))
	}
	if decodeErr != nil {
		return p.failure(start, p.classifier().Malformed("response is not valid JSON", decodeErr))
	}

	usage := domain.Usage{
		InputTokens:  parsed.PromptEvalCount,
		OutputTokens: parsed.EvalCount,
		Images:       req.ImageCount(),
	}
	return p.success(start, parsed.Response, usage, map[string]any{"done": parsed.Done})
}

// buildRequest assembles the generate payload. Ollama takes bare base64
// images, so captions move into the prompt as an ordered index.
func (p *ollamaProvider) buildRequest(req domain.OracleRequest) ollamaGenerateRequest {
	images := labeledImages(req)
	encoded := make([]string, 0, len(images))
	for _, img := range images {
		encoded = append(encoded, encodeBase64(img.Image))
	}

	options := map[string]any{"num_predict": p.requestMaxTokens(req)}
	if t := p.requestTemperature(req); t != nil {
		options["temperature"] = *t
	}

	out := ollamaGenerateRequest{
		Model:   p.Model(),
		Prompt:  imageIndex(images) + "\n" + req.Prompt,
		System:  req.System,
		Images:  encoded,
		Stream:  false,
		Options: options,
	}
	if req.ResponseSchema != nil {
		out.Format = req.ResponseSchema
	}
	return out
}
