package oracle

import (
	"sync"

	"github.com/ahrav/go-blocking/internal/domain"
)

// PriceTable holds per-token prices in USD per one million tokens.
type PriceTable struct {
	Input      float64 `json:"input" yaml:"input"`
	Output     float64 `json:"output" yaml:"output"`
	CacheWrite float64 `json:"cache_write" yaml:"cache_write"`
	CacheRead  float64 `json:"cache_read" yaml:"cache_read"`
	// Reasoning prices hidden reasoning tokens. Providers that report them
	// separately bill them at either the input or output rate.
	Reasoning float64 `json:"reasoning" yaml:"reasoning"`
}

// Default price tables by provider family.
var defaultPrices = map[string]PriceTable{
	"anthropic":        {Input: 3.00, Output: 15.00, CacheWrite: 3.75, CacheRead: 0.30, Reasoning: 3.00},
	"openai":           {Input: 2.50, Output: 10.00, Reasoning: 2.50},
	"openai-responses": {Input: 2.50, Output: 10.00, Reasoning: 2.50},
	"google":           {Input: 0.30, Output: 2.50, Reasoning: 2.50},
	"ollama":           {},
}

// PricesFor returns the default price table for a provider family.
func PricesFor(provider string) PriceTable { return defaultPrices[provider] }

const perMillion = 1_000_000.0

// Cost computes the USD cost of one call. Cached input is billed at the
// cache read rate and removed from the regular input count.
func (p PriceTable) Cost(u domain.Usage) float64 {
	regular := u.InputTokens - u.CacheReadTokens
	if regular < 0 {
		regular = 0
	}
	cost := float64(regular) / perMillion * p.Input
	cost += float64(u.CacheWriteTokens) / perMillion * p.CacheWrite
	cost += float64(u.CacheReadTokens) / perMillion * p.CacheRead
	cost += float64(u.ReasoningTokens) / perMillion * p.Reasoning
	cost += float64(u.OutputTokens) / perMillion * p.Output
	return cost
}

// CostStatistics is a snapshot of a provider instance's running totals.
type CostStatistics struct {
	LastCost  float64 `json:"last_cost"`
	TotalCost float64 `json:"total_cost"`
	CallCount int     `json:"call_count"`
}

// CostTracker accumulates spend for one provider instance.
type CostTracker struct {
	mu    sync.Mutex
	stats CostStatistics
}

// Add records the cost of a successful call.
func (t *CostTracker) Add(cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.LastCost = cost
	t.stats.TotalCost += cost
	t.stats.CallCount++
}

// Statistics returns a snapshot of the running totals.
func (t *CostTracker) Statistics() CostStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// assumedOutputTokens is the reply size used for planning estimates.
const assumedOutputTokens = 1000

// EstimateTokens approximates the token count of text at four characters
// per token.
func EstimateTokens(text string) int { return (len(text) + 3) / 4 }

// EstimateCost estimates the USD cost of a call submitting imageCount
// high-detail images and a prompt of promptTokens tokens.
func EstimateCost(provider string, imageCount, promptTokens int) float64 {
	prices := PricesFor(provider)
	return prices.Cost(domain.Usage{
		InputTokens:  imageCount*domain.HighDetailImageTokens + promptTokens,
		OutputTokens: assumedOutputTokens,
	})
}
