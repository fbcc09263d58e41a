package oracle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/go-blocking/internal/domain"
)

func TestPriceTable_Cost(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		usage    domain.Usage
		want     float64
	}{
		{
			name:     "anthropic with cache read and write",
			provider: "anthropic",
			usage:    domain.Usage{InputTokens: 10_000, OutputTokens: 1_000, CacheReadTokens: 4_000, CacheWriteTokens: 2_000},
			want:     (6_000*3.00 + 2_000*3.75 + 4_000*0.30 + 1_000*15.00) / 1_000_000,
		},
		{
			name:     "openai plain",
			provider: "openai",
			usage:    domain.Usage{InputTokens: 1_000_000, OutputTokens: 100_000},
			want:     2.50 + 1.00,
		},
		{
			name:     "responses bills reasoning at input rate",
			provider: "openai-responses",
			usage:    domain.Usage{InputTokens: 1_000, ReasoningTokens: 3_000, OutputTokens: 500},
			want:     (4_000*2.50 + 500*10.00) / 1_000_000,
		},
		{
			name:     "google bills thoughts at output rate",
			provider: "google",
			usage:    domain.Usage{InputTokens: 1_000, ReasoningTokens: 1_000, OutputTokens: 1_000},
			want:     (1_000*0.30 + 2_000*2.50) / 1_000_000,
		},
		{
			name:     "ollama is free",
			provider: "ollama",
			usage:    domain.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
			want:     0,
		},
		{
			name:     "cache read above input never goes negative",
			provider: "anthropic",
			usage:    domain.Usage{InputTokens: 10, CacheReadTokens: 100},
			want:     100 * 0.30 / 1_000_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, PricesFor(tt.provider).Cost(tt.usage), 1e-12)
		})
	}
}

func TestCostTracker_Concurrent(t *testing.T) {
	// Given concurrent additions
	var tracker CostTracker
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Add(0.01)
		}()
	}
	wg.Wait()

	// Then the totals are exact
	stats := tracker.Statistics()
	assert.Equal(t, 100, stats.CallCount)
	assert.InDelta(t, 1.0, stats.TotalCost, 1e-9)
	assert.InDelta(t, 0.01, stats.LastCost, 1e-12)
}

func TestEstimateCost(t *testing.T) {
	// Three images and a 400-character prompt on OpenAI.
	prompt := EstimateTokens(string(make([]byte, 400)))
	assert.Equal(t, 100, prompt)

	got := EstimateCost("openai", 3, prompt)

	want := (float64(3*domain.HighDetailImageTokens+100)*2.50 + 1000*10.00) / 1_000_000
	assert.InDelta(t, want, got, 1e-12)
}
