package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/job-scorer/internal/config"
	"github.com/sells-group/job-scorer/internal/model"
)

func testRates() Rates {
	return Rates{
		"haiku":  {Input: 0.80, Output: 4.00},
		"sonnet": {Input: 3.00, Output: 15.00},
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name  string
		model string
		usage model.TokenUsage
		want  float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			usage: model.TokenUsage{InputTokens: 1000000, OutputTokens: 100000},
			want:  0.80 + 0.40,
		},
		{
			name:  "sonnet output heavy",
			model: "sonnet",
			usage: model.TokenUsage{InputTokens: 200000, OutputTokens: 1000000},
			want:  0.60 + 15.00,
		},
		{
			name:  "zero tokens",
			model: "haiku",
			want:  0,
		},
		{
			name:  "unknown model",
			model: "gpt-unknown",
			usage: model.TokenUsage{InputTokens: 1000000},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Estimate(tt.model, tt.usage), 1e-9)
		})
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	calc := FromConfig(config.PricingConfig{Models: map[string]config.ModelPricing{
		"local":       {Input: 0.10, Output: 0.20},
		"my-finetune": {Input: 1.00, Output: 2.00},
	}})

	assert.True(t, calc.Known("claude-haiku-4-5-20251001"))
	assert.True(t, calc.Known("my-finetune"))
	assert.False(t, calc.Known("other"))
	assert.InDelta(t, 0.30, calc.Estimate("local", model.TokenUsage{InputTokens: 1000000, OutputTokens: 1000000}), 1e-9)
	assert.InDelta(t, 3.00, calc.Estimate("my-finetune", model.TokenUsage{InputTokens: 1000000, OutputTokens: 1000000}), 1e-9)
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()
	assert.Contains(t, rates, "claude-haiku-4-5-20251001")
	assert.Equal(t, ModelRate{}, rates["local"])
}
