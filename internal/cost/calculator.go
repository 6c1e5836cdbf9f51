// Package cost estimates inference spend from token usage.
package cost

import (
	"github.com/sells-group/job-scorer/internal/config"
	"github.com/sells-group/job-scorer/internal/model"
)

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model IDs to pricing.
type Rates map[string]ModelRate

// Calculator computes costs for inference usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// FromConfig returns a Calculator using DefaultRates overlaid with any
// configured model prices.
func FromConfig(cfg config.PricingConfig) *Calculator {
	rates := DefaultRates()
	for name, p := range cfg.Models {
		rates[name] = ModelRate{Input: p.Input, Output: p.Output}
	}
	return NewCalculator(rates)
}

// Known reports whether the calculator has a price for model.
func (c *Calculator) Known(model string) bool {
	_, ok := c.rates[model]
	return ok
}

// Estimate returns the cost of usage on model. Unknown models cost 0.
func (c *Calculator) Estimate(modelID string, usage model.TokenUsage) float64 {
	rate, ok := c.rates[modelID]
	if !ok {
		return 0
	}
	inCost := (float64(usage.InputTokens) / 1e6) * rate.Input
	outCost := (float64(usage.OutputTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// DefaultRates returns the default pricing rates. Self-hosted endpoints are
// free by default.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		"local":                      {},
	}
}
