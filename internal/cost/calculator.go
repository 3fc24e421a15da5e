package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rates holds the pricing configuration for everything an evaluation run
// can spend money on: reasoning model tokens and per-call verification fees.
type Rates struct {
	Anthropic    map[string]ModelRate `yaml:"anthropic"`
	Verification VerificationRates    `yaml:"verification"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// VerificationRates holds the expected micropayment fee per verify tool.
// The actual charge comes from the 402 response; these are caps used for
// sanity-checking what the service asks for.
type VerificationRates struct {
	DocumentUSD float64 `yaml:"document_usd"`
	ImageUSD    float64 `yaml:"image_usd"`
	FraudUSD    float64 `yaml:"fraud_usd"`
}

// Calculator computes costs for an evaluation run.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of a reasoning backend call.
func (c *Calculator) Claude(model string, input, output int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// VerificationCap returns the maximum acceptable fee for the named verify
// tool. Zero means no configured cap.
func (c *Calculator) VerificationCap(tool string) float64 {
	switch tool {
	case "verify_document":
		return c.rates.Verification.DocumentUSD
	case "verify_image":
		return c.rates.Verification.ImageUSD
	case "verify_fraud":
		return c.rates.Verification.FraudUSD
	default:
		return 0
	}
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		},
		Verification: VerificationRates{
			DocumentUSD: 0.10,
			ImageUSD:    0.15,
			FraudUSD:    0.25,
		},
	}
}

// LoadRates reads a rates schedule from a YAML file, overlaying the defaults.
// An empty path returns the defaults unchanged.
func LoadRates(path string) (Rates, error) {
	rates := DefaultRates()
	if path == "" {
		return rates, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rates, eris.Wrapf(err, "cost: read rates file %s", path)
	}
	if err := yaml.Unmarshal(data, &rates); err != nil {
		return rates, eris.Wrapf(err, "cost: parse rates file %s", path)
	}
	return rates, nil
}
