package pricing

import (
	"math"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/metrics"
)

// DefaultCreditsPerUSD converts provider USD cost into integer credits.
// One credit is one hundredth of a dollar at the default rate.
const DefaultCreditsPerUSD = 100

// fallback combined price when a descriptor carries no pricing
// ($2 per million tokens, gpt-3.5-ish)
const fallbackUSDPerMTok = 2.0

// Converter turns token usage into integer credits using the
// per-million-token prices published in the model catalog.
type Converter struct {
	creditsPerUSD float64
}

// NewConverter builds a Converter. A non-positive rate falls back to
// DefaultCreditsPerUSD.
func NewConverter(creditsPerUSD float64) *Converter {
	if creditsPerUSD <= 0 {
		creditsPerUSD = DefaultCreditsPerUSD
	}
	return &Converter{creditsPerUSD: creditsPerUSD}
}

// EstimateCredits returns a pre-flight credit estimate for a token
// estimate, assuming a 60/40 input/output split. The estimate is used
// only for candidate filtering; the authoritative charge comes from
// ActualCredits over provider-reported usage.
func (c *Converter) EstimateCredits(desc catalog.ModelDescriptor, estimatedTokens int) int {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	inputTokens := int(float64(estimatedTokens) * 0.6)
	outputTokens := estimatedTokens - inputTokens
	return c.ActualCredits(desc, inputTokens, outputTokens)
}

// ActualCredits converts actual input/output token usage into credits,
// rounded up so fractional cost is never given away.
func (c *Converter) ActualCredits(desc catalog.ModelDescriptor, inputTokens, outputTokens int) int {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	usd := c.costUSD(desc, inputTokens, outputTokens)
	credits := int(math.Ceil(usd * c.creditsPerUSD))
	if credits < 0 {
		credits = 0
	}
	return credits
}

func (c *Converter) costUSD(desc catalog.ModelDescriptor, inputTokens, outputTokens int) float64 {
	in := desc.InputCostPerMTok
	out := desc.OutputCostPerMTok
	if in <= 0 && out <= 0 {
		if desc.ID == "" {
			metrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
		} else {
			metrics.PricingFallbacks.WithLabelValues("unpriced_model").Inc()
		}
		return float64(inputTokens+outputTokens) / 1e6 * fallbackUSDPerMTok
	}
	return float64(inputTokens)/1e6*in + float64(outputTokens)/1e6*out
}
