package cost

import (
	"maps"
	"math"
	"strings"
)

// ModelPricing holds USD rates per million tokens.
type ModelPricing struct {
	Input       float64 `json:"input_per_million"`
	Output      float64 `json:"output_per_million"`
	CachedInput float64 `json:"cached_input_per_million,omitempty"`
}

var defaultPricing = map[string]ModelPricing{
	"anthropic/claude-opus-4-1":    {Input: 15.00, Output: 75.00, CachedInput: 1.50},
	"anthropic/claude-sonnet-4-5":  {Input: 3.00, Output: 15.00, CachedInput: 0.30},
	"anthropic/claude-haiku-4-5":   {Input: 1.00, Output: 5.00, CachedInput: 0.10},
	"anthropic/claude-3-7-sonnet":  {Input: 3.00, Output: 15.00, CachedInput: 0.30},
	"anthropic/claude-3-5-haiku":   {Input: 0.80, Output: 4.00, CachedInput: 0.08},
	"openai/gpt-4o":                {Input: 2.50, Output: 10.00, CachedInput: 1.25},
	"openai/gpt-4o-mini":           {Input: 0.15, Output: 0.60, CachedInput: 0.075},
	"openai/gpt-4.1":               {Input: 2.00, Output: 8.00, CachedInput: 0.50},
	"openai/gpt-4.1-mini":          {Input: 0.40, Output: 1.60, CachedInput: 0.10},
	"openai/o3":                    {Input: 2.00, Output: 8.00, CachedInput: 0.50},
	"gemini/gemini-2.5-pro":        {Input: 1.25, Output: 10.00, CachedInput: 0.31},
	"gemini/gemini-2.5-flash":      {Input: 0.30, Output: 2.50, CachedInput: 0.075},
	"gemini/gemini-2.0-flash":      {Input: 0.10, Output: 0.40, CachedInput: 0.025},
	"deepseek/deepseek-chat":       {Input: 0.27, Output: 1.10, CachedInput: 0.07},
	"deepseek/deepseek-reasoner":   {Input: 0.55, Output: 2.19, CachedInput: 0.14},
	"mistral/mistral-large-latest": {Input: 2.00, Output: 6.00},
	"mistral/mistral-small-latest": {Input: 0.10, Output: 0.30},

	"bedrock/anthropic.claude-opus-4-1":   {Input: 15.00, Output: 75.00, CachedInput: 1.50},
	"bedrock/anthropic.claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CachedInput: 0.30},
	"bedrock/anthropic.claude-haiku-4-5":  {Input: 1.00, Output: 5.00, CachedInput: 0.10},
	"bedrock/anthropic.claude-3-5-haiku":  {Input: 0.80, Output: 4.00, CachedInput: 0.08},
}

type Calculator struct {
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	return &Calculator{pricing: maps.Clone(defaultPricing)}
}

// Cost computes the USD cost of one call. Unknown (provider, model) pairs,
// typically local models, cost 0. cachedTokens is the cache-served subset of
// inputTokens.
func (c *Calculator) Cost(provider, model string, inputTokens, outputTokens, cachedTokens int) float64 {
	pricing, ok := c.Pricing(provider, model)
	if !ok {
		return 0
	}

	if cachedTokens > inputTokens {
		cachedTokens = inputTokens
	}
	freshTokens := inputTokens - cachedTokens

	cachedRate := pricing.CachedInput
	if cachedRate == 0 {
		cachedRate = pricing.Input
	}

	return float64(freshTokens)*pricing.Input/1e6 +
		float64(cachedTokens)*cachedRate/1e6 +
		float64(outputTokens)*pricing.Output/1e6
}

// Pricing resolves the rate card for a model. Dated releases fall back to
// their base entry, e.g. claude-sonnet-4-5-20250929 matches
// claude-sonnet-4-5.
func (c *Calculator) Pricing(provider, model string) (ModelPricing, bool) {
	if p, ok := c.pricing[provider+"/"+model]; ok {
		return p, true
	}

	prefix := provider + "/"
	var bestKey string
	for key := range c.pricing {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		base := key[len(prefix):]
		if strings.HasPrefix(model, base) && len(base) > len(bestKey) {
			bestKey = base
		}
	}
	if bestKey != "" {
		return c.pricing[prefix+bestKey], true
	}
	return ModelPricing{}, false
}

func (c *Calculator) SetPricing(provider, model string, pricing ModelPricing) {
	c.pricing[provider+"/"+model] = pricing
}

// Round truncates to display precision. Internal accumulation stays full
// precision; use this only at API boundaries.
func Round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
