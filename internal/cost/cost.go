// Package cost converts token counts into USD and picks fallback models.
package cost

import (
	"math"
	"strings"
	"sync"
)

// Price is the USD price per 1,000 tokens.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// DefaultPrice applies to models missing from the pricing table.
var DefaultPrice = Price{Input: 0.0005, Output: 0.0015}

// DefaultPricing is the canonical pricing table, USD per 1K tokens.
func DefaultPricing() map[string]Price {
	return map[string]Price{
		"gpt-4":             {Input: 0.03, Output: 0.06},
		"gpt-4-turbo":       {Input: 0.01, Output: 0.03},
		"gpt-4o":            {Input: 0.005, Output: 0.015},
		"gpt-4o-mini":       {Input: 0.00015, Output: 0.0006},
		"gpt-3.5-turbo":     {Input: 0.0005, Output: 0.0015},
		"claude-3-opus":     {Input: 0.015, Output: 0.075},
		"claude-3-5-sonnet": {Input: 0.003, Output: 0.015},
		"claude-3-haiku":    {Input: 0.00025, Output: 0.00125},
		"gemini-1.5-pro":    {Input: 0.0035, Output: 0.0105},
		"gemini-1.5-flash":  {Input: 0.00035, Output: 0.00105},
		"llama-3-70b":       {Input: 0.00059, Output: 0.00079},
		"llama-3-8b":        {Input: 0.00005, Output: 0.00008},
		"mistral-7b":        {Input: 0.00025, Output: 0.00025},
	}
}

// Chain is an ordered list of models to degrade through.
type Chain struct {
	Name   string
	Models []string
}

// EconomyChain is the chain used when a model is unknown or exhausted.
const EconomyChain = "economy"

// DefaultChains returns the fallback chains in lookup order.
func DefaultChains() []Chain {
	return []Chain{
		{Name: "high_performance", Models: []string{"gpt-4o", "claude-3-5-sonnet", "gpt-4-turbo", "gpt-4"}},
		{Name: "balanced", Models: []string{"gpt-4o-mini", "claude-3-haiku", "gemini-1.5-flash"}},
		{Name: EconomyChain, Models: []string{"gpt-3.5-turbo", "llama-3-8b", "mistral-7b"}},
	}
}

// Calculator prices token usage and resolves model fallbacks.
// It is safe for concurrent use.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]Price
	chains  []Chain
}

// NewCalculator creates a calculator with the default pricing table and
// chains. overrides replace or add individual model prices.
func NewCalculator(overrides map[string]Price) *Calculator {
	pricing := DefaultPricing()
	for model, p := range overrides {
		pricing[strings.ToLower(model)] = p
	}
	return &Calculator{
		pricing: pricing,
		chains:  DefaultChains(),
	}
}

// Price returns the price for a model and whether it was found in the table.
func (c *Calculator) Price(model string) (Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pricing[strings.ToLower(model)]
	if !ok {
		return DefaultPrice, false
	}
	return p, true
}

// CalculateCost returns the USD cost of a call rounded to 6 decimal places.
func (c *Calculator) CalculateCost(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	p, _ := c.Price(model)
	cost := float64(inputTokens)/1000*p.Input + float64(outputTokens)/1000*p.Output
	return round6(cost)
}

// NextModel returns the model after current in the first chain that
// contains it. When current is unknown or last in its chain, the head of
// the economy chain is returned. An empty string means no chain exists.
func (c *Calculator) NextModel(current string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, chain := range c.chains {
		for i, m := range chain.Models {
			if m != current {
				continue
			}
			if i+1 < len(chain.Models) {
				return chain.Models[i+1]
			}
			return c.economyHead()
		}
	}
	return c.economyHead()
}

func (c *Calculator) economyHead() string {
	for _, chain := range c.chains {
		if chain.Name == EconomyChain && len(chain.Models) > 0 {
			return chain.Models[0]
		}
	}
	return ""
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
