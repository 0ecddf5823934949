// Package budget tracks token usage and cost for model calls.
//
// Components:
//   - ModelPricing: per-1K token prices for the models a run may target
//   - Counter: cumulative prompt/completion token counts shared by a gateway
//   - Limiter: optional cost ceiling checked before each gateway call
package budget

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownModel is returned when a model has no entry in the price table.
var ErrUnknownModel = errors.New("no pricing for model")

// Price holds the dollar cost of 1000 prompt and completion tokens.
type Price struct {
	Prompt     float64
	Completion float64
}

// ModelPricing provides pricing data for chat models.
//
// All prices are per 1000 tokens.
//
// Example:
//
//	pricing := NewModelPricing()
//	cost, err := pricing.Calculate("gpt-4", 1000, 1000)
//	// cost == 0.09
type ModelPricing struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewModelPricing creates a new ModelPricing instance with default rates.
func NewModelPricing() *ModelPricing {
	return &ModelPricing{
		prices: map[string]Price{
			"gpt-4":         {Prompt: 0.03, Completion: 0.06},
			"gpt-3.5-turbo": {Prompt: 0.0015, Completion: 0.002},
			"gpt-4o":        {Prompt: 0.0025, Completion: 0.01},
			"gpt-4o-mini":   {Prompt: 0.00015, Completion: 0.0006},
			"gpt-4.1-nano":  {Prompt: 0.0001, Completion: 0.0004},
		},
	}
}

// Calculate returns the cost of the given token counts for model.
func (m *ModelPricing) Calculate(model string, promptTokens, completionTokens int64) (float64, error) {
	m.mu.RLock()
	p, ok := m.prices[model]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return float64(promptTokens)/1000*p.Prompt + float64(completionTokens)/1000*p.Completion, nil
}

// SetPrice adds or overrides the price for a model.
func (m *ModelPricing) SetPrice(model string, price Price) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[model] = price
}

// GetPrice returns the price for a model.
func (m *ModelPricing) GetPrice(model string) (Price, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[model]
	return p, ok
}

// Models returns the priced model names in sorted order.
func (m *ModelPricing) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.prices))
	for name := range m.prices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
