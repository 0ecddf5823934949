package budget

import (
	"sync"
	"sync/atomic"
)

// Usage is a point-in-time read of a Counter.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Calls            int64   `json:"calls"`
	Truncated        int64   `json:"truncated"`
	Cost             float64 `json:"cost"`
}

// Counter accumulates token usage across every call made through a gateway.
// It is safe for concurrent use. A Counter is owned by one process; sharded
// workers each build their own.
type Counter struct {
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	calls            atomic.Int64
	truncated        atomic.Int64

	mu      sync.Mutex
	pricing *ModelPricing
}

// NewCounter creates a counter priced with pricing. A nil pricing uses the
// default table.
func NewCounter(pricing *ModelPricing) *Counter {
	if pricing == nil {
		pricing = NewModelPricing()
	}
	return &Counter{pricing: pricing}
}

// Add records the token counts reported by one successful call.
func (c *Counter) Add(promptTokens, completionTokens int) {
	c.promptTokens.Add(int64(promptTokens))
	c.completionTokens.Add(int64(completionTokens))
	c.calls.Add(1)
}

// AddTruncated records completions that stopped at the token ceiling.
func (c *Counter) AddTruncated(n int) {
	c.truncated.Add(int64(n))
}

// Snapshot returns the current counts without a cost.
func (c *Counter) Snapshot() Usage {
	return Usage{
		PromptTokens:     c.promptTokens.Load(),
		CompletionTokens: c.completionTokens.Load(),
		Calls:            c.calls.Load(),
		Truncated:        c.truncated.Load(),
	}
}

// Usage returns the current counts and their cost for model. An unpriced
// model returns the counts together with ErrUnknownModel.
func (c *Counter) Usage(model string) (Usage, error) {
	u := c.Snapshot()
	c.mu.Lock()
	pricing := c.pricing
	c.mu.Unlock()

	cost, err := pricing.Calculate(model, u.PromptTokens, u.CompletionTokens)
	if err != nil {
		return u, err
	}
	u.Cost = cost
	return u, nil
}

// Pricing returns the price table used for cost.
func (c *Counter) Pricing() *ModelPricing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pricing
}
