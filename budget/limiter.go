package budget

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrBudgetExceeded is returned once the spend of a run reaches its ceiling.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Limiter enforces a cost ceiling over a Counter.
//
// Actions on budget exceeded:
//   - "error": return ErrBudgetExceeded
//   - "warning": log a warning and continue
//
// Example:
//
//	counter := NewCounter(nil)
//	limiter, _ := NewLimiter(counter, "gpt-4o", 5.00, "error")
//	if err := limiter.Check(); err != nil {
//	    // stop issuing calls
//	}
type Limiter struct {
	counter *Counter
	model   string
	limit   float64
	action  string
	logger  *slog.Logger
}

// NewLimiter creates a limiter that allows spending up to limit dollars on model.
func NewLimiter(counter *Counter, model string, limit float64, action string) (*Limiter, error) {
	if counter == nil {
		return nil, fmt.Errorf("counter is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got: %v", limit)
	}
	if action == "" {
		action = "error"
	}
	if action != "error" && action != "warning" {
		return nil, fmt.Errorf("action must be 'error' or 'warning', got: %s", action)
	}
	if _, ok := counter.Pricing().GetPrice(model); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return &Limiter{counter: counter, model: model, limit: limit, action: action, logger: slog.Default()}, nil
}

// Check returns ErrBudgetExceeded when the counter's cost has reached the
// limit and the action is "error".
func (l *Limiter) Check() error {
	u, err := l.counter.Usage(l.model)
	if err != nil {
		return err
	}
	if u.Cost < l.limit {
		return nil
	}
	if l.action == "warning" {
		l.logger.Warn("budget exceeded", "model", l.model, "cost", u.Cost, "limit", l.limit)
		return nil
	}
	return fmt.Errorf("%w: spent $%.4f of $%.4f on %s", ErrBudgetExceeded, u.Cost, l.limit, l.model)
}

// Remaining returns the dollars left before the limit.
func (l *Limiter) Remaining() float64 {
	u, err := l.counter.Usage(l.model)
	if err != nil {
		return 0
	}
	if r := l.limit - u.Cost; r > 0 {
		return r
	}
	return 0
}
