package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
	"github.com/scttfrdmn/totcode/budget"
)

// RetryPolicy configures how a failed generation is retried. The whole
// chunked call is retried, not the individual provider request.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Zero means unbounded.
	MaxAttempts int

	// MaxElapsedTime stops retrying once this much time has passed since
	// the first attempt. Zero means unbounded.
	MaxElapsedTime time.Duration

	// InitialInterval is the delay before the first retry.
	// Default: 1s
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	// Default: 60s
	MaxInterval time.Duration

	// Multiplier grows the delay after each retry.
	// Default: 2.0
	Multiplier float64

	// Jitter randomizes each delay by up to this fraction.
	// Default: 0.5
	Jitter float64

	// ShouldRetry determines if an error should trigger a retry.
	// If nil, every error except configuration and budget errors is retried.
	ShouldRetry func(error) bool
}

// DefaultRetryPolicy returns the unbounded exponential policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.5,
	}
}

// NoRetry returns a policy that makes a single attempt.
func NoRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 1
	return p
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// NewBackOff builds the backoff schedule for one logical generation.
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = p.MaxElapsedTime
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Retryable reports whether err may be retried under this policy.
func (p RetryPolicy) Retryable(err error) bool {
	var cfgErr *apierrors.ConfigError
	switch {
	case errors.As(err, &cfgErr),
		errors.Is(err, budget.ErrBudgetExceeded),
		errors.Is(err, context.Canceled):
		return false
	}
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return true
}
