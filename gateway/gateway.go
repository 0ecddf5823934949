// Package gateway implements the resilient model-call layer: one logical
// "generate n completions" operation on top of a provider client.
//
// A Gateway splits n into provider-sized chunks, retries the whole chunked
// call with exponential backoff, fails over to an optional backup client,
// counts truncated completions and token usage, and always returns exactly
// n outputs even when the provider response is malformed.
//
// Example:
//
//	gw, err := gateway.New(primary, budget.NewCounter(nil),
//	    gateway.WithBackup(backup),
//	    gateway.WithModel("gpt-4o-mini"),
//	)
//	outputs, err := gw.Generate(ctx, prompt, gateway.Params{N: 5, Temperature: 0.7})
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
	"github.com/scttfrdmn/totcode/adapter/llm"
	"github.com/scttfrdmn/totcode/budget"
	"github.com/scttfrdmn/totcode/observability"
	"github.com/scttfrdmn/totcode/thought"
)

// DefaultModel is used when neither the gateway nor the call names a model.
const DefaultModel = "gpt-4"

// FailoverMode selects which primary errors are sent to the backup client.
type FailoverMode string

const (
	// FailoverAnyError sends every primary failure to the backup.
	FailoverAnyError FailoverMode = "any"
	// FailoverLimitsOnly sends only rate and size limit failures to the backup.
	FailoverLimitsOnly FailoverMode = "limits"
)

// Params are the sampling parameters of one logical generation.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	N           int
	Stop        []string
}

// Result is the outcome of one logical generation.
type Result struct {
	// Outputs always holds exactly N strings, in request order.
	Outputs []string
	// FinishReasons is parallel to Outputs. Padded outputs have "".
	FinishReasons []string
	// Truncated counts outputs that stopped at the token ceiling.
	Truncated int
	// Malformed counts outputs coerced from an unexpected response shape.
	Malformed int
}

// Gateway wraps a primary and optional backup client.
type Gateway struct {
	primary  llm.Client
	backup   llm.Client
	counter  *budget.Counter
	model    string
	chunkCap int
	failover FailoverMode
	policy   RetryPolicy
	limiter  *rate.Limiter
	budget   *budget.Limiter
	logger   *slog.Logger
	metrics  *observability.GatewayMetrics
	tracer   trace.Tracer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBackup sets the failover client.
func WithBackup(client llm.Client) Option {
	return func(g *Gateway) {
		g.backup = client
	}
}

// WithModel sets the model used when Params.Model is empty.
func WithModel(model string) Option {
	return func(g *Gateway) {
		g.model = model
	}
}

// WithChunkCap limits the choices requested per provider call below the
// client's own cap.
func WithChunkCap(n int) Option {
	return func(g *Gateway) {
		g.chunkCap = n
	}
}

// WithFailoverMode selects which errors trigger failover.
func WithFailoverMode(mode FailoverMode) Option {
	return func(g *Gateway) {
		g.failover = mode
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(g *Gateway) {
		g.policy = policy
	}
}

// WithRateLimit throttles provider calls to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBudget stops the gateway once the limiter's ceiling is reached.
func WithBudget(limiter *budget.Limiter) Option {
	return func(g *Gateway) {
		g.budget = limiter
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New creates a gateway over primary. Usage is accumulated into counter,
// which callers share with whoever reports cost.
func New(primary llm.Client, counter *budget.Counter, opts ...Option) (*Gateway, error) {
	if primary == nil {
		return nil, apierrors.NewConfigError("provider", "no primary model client configured")
	}
	if counter == nil {
		counter = budget.NewCounter(nil)
	}

	g := &Gateway{
		primary:  primary,
		counter:  counter,
		model:    DefaultModel,
		failover: FailoverAnyError,
		policy:   DefaultRetryPolicy(),
		logger:   slog.Default(),
		tracer:   observability.GetTracer("totcode.gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.metrics == nil {
		m, err := observability.NewGatewayMetrics(nil)
		if err != nil {
			return nil, err
		}
		g.metrics = m
	}
	return g, nil
}

// Counter returns the usage counter the gateway writes to.
func (g *Gateway) Counter() *budget.Counter {
	return g.counter
}

// Model returns the default model.
func (g *Gateway) Model() string {
	return g.model
}

// Usage reports cumulative token counts and their cost for the default model.
func (g *Gateway) Usage() (budget.Usage, error) {
	return g.counter.Usage(g.model)
}

// Generate sends prompt as a single user message and returns exactly
// p.N outputs.
func (g *Gateway) Generate(ctx context.Context, prompt string, p Params) ([]string, error) {
	res, err := g.Complete(ctx, thought.UserPrompt(prompt), p)
	if err != nil {
		return nil, err
	}
	return res.Outputs, nil
}

// Complete runs one logical generation over messages. The whole chunked
// call is retried under the gateway's policy; any completed attempt yields
// exactly p.N outputs.
func (g *Gateway) Complete(ctx context.Context, messages []thought.Message, p Params) (*Result, error) {
	if p.N < 1 {
		return nil, fmt.Errorf("n must be at least 1, got %d", p.N)
	}
	if err := thought.ValidateAll(messages); err != nil {
		return nil, fmt.Errorf("invalid messages: %w", err)
	}
	if p.Model == "" {
		p.Model = g.model
	}

	ctx, span := g.tracer.Start(ctx, "gateway.complete", trace.WithAttributes(
		attribute.String("model", p.Model),
		attribute.Int("n", p.N),
		attribute.String("provider", g.primary.Provider()),
	))

	var result *Result
	attempt := 0
	operation := func() error {
		attempt++
		res, err := g.completeChunks(ctx, messages, p)
		if err != nil {
			if !g.policy.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	notify := func(err error, delay time.Duration) {
		g.metrics.RecordRetry(ctx)
		g.logger.WarnContext(ctx, "model call failed, retrying",
			"provider", g.primary.Provider(),
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, g.policy.NewBackOff(ctx), notify)
	if err != nil {
		g.logger.ErrorContext(ctx, "model call gave up", "attempts", attempt, "error", err)
		observability.EndSpan(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("attempts", attempt),
		attribute.Int("truncated", result.Truncated),
	)
	observability.EndSpan(span, nil)
	return result, nil
}

// completeChunks issues ceil(n/cap) provider calls and concatenates their
// outputs in order.
func (g *Gateway) completeChunks(ctx context.Context, messages []thought.Message, p Params) (*Result, error) {
	limit := g.perCallCap()
	res := &Result{
		Outputs:       make([]string, 0, p.N),
		FinishReasons: make([]string, 0, p.N),
	}

	for remaining := p.N; remaining > 0; {
		cnt := min(remaining, limit)
		remaining -= cnt

		req := llm.BuildRequest(p.Model, messages,
			llm.WithTemperature(p.Temperature),
			llm.WithN(cnt),
			llm.WithStop(p.Stop...),
		)
		if p.MaxTokens > 0 {
			llm.WithMaxTokens(p.MaxTokens)(req)
		}

		resp, err := g.callWithFailover(ctx, req)
		if err != nil {
			return nil, err
		}

		c := coerce(resp, cnt)
		if c.malformed > 0 {
			malformed := &apierrors.MalformedResponseError{
				Provider: g.primary.Provider(),
				Reason:   fmt.Sprintf("%d of %d choices had no text", c.malformed, cnt),
			}
			g.logger.WarnContext(ctx, "substituted raw rendering for malformed choices", "error", malformed)
			g.metrics.RecordMalformed(ctx, c.malformed)
		}
		if c.truncated > 0 {
			g.logger.WarnContext(ctx, "completions truncated at max_tokens",
				"truncated", c.truncated,
				"requested", cnt,
				"max_tokens", p.MaxTokens,
			)
			g.counter.AddTruncated(c.truncated)
			g.metrics.RecordTruncated(ctx, c.truncated)
		}

		res.Outputs = append(res.Outputs, c.outputs...)
		res.FinishReasons = append(res.FinishReasons, c.reasons...)
		res.Truncated += c.truncated
		res.Malformed += c.malformed
	}

	return res, nil
}

func (g *Gateway) perCallCap() int {
	limit := g.primary.MaxChoicesPerCall()
	if g.backup != nil {
		limit = min(limit, g.backup.MaxChoicesPerCall())
	}
	if g.chunkCap > 0 {
		limit = min(limit, g.chunkCap)
	}
	return max(limit, 1)
}

// callWithFailover sends req to the primary and, on an eligible failure,
// once to the backup. If the backup also fails the primary error is returned.
func (g *Gateway) callWithFailover(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := g.call(ctx, g.primary, req)
	if err == nil {
		return resp, nil
	}
	if !g.policy.Retryable(err) {
		return nil, err
	}

	if g.backup == nil {
		g.logger.WarnContext(ctx, "model call failed and no backup endpoint is configured",
			"provider", g.primary.Provider(),
			"kind", apierrors.KindOf(err),
			"error", err,
		)
		return nil, err
	}
	if g.failover == FailoverLimitsOnly && !apierrors.FailoverEligible(err) {
		return nil, err
	}

	g.logger.WarnContext(ctx, "model call failed, switching to backup",
		"provider", g.primary.Provider(),
		"backup", g.backup.Provider(),
		"kind", apierrors.KindOf(err),
		"error", err,
	)
	resp, backupErr := g.call(ctx, g.backup, req.Clone())
	g.metrics.RecordFailover(ctx, backupErr == nil)
	if backupErr != nil {
		g.logger.WarnContext(ctx, "backup call failed", "backup", g.backup.Provider(), "error", backupErr)
		return nil, err
	}
	return resp, nil
}

// call performs one provider request and records its usage.
func (g *Gateway) call(ctx context.Context, client llm.Client, req *llm.Request) (*llm.Response, error) {
	if g.budget != nil {
		if err := g.budget.Check(); err != nil {
			return nil, err
		}
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	resp, err := client.Complete(ctx, req)
	g.metrics.RecordCall(ctx, client.Provider(), time.Since(start), err)
	if err != nil {
		return nil, apierrors.Classify(client.Provider(), err)
	}
	if resp == nil {
		resp = &llm.Response{}
	}

	g.counter.Add(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	g.metrics.RecordUsage(ctx, client.Provider(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}
