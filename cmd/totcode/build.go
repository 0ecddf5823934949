package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scttfrdmn/totcode/adapter/llm"
	"github.com/scttfrdmn/totcode/budget"
	"github.com/scttfrdmn/totcode/config"
	"github.com/scttfrdmn/totcode/gateway"
	"github.com/scttfrdmn/totcode/observability"
	"github.com/scttfrdmn/totcode/solver"
)

const serviceName = "totcode"

func newClient(ctx context.Context, p config.ProviderConfig, label string) (llm.Client, error) {
	switch p.Name {
	case config.ProviderOpenAI:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     p.APIKey,
			BaseURL:    p.BaseURL,
			Name:       label,
			MaxChoices: p.MaxChoices,
		})
	case config.ProviderBedrock:
		return llm.NewBedrockClient(ctx, llm.BedrockConfig{
			Region:      p.Region,
			Profile:     p.Profile,
			EndpointURL: p.BaseURL,
		})
	case config.ProviderGemini:
		return llm.NewGeminiClient(ctx, p.APIKey)
	}
	return nil, fmt.Errorf("unknown provider %q", p.Name)
}

func retryPolicy(g config.GatewayConfig) gateway.RetryPolicy {
	p := gateway.DefaultRetryPolicy()
	p.MaxAttempts = g.MaxAttempts
	p.MaxElapsedTime = g.MaxElapsed
	if g.InitialInterval > 0 {
		p.InitialInterval = g.InitialInterval
	}
	if g.MaxInterval > 0 {
		p.MaxInterval = g.MaxInterval
	}
	return p
}

// newGateway builds one worker's gateway. Every worker has its own
// counter; metrics are shared.
func newGateway(ctx context.Context, cfg *config.Config, counter *budget.Counter, metrics *observability.GatewayMetrics, logger *slog.Logger) (*gateway.Gateway, error) {
	primary, err := newClient(ctx, cfg.Provider, "primary")
	if err != nil {
		return nil, err
	}

	opts := []gateway.Option{
		gateway.WithModel(cfg.Provider.Model),
		gateway.WithFailoverMode(gateway.FailoverMode(cfg.Gateway.Failover)),
		gateway.WithRetryPolicy(retryPolicy(cfg.Gateway)),
		gateway.WithRateLimit(cfg.Gateway.RateLimit, cfg.Gateway.RateBurst),
		gateway.WithLogger(logger),
	}
	if metrics != nil {
		opts = append(opts, gateway.WithMetrics(metrics))
	}
	if cfg.Gateway.ChunkCap > 0 {
		opts = append(opts, gateway.WithChunkCap(cfg.Gateway.ChunkCap))
	}
	if cfg.Backup.Configured() {
		backup, err := newClient(ctx, cfg.Backup, "backup")
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		opts = append(opts, gateway.WithBackup(backup))
	}
	if cfg.Gateway.BudgetUSD > 0 {
		limiter, err := budget.NewLimiter(counter, cfg.Provider.Model, cfg.Gateway.BudgetUSD, cfg.Gateway.BudgetAction)
		if err != nil {
			return nil, fmt.Errorf("budget: %w", err)
		}
		opts = append(opts, gateway.WithBudget(limiter))
	}

	return gateway.New(primary, counter, opts...)
}

func newSolver(s config.SearchConfig, model solver.Model, logger *slog.Logger) (solver.Solver, error) {
	opts := []solver.Option{
		solver.WithPromptStyle(solver.PromptStyle(s.PromptSample)),
		solver.WithSamples(s.NGenerate, s.NEvaluate, s.NSelect),
		solver.WithTemperature(s.Temperature),
		solver.WithMaxTokens(s.MaxTokens),
		solver.WithLogger(logger),
	}
	if s.Naive {
		return solver.NewNaiveSolver(model, opts...)
	}

	opts = append(opts,
		solver.WithGenerateMethod(solver.GenerateMethod(s.MethodGenerate)),
		solver.WithEvaluateMethod(solver.EvaluateMethod(s.MethodEvaluate)),
		solver.WithSelectMethod(solver.SelectMethod(s.MethodSelect)),
		solver.WithConcurrency(s.Concurrency),
		solver.WithSampleFloor(s.SampleFloor),
		solver.WithValueCache(s.ValueCache),
	)
	if s.Seed != nil {
		opts = append(opts, solver.WithSeed(*s.Seed))
	}
	return solver.NewTreeSolver(model, opts...)
}

// startTelemetry installs tracing and the Prometheus endpoint when they
// are configured. The returned function flushes and stops them.
func startTelemetry(ctx context.Context, o config.ObservabilityConfig, logger *slog.Logger) (func(context.Context), error) {
	var stops []func(context.Context) error

	if o.OTLPEndpoint != "" || o.ConsoleTraces {
		if _, err := observability.InitTracing(ctx, serviceName, o.OTLPEndpoint, o.ConsoleTraces); err != nil {
			return nil, err
		}
		stops = append(stops, observability.Shutdown)
	}

	if o.MetricsAddr != "" {
		if _, err := observability.InitMetrics(ctx, serviceName); err != nil {
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: o.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", o.MetricsAddr, "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", o.MetricsAddr)
		stops = append(stops, srv.Shutdown, observability.ShutdownMetrics)
	}

	return func(ctx context.Context) {
		for _, stop := range stops {
			if err := stop(ctx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}
	}, nil
}
