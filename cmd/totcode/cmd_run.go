package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/totcode/budget"
	"github.com/scttfrdmn/totcode/config"
	"github.com/scttfrdmn/totcode/dataset"
	"github.com/scttfrdmn/totcode/driver"
	"github.com/scttfrdmn/totcode/observability"
	"github.com/scttfrdmn/totcode/task"
)

var runFlags struct {
	provider       string
	model          string
	dataset        string
	kind           string
	start          int
	end            int
	workers        int
	startDelay     time.Duration
	output         string
	sink           string
	redisURL       string
	resume         bool
	haltOnError    bool
	upload         string
	naive          bool
	promptSample   string
	methodGenerate string
	methodEvaluate string
	methodSelect   string
	nGenerate      int
	nEvaluate      int
	nSelect        int
	temperature    float64
	maxTokens      int
	concurrency    int
	seed           uint64
	budgetUSD      float64
	metricsAddr    string
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Solve a range of dataset problems and write one JSON line per solution",
		Long: `Run solves problems [start, end) of the dataset. With --workers > 1 the
range is split into contiguous shards solved concurrently, each with its own
task, gateway and usage counter; shard i starts after i * --start-delay.

A failed problem is logged and skipped unless --halt-on-error is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyRunFlags(cmd, opts.cfg)
			return runRun(cmd, opts)
		},
	}

	d := config.Default()
	f := cmd.Flags()
	f.StringVar(&runFlags.provider, "provider", d.Provider.Name, "Model provider: openai, bedrock, gemini")
	f.StringVar(&runFlags.model, "model", d.Provider.Model, "Model name")
	f.StringVarP(&runFlags.dataset, "dataset", "d", "", "Dataset JSONL path or gs://bucket/object")
	f.StringVar(&runFlags.kind, "kind", "", "Task kind: function, script, script_with_starter (default: from dataset name)")
	f.IntVar(&runFlags.start, "start", d.Run.Start, "First index")
	f.IntVar(&runFlags.end, "end", d.Run.End, "End index, exclusive (0 = dataset end)")
	f.IntVar(&runFlags.workers, "workers", d.Run.Workers, "Concurrent shards")
	f.DurationVar(&runFlags.startDelay, "start-delay", d.Run.StartDelay, "Delay between shard starts")
	f.StringVarP(&runFlags.output, "output", "o", "", "Output JSONL path (default: logs/code/<model>_<dataset>_<time>.jsonl)")
	f.StringVar(&runFlags.sink, "sink", d.Run.Sink, "Result sink: file or redis")
	f.StringVar(&runFlags.redisURL, "redis-url", "", "Redis URL for the redis sink")
	f.BoolVar(&runFlags.resume, "resume", false, "Skip problems already present in --output")
	f.BoolVar(&runFlags.haltOnError, "halt-on-error", false, "Stop at the first failed problem")
	f.StringVar(&runFlags.upload, "upload", "", "Copy the output file to this gs:// URI when done")
	f.BoolVar(&runFlags.naive, "naive", false, "Sample completions without search")
	f.StringVar(&runFlags.promptSample, "prompt-sample", d.Search.PromptSample, "Generation prompt: standard or cot")
	f.StringVar(&runFlags.methodGenerate, "method-generate", d.Search.MethodGenerate, "Generation method: sample or propose")
	f.StringVar(&runFlags.methodEvaluate, "method-evaluate", d.Search.MethodEvaluate, "Evaluation method: value or vote")
	f.StringVar(&runFlags.methodSelect, "method-select", d.Search.MethodSelect, "Selection method: greedy or sample")
	f.IntVar(&runFlags.nGenerate, "n-generate", d.Search.NGenerate, "Candidates generated per parent")
	f.IntVar(&runFlags.nEvaluate, "n-evaluate", d.Search.NEvaluate, "Evaluation samples per prompt")
	f.IntVar(&runFlags.nSelect, "n-select", d.Search.NSelect, "Candidates kept per step")
	f.Float64Var(&runFlags.temperature, "temperature", d.Search.Temperature, "Sampling temperature")
	f.IntVar(&runFlags.maxTokens, "max-tokens", d.Search.MaxTokens, "Output token limit per completion (0 = provider default)")
	f.IntVar(&runFlags.concurrency, "concurrency", d.Search.Concurrency, "Model calls in flight per search phase")
	f.Uint64Var(&runFlags.seed, "seed", 0, "Seed for sample selection")
	f.Float64Var(&runFlags.budgetUSD, "budget-usd", 0, "Stop calling the model once this much has been spent per worker")
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	str := func(name string, dst *string, v string) {
		if set(name) {
			*dst = v
		}
	}
	num := func(name string, dst *int, v int) {
		if set(name) {
			*dst = v
		}
	}
	flag := func(name string, dst *bool, v bool) {
		if set(name) {
			*dst = v
		}
	}

	str("provider", &cfg.Provider.Name, runFlags.provider)
	str("model", &cfg.Provider.Model, runFlags.model)
	str("dataset", &cfg.Dataset.Path, runFlags.dataset)
	str("kind", &cfg.Dataset.Kind, runFlags.kind)
	num("start", &cfg.Run.Start, runFlags.start)
	num("end", &cfg.Run.End, runFlags.end)
	num("workers", &cfg.Run.Workers, runFlags.workers)
	str("output", &cfg.Run.Output, runFlags.output)
	str("sink", &cfg.Run.Sink, runFlags.sink)
	str("redis-url", &cfg.Run.RedisURL, runFlags.redisURL)
	flag("resume", &cfg.Run.Resume, runFlags.resume)
	flag("halt-on-error", &cfg.Run.HaltOnError, runFlags.haltOnError)
	str("upload", &cfg.Run.Upload, runFlags.upload)
	flag("naive", &cfg.Search.Naive, runFlags.naive)
	str("prompt-sample", &cfg.Search.PromptSample, runFlags.promptSample)
	str("method-generate", &cfg.Search.MethodGenerate, runFlags.methodGenerate)
	str("method-evaluate", &cfg.Search.MethodEvaluate, runFlags.methodEvaluate)
	str("method-select", &cfg.Search.MethodSelect, runFlags.methodSelect)
	num("n-generate", &cfg.Search.NGenerate, runFlags.nGenerate)
	num("n-evaluate", &cfg.Search.NEvaluate, runFlags.nEvaluate)
	num("n-select", &cfg.Search.NSelect, runFlags.nSelect)
	num("max-tokens", &cfg.Search.MaxTokens, runFlags.maxTokens)
	num("concurrency", &cfg.Search.Concurrency, runFlags.concurrency)
	str("metrics-addr", &cfg.Observability.MetricsAddr, runFlags.metricsAddr)

	if set("start-delay") {
		cfg.Run.StartDelay = runFlags.startDelay
	}
	if set("temperature") {
		cfg.Search.Temperature = runFlags.temperature
	}
	if set("seed") {
		seed := runFlags.seed
		cfg.Search.Seed = &seed
	}
	if set("budget-usd") {
		cfg.Gateway.BudgetUSD = runFlags.budgetUSD
	}
}

// defaultOutput mirrors logs/code/<model>_<dataset>_<timestamp>.jsonl.
func defaultOutput(model, datasetPath string, now time.Time) string {
	base := strings.TrimSuffix(filepath.Base(datasetPath), filepath.Ext(datasetPath))
	return filepath.Join("logs", "code", fmt.Sprintf("%s_%s_%s.jsonl", model, base, now.Format("20060102_150405")))
}

func runRun(cmd *cobra.Command, opts *rootOptions) error {
	ctx := cmd.Context()
	cfg := opts.cfg
	logger := opts.logger

	if cfg.Run.Sink == config.SinkFile && cfg.Run.Output == "" && cfg.Dataset.Path != "" {
		cfg.Run.Output = defaultOutput(cfg.Provider.Model, cfg.Dataset.Path, time.Now())
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	stopTelemetry, err := startTelemetry(ctx, cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer stopTelemetry(context.WithoutCancel(ctx))

	data, err := dataset.Load(ctx, cfg.Dataset.Path, dataset.Options{
		CredentialsFile: cfg.Dataset.CredentialsFile,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	end := cfg.Run.End
	if end == 0 {
		end = data.Len()
	}
	if end > data.Len() {
		return fmt.Errorf("end index %d is past the dataset size %d", end, data.Len())
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	gatewayMetrics, err := observability.NewGatewayMetrics(nil)
	if err != nil {
		return err
	}
	runMetrics, err := observability.NewRunMetrics(nil)
	if err != nil {
		return err
	}

	sink, completed, err := openSink(ctx, cfg, runID, logger)
	if err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		counters []*budget.Counter
	)
	factory := func(ctx context.Context, worker int, r driver.Range) (*driver.Driver, error) {
		wlog := logger.With("worker", worker)
		t, err := task.NewCodeTask(data, task.Kind(cfg.Dataset.Kind))
		if err != nil {
			return nil, err
		}
		counter := budget.NewCounter(nil)
		gw, err := newGateway(ctx, cfg, counter, gatewayMetrics, wlog)
		if err != nil {
			return nil, err
		}
		s, err := newSolver(cfg.Search, gw, wlog)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		counters = append(counters, counter)
		mu.Unlock()

		return driver.New(s, t, sink,
			driver.WithRunID(runID),
			driver.WithHaltOnError(cfg.Run.HaltOnError),
			driver.WithCompleted(completed),
			driver.WithLogger(wlog),
			driver.WithMetrics(runMetrics),
		)
	}

	ranges := driver.SplitRange(cfg.Run.Start, end, cfg.Run.Workers)
	logger.Info("starting run",
		"dataset", cfg.Dataset.Path,
		"start", cfg.Run.Start,
		"end", end,
		"shards", len(ranges),
		"model", cfg.Provider.Model,
	)
	results, runErr := driver.RunShards(ctx, ranges, cfg.Run.StartDelay, factory, logger)

	if err := sink.Close(); err != nil && runErr == nil {
		runErr = err
	}

	writeRunSummary(cmd.OutOrStdout(), runID, cfg, results, counters)

	if runErr == nil && cfg.Run.Upload != "" && cfg.Run.Sink == config.SinkFile {
		if err := dataset.Upload(ctx, cfg.Run.Output, cfg.Run.Upload, cfg.Dataset.CredentialsFile); err != nil {
			return err
		}
		logger.Info("uploaded results", "uri", cfg.Run.Upload)
	}
	return runErr
}

// openSink opens the configured sink and, when resuming, the set of task
// ids already written to it.
func openSink(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (driver.Sink, map[string]bool, error) {
	if cfg.Run.Sink == config.SinkRedis {
		key := driver.RedisKey(cfg.Run.RedisPrefix, runID)
		s, err := driver.NewRedisSink(cfg.Run.RedisURL, key)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		logger.Info("writing results to redis", "key", key)
		return s, nil, nil
	}

	var completed map[string]bool
	if cfg.Run.Resume {
		done, err := driver.LoadSolutions(cfg.Run.Output, logger)
		if err != nil {
			return nil, nil, err
		}
		completed = driver.CompletedIDs(done)
		logger.Info("resuming", "output", cfg.Run.Output, "completed", len(completed))
	}
	s, err := driver.NewFileSink(cfg.Run.Output)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("writing results", "output", cfg.Run.Output)
	return s, completed, nil
}

func writeRunSummary(w io.Writer, runID string, cfg *config.Config, results []driver.ShardResult, counters []*budget.Counter) {
	var solved, failed, skipped, written int
	for _, r := range results {
		if r.Report == nil {
			continue
		}
		solved += r.Report.Solved
		failed += r.Report.Failed
		skipped += r.Report.Skipped
		written += r.Report.Written
	}

	var total budget.Usage
	priced := true
	for _, c := range counters {
		u, err := c.Usage(cfg.Provider.Model)
		if errors.Is(err, budget.ErrUnknownModel) {
			priced = false
		}
		total.PromptTokens += u.PromptTokens
		total.CompletionTokens += u.CompletionTokens
		total.Calls += u.Calls
		total.Truncated += u.Truncated
		total.Cost += u.Cost
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", runID)
	fmt.Fprintf(tw, "solved\t%d\n", solved)
	fmt.Fprintf(tw, "failed\t%d\n", failed)
	fmt.Fprintf(tw, "skipped\t%d\n", skipped)
	fmt.Fprintf(tw, "solutions\t%d\n", written)
	fmt.Fprintf(tw, "calls\t%d\n", total.Calls)
	fmt.Fprintf(tw, "prompt_tokens\t%d\n", total.PromptTokens)
	fmt.Fprintf(tw, "completion_tokens\t%d\n", total.CompletionTokens)
	fmt.Fprintf(tw, "truncated\t%d\n", total.Truncated)
	if priced {
		fmt.Fprintf(tw, "cost\t$%.4f (%s)\n", total.Cost, cfg.Provider.Model)
	} else {
		fmt.Fprintf(tw, "cost\tunknown (no price for %s)\n", cfg.Provider.Model)
	}
	if cfg.Run.Sink == config.SinkFile {
		fmt.Fprintf(tw, "output\t%s\n", cfg.Run.Output)
	}
	tw.Flush()
}
