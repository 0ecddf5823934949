// Package solver implements the breadth-first tree-of-thought search and
// the single-shot baseline over a task.Task and a model gateway.
package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
	"github.com/scttfrdmn/totcode/gateway"
	"github.com/scttfrdmn/totcode/observability"
	"github.com/scttfrdmn/totcode/task"
	"github.com/scttfrdmn/totcode/thought"
)

// ErrNoCandidates is returned when a generation step produced nothing to
// evaluate.
var ErrNoCandidates = errors.New("generation produced no candidates")

// Model is the completion capability the solvers need. *gateway.Gateway
// satisfies it.
type Model interface {
	Generate(ctx context.Context, prompt string, p gateway.Params) ([]string, error)
}

// Solver solves one task index.
type Solver interface {
	Solve(ctx context.Context, t task.Task, index int) (*Result, error)
}

// GenerateMethod selects how candidates are produced from a parent.
type GenerateMethod string

const (
	// GenerateSample draws independent completions of the same prompt.
	GenerateSample GenerateMethod = "sample"
	// GeneratePropose makes one call and splits its output into lines.
	GeneratePropose GenerateMethod = "propose"
)

// EvaluateMethod selects how candidates are scored.
type EvaluateMethod string

const (
	// EvaluateValue rates each candidate independently.
	EvaluateValue EvaluateMethod = "value"
	// EvaluateVote asks the model to pick the best of all candidates.
	EvaluateVote EvaluateMethod = "vote"
)

// SelectMethod selects how survivors are chosen from the scored pool.
type SelectMethod string

const (
	// SelectGreedy keeps the top scores, ties broken by pool order.
	SelectGreedy SelectMethod = "greedy"
	// SelectSample draws survivors weighted by score without replacement.
	SelectSample SelectMethod = "sample"
)

// PromptStyle selects the generation prompt wrap.
type PromptStyle string

const (
	// PromptStandard wraps the input in the single-shot prompt.
	PromptStandard PromptStyle = "standard"
	// PromptCoT wraps the input in the step-wise prompt.
	PromptCoT PromptStyle = "cot"
)

// DefaultSampleFloor is added to every weight during sample selection so a
// zero-score candidate can still be drawn.
const DefaultSampleFloor = 1e-3

// Step is one finished search step as returned with the result and logged
// at debug level.
type Step struct {
	Step       int       `json:"step"`
	Parents    []string  `json:"parents"`
	Candidates []string  `json:"candidates"`
	Scores     []float64 `json:"scores,omitempty"`
	Selected   []string  `json:"selected"`
}

// Result is the outcome of solving one index.
type Result struct {
	Index   int
	TaskID  string
	Input   *task.Input
	Outputs thought.Frontier
	Steps   []Step
	Tree    *SearchTree
}

// Solutions finalizes every output into a persisted record.
func (r *Result) Solutions(t task.Task) []task.Solution {
	out := make([]task.Solution, len(r.Outputs))
	for i, o := range r.Outputs {
		out[i] = t.Finalize(r.Input, string(o))
	}
	return out
}

type config struct {
	generate    GenerateMethod
	evaluate    EvaluateMethod
	selection   SelectMethod
	promptStyle PromptStyle
	nGenerate   int
	nEvaluate   int
	nSelect     int
	temperature float64
	maxTokens   int
	model       string
	concurrency int
	floor       float64
	source      rand.Source
	valueCache  bool
	logger      *slog.Logger
	tracer      trace.Tracer
}

func defaultConfig() config {
	return config{
		generate:    GenerateSample,
		evaluate:    EvaluateValue,
		selection:   SelectGreedy,
		promptStyle: PromptCoT,
		nGenerate:   1,
		nEvaluate:   1,
		nSelect:     1,
		temperature: 0.7,
		concurrency: 1,
		floor:       DefaultSampleFloor,
		valueCache:  true,
	}
}

// Option configures a solver.
type Option func(*config)

// WithGenerateMethod sets the generation method.
func WithGenerateMethod(m GenerateMethod) Option {
	return func(c *config) { c.generate = m }
}

// WithEvaluateMethod sets the evaluation method.
func WithEvaluateMethod(m EvaluateMethod) Option {
	return func(c *config) { c.evaluate = m }
}

// WithSelectMethod sets the selection method.
func WithSelectMethod(m SelectMethod) Option {
	return func(c *config) { c.selection = m }
}

// WithPromptStyle sets the prompt wrap used by sample generation and by the
// naive solver.
func WithPromptStyle(s PromptStyle) Option {
	return func(c *config) { c.promptStyle = s }
}

// WithSamples sets n_generate_sample, n_evaluate_sample and n_select_sample.
func WithSamples(generate, evaluate, selectN int) Option {
	return func(c *config) {
		c.nGenerate = generate
		c.nEvaluate = evaluate
		c.nSelect = selectN
	}
}

// WithTemperature sets the sampling temperature for every call.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithMaxTokens sets the output token limit for every call.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

// WithModel overrides the gateway's model name.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithConcurrency bounds the number of in-flight model calls within one
// phase of one step.
func WithConcurrency(n int) Option {
	return func(c *config) { c.concurrency = n }
}

// WithSampleFloor sets the weight floor used by sample selection.
func WithSampleFloor(floor float64) Option {
	return func(c *config) { c.floor = floor }
}

// WithRand sets the random source for sample selection.
func WithRand(src rand.Source) Option {
	return func(c *config) { c.source = src }
}

// WithSeed seeds sample selection deterministically.
func WithSeed(seed uint64) Option {
	return func(c *config) { c.source = rand.NewPCG(seed, seed) }
}

// WithValueCache enables or disables the value cache.
func WithValueCache(enabled bool) Option {
	return func(c *config) { c.valueCache = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithTracer sets the tracer used for per-index and per-step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) { c.tracer = tracer }
}

func (c *config) validate() error {
	switch c.generate {
	case GenerateSample, GeneratePropose:
	default:
		return apierrors.NewConfigError("method_generate", fmt.Sprintf("unknown method %q", c.generate))
	}
	switch c.evaluate {
	case EvaluateValue, EvaluateVote:
	default:
		return apierrors.NewConfigError("method_evaluate", fmt.Sprintf("unknown method %q", c.evaluate))
	}
	switch c.selection {
	case SelectGreedy, SelectSample:
	default:
		return apierrors.NewConfigError("method_select", fmt.Sprintf("unknown method %q", c.selection))
	}
	switch c.promptStyle {
	case PromptStandard, PromptCoT:
	default:
		return apierrors.NewConfigError("prompt_sample", fmt.Sprintf("unknown prompt style %q", c.promptStyle))
	}
	if c.nGenerate < 1 {
		return apierrors.NewConfigError("n_generate_sample", "must be at least 1")
	}
	if c.nEvaluate < 1 {
		return apierrors.NewConfigError("n_evaluate_sample", "must be at least 1")
	}
	if c.nSelect < 1 {
		return apierrors.NewConfigError("n_select_sample", "must be at least 1")
	}
	if c.floor < 0 {
		return apierrors.NewConfigError("sample_floor", "must not be negative")
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = observability.GetTracer("totcode.solver")
	}
	return nil
}

func (c *config) params(n int, stop []string) gateway.Params {
	return gateway.Params{
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		N:           n,
		Stop:        stop,
	}
}

func (c *config) wrap(t task.Task, in *task.Input, partial string) string {
	if c.promptStyle == PromptStandard {
		return t.StandardPrompt(in, partial)
	}
	return t.CoTPrompt(in, partial)
}

// TreeSolver runs the breadth-first search: every step generates
// candidates from each frontier thought, scores the pooled candidates and
// keeps a subset as the next frontier.
type TreeSolver struct {
	model Model
	cfg   config

	randMu sync.Mutex

	cacheMu sync.Mutex
	values  map[string]float64
}

// NewTreeSolver creates a tree solver over model.
func NewTreeSolver(model Model, opts ...Option) (*TreeSolver, error) {
	if model == nil {
		return nil, apierrors.NewConfigError("model", "model is required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &TreeSolver{
		model:  model,
		cfg:    cfg,
		values: make(map[string]float64),
	}, nil
}

// Solve runs every step of t for index and returns the final frontier.
func (s *TreeSolver) Solve(ctx context.Context, t task.Task, index int) (res *Result, err error) {
	in, err := t.Input(index)
	if err != nil {
		return nil, err
	}

	ctx, span := s.cfg.tracer.Start(ctx, "solver.solve", trace.WithAttributes(
		attribute.Int("index", index),
		attribute.String("task_id", in.TaskID),
		attribute.String("method_generate", string(s.cfg.generate)),
		attribute.String("method_evaluate", string(s.cfg.evaluate)),
		attribute.String("method_select", string(s.cfg.selection)),
	))
	defer func() { observability.EndSpan(span, err) }()

	// The value cache spans one problem.
	s.ClearCache()

	tree := NewSearchTree()
	frontier := thought.Root()
	nodes := []int{tree.Root()}
	res = &Result{Index: index, TaskID: in.TaskID, Input: in, Tree: tree}

	for step := 0; step < t.Steps(); step++ {
		var info Step
		frontier, nodes, info, err = s.step(ctx, t, in, step, frontier, nodes, tree)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		res.Steps = append(res.Steps, info)
	}

	res.Outputs = frontier
	return res, nil
}

func (s *TreeSolver) step(ctx context.Context, t task.Task, in *task.Input, step int, frontier thought.Frontier, nodes []int, tree *SearchTree) (next thought.Frontier, nextNodes []int, info Step, err error) {
	ctx, span := s.cfg.tracer.Start(ctx, "solver.step", trace.WithAttributes(
		attribute.Int("step", step),
		attribute.Int("frontier", len(frontier)),
	))
	defer func() { observability.EndSpan(span, err) }()

	candidates, parents, err := s.generate(ctx, t, in, step, frontier)
	if err != nil {
		return nil, nil, info, err
	}
	if len(candidates) == 0 {
		return nil, nil, info, ErrNoCandidates
	}

	ids := make([]int, len(candidates))
	for i, c := range candidates {
		ids[i], err = tree.AddChild(nodes[parents[i]], c)
		if err != nil {
			return nil, nil, info, err
		}
	}

	scores, err := s.evaluate(ctx, t, in, step, candidates)
	if err != nil {
		return nil, nil, info, err
	}
	if len(scores) != len(candidates) {
		return nil, nil, info, apierrors.NewEvaluationError(step, len(scores),
			fmt.Errorf("got %d scores for %d candidates", len(scores), len(candidates)))
	}
	for i, id := range ids {
		tree.Score(id, scores[i])
		tree.Mark(id, NodeStatePruned)
	}

	chosen := s.choose(scores)
	next = make(thought.Frontier, len(chosen))
	nextNodes = make([]int, len(chosen))
	for i, idx := range chosen {
		next[i] = candidates[idx]
		nextNodes[i] = ids[idx]
		tree.Mark(ids[idx], NodeStateSelected)
	}

	info = Step{
		Step:       step,
		Parents:    frontier.Strings(),
		Candidates: candidates.Strings(),
		Scores:     scores,
		Selected:   next.Strings(),
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)), attribute.Int("selected", len(next)))
	s.cfg.logger.DebugContext(ctx, "search step finished",
		"index", in.Index,
		"task_id", in.TaskID,
		"step", step,
		"candidates", len(candidates),
		"scores", scores,
		"selected", chosen,
		"best", thought.Preview(next[0].String(), 80),
	)
	return next, nextNodes, info, nil
}

// generate returns the flat candidate pool and, for each candidate, the
// frontier position of its parent.
func (s *TreeSolver) generate(ctx context.Context, t task.Task, in *task.Input, step int, frontier thought.Frontier) (thought.Frontier, []int, error) {
	perParent := make([]thought.Frontier, len(frontier))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.concurrency)
	for i, parent := range frontier {
		g.Go(func() error {
			var err error
			if s.cfg.generate == GeneratePropose {
				perParent[i], err = s.propose(gctx, t, in, parent)
			} else {
				perParent[i], err = s.sample(gctx, t, in, step, parent)
			}
			if err != nil {
				return fmt.Errorf("generate from parent %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var pool thought.Frontier
	var parents []int
	for i, cands := range perParent {
		for _, c := range cands {
			pool = append(pool, c)
			parents = append(parents, i)
		}
	}
	return pool, parents, nil
}

func (s *TreeSolver) sample(ctx context.Context, t task.Task, in *task.Input, step int, parent thought.Thought) (thought.Frontier, error) {
	prompt := s.cfg.wrap(t, in, string(parent))
	outputs, err := s.model.Generate(ctx, prompt, s.cfg.params(s.cfg.nGenerate, t.Stop(step)))
	if err != nil {
		return nil, err
	}
	out := make(thought.Frontier, len(outputs))
	for i, o := range outputs {
		out[i] = parent.Extend(o)
	}
	return out, nil
}

func (s *TreeSolver) propose(ctx context.Context, t task.Task, in *task.Input, parent thought.Thought) (thought.Frontier, error) {
	prompt := t.ProposePrompt(in, string(parent))
	outputs, err := s.model.Generate(ctx, prompt, s.cfg.params(1, nil))
	if err != nil {
		return nil, err
	}
	var out thought.Frontier
	for _, o := range outputs {
		for _, line := range strings.Split(o, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			out = append(out, parent.Extend(line+"\n"))
		}
	}
	return out, nil
}

func (s *TreeSolver) evaluate(ctx context.Context, t task.Task, in *task.Input, step int, candidates thought.Frontier) ([]float64, error) {
	if s.cfg.evaluate == EvaluateVote {
		return s.vote(ctx, t, in, step, candidates)
	}
	return s.value(ctx, t, in, step, candidates)
}

// value scores each distinct candidate with its own prompt. Repeated
// candidates within one step score 0.
func (s *TreeSolver) value(ctx context.Context, t task.Task, in *task.Input, step int, candidates thought.Frontier) ([]float64, error) {
	scores := make([]float64, len(candidates))
	seen := make(map[thought.Thought]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.concurrency)
	for i, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		g.Go(func() error {
			v, err := s.valueOf(gctx, t, in, string(c))
			if err != nil {
				return apierrors.NewEvaluationError(step, i, err)
			}
			scores[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (s *TreeSolver) valueOf(ctx context.Context, t task.Task, in *task.Input, candidate string) (float64, error) {
	prompt := t.ValuePrompt(in, candidate)
	if s.cfg.valueCache {
		s.cacheMu.Lock()
		v, ok := s.values[prompt]
		s.cacheMu.Unlock()
		if ok {
			return v, nil
		}
	}

	outputs, err := s.model.Generate(ctx, prompt, s.cfg.params(s.cfg.nEvaluate, nil))
	if err != nil {
		return 0, err
	}
	v := t.ParseValue(in, candidate, outputs)

	if s.cfg.valueCache {
		s.cacheMu.Lock()
		s.values[prompt] = v
		s.cacheMu.Unlock()
	}
	return v, nil
}

func (s *TreeSolver) vote(ctx context.Context, t task.Task, in *task.Input, step int, candidates thought.Frontier) ([]float64, error) {
	prompt := t.VotePrompt(in, candidates.Strings())
	outputs, err := s.model.Generate(ctx, prompt, s.cfg.params(s.cfg.nEvaluate, nil))
	if err != nil {
		return nil, apierrors.NewEvaluationError(step, -1, err)
	}
	tallies := t.ParseVotes(outputs, len(candidates))
	if len(tallies) != len(candidates) {
		return nil, apierrors.NewEvaluationError(step, -1,
			fmt.Errorf("vote parser returned %d tallies for %d candidates", len(tallies), len(candidates)))
	}
	scores := make([]float64, len(tallies))
	for i, n := range tallies {
		scores[i] = float64(n)
	}
	return scores, nil
}

func (s *TreeSolver) choose(scores []float64) []int {
	if s.cfg.selection == SelectSample {
		s.randMu.Lock()
		defer s.randMu.Unlock()
		return SampleIndices(scores, s.cfg.nSelect, s.cfg.floor, s.cfg.source)
	}
	return GreedyIndices(scores, s.cfg.nSelect)
}

// ClearCache drops every cached value score. Solve calls it before each
// index, so the cache only spans the steps of one problem.
func (s *TreeSolver) ClearCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.values = make(map[string]float64)
}
