package solver

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
	"github.com/scttfrdmn/totcode/observability"
	"github.com/scttfrdmn/totcode/task"
	"github.com/scttfrdmn/totcode/thought"
)

// NaiveSolver generates n_generate_sample completions of the standard or
// chain-of-thought prompt and returns all of them. There is no evaluation
// or selection.
type NaiveSolver struct {
	model Model
	cfg   config
}

// NewNaiveSolver creates a naive solver over model. Only the prompt style,
// sample count, call parameters, logger and tracer options apply.
func NewNaiveSolver(model Model, opts ...Option) (*NaiveSolver, error) {
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
	return &NaiveSolver{model: model, cfg: cfg}, nil
}

// Solve generates the completions for index.
func (s *NaiveSolver) Solve(ctx context.Context, t task.Task, index int) (res *Result, err error) {
	in, err := t.Input(index)
	if err != nil {
		return nil, err
	}

	ctx, span := s.cfg.tracer.Start(ctx, "solver.naive", trace.WithAttributes(
		attribute.Int("index", index),
		attribute.String("task_id", in.TaskID),
	))
	defer func() { observability.EndSpan(span, err) }()

	prompt := s.cfg.wrap(t, in, "")
	outputs, err := s.model.Generate(ctx, prompt, s.cfg.params(s.cfg.nGenerate, nil))
	if err != nil {
		return nil, err
	}

	tree := NewSearchTree()
	frontier := make(thought.Frontier, len(outputs))
	for i, o := range outputs {
		frontier[i] = thought.Thought(o)
		id, err := tree.AddChild(tree.Root(), frontier[i])
		if err != nil {
			return nil, err
		}
		tree.Mark(id, NodeStateSelected)
	}

	s.cfg.logger.DebugContext(ctx, "naive generation finished",
		"index", index,
		"task_id", in.TaskID,
		"outputs", len(outputs),
	)

	return &Result{
		Index:   index,
		TaskID:  in.TaskID,
		Input:   in,
		Outputs: frontier,
		Steps: []Step{{
			Step:       0,
			Parents:    thought.Root().Strings(),
			Candidates: frontier.Strings(),
			Selected:   frontier.Strings(),
		}},
		Tree: tree,
	}, nil
}
