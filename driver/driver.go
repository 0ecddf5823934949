// Package driver iterates a solver over a range of task indices, persists
// finished solutions and applies the per-index error policy. It also
// splits ranges across workers and merges their outputs afterwards.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
	"github.com/scttfrdmn/totcode/observability"
	"github.com/scttfrdmn/totcode/solver"
	"github.com/scttfrdmn/totcode/task"
)

// Index outcomes recorded in metrics and reports.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Sink persists finished solutions.
type Sink interface {
	Write(ctx context.Context, solutions []task.Solution) error
	Close() error
}

// Report summarizes one run over [Start, End).
type Report struct {
	RunID   string                  `json:"run_id"`
	Start   int                     `json:"start"`
	End     int                     `json:"end"`
	Solved  int                     `json:"solved"`
	Failed  int                     `json:"failed"`
	Skipped int                     `json:"skipped"`
	Written int                     `json:"written"`
	Elapsed time.Duration           `json:"elapsed"`
	Errors  []*apierrors.IndexError `json:"-"`
}

// Driver runs one solver over one task, writing to one sink.
type Driver struct {
	solver      solver.Solver
	task        task.Task
	sink        Sink
	runID       string
	haltOnError bool
	completed   map[string]bool
	logger      *slog.Logger
	metrics     *observability.RunMetrics
	tracer      trace.Tracer
}

// Option configures a Driver.
type Option func(*Driver)

// WithRunID sets the run id stamped into logs. Shards of one run share it.
func WithRunID(id string) Option {
	return func(d *Driver) { d.runID = id }
}

// WithHaltOnError stops the run at the first failed index instead of
// logging it and moving on.
func WithHaltOnError(halt bool) Option {
	return func(d *Driver) { d.haltOnError = halt }
}

// WithCompleted skips indices whose task id is already in ids.
func WithCompleted(ids map[string]bool) Option {
	return func(d *Driver) { d.completed = ids }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithMetrics sets the run instruments.
func WithMetrics(m *observability.RunMetrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// New creates a driver.
func New(s solver.Solver, t task.Task, sink Sink, opts ...Option) (*Driver, error) {
	if s == nil || t == nil || sink == nil {
		return nil, apierrors.NewConfigError("driver", "solver, task and sink are required")
	}
	d := &Driver{
		solver: s,
		task:   t,
		sink:   sink,
		logger: slog.Default(),
		tracer: observability.GetTracer("totcode.driver"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.runID == "" {
		d.runID = uuid.NewString()
	}
	if d.metrics == nil {
		m, err := observability.NewRunMetrics(nil)
		if err != nil {
			return nil, err
		}
		d.metrics = m
	}
	d.logger = d.logger.With("run_id", d.runID)
	return d, nil
}

// RunID returns the run id.
func (d *Driver) RunID() string {
	return d.runID
}

// Run solves every index in [start, end). A failed index is logged and
// counted; the run continues unless halt-on-error is set. Sink failures
// and cancellation always stop the run. The report is returned even when
// err is non-nil.
func (d *Driver) Run(ctx context.Context, start, end int) (report *Report, err error) {
	report = &Report{RunID: d.runID, Start: start, End: end}
	if start < 0 || end < start || end > d.task.Len() {
		return report, fmt.Errorf("invalid range [%d, %d) for %d tasks", start, end, d.task.Len())
	}

	ctx, span := d.tracer.Start(ctx, "driver.run", trace.WithAttributes(
		attribute.String("run_id", d.runID),
		attribute.Int("start", start),
		attribute.Int("end", end),
	))
	began := time.Now()
	defer func() {
		report.Elapsed = time.Since(began)
		observability.EndSpan(span, err)
	}()

	d.logger.InfoContext(ctx, "run started", "start", start, "end", end)

	for i := start; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		ierr := d.runIndex(ctx, i, report)
		if ierr == nil {
			continue
		}

		var indexErr *apierrors.IndexError
		if !errors.As(ierr, &indexErr) {
			return report, ierr
		}
		report.Failed++
		report.Errors = append(report.Errors, indexErr)
		if d.haltOnError {
			return report, ierr
		}
	}

	d.logger.InfoContext(ctx, "run finished",
		"solved", report.Solved,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"written", report.Written,
	)
	return report, nil
}

// runIndex returns an *IndexError for solver failures and a plain error
// for failures that must stop the run.
func (d *Driver) runIndex(ctx context.Context, index int, report *Report) error {
	began := time.Now()

	in, err := d.task.Input(index)
	if err != nil {
		return d.fail(ctx, index, "", began, err)
	}
	if d.completed[in.TaskID] {
		d.logger.DebugContext(ctx, "index already completed", "index", index, "task_id", in.TaskID)
		d.metrics.RecordIndex(ctx, StatusSkipped, 0)
		report.Skipped++
		return nil
	}

	res, err := d.solver.Solve(ctx, d.task, index)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.fail(ctx, index, in.TaskID, began, err)
	}

	solutions := res.Solutions(d.task)
	if err := d.sink.Write(ctx, solutions); err != nil {
		return fmt.Errorf("write results for index %d: %w", index, err)
	}

	elapsed := time.Since(began)
	d.metrics.RecordIndex(ctx, StatusOK, elapsed)
	report.Solved++
	report.Written += len(solutions)
	d.logger.InfoContext(ctx, "index solved",
		"index", index,
		"task_id", in.TaskID,
		"solutions", len(solutions),
		"elapsed", elapsed,
	)
	return nil
}

func (d *Driver) fail(ctx context.Context, index int, taskID string, began time.Time, err error) error {
	d.metrics.RecordIndex(ctx, StatusError, time.Since(began))
	d.logger.ErrorContext(ctx, "index failed", "index", index, "task_id", taskID, "error", err)
	return &apierrors.IndexError{Index: index, TaskID: taskID, Err: err}
}
