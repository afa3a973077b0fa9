package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/logging"
	"github.com/fyrsmithlabs/pharmadir/internal/metrics"
)

const tracerName = "github.com/fyrsmithlabs/pharmadir/internal/pipeline"

// StageProgress reports progress during execution.
type StageProgress struct {
	Stage      Stage  `json:"stage"`
	Status     Status `json:"status"`
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`
}

// ProgressCallback receives progress updates during execution.
type ProgressCallback func(progress StageProgress)

// Executor runs registered stage handlers in AllStages order.
type Executor struct {
	handlers         map[Stage]StageHandler
	cleanups         []CleanupFunc
	progressCallback ProgressCallback
	logger           *logging.Logger
	metrics          *metrics.Metrics
	tracer           trace.Tracer
}

// NewExecutor creates an executor. A nil logger disables logging and nil
// metrics disables instrumentation.
func NewExecutor(logger *logging.Logger, m *metrics.Metrics) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		handlers: make(map[Stage]StageHandler),
		logger:   logger.Named("pipeline"),
		metrics:  m,
		tracer:   otel.Tracer(tracerName),
	}
}

// RegisterHandler registers a stage handler, replacing any earlier handler
// for the same stage.
func (e *Executor) RegisterHandler(handler StageHandler) {
	e.handlers[handler.Stage()] = handler
}

// RegisterCleanup adds a hook that runs after every run.
func (e *Executor) RegisterCleanup(fn CleanupFunc) {
	e.cleanups = append(e.cleanups, fn)
}

// OnProgress sets the progress callback.
func (e *Executor) OnProgress(callback ProgressCallback) {
	e.progressCallback = callback
}

// SetTracerProvider replaces the global tracer provider for this executor.
func (e *Executor) SetTracerProvider(tp trace.TracerProvider) {
	e.tracer = tp.Tracer(tracerName)
}

// Execute runs every registered stage in order. Stages without a handler are
// skipped.
//
// A handler error aborts the run: the remaining stages are skipped, nothing
// is rolled back and the error is returned. ErrNoMatches also aborts the run
// but is reported as a warning and Execute returns a nil error. Cleanup hooks
// run in every case.
func (e *Executor) Execute(ctx context.Context, cfg RunConfig) (*RunState, error) {
	state := NewRunState(cfg)
	state.Status = StatusInProgress
	ctx = logging.WithRunID(ctx, state.RunID)

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", state.RunID),
		attribute.String("run.date", state.Date.Format("2006-01-02")),
	))
	defer span.End()
	defer e.cleanup(ctx, state)

	e.logger.Info(ctx, "pipeline run started", zap.Time("date", state.Date))

	stages := AllStages()
	total := len(stages)

	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			e.abort(ctx, state, ReasonCanceled)
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}

		handler, ok := e.handlers[stage]
		if !ok {
			state.Results[stage] = &StageResult{Stage: stage, Status: StatusSkipped}
			continue
		}

		e.reportProgress(StageProgress{
			Stage:      stage,
			Status:     StatusInProgress,
			Message:    fmt.Sprintf("Starting stage: %s", stage),
			Percentage: (i * 100) / total,
		})

		state.Stage = stage
		result, err := e.runStage(ctx, handler, state)
		state.Results[stage] = result

		if errors.Is(err, ErrNoMatches) {
			e.abort(ctx, state, ReasonNoMatches)
			e.logger.Warn(logging.WithStage(ctx, string(stage)), "pipeline stopped: no matching records",
				zap.Int("input", state.Totals.Input))
			e.reportProgress(StageProgress{
				Stage:   stage,
				Status:  StatusAborted,
				Message: "No records matched the filter",
			})
			return state, nil
		}
		if err != nil {
			e.abort(ctx, state, ReasonFailed)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Error(logging.WithStage(ctx, string(stage)), "pipeline stage failed", zap.Error(err))
			e.reportProgress(StageProgress{
				Stage:   stage,
				Status:  StatusFailed,
				Message: fmt.Sprintf("Stage %s failed: %v", stage, err),
			})
			return state, fmt.Errorf("stage %s: %w", stage, err)
		}

		e.reportProgress(StageProgress{
			Stage:      stage,
			Status:     StatusCompleted,
			Message:    fmt.Sprintf("Completed stage: %s", stage),
			Percentage: ((i + 1) * 100) / total,
		})
	}

	state.Status = StatusDone
	state.CompletedAt = time.Now()
	e.countRun(string(StatusDone))
	e.logger.Info(ctx, "pipeline run finished",
		zap.Int("rows", state.RowCount),
		zap.String("output", state.OutputPath),
		zap.Duration("elapsed", state.CompletedAt.Sub(state.StartedAt)))
	return state, nil
}

// runStage executes one handler inside its own span and normalizes the
// result.
func (e *Executor) runStage(ctx context.Context, handler StageHandler, state *RunState) (*StageResult, error) {
	stage := handler.Stage()
	ctx = logging.WithStage(ctx, string(stage))
	ctx, span := e.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	started := time.Now()
	e.logger.Debug(ctx, "stage started")

	result, err := handler.Execute(ctx, state)
	if result == nil {
		result = &StageResult{Stage: stage}
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = started
	}
	result.CompletedAt = time.Now()

	if e.metrics != nil {
		e.metrics.StageDuration.WithLabelValues(string(stage)).Observe(result.CompletedAt.Sub(started).Seconds())
	}

	switch {
	case errors.Is(err, ErrNoMatches):
		result.Status = StatusAborted
		result.Message = err.Error()
		span.SetAttributes(attribute.String("run.reason", ReasonNoMatches))
	case err != nil:
		result.Status = StatusFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		result.Status = StatusCompleted
		e.logger.Debug(ctx, "stage completed",
			zap.Duration("elapsed", result.Duration()),
			zap.String("message", result.Message))
	}
	return result, err
}

func (e *Executor) abort(ctx context.Context, state *RunState, reason string) {
	state.Status = StatusAborted
	state.Reason = reason
	state.CompletedAt = time.Now()
	for _, stage := range AllStages() {
		if _, ok := state.Results[stage]; !ok {
			state.Results[stage] = &StageResult{Stage: stage, Status: StatusSkipped}
		}
	}
	if reason == ReasonCanceled {
		reason = ReasonFailed
	}
	e.countRun(reason)
}

// cleanup runs every hook. Failures are logged and never change the run's
// outcome.
func (e *Executor) cleanup(ctx context.Context, state *RunState) {
	// The run context may already be canceled; hooks still need to run.
	ctx = context.WithoutCancel(ctx)
	for _, fn := range e.cleanups {
		if err := fn(ctx, state); err != nil {
			e.logger.Warn(ctx, "cleanup failed", zap.Error(err))
		}
	}
}

func (e *Executor) countRun(status string) {
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(status).Inc()
	}
}

// reportProgress sends progress updates to the callback.
func (e *Executor) reportProgress(progress StageProgress) {
	if e.progressCallback != nil {
		e.progressCallback(progress)
	}
}
