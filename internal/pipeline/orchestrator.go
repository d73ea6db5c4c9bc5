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

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
)

const tracerName = "github.com/JakeFAU/realtime-cpi-analyzer/internal/pipeline"

// Stage is one step of a run.
type Stage interface {
	Name() string
	Execute(ctx context.Context, rc *RunContext) error
}

// Finalizer marks stages that still run after a stage called Halt.
type Finalizer interface {
	RunsAfterHalt() bool
}

// StageError reports the stage that aborted a run and how many records were
// durable at that point.
type StageError struct {
	Stage    string
	Recorded int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%d records persisted): %v", e.Stage, e.Recorded, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Orchestrator runs stages strictly in order.
type Orchestrator struct {
	stages []Stage
	tracer trace.Tracer
	logger *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator builds an orchestrator over stages.
func NewOrchestrator(stages []Stage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		stages: append([]Stage(nil), stages...),
		tracer: otel.Tracer(tracerName),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DefaultStages returns the standard analysis stage list.
func DefaultStages() []Stage {
	return []Stage{
		SetupStage{},
		LoadStateStage{},
		DiscoverStage{},
		ExecutionStage{},
		PersistStage{},
		TeardownStage{},
	}
}

// Stages lists the configured stage names in order.
func (o *Orchestrator) Stages() []string {
	names := make([]string, len(o.stages))
	for i, s := range o.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes every stage against rc. The first failing stage ends the run
// with a *StageError. Registered cleanups always run before Run returns.
func (o *Orchestrator) Run(ctx context.Context, rc *RunContext) (err error) {
	ctx, span := o.tracer.Start(ctx, "analysis.run")
	defer span.End()
	defer func() {
		if cleanupErr := o.runCleanups(ctx, rc); cleanupErr != nil && err == nil {
			err = cleanupErr
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	runStart := time.Now()
	for _, stage := range o.stages {
		if halted, reason := rc.Halted(); halted && !runsAfterHalt(stage) {
			o.logger.Info("stage skipped",
				zap.String("stage", stage.Name()),
				zap.String("reason", reason),
			)
			continue
		}
		if stageErr := o.runStage(ctx, rc, stage); stageErr != nil {
			failure := &StageError{Stage: stage.Name(), Recorded: rc.Recorded(), Err: stageErr}
			o.logger.Error("run aborted",
				zap.String("stage", failure.Stage),
				zap.Int("recorded", failure.Recorded),
				zap.Error(stageErr),
			)
			rc.emit(progress.Event{
				Stage: progress.StageRunError,
				Items: len(rc.Summaries()),
				Dur:   time.Since(runStart),
				Note:  failure.Error(),
			})
			return failure
		}
	}
	o.logger.Info("run finished", zap.String("run_id", rc.RunID), zap.Duration("duration", time.Since(runStart)))
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, rc *RunContext, stage Stage) (err error) {
	name := stage.Name()
	ctx, span := o.tracer.Start(ctx, "stage."+name, trace.WithAttributes(attribute.String("stage", name)))
	defer span.End()

	logger := o.logger.With(zap.String("stage", name))
	logger.Info("stage started")
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", name, r)
		}
		elapsed := time.Since(start)
		metrics.ObserveStage(name, err, elapsed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("stage failed", zap.Duration("duration", elapsed), zap.Error(err))
			return
		}
		logger.Info("stage finished", zap.Duration("duration", elapsed))
	}()
	return stage.Execute(ctx, rc)
}

func (o *Orchestrator) runCleanups(ctx context.Context, rc *RunContext) error {
	cleanups := rc.takeCleanups()
	var errs []error
	ctx = context.WithoutCancel(ctx)
	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		if err := c.fn(ctx); err != nil {
			o.logger.Warn("cleanup failed", zap.String("cleanup", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("cleanup %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

func runsAfterHalt(stage Stage) bool {
	f, ok := stage.(Finalizer)
	return ok && f.RunsAfterHalt()
}
