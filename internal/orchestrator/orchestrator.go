package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/livinlefevreloca/channelpipe/internal/db"
	"github.com/livinlefevreloca/channelpipe/internal/metrics"
)

// Orchestrator represents a single execution of the pipeline
type Orchestrator struct {
	// Core identification
	runID string

	// State management
	state   State
	outcome Outcome

	// Dependencies
	stages  Stages
	store   RunStore
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	// Run timing
	timing RunTiming

	// Failure details
	failedStage string
	err         error

	// Optional state recorder for testing
	recorder *StateRecorder
}

// New creates an orchestrator for one run. store and m may be nil.
func New(stages Stages, store RunStore, m *metrics.Collector, logger *slog.Logger) (*Orchestrator, error) {
	if err := stages.validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	return &Orchestrator{
		runID:   runID,
		state:   &PendingState{},
		stages:  stages,
		store:   store,
		metrics: m,
		logger:  logger.With("run_id", runID),
		now:     time.Now,
	}, nil
}

func (o *Orchestrator) RunID() string {
	return o.runID
}

// GetState returns the current state (for testing)
func (o *Orchestrator) GetState() State {
	return o.state
}

// GetStateName returns the current state name
func (o *Orchestrator) GetStateName() string {
	return o.state.Name()
}

// Outcome returns the outcome of the last stage that ran
func (o *Orchestrator) Outcome() Outcome {
	return o.outcome
}

// FailedStage names the stage that failed the run, if any
func (o *Orchestrator) FailedStage() string {
	return o.failedStage
}

// transitionTo performs a state transition and logs it
func (o *Orchestrator) transitionTo(newState State) {
	oldStateName := o.state.Name()
	o.state = newState

	// Record state for testing if recorder is present
	if o.recorder != nil {
		o.recorder.Record(newState)
	}

	o.metrics.SetState(newState.Name(), StateNames)
	o.logger.Info("State transition", "from", oldStateName, "to", newState.Name())
}

// Run drives the pipeline from Pending to a terminal state. It returns nil
// when the run completed and an error marked ErrStageFailed otherwise.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Orchestrator panic recovered", "state", o.state.Name(), "panic", r)
			if o.failedStage == "" {
				o.failedStage = o.state.Name()
			}
			o.err = errors.Mark(errors.Newf("panic in %s: %v", o.state.Name(), r), ErrStageFailed)
			o.transitionTo(&FailedState{})
			o.runFailed(ctx)
			err = o.err
		}
	}()

	for {
		switch o.state.(type) {
		case *PendingState:
			o.runPending(ctx)
		case *IngestingState:
			o.runIngesting(ctx)
		case *LoadingState:
			o.runLoading(ctx)
		case *TransformingState:
			o.runTransforming(ctx)
		case *EnrichingState:
			o.runEnriching(ctx)
		case *ServingState:
			o.runServing(ctx)
		case *CompletedState:
			o.runCompleted(ctx)
			return nil
		case *FailedState:
			o.runFailed(ctx)
			return o.err
		default:
			o.logger.Error("Unknown state type", "state", fmt.Sprintf("%T", o.state))
			o.err = errors.Mark(errors.Newf("unknown state %T", o.state), ErrStageFailed)
			o.transitionTo(&FailedState{})
		}
	}
}

// runPending opens the run record
func (o *Orchestrator) runPending(ctx context.Context) {
	state := o.state.(*PendingState)

	o.timing.StartedAt = o.now().UTC()
	if o.store != nil {
		run := &db.PipelineRun{RunID: o.runID, StartedAt: o.timing.StartedAt, State: state.Name()}
		if err := o.store.CreatePipelineRun(ctx, run); err != nil {
			o.logger.Warn("Failed to record pipeline run", "error", err)
		}
	}

	o.outcome = Outcome{Success: true, Status: "pending"}
	o.transitionTo(state.ToIngesting())
}

func (o *Orchestrator) runIngesting(ctx context.Context) {
	state := o.state.(*IngestingState)
	if o.execute(ctx, "ingest", o.stages.Ingest) {
		o.transitionTo(state.ToLoading())
	} else {
		o.transitionTo(state.ToFailed())
	}
}

func (o *Orchestrator) runLoading(ctx context.Context) {
	state := o.state.(*LoadingState)
	if o.execute(ctx, "load", o.stages.Load) {
		o.transitionTo(state.ToTransforming())
	} else {
		o.transitionTo(state.ToFailed())
	}
}

func (o *Orchestrator) runTransforming(ctx context.Context) {
	state := o.state.(*TransformingState)
	if o.execute(ctx, "transform", o.stages.Transform) {
		o.transitionTo(state.ToEnriching())
	} else {
		o.transitionTo(state.ToFailed())
	}
}

func (o *Orchestrator) runEnriching(ctx context.Context) {
	state := o.state.(*EnrichingState)
	if o.execute(ctx, "enrich", o.stages.Enrich) {
		o.transitionTo(state.ToServing())
	} else {
		o.transitionTo(state.ToFailed())
	}
}

func (o *Orchestrator) runServing(ctx context.Context) {
	state := o.state.(*ServingState)
	if o.execute(ctx, "serve", o.stages.Serve) {
		o.transitionTo(state.ToCompleted())
	} else {
		o.transitionTo(state.ToFailed())
	}
}

// execute runs one stage with the previous outcome and reports whether the
// run may continue. A stage that returns no error but an unsuccessful
// outcome still fails the run.
func (o *Orchestrator) execute(ctx context.Context, name string, stage Stage) bool {
	if o.store != nil {
		if err := o.store.UpdatePipelineRunState(ctx, o.runID, o.state.Name()); err != nil {
			o.logger.Warn("Failed to update pipeline run state", "error", err)
		}
	}

	logger := o.logger.With("stage", name)
	logger.Info("Stage started", "previous_status", o.outcome.Status)

	started := o.now().UTC()
	outcome, err := o.runStage(ctx, name, stage)
	if err == nil && !outcome.Success {
		status := outcome.Status
		if status == "" {
			status = "unsuccessful outcome"
		}
		err = errors.Newf("%s", status)
	}
	if err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
	}
	completed := o.now().UTC()
	duration := completed.Sub(started)

	o.metrics.StageFinished(name, duration, err)
	o.recordStage(ctx, name, started, completed, outcome, err)

	if err != nil {
		o.failedStage = name
		o.err = errors.Mark(errors.Wrapf(err, "stage %s", name), ErrStageFailed)
		o.outcome = Outcome{Success: false, Status: err.Error()}
		logger.Error("Stage failed", "duration", duration, "error", err)
		return false
	}

	o.outcome = outcome
	logger.Info("Stage finished", "duration", duration, "status", outcome.Status)
	return true
}

// runStage converts a panicking stage into an ordinary stage error
func (o *Orchestrator) runStage(ctx context.Context, name string, stage Stage) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Stage panic recovered", "stage", name, "panic", r)
			outcome = Outcome{}
			err = errors.Newf("panic: %v", r)
		}
	}()
	return stage.Run(ctx, o.outcome)
}

func (o *Orchestrator) recordStage(ctx context.Context, name string, started, completed time.Time, outcome Outcome, err error) {
	if o.store == nil {
		return
	}

	stage := &db.StageRun{
		RunID:       o.runID,
		Stage:       name,
		StartedAt:   started,
		CompletedAt: completed,
		Success:     err == nil,
		Message:     outcome.Status,
	}
	if err != nil {
		stage.Message = err.Error()
	}

	// The run context may already be cancelled; the record should still land.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := o.store.RecordStageRun(ctx, stage); err != nil {
		o.logger.Warn("Failed to record stage run", "stage", name, "error", err)
	}
}

// runCompleted handles successful completion
func (o *Orchestrator) runCompleted(ctx context.Context) {
	o.timing.CompletedAt = o.now().UTC()
	o.complete(ctx, true, nil)
	o.logger.Info("Pipeline run completed",
		"duration", o.timing.CompletedAt.Sub(o.timing.StartedAt),
		"status", o.outcome.Status)
}

// runFailed handles failure
func (o *Orchestrator) runFailed(ctx context.Context) {
	o.timing.CompletedAt = o.now().UTC()
	var msg *string
	if o.err != nil {
		s := o.err.Error()
		msg = &s
	}
	o.complete(ctx, false, msg)
	o.logger.Error("Pipeline run failed", "stage", o.failedStage, "error", o.err)
}

func (o *Orchestrator) complete(ctx context.Context, success bool, msg *string) {
	if o.store == nil {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := o.store.CompletePipelineRun(ctx, o.runID, o.state.Name(), success, msg); err != nil {
		o.logger.Warn("Failed to complete pipeline run record", "error", err)
	}
}
