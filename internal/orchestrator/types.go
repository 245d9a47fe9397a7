package orchestrator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/db"
)

// ErrStageFailed marks the error returned by a run that ended in FailedState
var ErrStageFailed = errors.New("orchestrator: stage failed")

// Outcome is the token one stage hands to the next. It carries no stage
// internals, only whether the stage succeeded and a status line.
type Outcome struct {
	Success bool
	Status  string
}

// Stage is one step of the pipeline. A stage receives only the outcome of
// its immediate predecessor. Returning an error, or an unsuccessful outcome,
// fails the run.
type Stage interface {
	Run(ctx context.Context, prev Outcome) (Outcome, error)
}

// StageFunc adapts a function to the Stage interface
type StageFunc func(ctx context.Context, prev Outcome) (Outcome, error)

func (f StageFunc) Run(ctx context.Context, prev Outcome) (Outcome, error) {
	return f(ctx, prev)
}

// Stages are the pipeline steps in execution order
type Stages struct {
	Ingest    Stage
	Load      Stage
	Transform Stage
	Enrich    Stage
	Serve     Stage
}

func (s Stages) validate() error {
	named := []struct {
		name  string
		stage Stage
	}{
		{"ingest", s.Ingest},
		{"load", s.Load},
		{"transform", s.Transform},
		{"enrich", s.Enrich},
		{"serve", s.Serve},
	}
	for _, n := range named {
		if n.stage == nil {
			return errors.Newf("%s stage must be provided", n.name)
		}
	}
	return nil
}

// RunStore persists run history. *db.DB satisfies it.
type RunStore interface {
	CreatePipelineRun(ctx context.Context, run *db.PipelineRun) error
	UpdatePipelineRunState(ctx context.Context, runID, state string) error
	CompletePipelineRun(ctx context.Context, runID string, state string, success bool, errorMsg *string) error
	RecordStageRun(ctx context.Context, stage *db.StageRun) error
}
