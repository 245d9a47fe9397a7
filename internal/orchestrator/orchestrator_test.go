package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/metrics"
	"github.com/livinlefevreloca/channelpipe/internal/testutil"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

// createTestLogger creates a logger for testing
func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Reduce noise in tests
	}))
}

// recordingStage counts its invocations and remembers what it was handed
type recordingStage struct {
	mu      sync.Mutex
	name    string
	calls   int
	prev    []Outcome
	outcome Outcome
	err     error
	panics  bool
	block   bool
}

func newStage(name string) *recordingStage {
	return &recordingStage{name: name, outcome: Outcome{Success: true, Status: name + " ok"}}
}

func (s *recordingStage) Run(ctx context.Context, prev Outcome) (Outcome, error) {
	s.mu.Lock()
	s.calls++
	s.prev = append(s.prev, prev)
	s.mu.Unlock()

	if s.panics {
		panic(s.name + " exploded")
	}
	if s.block {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}
	return s.outcome, s.err
}

func (s *recordingStage) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stageSet struct {
	ingest, load, transform, enrich, serve *recordingStage
}

func newStageSet() *stageSet {
	return &stageSet{
		ingest:    newStage("ingest"),
		load:      newStage("load"),
		transform: newStage("transform"),
		enrich:    newStage("enrich"),
		serve:     newStage("serve"),
	}
}

func (s *stageSet) Stages() Stages {
	return Stages{Ingest: s.ingest, Load: s.load, Transform: s.transform, Enrich: s.enrich, Serve: s.serve}
}

func passingStages() Stages {
	return newStageSet().Stages()
}

// steppingClock advances one second on every read
type steppingClock struct {
	t time.Time
}

func (c *steppingClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

// ==============================================================================
// Run
// ==============================================================================

func TestRun_HappyPath(t *testing.T) {
	set := newStageSet()
	orch, err := New(set.Stages(), nil, nil, createTestLogger())
	require.NoError(t, err)

	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, "completed", orch.GetStateName())
	assert.Equal(t, Outcome{Success: true, Status: "serve ok"}, orch.Outcome())
	assert.Empty(t, orch.FailedStage())
	for _, s := range []*recordingStage{set.ingest, set.load, set.transform, set.enrich, set.serve} {
		assert.Equal(t, 1, s.Calls(), s.name)
	}
}

func TestRun_EachStageSeesOnlyItsPredecessor(t *testing.T) {
	set := newStageSet()
	orch, err := New(set.Stages(), nil, nil, createTestLogger())
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, []Outcome{{Success: true, Status: "pending"}}, set.ingest.prev)
	assert.Equal(t, []Outcome{{Success: true, Status: "ingest ok"}}, set.load.prev)
	assert.Equal(t, []Outcome{{Success: true, Status: "load ok"}}, set.transform.prev)
	assert.Equal(t, []Outcome{{Success: true, Status: "transform ok"}}, set.enrich.prev)
	assert.Equal(t, []Outcome{{Success: true, Status: "enrich ok"}}, set.serve.prev)
}

// A failure in any stage halts every later stage.
func TestRun_FailFast(t *testing.T) {
	tests := []struct {
		failing    string
		stateAfter string
	}{
		{"ingest", "failed"},
		{"load", "failed"},
		{"transform", "failed"},
		{"enrich", "failed"},
		{"serve", "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.failing, func(t *testing.T) {
			set := newStageSet()
			ordered := []*recordingStage{set.ingest, set.load, set.transform, set.enrich, set.serve}

			failAt := -1
			for i, s := range ordered {
				if s.name == tt.failing {
					s.err = errors.New("retries exhausted for lobelia/2024-01-01")
					failAt = i
				}
			}

			orch, err := New(set.Stages(), nil, nil, createTestLogger())
			require.NoError(t, err)

			runErr := orch.Run(context.Background())
			require.Error(t, runErr)
			assert.True(t, errors.Is(runErr, ErrStageFailed))
			assert.Contains(t, runErr.Error(), "retries exhausted for lobelia/2024-01-01")
			assert.Equal(t, tt.stateAfter, orch.GetStateName())
			assert.Equal(t, tt.failing, orch.FailedStage())
			assert.False(t, orch.Outcome().Success)

			for i, s := range ordered {
				if i <= failAt {
					assert.Equal(t, 1, s.Calls(), s.name)
				} else {
					assert.Zero(t, s.Calls(), "%s must not run after %s failed", s.name, tt.failing)
				}
			}
		})
	}
}

func TestRun_UnsuccessfulOutcomeFails(t *testing.T) {
	set := newStageSet()
	set.load.outcome = Outcome{Success: false, Status: "3 artifacts unreadable"}

	orch, err := New(set.Stages(), nil, nil, createTestLogger())
	require.NoError(t, err)

	runErr := orch.Run(context.Background())
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "3 artifacts unreadable")
	assert.Equal(t, "load", orch.FailedStage())
	assert.Zero(t, set.transform.Calls())
}

func TestRun_PanicRecovery(t *testing.T) {
	set := newStageSet()
	set.transform.panics = true

	orch, err := New(set.Stages(), nil, nil, createTestLogger())
	require.NoError(t, err)

	runErr := orch.Run(context.Background())
	require.Error(t, runErr)
	assert.True(t, errors.Is(runErr, ErrStageFailed))
	assert.Contains(t, runErr.Error(), "transform exploded")
	assert.Equal(t, "failed", orch.GetStateName())
	assert.Equal(t, "transform", orch.FailedStage())
	assert.Zero(t, set.enrich.Calls())
}

func TestRun_PanicIsRecordedLikeAFailure(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()
	m := metrics.NewCollector()

	set := newStageSet()
	set.transform.panics = true

	orch, err := New(set.Stages(), database, m, createTestLogger())
	require.NoError(t, err)
	require.Error(t, orch.Run(ctx))

	stages, err := database.GetStageRuns(ctx, orch.RunID())
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, "transform", stages[2].Stage)
	assert.False(t, stages[2].Success)
	assert.Contains(t, stages[2].Message, "transform exploded")

	count, err := promtestutil.GatherAndCount(m.Registry(), "channelpipe_stage_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the panicking stage failed")
}

func TestRun_Cancellation(t *testing.T) {
	set := newStageSet()
	set.load.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	orch, err := New(set.Stages(), nil, nil, createTestLogger())
	require.NoError(t, err)

	runErr := orch.Run(ctx)
	require.Error(t, runErr)
	assert.True(t, errors.Is(runErr, context.DeadlineExceeded))
	assert.Equal(t, "load", orch.FailedStage())
	assert.Zero(t, set.transform.Calls())
}

func TestNew_RequiresEveryStage(t *testing.T) {
	stages := passingStages()
	stages.Enrich = nil

	_, err := New(stages, nil, nil, createTestLogger())
	assert.ErrorContains(t, err, "enrich stage must be provided")
}

func TestStageFunc(t *testing.T) {
	var got Outcome
	f := StageFunc(func(ctx context.Context, prev Outcome) (Outcome, error) {
		got = prev
		return Outcome{Success: true, Status: "done"}, nil
	})

	out, err := f.Run(context.Background(), Outcome{Success: true, Status: "before"})
	require.NoError(t, err)
	assert.Equal(t, "before", got.Status)
	assert.Equal(t, "done", out.Status)
}

// ==============================================================================
// Run history and metrics
// ==============================================================================

func TestRun_RecordsHistory(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()

	set := newStageSet()
	set.transform.err = errors.New("dbt run exited with status 1")

	orch, err := New(set.Stages(), database, nil, createTestLogger())
	require.NoError(t, err)
	clock := &steppingClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	orch.now = clock.Now

	require.Error(t, orch.Run(ctx))

	run, err := database.GetPipelineRun(ctx, orch.RunID())
	require.NoError(t, err)
	assert.Equal(t, "failed", run.State)
	require.NotNil(t, run.Success)
	assert.False(t, *run.Success)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "dbt run exited with status 1")
	assert.NotNil(t, run.CompletedAt)

	stages, err := database.GetStageRuns(ctx, orch.RunID())
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, "ingest", stages[0].Stage)
	assert.True(t, stages[0].Success)
	assert.Equal(t, "ingest ok", stages[0].Message)
	assert.Equal(t, "load", stages[1].Stage)
	assert.Equal(t, "transform", stages[2].Stage)
	assert.False(t, stages[2].Success)
	assert.Contains(t, stages[2].Message, "exited with status 1")
}

func TestRun_CompletedHistory(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()

	orch, err := New(passingStages(), database, nil, createTestLogger())
	require.NoError(t, err)
	require.NoError(t, orch.Run(ctx))

	run, err := database.GetPipelineRun(ctx, orch.RunID())
	require.NoError(t, err)
	assert.Equal(t, "completed", run.State)
	require.NotNil(t, run.Success)
	assert.True(t, *run.Success)
	assert.Nil(t, run.Error)
}

func TestRun_Metrics(t *testing.T) {
	m := metrics.NewCollector()
	set := newStageSet()
	set.enrich.err = errors.New("classifier unavailable")

	orch, err := New(set.Stages(), nil, m, createTestLogger())
	require.NoError(t, err)
	require.Error(t, orch.Run(context.Background()))

	count, err := promtestutil.GatherAndCount(m.Registry(), "channelpipe_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 4, count, "one series per stage that ran")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	current := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "channelpipe_orchestrator_state" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "state" {
					current[l.GetValue()] = metric.GetGauge().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 1.0, current["failed"])
	assert.Equal(t, 0.0, current["enriching"])
}
