package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/artifact"
	"github.com/livinlefevreloca/channelpipe/internal/bucket"
	"github.com/livinlefevreloca/channelpipe/internal/channel"
	"github.com/livinlefevreloca/channelpipe/internal/db"
	"github.com/livinlefevreloca/channelpipe/internal/enrich"
	"github.com/livinlefevreloca/channelpipe/internal/ingest"
	"github.com/livinlefevreloca/channelpipe/internal/ingestlog"
	"github.com/livinlefevreloca/channelpipe/internal/loader"
	"github.com/livinlefevreloca/channelpipe/internal/orchestrator"
	"github.com/livinlefevreloca/channelpipe/internal/serve"
	"github.com/livinlefevreloca/channelpipe/internal/testutil"
	"github.com/livinlefevreloca/channelpipe/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = bucket.MustParse("2024-01-01")

type countingClassifier struct {
	mu    sync.Mutex
	calls int
}

func (c *countingClassifier) Classify(context.Context, []byte) ([]enrich.Detection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return []enrich.Detection{{ClassName: "bottle", Confidence: 0.9, BBox: [4]float64{1, 2, 3, 4}}}, nil
}

func (c *countingClassifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type countingRunner struct {
	runner transform.Runner
	calls  int
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.calls++
	return r.runner.Run(ctx)
}

type countingActivator struct {
	activator Activator
	calls     int
}

func (a *countingActivator) Activate(ctx context.Context) error {
	a.calls++
	return a.activator.Activate(ctx)
}

type env struct {
	database   *db.DB
	source     *testutil.FakeSource
	classifier *countingClassifier
	runner     *countingRunner
	activator  *countingActivator
	server     *serve.Server
	stages     orchestrator.Stages
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	logger := testutil.DiscardLogger()

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.DataDir = filepath.Join(dir, "raw")
	ingestCfg.LogPath = filepath.Join(dir, "ingestion_log.json")
	ingestCfg.BackoffUnit = time.Millisecond
	ingestCfg.Sources = []ingest.SourceConfig{{ID: "lobelia"}}

	e := &env{
		database:   testutil.NewTestDB(t),
		source:     testutil.NewFakeSource(),
		classifier: &countingClassifier{},
	}
	store := artifact.NewStore(ingestCfg.DataDir)
	log := ingestlog.Open(ingestCfg.LogPath, logger)

	e.server = serve.NewServer(serve.DefaultConfig(), e.database, logger)
	e.runner = &countingRunner{runner: transform.NewSQLRunner(e.database, logger)}
	e.activator = &countingActivator{activator: serve.NewActivator(e.database, e.server, logger)}

	e.stages = Stages(Config{LookbackDays: 1}, Components{
		Ingester:  ingest.NewIngestor(ingestCfg, e.source, store, log, logger, nil),
		Loader:    loader.New(e.database, store, logger, nil),
		Transform: e.runner,
		Enricher:  enrich.New(enrich.DefaultConfig(), e.database, store, e.classifier, logger, nil),
		Store:     store,
		Activator: e.activator,
	}, logger)
	e.stages.Ingest.(*IngestStage).now = func() time.Time {
		return day.Start().Add(20 * time.Hour)
	}

	photo := channel.Message{
		ID:       "2",
		PostedAt: day.Start().Add(2 * time.Hour),
		Text:     "new sunscreen in stock",
		Media:    &channel.Media{Type: "photo", URL: "http://cdn/2.jpg", MimeType: "image/jpeg"},
		Raw:      map[string]any{"id": "2"},
	}
	e.source.AddMessages("lobelia", day,
		channel.Message{ID: "1", PostedAt: day.Start().Add(time.Hour), Text: "paracetamol available", Raw: map[string]any{"id": "1"}},
		photo,
		channel.Message{ID: "3", PostedAt: day.Start().Add(3 * time.Hour), Text: "closed on sunday", Raw: map[string]any{"id": "3"}},
	)

	return e
}

func (e *env) run(t *testing.T) (*orchestrator.Orchestrator, error) {
	t.Helper()
	orch, err := orchestrator.New(e.stages, e.database, nil, testutil.DiscardLogger())
	require.NoError(t, err)
	return orch, orch.Run(context.Background())
}

func TestPipeline_EndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	orch, err := e.run(t)
	require.NoError(t, err)
	assert.Equal(t, "completed", orch.GetStateName())
	assert.True(t, e.server.Ready())

	rows, err := e.database.CountRawRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rows)

	hits, err := e.database.SearchMessages(ctx, "paracetamol", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	detections, err := e.database.TopDetections(ctx, 10)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "bottle", detections[0].ObjectClass)
	assert.Equal(t, "2", detections[0].ItemID)

	stageRuns, err := e.database.GetStageRuns(ctx, orch.RunID())
	require.NoError(t, err)
	assert.Len(t, stageRuns, 5)
}

// A second run resumes from stored artifacts and scanned markers.
func TestPipeline_RerunIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.run(t)
	require.NoError(t, err)
	fetches, downloads, classified := e.source.FetchCalls(), e.source.DownloadCalls(), e.classifier.Calls()

	_, err = e.run(t)
	require.NoError(t, err)

	assert.Equal(t, fetches, e.source.FetchCalls())
	assert.Equal(t, downloads, e.source.DownloadCalls())
	assert.Equal(t, classified, e.classifier.Calls())

	rows, err := e.database.CountRawRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rows)
	n, err := e.database.CountDetections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// When loading fails, transform, enrichment and serving activation never run.
func TestPipeline_LoadFailureHaltsDownstream(t *testing.T) {
	e := newEnv(t)

	_, err := e.database.ExecContext(context.Background(), `DROP TABLE raw_messages`)
	require.NoError(t, err)

	orch, err := e.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, orchestrator.ErrStageFailed))
	assert.Equal(t, "failed", orch.GetStateName())
	assert.Equal(t, "load", orch.FailedStage())

	assert.Zero(t, e.runner.calls)
	assert.Zero(t, e.classifier.Calls())
	assert.Zero(t, e.activator.calls)
	assert.False(t, e.server.Ready())
}

// Exhausted ingest retries fail the run before anything is loaded.
func TestPipeline_IngestExhaustionHaltsDownstream(t *testing.T) {
	e := newEnv(t)
	e.source.FailFetches(
		channel.MarkTransient(errors.New("timeout")),
		channel.MarkTransient(errors.New("timeout")),
		channel.MarkTransient(errors.New("timeout")),
	)

	orch, err := e.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingest.ErrRetriesExhausted))
	assert.Equal(t, "ingest", orch.FailedStage())
	assert.Zero(t, e.runner.calls)

	rows, err := e.database.CountRawRows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rows)
}

func TestIngestStage_Lookback(t *testing.T) {
	var got []bucket.Bucket
	s := &IngestStage{
		ingester: ingesterFunc(func(_ context.Context, buckets []bucket.Bucket) (ingest.Report, error) {
			got = buckets
			return ingest.Report{Buckets: len(buckets), Fetched: 2, Skipped: 1, Items: 7}, nil
		}),
		lookback: 3,
		now:      func() time.Time { return time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC) },
	}

	out, err := s.Run(context.Background(), orchestrator.Outcome{Success: true})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "ingested 3 buckets: 2 fetched, 1 skipped, 7 items", out.Status)
	var days []string
	for _, b := range got {
		days = append(days, b.String())
	}
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03"}, days)
}

type ingesterFunc func(ctx context.Context, buckets []bucket.Bucket) (ingest.Report, error)

func (f ingesterFunc) IngestAll(ctx context.Context, buckets []bucket.Bucket) (ingest.Report, error) {
	return f(ctx, buckets)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorContains(t, Config{}.Validate(), "lookback_days")
}
