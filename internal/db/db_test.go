package db

import (
	"context"
	"testing"
	"time"

	"github.com/livinlefevreloca/channelpipe/internal/db/migrations"
	"github.com/livinlefevreloca/channelpipe/tools/migrator"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Fixtures and Helpers

// newTestDB creates an in-memory SQLite database with the full schema
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migrator.RunMigrations(context.Background(), db.DB, db.Driver(), migrations.FS))
	return db
}

func makeRawRow(sourceID, itemID string) *RawRow {
	ref := "2024-01-01/" + sourceID + "_images/" + itemID + ".jpg"
	return &RawRow{
		SourceID:      sourceID,
		ItemID:        itemID,
		TimeBucket:    "2024-01-01",
		MessageText:   "message " + itemID,
		Views:         10,
		AttachmentRef: &ref,
		Payload:       `{"id":"` + itemID + `"}`,
		LoadedAt:      time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func makeDetection(ref, class string, x1 float64) *Detection {
	return &Detection{
		AttachmentRef: ref,
		ItemID:        "1",
		ObjectClass:   class,
		Confidence:    0.9,
		X1:            x1, Y1: 1, X2: 10, Y2: 10,
		SourceID:   "s1",
		TimeBucket: "2024-01-01",
		CreatedAt:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

// Connection Tests

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		dsn     string
		wantErr bool
	}{
		{name: "sqlite in-memory", driver: "sqlite3", dsn: ":memory:"},
		{name: "invalid driver", driver: "invalid", dsn: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Open(tt.driver, tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer db.Close()
			assert.Equal(t, tt.driver, db.Driver())
		})
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		query  string
		want   string
	}{
		{"sqlite3", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres", "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, rebind(tt.driver, tt.query), "%s: %s", tt.driver, tt.query)
	}
}

func TestContainsPattern(t *testing.T) {
	tests := []struct {
		term string
		want string
	}{
		{"Paracetamol", "%paracetamol%"},
		{"100%", `%100\%%`},
		{"a_b", `%a\_b%`},
		{`c:\x`, `%c:\\x%`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, containsPattern(tt.term), tt.term)
	}
}

func TestTableExists(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	ok, err := db.TableExists(ctx, "raw_messages")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.TableExists(ctx, "fct_messages")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithTransaction_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := InsertRawRow(ctx, tx, makeRawRow("s1", "1")); err != nil {
			return err
		}
		return ErrDuplicate
	})
	require.ErrorIs(t, err, ErrDuplicate)

	n, err := db.CountRawRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// Raw Row Tests

func TestInsertRawRow_ConflictIsNoop(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	inserted, err := InsertRawRow(ctx, db, makeRawRow("s1", "1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := makeRawRow("s1", "1")
	dup.MessageText = "changed"
	inserted, err = InsertRawRow(ctx, db, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	row, err := db.GetRawRow(ctx, "s1", "1")
	require.NoError(t, err)
	assert.Equal(t, "message 1", row.MessageText)

	// Same item id from another source is a different natural key
	inserted, err = InsertRawRow(ctx, db, makeRawRow("s2", "1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := db.CountRawRowsForBucket(ctx, "s1", "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetRawRow_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetRawRow(context.Background(), "s1", "missing")
	assert.True(t, IsNotFound(err))
}

// Detection Tests

func TestInsertDetection_Dedup(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	ok, err := InsertDetection(ctx, db, makeDetection("a.jpg", "bottle", 1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = InsertDetection(ctx, db, makeDetection("a.jpg", "bottle", 1))
	require.NoError(t, err)
	assert.False(t, ok)

	// Different box, same class: a second object
	ok, err = InsertDetection(ctx, db, makeDetection("a.jpg", "bottle", 2))
	require.NoError(t, err)
	assert.True(t, ok)

	detections, err := db.GetDetections(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Len(t, detections, 2)

	n, err := db.CountDetections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMarkScanned(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := &ScannedAttachment{AttachmentRef: "a.jpg", SourceID: "s1", TimeBucket: "2024-01-01", ScannedAt: time.Now()}
	require.NoError(t, MarkScanned(ctx, db, s))
	require.NoError(t, MarkScanned(ctx, db, s))

	refs, err := db.ScannedAttachmentRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a.jpg": true}, refs)
}

// Pipeline Run Tests

func TestPipelineRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.CreatePipelineRun(ctx, &PipelineRun{RunID: "run-1", StartedAt: started, State: "pending"}))
	require.NoError(t, db.UpdatePipelineRunState(ctx, "run-1", "loading"))

	require.NoError(t, db.RecordStageRun(ctx, &StageRun{
		RunID: "run-1", Stage: "ingest", StartedAt: started, CompletedAt: started.Add(time.Second), Success: true, Message: "ok",
	}))
	require.NoError(t, db.RecordStageRun(ctx, &StageRun{
		RunID: "run-1", Stage: "load", StartedAt: started.Add(2 * time.Second), CompletedAt: started.Add(3 * time.Second), Success: false, Message: "boom",
	}))

	msg := "boom"
	require.NoError(t, db.CompletePipelineRun(ctx, "run-1", "failed", false, &msg))

	run, err := db.GetPipelineRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", run.State)
	require.NotNil(t, run.Success)
	assert.False(t, *run.Success)
	require.NotNil(t, run.Error)
	assert.Equal(t, "boom", *run.Error)
	assert.NotNil(t, run.CompletedAt)

	stages, err := db.GetStageRuns(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "ingest", stages[0].Stage)
	assert.Equal(t, "load", stages[1].Stage)

	runs, err := db.GetRecentPipelineRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestUpdatePipelineRunState_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.UpdatePipelineRunState(context.Background(), "missing", "loading")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordStageRun_Duplicate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.CreatePipelineRun(ctx, &PipelineRun{RunID: "run-1", StartedAt: time.Now(), State: "pending"}))
	stage := &StageRun{RunID: "run-1", Stage: "ingest", StartedAt: time.Now(), CompletedAt: time.Now(), Success: true}
	require.NoError(t, db.RecordStageRun(ctx, stage))
	assert.ErrorIs(t, db.RecordStageRun(ctx, stage), ErrDuplicate)
}
