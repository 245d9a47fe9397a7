package ingestlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/bucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l := Open(filepath.Join(t.TempDir(), "logs", "ingestion_log.json"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return l
}

func TestLookup_Absent(t *testing.T) {
	l := newTestLog(t)

	_, ok := l.Lookup("s1", bucket.MustParse("2024-01-01"))
	assert.False(t, ok)
}

func TestRecord_Overwrites(t *testing.T) {
	l := newTestLog(t)
	b := bucket.MustParse("2024-01-01")

	require.NoError(t, l.Record("s1", b, StatusError, errors.New("timeout")))
	entry, ok := l.Lookup("s1", b)
	require.True(t, ok)
	assert.Equal(t, StatusError, entry.Status)
	require.NotNil(t, entry.Error)
	assert.Equal(t, "timeout", *entry.Error)

	require.NoError(t, l.Record("s1", b, StatusSuccess, nil))
	entry, ok = l.Lookup("s1", b)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, entry.Status)
	assert.Nil(t, entry.Error)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), entry.RecordedAt)
}

func TestRecord_KeepsOtherKeys(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.Record("s1", bucket.MustParse("2024-01-01"), StatusSuccess, nil))
	require.NoError(t, l.Record("s1", bucket.MustParse("2024-01-02"), StatusSkipped, nil))
	require.NoError(t, l.Record("s2", bucket.MustParse("2024-01-01"), StatusError, errors.New("x")))

	snap := l.Snapshot()
	assert.Len(t, snap, 2)
	assert.Len(t, snap["s1"], 2)
	assert.Equal(t, StatusSkipped, snap["s1"]["2024-01-02"].Status)
	assert.Equal(t, StatusError, snap["s2"]["2024-01-01"].Status)
}

func TestPersistedLayout(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record("S1", bucket.MustParse("2024-01-01"), StatusSuccess, nil))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{"S1":{"2024-01-01":{"status":"success","error":null,"timestamp":"2024-01-01T12:00:00Z"}}}`, string(data))

	// A second handle on the same file sees the entry
	reopened := Open(l.Path(), l.logger)
	entry, ok := reopened.Lookup("S1", bucket.MustParse("2024-01-01"))
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, entry.Status)
}

func TestCorruptLog_TreatedAsEmpty(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))
	require.NoError(t, os.WriteFile(l.Path(), []byte("{not json"), 0o644))

	_, ok := l.Lookup("s1", bucket.MustParse("2024-01-01"))
	assert.False(t, ok)

	// Recording replaces the corrupt file with a valid one
	require.NoError(t, l.Record("s1", bucket.MustParse("2024-01-01"), StatusSuccess, nil))
	entry, ok := l.Lookup("s1", bucket.MustParse("2024-01-01"))
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, entry.Status)
}
