package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.FetchAttempt("s1", nil)
		c.ItemsIngested("s1", 3)
		c.AttachmentDownloaded("s1")
		c.AttachmentFailed("s1")
		c.BucketSkipped("s1")
		c.RowsLoaded(1)
		c.ArtifactFailed()
		c.AttachmentClassified(2)
		c.AttachmentRejected()
		c.StageFinished("ingest", time.Second, nil)
		c.SetState("loading", []string{"loading"})
	})
	assert.Nil(t, c.Registry())
}

func TestCounters(t *testing.T) {
	c := NewCollector()

	c.FetchAttempt("s1", errors.New("x"))
	c.FetchAttempt("s1", nil)
	c.FetchAttempt("s1", nil)
	c.AttachmentClassified(3)
	c.StageFinished("load", time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetchAttempts.WithLabelValues("s1", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.fetchAttempts.WithLabelValues("s1", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.detectionsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageFailures.WithLabelValues("load")))
}

func TestSetState(t *testing.T) {
	c := NewCollector()
	states := []string{"pending", "loading", "failed"}

	c.SetState("pending", states)
	c.SetState("loading", states)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.orchestratorState.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.orchestratorState.WithLabelValues("loading")))
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.RowsLoaded(7)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "channelpipe_raw_rows_loaded_total 7"))
}
