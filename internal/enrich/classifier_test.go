package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClassifier(url string) *HTTPClassifier {
	cfg := DefaultConfig()
	cfg.ClassifierURL = url + "/detect"
	cfg.Timeout = 5 * time.Second
	return NewHTTPClassifier(cfg)
}

func TestHTTPClassifier_Classify(t *testing.T) {
	img := pngBytes(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, img, body)

		fmt.Fprint(w, `[{"class_name":"bottle","confidence":0.87,"bbox":[1,2,3,4]}]`)
	}))
	defer srv.Close()

	dets, err := testClassifier(srv.URL).Classify(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, []Detection{{ClassName: "bottle", Confidence: 0.87, BBox: [4]float64{1, 2, 3, 4}}}, dets)
}

// webpBytes is a 1x1 lossless WebP: a RIFF container holding one VP8L
// chunk whose header encodes width-1 = 0, height-1 = 0, no alpha.
func webpBytes() []byte {
	return []byte{
		'R', 'I', 'F', 'F', 18, 0, 0, 0, 'W', 'E', 'B', 'P',
		'V', 'P', '8', 'L', 5, 0, 0, 0,
		0x2f, 0x00, 0x00, 0x00, 0x00,
		0x00, // pad to even chunk length
	}
}

func TestHTTPClassifier_ClassifiesWebP(t *testing.T) {
	img := webpBytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image/webp", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, img, body)

		fmt.Fprint(w, `[{"class_name":"jar","confidence":0.6,"bbox":[0,0,1,1]}]`)
	}))
	defer srv.Close()

	dets, err := testClassifier(srv.URL).Classify(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "jar", dets[0].ClassName)
}

func TestHTTPClassifier_RejectsUndecodableImage(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	_, err := testClassifier(srv.URL).Classify(context.Background(), []byte("definitely not an image"))
	assert.ErrorContains(t, err, "decode image")
	assert.Equal(t, int32(0), requests.Load())
}

func TestHTTPClassifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClassifier(srv.URL).Classify(context.Background(), pngBytes(t))
	assert.ErrorContains(t, err, "classifier returned 500: model crashed")
}

func TestHTTPClassifier_Ready(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer healthy.Close()

	c := testClassifier(healthy.URL)
	assert.NoError(t, c.Ready(context.Background()), "no health url configured")

	c.config.HealthURL = healthy.URL + "/health"
	assert.NoError(t, c.Ready(context.Background()))

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	c.config.HealthURL = unhealthy.URL
	err := c.Ready(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClassifierUnavailable))

	unhealthy.Close()
	err = c.Ready(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClassifierUnavailable))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.MinConfidence = 1.2
	assert.ErrorContains(t, cfg.Validate(), "min_confidence")

	cfg = DefaultConfig()
	cfg.ClassifierURL = ""
	assert.ErrorContains(t, cfg.Validate(), "classifier_url")
}
