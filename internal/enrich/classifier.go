package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	_ "golang.org/x/image/webp"
)

// ErrClassifierUnavailable marks a classifier that cannot be reached at all.
// It is fatal to the stage, unlike failures on individual images.
var ErrClassifierUnavailable = errors.New("enrich: classifier unavailable")

// Detection is one labeled box returned by a classifier
type Detection struct {
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// Classifier labels objects in one image
type Classifier interface {
	Classify(ctx context.Context, image []byte) ([]Detection, error)
}

// Readier is implemented by classifiers that can be checked before a run
type Readier interface {
	Ready(ctx context.Context) error
}

// Config holds enrichment settings
type Config struct {
	ClassifierURL string        `toml:"classifier_url"`
	HealthURL     string        `toml:"health_url"`
	Timeout       time.Duration `toml:"timeout"`
	MinConfidence float64       `toml:"min_confidence"`
	MaxImageSize  int64         `toml:"max_image_size"`
}

// DefaultConfig returns enrichment defaults
func DefaultConfig() Config {
	return Config{
		ClassifierURL: "http://localhost:8000/detect",
		Timeout:       30 * time.Second,
		MinConfidence: 0.25,
		MaxImageSize:  20 << 20,
	}
}

// Validate checks enrichment settings
func (c Config) Validate() error {
	if c.ClassifierURL == "" {
		return fmt.Errorf("enrich classifier_url must be specified")
	}
	if _, err := url.Parse(c.ClassifierURL); err != nil {
		return fmt.Errorf("enrich classifier_url is invalid: %w", err)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("enrich timeout must be positive")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("enrich min_confidence must be within [0, 1]")
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("enrich max_image_size must be positive")
	}
	return nil
}

// HTTPClassifier posts images to an inference endpoint
type HTTPClassifier struct {
	config Config
	client *http.Client
}

func NewHTTPClassifier(config Config) *HTTPClassifier {
	return &HTTPClassifier{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Classify validates that data is a decodable image and sends it for inference
func (c *HTTPClassifier) Classify(ctx context.Context, data []byte) ([]Detection, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, errors.Newf("%s image has no pixels", format)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ClassifierURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/"+format)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "classifier request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("classifier returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var detections []Detection
	if err := json.NewDecoder(resp.Body).Decode(&detections); err != nil {
		return nil, errors.Wrap(err, "decode classifier response")
	}

	return detections, nil
}

// Ready checks the health endpoint when one is configured
func (c *HTTPClassifier) Ready(ctx context.Context) error {
	if c.config.HealthURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.HealthURL, nil)
	if err != nil {
		return errors.Mark(err, ErrClassifierUnavailable)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "classifier health check"), ErrClassifierUnavailable)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Mark(errors.Newf("classifier health check returned %d", resp.StatusCode), ErrClassifierUnavailable)
	}
	return nil
}
