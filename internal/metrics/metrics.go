// Package metrics exposes pipeline counters to Prometheus.
//
// All Collector methods are safe on a nil receiver so components can run
// without metrics in tests and one-off commands.
package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds metrics server settings
type Config struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Collector holds the pipeline's metrics
type Collector struct {
	registry *prometheus.Registry

	fetchAttempts       *prometheus.CounterVec
	itemsIngested       *prometheus.CounterVec
	attachmentsStored   *prometheus.CounterVec
	attachmentsFailed   *prometheus.CounterVec
	bucketsSkipped      *prometheus.CounterVec
	rowsLoaded          prometheus.Counter
	artifactsFailed     prometheus.Counter
	attachmentsScanned  prometheus.Counter
	attachmentsRejected prometheus.Counter
	detectionsWritten   prometheus.Counter
	stageDuration       *prometheus.HistogramVec
	stageFailures       *prometheus.CounterVec
	orchestratorState   *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_fetch_attempts_total",
			Help: "Fetch attempts per source, labeled by outcome",
		}, []string{"source", "outcome"}),

		itemsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_items_ingested_total",
			Help: "Items written to artifacts",
		}, []string{"source"}),

		attachmentsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_attachments_downloaded_total",
			Help: "Attachments downloaded",
		}, []string{"source"}),

		attachmentsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_attachments_failed_total",
			Help: "Attachments whose download failed after retries",
		}, []string{"source"}),

		bucketsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_buckets_skipped_total",
			Help: "Buckets served from an existing artifact",
		}, []string{"source"}),

		rowsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelpipe_raw_rows_loaded_total",
			Help: "Rows inserted into raw storage",
		}),

		artifactsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelpipe_artifacts_failed_total",
			Help: "Artifacts skipped by the loader because they could not be parsed or stored",
		}),

		attachmentsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelpipe_attachments_classified_total",
			Help: "Attachments run through the classifier",
		}),

		attachmentsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelpipe_attachments_classify_failed_total",
			Help: "Attachments whose classification failed",
		}),

		detectionsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelpipe_detections_written_total",
			Help: "Detection rows inserted",
		}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "channelpipe_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		}, []string{"stage"}),

		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_stage_failures_total",
			Help: "Stage-fatal failures",
		}, []string{"stage"}),

		orchestratorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "channelpipe_orchestrator_state",
			Help: "1 for the state the current run is in, 0 otherwise",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		c.fetchAttempts,
		c.itemsIngested,
		c.attachmentsStored,
		c.attachmentsFailed,
		c.bucketsSkipped,
		c.rowsLoaded,
		c.artifactsFailed,
		c.attachmentsScanned,
		c.attachmentsRejected,
		c.detectionsWritten,
		c.stageDuration,
		c.stageFailures,
		c.orchestratorState,
	)

	return c
}

// Registry returns the registry backing the collector
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ListenAndServe exposes /metrics until ctx is cancelled
func (c *Collector) ListenAndServe(ctx context.Context, config Config, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	addr := net.JoinHostPort(config.Address, strconv.Itoa(config.Port))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (c *Collector) FetchAttempt(source string, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.fetchAttempts.WithLabelValues(source, outcome).Inc()
}

func (c *Collector) ItemsIngested(source string, n int) {
	if c == nil {
		return
	}
	c.itemsIngested.WithLabelValues(source).Add(float64(n))
}

func (c *Collector) AttachmentDownloaded(source string) {
	if c == nil {
		return
	}
	c.attachmentsStored.WithLabelValues(source).Inc()
}

func (c *Collector) AttachmentFailed(source string) {
	if c == nil {
		return
	}
	c.attachmentsFailed.WithLabelValues(source).Inc()
}

func (c *Collector) BucketSkipped(source string) {
	if c == nil {
		return
	}
	c.bucketsSkipped.WithLabelValues(source).Inc()
}

func (c *Collector) RowsLoaded(n int) {
	if c == nil {
		return
	}
	c.rowsLoaded.Add(float64(n))
}

func (c *Collector) ArtifactFailed() {
	if c == nil {
		return
	}
	c.artifactsFailed.Inc()
}

func (c *Collector) AttachmentClassified(detections int) {
	if c == nil {
		return
	}
	c.attachmentsScanned.Inc()
	c.detectionsWritten.Add(float64(detections))
}

func (c *Collector) AttachmentRejected() {
	if c == nil {
		return
	}
	c.attachmentsRejected.Inc()
}

func (c *Collector) StageFinished(stage string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		c.stageFailures.WithLabelValues(stage).Inc()
	}
}

// SetState marks state as current and clears the others in states
func (c *Collector) SetState(current string, states []string) {
	if c == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		c.orchestratorState.WithLabelValues(s).Set(v)
	}
}
