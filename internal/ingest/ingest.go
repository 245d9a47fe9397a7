// Package ingest fetches one source for one time bucket into an immutable
// artifact, resuming from artifacts already on disk.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/livinlefevreloca/channelpipe/internal/artifact"
	"github.com/livinlefevreloca/channelpipe/internal/bucket"
	"github.com/livinlefevreloca/channelpipe/internal/channel"
	"github.com/livinlefevreloca/channelpipe/internal/ingestlog"
	"github.com/livinlefevreloca/channelpipe/internal/metrics"
)

// ErrRetriesExhausted is returned when every fetch attempt for a bucket failed
var ErrRetriesExhausted = errors.New("ingest: retries exhausted")

// SourceConfig names one channel to ingest
type SourceConfig struct {
	ID    string `toml:"id"`
	Limit int    `toml:"limit"`
}

// Config holds ingestion settings
type Config struct {
	DataDir           string         `toml:"data_dir"`
	LogPath           string         `toml:"log_path"`
	MaxRetries        int            `toml:"max_retries"`
	BackoffUnit       time.Duration  `toml:"backoff_unit"`
	MaxBackoff        time.Duration  `toml:"max_backoff"`
	AttachmentRetries int            `toml:"attachment_retries"`
	Limit             int            `toml:"limit"`
	Sources           []SourceConfig `toml:"sources"`
}

// DefaultConfig returns ingestion defaults
func DefaultConfig() Config {
	return Config{
		DataDir:           "data/raw/channel_messages",
		LogPath:           "data/ingestion_log.json",
		MaxRetries:        3,
		BackoffUnit:       time.Second,
		MaxBackoff:        time.Minute,
		AttachmentRetries: 2,
	}
}

// Validate checks ingestion settings
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("ingest data_dir must be specified")
	}
	if c.LogPath == "" {
		return fmt.Errorf("ingest log_path must be specified")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("ingest max_retries must be at least 1")
	}
	if c.BackoffUnit < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("ingest backoff durations must not be negative")
	}
	if c.AttachmentRetries < 0 {
		return fmt.Errorf("ingest attachment_retries must not be negative")
	}
	if c.Limit < 0 {
		return fmt.Errorf("ingest limit must not be negative")
	}

	seen := make(map[string]bool)
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("ingest source %d: id must be specified", i)
		}
		if !safeName(s.ID) {
			return fmt.Errorf("ingest source %q: id must not contain path separators", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("ingest source %q listed twice", s.ID)
		}
		if s.Limit < 0 {
			return fmt.Errorf("ingest source %q: limit must not be negative", s.ID)
		}
		seen[s.ID] = true
	}

	return nil
}

// ItemResult is the outcome of processing one message
type ItemResult struct {
	ItemID        string
	AttachmentRef string
	Err           error
}

// Summary collects the item results of one fetch attempt
type Summary struct {
	Items       int
	Attachments int
	Failed      []ItemResult
}

func (s *Summary) add(r ItemResult) {
	s.Items++
	if r.AttachmentRef != "" {
		s.Attachments++
	}
	if r.Err != nil {
		s.Failed = append(s.Failed, r)
	}
}

// Err combines the per-item failures, or returns nil if there were none
func (s *Summary) Err() error {
	var result *multierror.Error
	for _, f := range s.Failed {
		result = multierror.Append(result, errors.Wrapf(f.Err, "item %s", f.ItemID))
	}
	return result.ErrorOrNil()
}

// Ingestor turns source messages into artifacts
type Ingestor struct {
	config  Config
	source  channel.Source
	store   *artifact.Store
	log     *ingestlog.Log
	logger  *slog.Logger
	metrics *metrics.Collector

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewIngestor(config Config, source channel.Source, store *artifact.Store, log *ingestlog.Log, logger *slog.Logger, m *metrics.Collector) *Ingestor {
	return &Ingestor{
		config:  config,
		source:  source,
		store:   store,
		log:     log,
		logger:  logger,
		metrics: m,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// Ingest returns the artifact for a source and bucket, fetching it only if
// no artifact exists yet. limit <= 0 fetches every message in the bucket.
func (i *Ingestor) Ingest(ctx context.Context, sourceID string, b bucket.Bucket, limit int) (*artifact.Artifact, error) {
	a, _, err := i.ingest(ctx, sourceID, b, limit)
	return a, err
}

// ingest also reports whether the artifact was resumed from disk rather than fetched
func (i *Ingestor) ingest(ctx context.Context, sourceID string, b bucket.Bucket, limit int) (*artifact.Artifact, bool, error) {
	key := artifact.Key{SourceID: sourceID, Bucket: b}
	logger := i.logger.With("source_id", sourceID, "time_bucket", b.String())

	if prev, ok := i.log.Lookup(sourceID, b); ok && prev.Status == ingestlog.StatusError {
		logger.Info("Retrying bucket that previously failed", "recorded_at", prev.RecordedAt)
	}

	if a, ok := i.resume(key, logger); ok {
		i.metrics.BucketSkipped(sourceID)
		i.record(key, ingestlog.StatusSkipped, nil, logger)
		return a, true, nil
	}

	maxAttempts := max(i.config.MaxRetries, 1)
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		a, summary, err := i.fetch(ctx, key, limit, logger)
		i.metrics.FetchAttempt(sourceID, err)
		if err == nil {
			a, err := i.persist(a, summary, logger)
			return a, false, err
		}

		lastErr = err
		logger.Warn("Fetch attempt failed", "attempt", attempt, "max_retries", maxAttempts, "error", err)

		if ctx.Err() != nil || !channel.IsTransient(err) {
			break
		}
		if attempt < maxAttempts {
			if err := i.sleep(ctx, i.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	i.record(key, ingestlog.StatusError, lastErr, logger)

	wrapped := errors.Wrapf(lastErr, "ingest %s failed after %d attempt(s)", key, attempts)
	if attempts == maxAttempts && channel.IsTransient(lastErr) {
		return nil, false, errors.Mark(wrapped, ErrRetriesExhausted)
	}
	return nil, false, wrapped
}

// resume loads an existing artifact. A corrupt artifact is moved aside so
// the bucket is fetched again.
func (i *Ingestor) resume(key artifact.Key, logger *slog.Logger) (*artifact.Artifact, bool) {
	exists, err := i.store.Exists(key)
	if err != nil {
		logger.Warn("Could not check for existing artifact", "error", err)
		return nil, false
	}
	if !exists {
		return nil, false
	}

	a, err := i.store.Load(key)
	if err == nil {
		logger.Debug("Artifact already exists, skipping fetch", "items", len(a.Items))
		return a, true
	}

	dst, qerr := i.store.Quarantine(key, i.now())
	if qerr != nil {
		logger.Error("Could not quarantine unreadable artifact", "error", err, "quarantine_error", qerr)
		return nil, false
	}
	logger.Warn("Existing artifact is unreadable, fetching again", "error", err, "moved_to", dst)
	return nil, false
}

// fetch runs one full attempt: stream messages, sanitize them and download
// their attachments. Nothing is written for the bucket except attachments.
func (i *Ingestor) fetch(ctx context.Context, key artifact.Key, limit int, logger *slog.Logger) (*artifact.Artifact, *Summary, error) {
	a := &artifact.Artifact{
		SourceID:   key.SourceID,
		TimeBucket: key.Bucket,
		FetchedAt:  i.now().UTC().Round(0),
		Items:      []artifact.Item{},
	}
	summary := &Summary{}

	err := i.source.Messages(ctx, key.SourceID, key.Bucket, limit, func(m channel.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, result := i.buildItem(ctx, key, m, logger)
		a.Items = append(a.Items, item)
		summary.add(result)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	// A cancelled download is absorbed per item; don't persist a degraded batch.
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	return a, summary, nil
}

func (i *Ingestor) buildItem(ctx context.Context, key artifact.Key, m channel.Message, logger *slog.Logger) (artifact.Item, ItemResult) {
	item := artifact.Item{
		ItemID:     SanitizeString(m.ID),
		SourceID:   key.SourceID,
		TimeBucket: key.Bucket,
		Text:       SanitizeString(m.Text),
		Views:      m.Views,
		Payload:    SanitizeMap(m.Raw),
	}
	if item.Payload == nil {
		item.Payload = map[string]any{}
	}
	if !m.PostedAt.IsZero() {
		t := m.PostedAt.UTC()
		item.PostedAt = &t
	}

	result := ItemResult{ItemID: item.ItemID}
	if !m.HasPhoto() {
		return item, result
	}

	ref, err := i.downloadAttachment(ctx, key, item.ItemID, m)
	if err != nil {
		i.metrics.AttachmentFailed(key.SourceID)
		logger.Warn("Attachment download failed, keeping item without it", "item_id", item.ItemID, "error", err)
		result.Err = err
		return item, result
	}

	item.AttachmentRef = ref
	result.AttachmentRef = ref
	return item, result
}

func (i *Ingestor) downloadAttachment(ctx context.Context, key artifact.Key, itemID string, m channel.Message) (string, error) {
	if !safeName(itemID) {
		return "", fmt.Errorf("item id %q cannot name an attachment file", itemID)
	}

	ref := i.store.AttachmentRef(key, itemID, m.AttachmentExt())
	// Left by an earlier attempt of this bucket.
	if i.store.AttachmentExists(ref) {
		return ref, nil
	}

	var err error
	for try := 0; try <= i.config.AttachmentRetries; try++ {
		if try > 0 {
			if serr := i.sleep(ctx, i.backoff(try)); serr != nil {
				return "", serr
			}
		}
		err = i.store.WriteAttachment(ref, func(w io.Writer) error {
			return i.source.Download(ctx, m, w)
		})
		if err == nil {
			i.metrics.AttachmentDownloaded(key.SourceID)
			return ref, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	return "", err
}

func (i *Ingestor) persist(a *artifact.Artifact, summary *Summary, logger *slog.Logger) (*artifact.Artifact, error) {
	key := a.Key()

	err := i.store.Write(a)
	switch {
	case errors.Is(err, artifact.ErrExists):
		logger.Warn("Artifact appeared during fetch, keeping the existing one")
	case err != nil:
		i.record(key, ingestlog.StatusError, err, logger)
		return nil, errors.Wrapf(err, "write artifact %s", key)
	}

	// Return what is on disk so a later resume yields the same artifact.
	stored, err := i.store.Load(key)
	if err != nil {
		i.record(key, ingestlog.StatusError, err, logger)
		return nil, errors.Wrapf(err, "reload artifact %s", key)
	}

	i.metrics.ItemsIngested(key.SourceID, len(stored.Items))
	i.record(key, ingestlog.StatusSuccess, nil, logger)

	attrs := []any{"items", summary.Items, "attachments", summary.Attachments}
	if ferr := summary.Err(); ferr != nil {
		logger.Warn("Ingested bucket with degraded items", append(attrs, "failed", len(summary.Failed), "error", ferr)...)
	} else {
		logger.Info("Ingested bucket", attrs...)
	}

	return stored, nil
}

func (i *Ingestor) record(key artifact.Key, status ingestlog.Status, cause error, logger *slog.Logger) {
	if err := i.log.Record(key.SourceID, key.Bucket, status, cause); err != nil {
		logger.Error("Failed to update ingestion log", "status", status, "error", err)
	}
}

// backoff returns 2^attempt backoff units, capped at MaxBackoff
func (i *Ingestor) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := time.Duration(1<<attempt) * i.config.BackoffUnit
	if i.config.MaxBackoff > 0 && d > i.config.MaxBackoff {
		d = i.config.MaxBackoff
	}
	return d
}

// Report summarizes an IngestAll call
type Report struct {
	Buckets int
	Fetched int
	Skipped int
	Items   int
}

// IngestAll ingests buckets oldest first and, within a bucket, every
// configured source in order. It stops at the first bucket that fails.
func (i *Ingestor) IngestAll(ctx context.Context, buckets []bucket.Bucket) (Report, error) {
	var report Report

	ordered := slices.Clone(buckets)
	slices.SortStableFunc(ordered, func(a, b bucket.Bucket) int {
		return a.Start().Compare(b.Start())
	})

	for _, b := range ordered {
		for _, src := range i.config.Sources {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			limit := src.Limit
			if limit == 0 {
				limit = i.config.Limit
			}

			a, resumed, err := i.ingest(ctx, src.ID, b, limit)
			if err != nil {
				return report, err
			}

			report.Buckets++
			report.Items += len(a.Items)
			if resumed {
				report.Skipped++
			} else {
				report.Fetched++
			}
		}
	}

	return report, nil
}

func safeName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
