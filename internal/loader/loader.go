// Package loader copies ingested artifacts into raw storage.
package loader

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/livinlefevreloca/channelpipe/internal/artifact"
	"github.com/livinlefevreloca/channelpipe/internal/db"
	"github.com/livinlefevreloca/channelpipe/internal/metrics"
)

// Loader inserts artifact items as raw rows. Loading is replay-safe: rows
// are keyed by (source_id, item_id) and duplicates are ignored.
type Loader struct {
	db      *db.DB
	store   *artifact.Store
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func New(database *db.DB, store *artifact.Store, logger *slog.Logger, m *metrics.Collector) *Loader {
	return &Loader{
		db:      database,
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Report summarizes a LoadAll call
type Report struct {
	Artifacts int
	UpToDate  int
	Failed    int
	Rows      int
}

// LoadAll loads every artifact in the store that is not fully reflected in
// raw storage and returns the number of rows inserted. An artifact that
// cannot be parsed is logged and skipped; storage errors abort the load.
func (l *Loader) LoadAll(ctx context.Context) (Report, error) {
	var report Report

	paths, err := l.store.Paths()
	if err != nil {
		return report, errors.Wrap(err, "list artifacts")
	}

	var parseErrs *multierror.Error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Artifacts++

		a, err := l.store.LoadFile(path)
		if err != nil {
			report.Failed++
			l.metrics.ArtifactFailed()
			parseErrs = multierror.Append(parseErrs, err)
			l.logger.Error("Skipping unreadable artifact", "path", path, "error", err)
			continue
		}

		logger := l.logger.With("source_id", a.SourceID, "time_bucket", a.TimeBucket.String())

		loaded, err := l.db.CountRawRowsForBucket(ctx, a.SourceID, a.TimeBucket.String())
		if err != nil {
			return report, errors.Wrapf(err, "check raw rows for %s", a.Key())
		}
		if loaded >= len(a.Items) {
			report.UpToDate++
			logger.Debug("Artifact already loaded", "items", len(a.Items))
			continue
		}

		n, err := l.loadArtifact(ctx, a)
		if err != nil {
			return report, errors.Wrapf(err, "load artifact %s", a.Key())
		}
		report.Rows += n
		l.metrics.RowsLoaded(n)
		logger.Info("Loaded artifact", "items", len(a.Items), "inserted", n)
	}

	if err := parseErrs.ErrorOrNil(); err != nil {
		l.logger.Warn("Some artifacts were skipped", "failed", report.Failed, "error", err)
	}

	return report, nil
}

// loadArtifact inserts one artifact's items in a single transaction
func (l *Loader) loadArtifact(ctx context.Context, a *artifact.Artifact) (int, error) {
	loadedAt := l.now().UTC()
	inserted := 0

	err := l.db.WithTransaction(ctx, func(tx *db.Tx) error {
		for _, item := range a.Items {
			row, err := rawRow(a, item, loadedAt)
			if err != nil {
				return err
			}
			ok, err := db.InsertRawRow(ctx, tx, row)
			if err != nil {
				return errors.Wrapf(err, "insert item %s", item.ItemID)
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

func rawRow(a *artifact.Artifact, item artifact.Item, loadedAt time.Time) (*db.RawRow, error) {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode payload of item %s", item.ItemID)
	}

	row := &db.RawRow{
		// Keys come from the artifact, never from its path.
		SourceID:    a.SourceID,
		ItemID:      item.ItemID,
		TimeBucket:  a.TimeBucket.String(),
		MessageText: item.Text,
		PostedAt:    item.PostedAt,
		Views:       item.Views,
		Payload:     string(payload),
		LoadedAt:    loadedAt,
	}
	if item.HasAttachment() {
		ref := item.AttachmentRef
		row.AttachmentRef = &ref
	}

	return row, nil
}
