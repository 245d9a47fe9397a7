// Package enrich runs stored attachments through an object classifier and
// records the detections.
package enrich

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/livinlefevreloca/channelpipe/internal/artifact"
	"github.com/livinlefevreloca/channelpipe/internal/db"
	"github.com/livinlefevreloca/channelpipe/internal/metrics"
)

// AttachmentResult is the outcome of classifying one attachment
type AttachmentResult struct {
	Ref        string
	Detections int
	Dropped    int
	Err        error
}

// Report summarizes an EnrichAll call
type Report struct {
	Candidates int
	Scanned    int
	Processed  int
	Failed     int
	Detections int
	Dropped    int
}

func (r *Report) add(res AttachmentResult) {
	if res.Err != nil {
		r.Failed++
		return
	}
	r.Processed++
	r.Detections += res.Detections
	r.Dropped += res.Dropped
}

// Enricher classifies attachments that have not been classified yet
type Enricher struct {
	config     Config
	db         *db.DB
	store      *artifact.Store
	classifier Classifier
	logger     *slog.Logger
	metrics    *metrics.Collector
	now        func() time.Time
}

func New(config Config, database *db.DB, store *artifact.Store, classifier Classifier, logger *slog.Logger, m *metrics.Collector) *Enricher {
	return &Enricher{
		config:     config,
		db:         database,
		store:      store,
		classifier: classifier,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Index lists the attachments referenced by every readable artifact in the store
func Index(store *artifact.Store, logger *slog.Logger) ([]artifact.AttachmentRef, error) {
	paths, err := store.Paths()
	if err != nil {
		return nil, err
	}

	var refs []artifact.AttachmentRef
	for _, path := range paths {
		a, err := store.LoadFile(path)
		if err != nil {
			logger.Warn("Skipping unreadable artifact", "path", path, "error", err)
			continue
		}
		refs = append(refs, a.Attachments()...)
	}
	return refs, nil
}

// EnrichAll classifies each attachment in index that is not yet recorded as
// scanned. Failures on one attachment are rolled back and logged; the run
// continues with the next. Only an unreachable classifier or store is fatal.
func (e *Enricher) EnrichAll(ctx context.Context, index []artifact.AttachmentRef) (Report, error) {
	var report Report

	if r, ok := e.classifier.(Readier); ok {
		if err := r.Ready(ctx); err != nil {
			return report, errors.Mark(err, ErrClassifierUnavailable)
		}
	}

	scanned, err := e.db.ScannedAttachmentRefs(ctx)
	if err != nil {
		return report, errors.Wrap(err, "list scanned attachments")
	}

	var failures *multierror.Error
	for _, ref := range index {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Candidates++
		if scanned[ref.Ref] {
			report.Scanned++
			continue
		}

		res := e.processAttachment(ctx, ref)
		report.add(res)
		if res.Err != nil {
			e.metrics.AttachmentRejected()
			failures = multierror.Append(failures, errors.Wrapf(res.Err, "attachment %s", ref.Ref))
			e.logger.Warn("Failed to enrich attachment", "attachment_ref", ref.Ref, "error", res.Err)
			continue
		}

		scanned[ref.Ref] = true
		e.metrics.AttachmentClassified(res.Detections)
		e.logger.Debug("Enriched attachment", "attachment_ref", ref.Ref, "detections", res.Detections, "dropped", res.Dropped)
	}

	attrs := []any{
		"candidates", report.Candidates,
		"processed", report.Processed,
		"failed", report.Failed,
		"detections", report.Detections,
	}
	if err := failures.ErrorOrNil(); err != nil {
		e.logger.Warn("Enrichment finished with failed attachments", append(attrs, "error", err)...)
	} else {
		e.logger.Info("Enrichment finished", attrs...)
	}

	return report, nil
}

// processAttachment classifies one attachment and writes its detections and
// scanned marker in one transaction, so a failure leaves nothing behind.
func (e *Enricher) processAttachment(ctx context.Context, ref artifact.AttachmentRef) AttachmentResult {
	res := AttachmentResult{Ref: ref.Ref}

	data, err := e.readAttachment(ref.Ref)
	if err != nil {
		res.Err = err
		return res
	}

	detections, err := e.classifier.Classify(ctx, data)
	if err != nil {
		res.Err = errors.Wrap(err, "classify")
		return res
	}

	createdAt := e.now().UTC()
	inserted := 0
	err = e.db.WithTransaction(ctx, func(tx *db.Tx) error {
		for _, d := range detections {
			if !e.keep(d) {
				res.Dropped++
				continue
			}
			ok, err := db.InsertDetection(ctx, tx, &db.Detection{
				AttachmentRef: ref.Ref,
				ItemID:        ref.ItemID,
				ObjectClass:   d.ClassName,
				Confidence:    d.Confidence,
				X1:            d.BBox[0],
				Y1:            d.BBox[1],
				X2:            d.BBox[2],
				Y2:            d.BBox[3],
				SourceID:      ref.SourceID,
				TimeBucket:    ref.Bucket.String(),
				CreatedAt:     createdAt,
			})
			if err != nil {
				return errors.Wrapf(err, "insert %s detection", d.ClassName)
			}
			if ok {
				inserted++
			}
		}

		return db.MarkScanned(ctx, tx, &db.ScannedAttachment{
			AttachmentRef: ref.Ref,
			SourceID:      ref.SourceID,
			TimeBucket:    ref.Bucket.String(),
			Detections:    inserted,
			ScannedAt:     createdAt,
		})
	})
	if err != nil {
		res.Err = err
		res.Dropped = 0
		return res
	}

	res.Detections = inserted
	return res
}

func (e *Enricher) keep(d Detection) bool {
	if d.ClassName == "" {
		return false
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return false
	}
	return d.Confidence >= e.config.MinConfidence
}

func (e *Enricher) readAttachment(ref string) ([]byte, error) {
	f, err := os.Open(e.store.Resolve(ref))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	limit := e.config.MaxImageSize
	if limit <= 0 {
		limit = DefaultConfig().MaxImageSize
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.Newf("attachment exceeds %d bytes", limit)
	}
	return data, nil
}
