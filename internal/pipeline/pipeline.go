// Package pipeline adapts the ingest, load, transform, enrich and serve
// components to orchestrator stages.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/channelpipe/internal/artifact"
	"github.com/livinlefevreloca/channelpipe/internal/bucket"
	"github.com/livinlefevreloca/channelpipe/internal/enrich"
	"github.com/livinlefevreloca/channelpipe/internal/ingest"
	"github.com/livinlefevreloca/channelpipe/internal/loader"
	"github.com/livinlefevreloca/channelpipe/internal/orchestrator"
	"github.com/livinlefevreloca/channelpipe/internal/transform"
)

// Config holds run-level settings
type Config struct {
	LookbackDays int `toml:"lookback_days"`
}

// DefaultConfig ingests today only
func DefaultConfig() Config {
	return Config{LookbackDays: 1}
}

// Validate checks the run settings
func (c Config) Validate() error {
	if c.LookbackDays <= 0 {
		return fmt.Errorf("pipeline lookback_days must be positive")
	}
	return nil
}

type Ingester interface {
	IngestAll(ctx context.Context, buckets []bucket.Bucket) (ingest.Report, error)
}

type Loader interface {
	LoadAll(ctx context.Context) (loader.Report, error)
}

type Enricher interface {
	EnrichAll(ctx context.Context, index []artifact.AttachmentRef) (enrich.Report, error)
}

type Activator interface {
	Activate(ctx context.Context) error
}

// Components are the collaborators the stages drive
type Components struct {
	Ingester  Ingester
	Loader    Loader
	Transform transform.Runner
	Enricher  Enricher
	Store     *artifact.Store
	Activator Activator
}

// Stages builds the orchestrator stages for one run
func Stages(config Config, c Components, logger *slog.Logger) orchestrator.Stages {
	return orchestrator.Stages{
		Ingest:    &IngestStage{ingester: c.Ingester, lookback: config.LookbackDays, now: time.Now},
		Load:      &LoadStage{loader: c.Loader},
		Transform: &TransformStage{runner: c.Transform},
		Enrich:    &EnrichStage{enricher: c.Enricher, store: c.Store, logger: logger},
		Serve:     &ServeStage{activator: c.Activator},
	}
}

// IngestStage ingests the lookback window for every configured source
type IngestStage struct {
	ingester Ingester
	lookback int
	now      func() time.Time
}

func (s *IngestStage) Run(ctx context.Context, prev orchestrator.Outcome) (orchestrator.Outcome, error) {
	buckets := bucket.Lookback(s.now(), s.lookback)
	report, err := s.ingester.IngestAll(ctx, buckets)
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	return orchestrator.Outcome{
		Success: true,
		Status: fmt.Sprintf("ingested %d buckets: %d fetched, %d skipped, %d items",
			report.Buckets, report.Fetched, report.Skipped, report.Items),
	}, nil
}

// LoadStage copies stored artifacts into raw tables
type LoadStage struct {
	loader Loader
}

func (s *LoadStage) Run(ctx context.Context, prev orchestrator.Outcome) (orchestrator.Outcome, error) {
	report, err := s.loader.LoadAll(ctx)
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	return orchestrator.Outcome{
		Success: true,
		Status: fmt.Sprintf("loaded %d rows from %d artifacts: %d up to date, %d unreadable",
			report.Rows, report.Artifacts, report.UpToDate, report.Failed),
	}, nil
}

// TransformStage runs the configured transform
type TransformStage struct {
	runner transform.Runner
}

func (s *TransformStage) Run(ctx context.Context, prev orchestrator.Outcome) (orchestrator.Outcome, error) {
	if err := s.runner.Run(ctx); err != nil {
		return orchestrator.Outcome{}, err
	}
	return orchestrator.Outcome{Success: true, Status: "curated models rebuilt"}, nil
}

// EnrichStage classifies every stored attachment not yet scanned
type EnrichStage struct {
	enricher Enricher
	store    *artifact.Store
	logger   *slog.Logger
}

func (s *EnrichStage) Run(ctx context.Context, prev orchestrator.Outcome) (orchestrator.Outcome, error) {
	index, err := enrich.Index(s.store, s.logger)
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	report, err := s.enricher.EnrichAll(ctx, index)
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	return orchestrator.Outcome{
		Success: true,
		Status: fmt.Sprintf("processed %d of %d attachments: %d failed, %d detections",
			report.Processed, report.Candidates, report.Failed, report.Detections),
	}, nil
}

// ServeStage marks the read API ready over the rebuilt tables
type ServeStage struct {
	activator Activator
}

func (s *ServeStage) Run(ctx context.Context, prev orchestrator.Outcome) (orchestrator.Outcome, error) {
	if err := s.activator.Activate(ctx); err != nil {
		return orchestrator.Outcome{}, err
	}
	return orchestrator.Outcome{Success: true, Status: "read API ready"}, nil
}
