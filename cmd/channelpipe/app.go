package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/artifact"
	"github.com/livinlefevreloca/channelpipe/internal/channel"
	"github.com/livinlefevreloca/channelpipe/internal/config"
	"github.com/livinlefevreloca/channelpipe/internal/db"
	"github.com/livinlefevreloca/channelpipe/internal/db/migrations"
	"github.com/livinlefevreloca/channelpipe/internal/enrich"
	"github.com/livinlefevreloca/channelpipe/internal/ingest"
	"github.com/livinlefevreloca/channelpipe/internal/ingestlog"
	"github.com/livinlefevreloca/channelpipe/internal/loader"
	"github.com/livinlefevreloca/channelpipe/internal/logging"
	"github.com/livinlefevreloca/channelpipe/internal/metrics"
	"github.com/livinlefevreloca/channelpipe/internal/pipeline"
	"github.com/livinlefevreloca/channelpipe/internal/serve"
	"github.com/livinlefevreloca/channelpipe/internal/transform"
	"github.com/livinlefevreloca/channelpipe/tools/migrator"
	"k8s.io/client-go/kubernetes"
)

// app holds the components shared by every subcommand
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *db.DB
	metrics *metrics.Collector
	store   *artifact.Store

	closers []io.Closer
}

// newApp loads configuration, builds the logger and opens the database.
// Migrations run unless the configuration skips them.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	logger, logCloser, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
		store:   artifact.NewStore(cfg.Ingest.DataDir),
		closers: []io.Closer{logCloser},
	}

	logger.Info("Connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		a.Close()
		return nil, errors.Wrapf(err, "connect to %s database", cfg.Database.Driver)
	}
	a.db = database
	a.closers = append([]io.Closer{database}, a.closers...)

	if cfg.Database.SkipMigrations {
		logger.Info("Skipping migrations", "reason", "configured to skip")
		return a, nil
	}
	if err := a.migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) migrate(ctx context.Context) error {
	if err := migrator.RunMigrations(ctx, a.db.DB, a.db.Driver(), migrations.FS); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	version, err := migrator.GetCurrentVersion(ctx, a.db.DB)
	if err != nil {
		return errors.Wrap(err, "read schema version")
	}
	a.logger.Info("Database schema ready", "version", version)
	return nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		c.Close()
	}
}

func (a *app) ingestor() *ingest.Ingestor {
	source := channel.NewHTTPSource(a.cfg.Channel, a.logger)
	log := ingestlog.Open(a.cfg.Ingest.LogPath, a.logger)
	return ingest.NewIngestor(a.cfg.Ingest, source, a.store, log, a.logger, a.metrics)
}

func (a *app) loader() *loader.Loader {
	return loader.New(a.db, a.store, a.logger, a.metrics)
}

func (a *app) enricher() *enrich.Enricher {
	classifier := enrich.NewHTTPClassifier(a.cfg.Enrich)
	return enrich.New(a.cfg.Enrich, a.db, a.store, classifier, a.logger, a.metrics)
}

func (a *app) transformRunner() (transform.Runner, error) {
	var client kubernetes.Interface
	if a.cfg.Transform.Runner == transform.RunnerKubernetes {
		c, err := transform.NewKubeClient(a.cfg.Transform.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, err
		}
		client = c
	}
	return transform.New(a.cfg.Transform, a.db, client, a.logger)
}

func (a *app) server() *serve.Server {
	return serve.NewServer(a.cfg.HTTP, a.db, a.logger)
}

// stages wires every component into orchestrator stages
func (a *app) stages(server *serve.Server) (pipeline.Components, error) {
	runner, err := a.transformRunner()
	if err != nil {
		return pipeline.Components{}, err
	}
	return pipeline.Components{
		Ingester:  a.ingestor(),
		Loader:    a.loader(),
		Transform: runner,
		Enricher:  a.enricher(),
		Store:     a.store,
		Activator: serve.NewActivator(a.db, server, a.logger),
	}, nil
}
