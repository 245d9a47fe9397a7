package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/bucket"
	"github.com/livinlefevreloca/channelpipe/internal/enrich"
	"github.com/livinlefevreloca/channelpipe/internal/orchestrator"
	"github.com/livinlefevreloca/channelpipe/internal/pipeline"
	"github.com/livinlefevreloca/channelpipe/internal/serve"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configPath string

var timeNow = time.Now

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "channelpipe",
	Short:         "Ingest channel messages and serve curated reports",
	Long:          `Pull messages and images from public channels, load them into raw tables, build curated models, detect objects in images and serve the results over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (TOML)")

	runCmd.Flags().Bool("no-serve", false, "Exit after the run instead of serving the read API")
	ingestCmd.Flags().String("from", "", "First bucket to ingest (YYYY-MM-DD); defaults to the lookback window")
	ingestCmd.Flags().String("to", "", "Last bucket to ingest (YYYY-MM-DD); defaults to today")

	rootCmd.AddCommand(runCmd, ingestCmd, loadCmd, enrichCmd, serveCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline once, then serve the read API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		noServe, _ := cmd.Flags().GetBool("no-serve")

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		server := a.server()
		components, err := a.stages(server)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		serveCtx, stopServing := context.WithCancel(gctx)
		defer stopServing()
		a.startServers(serveCtx, g, server)

		g.Go(func() error {
			orch, err := orchestrator.New(pipeline.Stages(a.cfg.Pipeline, components, a.logger), a.db, a.metrics, a.logger)
			if err != nil {
				stopServing()
				return err
			}
			runErr := orch.Run(gctx)
			if runErr != nil || noServe {
				stopServing()
			}
			return runErr
		})

		return g.Wait()
	},
}

// startServers launches the read API and metrics servers when enabled
func (a *app) startServers(ctx context.Context, g *errgroup.Group, server *serve.Server) {
	if a.cfg.HTTP.Enabled {
		g.Go(func() error { return server.ListenAndServe(ctx) })
	}
	if a.cfg.Metrics.Enabled {
		g.Go(func() error { return a.metrics.ListenAndServe(ctx, a.cfg.Metrics, a.logger) })
	}
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest buckets from every configured source",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		buckets, err := ingestBuckets(cmd, a.cfg.Pipeline)
		if err != nil {
			return err
		}

		report, err := a.ingestor().IngestAll(cmd.Context(), buckets)
		if err != nil {
			return err
		}
		a.logger.Info("Ingest finished", "buckets", report.Buckets, "fetched", report.Fetched, "skipped", report.Skipped, "items", report.Items)
		return nil
	},
}

func ingestBuckets(cmd *cobra.Command, cfg pipeline.Config) ([]bucket.Bucket, error) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	if from == "" && to == "" {
		return bucket.Lookback(timeNow(), cfg.LookbackDays), nil
	}

	last := bucket.Of(timeNow())
	if to != "" {
		b, err := bucket.Parse(to)
		if err != nil {
			return nil, errors.Wrap(err, "--to")
		}
		last = b
	}
	first := last
	if from != "" {
		b, err := bucket.Parse(from)
		if err != nil {
			return nil, errors.Wrap(err, "--from")
		}
		first = b
	}
	buckets := bucket.Range(first, last)
	if len(buckets) == 0 {
		return nil, errors.Newf("--from %s is after --to %s", first, last)
	}
	return buckets, nil
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load stored artifacts into raw tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.loader().LoadAll(cmd.Context())
		if err != nil {
			return err
		}
		a.logger.Info("Load finished", "artifacts", report.Artifacts, "rows", report.Rows, "failed", report.Failed)
		return nil
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Classify stored attachments not yet scanned",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		index, err := enrich.Index(a.store, a.logger)
		if err != nil {
			return err
		}
		report, err := a.enricher().EnrichAll(cmd.Context(), index)
		if err != nil {
			return err
		}
		a.logger.Info("Enrich finished", "processed", report.Processed, "failed", report.Failed, "detections", report.Detections)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read API over the current curated tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		server := a.server()
		if err := serve.NewActivator(a.db, server, a.logger).Activate(ctx); err != nil {
			if !errors.Is(err, serve.ErrNotReady) {
				return err
			}
			a.logger.Warn("Serving before curated tables exist", "error", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		a.cfg.HTTP.Enabled = true
		a.startServers(gctx, g, server)
		return g.Wait()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// newApp migrates unless skip_migrations is set
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.Database.SkipMigrations {
			return a.migrate(cmd.Context())
		}
		return nil
	},
}
