package transform

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/db"
)

// model is one curated relation, rebuilt from scratch on every run
type model struct {
	name  string
	drop  string
	build string
}

// Ordered so dependents are dropped first and built last.
var models = []model{
	{
		name:  "dim_channels",
		drop:  `DROP TABLE IF EXISTS dim_channels`,
		build: `CREATE TABLE dim_channels AS SELECT DISTINCT source_id AS channel_id, source_id AS channel_name FROM raw_messages`,
	},
	{
		name:  "dim_dates",
		drop:  `DROP TABLE IF EXISTS dim_dates`,
		build: `CREATE TABLE dim_dates AS SELECT DISTINCT time_bucket AS date_key FROM raw_messages`,
	},
	{
		name: "fct_messages",
		drop: `DROP TABLE IF EXISTS fct_messages`,
		build: `CREATE TABLE fct_messages AS
			SELECT item_id AS message_id,
			       source_id AS channel_id,
			       time_bucket AS date_key,
			       message_text,
			       LENGTH(message_text) AS message_length,
			       views AS view_count,
			       attachment_ref IS NOT NULL AS has_image
			FROM raw_messages`,
	},
	{
		// A view, since detections are written after the transform runs.
		name: "fct_image_detections",
		drop: `DROP VIEW IF EXISTS fct_image_detections`,
		build: `CREATE VIEW fct_image_detections AS
			SELECT item_id AS message_id,
			       source_id AS channel_id,
			       object_class AS detected_object_class,
			       confidence AS confidence_score,
			       attachment_ref AS image_path
			FROM image_detections`,
	},
}

// Each check counts violating rows; any non-zero count fails the run.
var checks = []struct {
	name  string
	query string
}{
	{"fct_messages.message_id not null", `SELECT COUNT(*) FROM fct_messages WHERE message_id IS NULL`},
	{"fct_messages.channel_id references dim_channels", `
		SELECT COUNT(*) FROM fct_messages fm
		LEFT JOIN dim_channels c ON fm.channel_id = c.channel_id
		WHERE c.channel_id IS NULL`},
	{"fct_messages.date_key references dim_dates", `
		SELECT COUNT(*) FROM fct_messages fm
		LEFT JOIN dim_dates d ON fm.date_key = d.date_key
		WHERE d.date_key IS NULL`},
	{"fct_messages unique per channel", `
		SELECT COUNT(*) FROM (
			SELECT channel_id, message_id FROM fct_messages
			GROUP BY channel_id, message_id HAVING COUNT(*) > 1
		) dup`},
}

// SQLRunner rebuilds the curated tables inside the database in a single
// transaction, so readers see either the old or the new models.
type SQLRunner struct {
	db     *db.DB
	logger *slog.Logger
}

func NewSQLRunner(database *db.DB, logger *slog.Logger) *SQLRunner {
	return &SQLRunner{db: database, logger: logger}
}

func (r *SQLRunner) Run(ctx context.Context) error {
	err := r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		for i := len(models) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, models[i].drop); err != nil {
				return errors.Wrapf(err, "drop %s", models[i].name)
			}
		}
		for _, m := range models {
			if _, err := tx.ExecContext(ctx, m.build); err != nil {
				return errors.Wrapf(err, "build %s", m.name)
			}
			r.logger.Debug("Built model", "model", m.name)
		}

		for _, c := range checks {
			var n int
			if err := tx.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
				return errors.Wrapf(err, "check %s", c.name)
			}
			if n > 0 {
				return errors.Newf("check %s failed: %d violating rows", c.name, n)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Rebuilt curated models", "models", len(models), "checks", len(checks))
	return nil
}
