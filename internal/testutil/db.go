package testutil

import (
	"context"
	"testing"

	"github.com/livinlefevreloca/channelpipe/internal/db"
	"github.com/livinlefevreloca/channelpipe/internal/db/migrations"
	"github.com/livinlefevreloca/channelpipe/tools/migrator"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// NewTestDB opens an in-memory SQLite database with every migration applied
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, migrator.RunMigrations(context.Background(), database.DB, database.Driver(), migrations.FS))
	return database
}
