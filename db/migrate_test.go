package db_test

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-host/trellis/db"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrate_CreatesSchema(t *testing.T) {
	database := openMemory(t)
	require.NoError(t, db.Migrate(database, nil))

	for _, table := range []string{"schema_migrations", "plugin_state", "plugin_failures"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}

	_, err := database.Exec(
		"INSERT INTO plugin_state (name, enabled) VALUES (?, ?)", "billing", true)
	assert.NoError(t, err)
	_, err = database.Exec(
		"INSERT INTO plugin_failures (name, reason) VALUES (?, ?)", "billing", "boom")
	assert.NoError(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	database := openMemory(t)
	require.NoError(t, db.Migrate(database, nil))
	require.NoError(t, db.Migrate(database, nil), "re-running applied migrations is a no-op")

	var count int
	require.NoError(t, database.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)
}
