package commands

import (
	"database/sql"

	"github.com/trellis-host/trellis/config"
	"github.com/trellis-host/trellis/db"
	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/logger"
)

// openDatabase opens and migrates the state database. An empty path
// falls back to the configured database path.
func openDatabase(path string) (*sql.DB, error) {
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		path = cfg.Database.Path
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return database, nil
}
