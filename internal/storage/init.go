package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"

	"garment_processor/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationPath = "migrations"

// Migrate applies every pending migration to the database at dsn.
func Migrate(dsn string, logger *slog.Logger) error {
	const op = "storage.Migrate"
	logger = logging.OrDefault(logger)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer db.Close()

	if err := runMigrations(db, logger); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func runMigrations(db *sql.DB, logger *slog.Logger) error {
	const op = "storage.migrations"

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err := goose.Up(db, migrationPath)
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			logger.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	version, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	logger.Info("database migrations applied", "version", version)
	return nil
}
