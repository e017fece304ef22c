package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationPath = "migrations"

// Migrate applies pending migrations from the embedded migrations directory.
func (s *Storage) Migrate(ctx context.Context, log *slog.Logger) error {
	const op = "storage.Migrate"

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.UpContext(ctx, s.db, migrationPath); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			log.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	version, err := goose.GetDBVersionContext(ctx, s.db)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("database migrations applied", slog.Int64("version", version))
	return nil
}
