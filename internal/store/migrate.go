package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies every pending migration under migrationsPath (a
// "file://..." or plain directory path) to the store's Postgres database.
// Several of the pack's brokerage manifests declare golang-migrate as a
// dependency for exactly this purpose; the core adopts it here rather than
// hand-rolling schema versioning.
func (s *Store) Migrate(migrationsPath string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL(migrationsPath), "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func sourceURL(path string) string {
	if len(path) >= 7 && path[:7] == "file://" {
		return path
	}
	return "file://" + path
}
