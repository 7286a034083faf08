package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ResolveMigrationsDir finds the migrations directory: an explicit path,
// the FLEETD_MIGRATIONS_DIR override, or ./migrations next to the binary.
func ResolveMigrationsDir(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv("FLEETD_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// NewMigrator builds a golang-migrate instance for the given DSN.
func NewMigrator(dsn, dir string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+ResolveMigrationsDir(dir), dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// MigrateUp applies all pending migrations. A no-change run is not an
// error.
func MigrateUp(dsn, dir string) error {
	m, err := NewMigrator(dsn, dir)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
