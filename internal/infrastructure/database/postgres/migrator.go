package postgres

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // URL driver, lib/pq backed
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// sourceURL turns a plain migrations directory into the file:// source URL
// golang-migrate expects. Paths that already carry a scheme pass through.
func sourceURL(migrationsPath string) string {
	if strings.Contains(migrationsPath, "://") {
		return migrationsPath
	}
	return "file://" + migrationsPath
}

// RunMigrations applies every pending migration from migrationsPath against
// dbURL. It is called once at startup; an already current schema is not an
// error.
func RunMigrations(dbURL, migrationsPath string) error {
	m, err := migrate.New(sourceURL(migrationsPath), dbURL)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDBMigration, "migrate instance construction failed")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, errors.ErrCodeDBMigration, "migrations failed")
	}
	return nil
}

// RollbackMigration steps the schema back. Development and test use only.
func RollbackMigration(dbURL, migrationsPath string, steps int) error {
	if steps <= 0 {
		return errors.Newf(errors.ErrCodeValidation, "rollback steps must be positive, got %d", steps)
	}
	m, err := migrate.New(sourceURL(migrationsPath), dbURL)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDBMigration, "migrate instance construction failed")
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil {
		if stderrors.Is(err, migrate.ErrNoChange) {
			return errors.New(errors.ErrCodeDBMigration, "no migrations to roll back")
		}
		return errors.Wrap(err, errors.ErrCodeDBMigration, fmt.Sprintf("rollback of %d step(s) failed", steps))
	}
	return nil
}

// MigrationStatus reports the applied version and whether a failed migration
// left the schema dirty. A never-migrated database reports version 0.
func MigrationStatus(dbURL, migrationsPath string) (version uint, dirty bool, err error) {
	m, err := migrate.New(sourceURL(migrationsPath), dbURL)
	if err != nil {
		return 0, false, errors.Wrap(err, errors.ErrCodeDBMigration, "migrate instance construction failed")
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if err != nil {
		if stderrors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, errors.ErrCodeDBMigration, "migration version lookup failed")
	}
	return version, dirty, nil
}
