// Package migrations carries the Postgres schema and applies it with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

// Up applies every pending migration to the database at databaseURL.
// It reports the resulting schema version.
func Up(databaseURL string) (uint, error) {
	runner, err := newRunner(databaseURL)
	if err != nil {
		return 0, err
	}
	defer closeRunner(runner)
	if err := runner.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrations: up: %w", err)
	}
	return version(runner)
}

// Down rolls back steps migrations.
func Down(databaseURL string, steps int) (uint, error) {
	if steps < 1 {
		return 0, fmt.Errorf("migrations: steps must be positive, got %d", steps)
	}
	runner, err := newRunner(databaseURL)
	if err != nil {
		return 0, err
	}
	defer closeRunner(runner)
	if err := runner.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrations: down: %w", err)
	}
	return version(runner)
}

func newRunner(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: source: %w", err)
	}
	runner, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: connect: %w", err)
	}
	return runner, nil
}

func version(runner *migrate.Migrate) (uint, error) {
	current, dirty, err := runner.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("migrations: version: %w", err)
	}
	if dirty {
		return current, fmt.Errorf("migrations: schema version %d is dirty", current)
	}
	return current, nil
}

func closeRunner(runner *migrate.Migrate) {
	_, _ = runner.Close()
}
