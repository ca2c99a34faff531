package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// PostgresMigrator applies the files under migrations/postgres to the
// score agent's own tables (score_snapshot and the badge_minted column)
type PostgresMigrator struct {
	m *migrate.Migrate
}

// NewPostgresMigrator opens a migrator for databaseURL reading from dir
func NewPostgresMigrator(databaseURL, dir string) (*PostgresMigrator, error) {
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations in %s: %w", dir, err)
	}
	return &PostgresMigrator{m: m}, nil
}

// Up applies every pending migration. An up-to-date schema is not an error.
func (pm *PostgresMigrator) Up() error {
	if err := pm.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back one migration
func (pm *PostgresMigrator) Down() error {
	if err := pm.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Version reports the applied version; zero means nothing has been applied
func (pm *PostgresMigrator) Version() (uint, bool, error) {
	version, dirty, err := pm.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

func (pm *PostgresMigrator) Close() error {
	srcErr, dbErr := pm.m.Close()
	return errors.Join(srcErr, dbErr)
}
