// Package main applies the account-store and score-history schemas.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/score-agent/internal/config"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		target = flag.String("db", "", "Schema to migrate: postgres, clickhouse (default: DATABASE_DRIVER)")
		dir    = flag.String("dir", "migrations", "Root directory holding postgres/ and clickhouse/ migrations")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	ctx := logging.WithLogger(context.Background(), logger)

	db := *target
	if db == "" {
		db = cfg.Database.Driver
	}
	logger = logger.WithFields(map[string]interface{}{"db": db, "action": *action})

	switch db {
	case config.DriverPostgres:
		err = migratePostgres(ctx, cfg, *action, filepath.Join(*dir, "postgres"))
	case "clickhouse":
		err = migrateClickHouse(ctx, cfg, *action, filepath.Join(*dir, "clickhouse"))
	case config.DriverSQLite, config.DriverMemory:
		logger.Info("Schema is created when the store opens, nothing to migrate")
		return
	default:
		err = fmt.Errorf("unknown database %q", db)
	}
	if err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
}

func migratePostgres(ctx context.Context, cfg *config.Config, action, path string) error {
	logger := logging.FromContext(ctx)

	pm, err := storage.NewPostgresMigrator(cfg.Database.PostgresURL(), path)
	if err != nil {
		return err
	}
	defer func() {
		if err := pm.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close migrator")
		}
	}()

	switch action {
	case "up":
		err = pm.Up()
	case "down":
		err = pm.Down()
	case "version":
		version, dirty, err := pm.Version()
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{"version": version, "dirty": dirty}).Info("Postgres schema version")
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}

	logger.Info("Postgres migrations applied")
	return nil
}

// migrateClickHouse creates the score history table. Statements are idempotent, so only "up" exists.
func migrateClickHouse(ctx context.Context, cfg *config.Config, action, path string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up'")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("migrations directory not found: %w", err)
	}

	snapshots, err := storage.OpenClickHouseSnapshots(ctx, &cfg.Database.ClickHouse)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	return storage.RunClickHouseMigrations(ctx, snapshots.Conn(), path)
}
