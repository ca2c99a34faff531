package storage

import (
	"context"
	"fmt"

	"github.com/score-agent/internal/config"
	"github.com/score-agent/internal/logging"
)

// Backends groups the connections a process opens from configuration
type Backends struct {
	Store Store
	// Snapshots is ClickHouse when enabled, otherwise Store
	Snapshots interface {
		SnapshotWriter
		SnapshotReader
	}
	// Cache is nil when Redis is disabled
	Cache *RedisCache

	closers []func() error
}

// Open connects every configured backend. Failures here are startup misconfiguration.
func Open(ctx context.Context, cfg *config.Config) (*Backends, error) {
	logger := logging.FromContext(ctx)
	b := &Backends{}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err := NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		b.Store = NewPostgresStore(db)
	case config.DriverSQLite:
		s, err := NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.Store = s
	case config.DriverMemory:
		b.Store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	b.closers = append(b.closers, b.Store.Close)
	b.Snapshots = b.Store
	logger.WithField("driver", cfg.Database.Driver).Info("Connected to account store")

	if cfg.Database.ClickHouse.Enabled {
		ch, err := OpenClickHouseSnapshots(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, ch.Close)
		b.Snapshots = ch
		logger.Info("Score snapshots go to ClickHouse")
	}

	if cfg.Database.Redis.Enabled {
		cache, err := NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, cache.Close)
		b.Cache = cache
		logger.Info("Connected to Redis")
	}

	return b, nil
}

// Close closes every backend in reverse order and returns the first error
func (b *Backends) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}
