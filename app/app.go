/*
Package app assembles the engine from configuration. Both binaries build
through it so the server and the CLI see the same store, cache and
migration paths.

STARTUP SEQUENCE:
  1. Open the sqlite store (schema migrated on open)
  2. Build the cache backend (memory or Redis) and drop stale entries
  3. Build the query layer and the scheduler
  4. Bootstrap: legacy migration, then catalog reconciliation

There are no package-level instances; callers own the returned App and
must Close it.
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/cache"
	"github.com/warp/alarm-engine/config"
	"github.com/warp/alarm-engine/factory"
	"github.com/warp/alarm-engine/migration"
	"github.com/warp/alarm-engine/query"
	"github.com/warp/alarm-engine/schedule"
	"github.com/warp/alarm-engine/store/sqlite"
)

type App struct {
	Config    *config.Config
	Store     *sqlite.Store
	Cache     *cache.Cache
	Layer     *query.Layer
	Migrator  *migration.Engine
	Scheduler *schedule.Service
	Catalog   factory.Catalog

	redis     *redis.Client
	ownsRedis bool
	logger    *zap.Logger
}

// Options replaces collaborators that tests or embedders provide.
type Options struct {
	// Notifier defaults to a LogNotifier.
	Notifier schedule.Notifier
	// Redis overrides the client built from the cache section.
	Redis *redis.Client
}

// Open builds every component. It does not migrate or start the scheduler.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger, redis: opts.Redis}

	catalog, err := loadCatalog(cfg.Store.CatalogPath)
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog

	a.Store, err = sqlite.New(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, err
	}

	if a.redis == nil && (cfg.Cache.Backend == "redis" || cfg.Store.LegacyRedisKey != "") {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		a.ownsRedis = true
	}

	var backend cache.Backend
	if cfg.Cache.Backend == "redis" {
		backend = cache.NewRedisBackend(a.redis, cfg.Cache.RedisPrefix)
	}
	a.Cache = cache.New(backend, cache.Options{TTL: cfg.Cache.TTL, Logger: logger})
	// Generations are per process; entries written by an earlier run are
	// unreachable by kind and must go.
	if err := a.Cache.InvalidateAll(ctx); err != nil {
		logger.Warn("cache not cleared at startup", zap.Error(err))
	}

	a.Layer = query.NewLayer(a.Store, a.Cache, query.Options{
		HeavyTimeout: cfg.Heavy.Timeout,
		Debounce:     cfg.Batch.Debounce,
		MaxRetries:   cfg.Batch.MaxRetries,
		RetryBackoff: cfg.Batch.RetryBackoff,
		Logger:       logger,
		OnBatchError: func(err error) {
			logger.Error("queued writes dropped", zap.String("severity", alarm.SeverityOf(err).String()), zap.Error(err))
		},
	})

	notifier := opts.Notifier
	if notifier == nil {
		notifier = schedule.NewLogNotifier(logger)
	}
	a.Scheduler = schedule.NewService(a.Layer, notifier, schedule.Options{
		Interval:    cfg.Scheduler.Interval,
		Concurrency: cfg.Scheduler.Concurrency,
		Logger:      logger,
	})
	a.Layer.SetObserver(a.Scheduler)

	a.Migrator = migration.NewEngine(a.Layer, a.legacySource(), nil, logger)
	return a, nil
}

func (a *App) legacySource() migration.LegacySource {
	if key := a.Config.Store.LegacyRedisKey; key != "" && a.redis != nil {
		return migration.NewRedisSource(a.redis, key)
	}
	return migration.NewFileSource(a.Config.Store.LegacyDir)
}

func loadCatalog(path string) (factory.Catalog, error) {
	if path == "" {
		return factory.DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return factory.Catalog{}, fmt.Errorf("%w: catalog %s: %w", alarm.ErrInvalidConfig, path, err)
	}
	return factory.ParseCatalog(data)
}

// BootReport is what Bootstrap did.
type BootReport struct {
	Legacy  *migration.Result `json:"legacy"`
	Catalog *migration.Result `json:"catalog"`
}

// Bootstrap migrates the legacy blob and then adds missing catalog
// templates, so templates created by the migration are not duplicated.
// A failed legacy migration does not stop the catalog sync; the blob stays
// for the next launch.
func (a *App) Bootstrap(ctx context.Context) (BootReport, error) {
	var report BootReport
	var errs []error

	legacy, err := a.Migrator.MigrateLegacy(ctx)
	report.Legacy = legacy
	if err != nil {
		errs = append(errs, fmt.Errorf("legacy migration: %w", err))
	}

	catalog, err := a.Migrator.SyncCatalog(ctx, a.Catalog)
	report.Catalog = catalog
	if err != nil {
		errs = append(errs, fmt.Errorf("catalog sync: %w", err))
	}
	return report, errors.Join(errs...)
}

// Close flushes queued writes and releases the store and any Redis client
// Open created.
func (a *App) Close(ctx context.Context) error {
	a.Scheduler.Stop()
	var errs []error
	if err := a.Layer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.ownsRedis {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
