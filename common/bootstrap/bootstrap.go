package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/chittyos/evidence-ledger/common/cache"
	"github.com/chittyos/evidence-ledger/common/config"
	"github.com/chittyos/evidence-ledger/common/db"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/queue"
	"github.com/chittyos/evidence-ledger/common/redis"
	"github.com/chittyos/evidence-ledger/common/repository"
	"github.com/chittyos/evidence-ledger/common/telemetry"
)

// ErrConfig marks failures caused by invalid configuration
var ErrConfig = errors.New("invalid configuration")

const cachePrefix = "evidence:id:"

// Setup initializes all service components
// This is the main entry point for every command
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
		if err := components.Config.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	} else {
		components.Config, err = config.Load(serviceName, options.configFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}

	components.Logger.Debug("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
		"ledger_backend", cfg.Ledger.Backend,
	)

	// 3. Open ledger storage
	store := options.store
	if store == nil {
		store, err = components.openStore(ctx)
		if err != nil {
			components.Shutdown(ctx)
			return nil, err
		}
	}
	components.Ledger = ledger.New(store, components.Logger).WithPageSize(cfg.Ledger.PageSize)
	components.addCleanup(func() error {
		components.Logger.Debug("closing ledger")
		return components.Ledger.Close()
	})

	// A ledger keeps the digest algorithm it was created with
	if err := components.Ledger.PinAlgorithm(ctx, cfg.Ingest.Algorithm); err != nil {
		components.Shutdown(ctx)
		if errors.Is(err, ledger.ErrAlgorithmMismatch) {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		return nil, err
	}

	// 4. Connect redis (if enabled)
	if !options.skipRedis && cfg.Redis.Enabled {
		components.Redis, err = redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.addCleanup(components.Redis.Close)
	}

	// 5. Initialize queue (if not skipped)
	if !options.skipQueue {
		switch cfg.Queue.Type {
		case "redis":
			if components.Redis == nil {
				components.Logger.Warn("redis queue requested without redis, using memory queue")
				components.Queue = queue.NewMemoryQueue(components.Logger)
			} else {
				components.Queue = queue.NewRedisQueue(components.Redis, components.Logger)
			}
		default:
			components.Queue = queue.NewMemoryQueue(components.Logger)
		}

		components.addCleanup(func() error {
			components.Logger.Debug("closing queue")
			return components.Queue.Close()
		})
	}

	// 6. Initialize cache (if not skipped)
	if !options.skipCache && cfg.Cache.Enabled {
		local := cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.DefaultTTL, components.Logger)
		if components.Redis != nil {
			components.Cache = cache.NewTiered(local, cache.NewRedisCache(components.Redis, cachePrefix), components.Logger)
		} else {
			components.Cache = local
		}

		components.addCleanup(func() error {
			components.Logger.Debug("closing cache")
			return components.Cache.Close()
		})
	}

	// 7. Initialize telemetry (if not skipped)
	tc := cfg.Telemetry
	if !options.skipTelemetry && (tc.EnablePprof || tc.EnableMetrics) {
		pprofPort, metricsPort := 0, 0
		if tc.EnablePprof {
			pprofPort = tc.PprofPort
		}
		if tc.EnableMetrics {
			metricsPort = tc.MetricsPort
		}
		components.Telemetry = telemetry.New(pprofPort, metricsPort, components.Logger)

		if err := components.Telemetry.Start(ctx); err != nil {
			// Don't fail startup if telemetry fails
			components.Logger.Warn("failed to start telemetry", "error", err)
		}
		components.addCleanup(func() error {
			return components.Telemetry.Stop(context.WithoutCancel(ctx))
		})
	}

	components.Logger.Debug("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
		"cache", components.Cache != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// openStore opens the configured ledger backend. Failures are StorageErrors.
func (c *Components) openStore(ctx context.Context) (ledger.Store, error) {
	cfg := c.Config

	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		if err := db.Migrate(cfg, c.Logger); err != nil {
			return nil, &ledger.StorageError{Op: "migrate", Err: err}
		}
		database, err := db.New(ctx, cfg, c.Logger)
		if err != nil {
			return nil, &ledger.StorageError{Op: "open", Err: err}
		}
		c.DB = database
		c.addCleanup(func() error {
			database.Close()
			return nil
		})
		return repository.NewPostgresStore(database), nil

	default:
		store, err := ledger.OpenLogStore(cfg.Ledger.Dir, ledger.LogStoreOptions{
			CompactEvery: cfg.Ledger.CompactEvery,
		}, c.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
