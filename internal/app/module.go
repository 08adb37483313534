// Package app composes the persistence layer into a runnable process.
package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/veilchat/veil/internal/bus"
	"github.com/veilchat/veil/internal/config"
	"github.com/veilchat/veil/internal/fence"
	"github.com/veilchat/veil/internal/lock"
	"github.com/veilchat/veil/internal/logging"
	"github.com/veilchat/veil/internal/store"
)

// Params holds the resolved data-directory configuration passed to the fx module.
type Params struct {
	DataDir string
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("veil",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideFenceEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadOrDefault(config.ConfigPath(p.DataDir))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(config.LogPath(p.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := config.EnsureDir(p.DataDir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data directory lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired")
	return l, nil
}

func provideStore(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := config.DBPath(p.DataDir)
	db, err := store.Open(dbPath, logger, b)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	if cfg.AccountAddress != "" {
		db.SetSelf(store.Address(cfg.AccountAddress))
	}
	if cfg.EarlyReceiptTTLSeconds > 0 {
		db.SetEarlyReceiptTTL(cfg.EarlyReceiptTTL())
	}
	if cfg.DefaultExpiresInMS > 0 {
		db.SetDefaultExpiresIn(cfg.DefaultExpiresInMS)
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideFenceEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *fence.Engine {
	return fence.NewEngine(db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, db *store.DB, engine *fence.Engine, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Fence engine subscribes to fence.* bus events.
			engine.Start(context.Background())

			if cfg.TrimLength > 0 || cfg.TrimCutoffDays > 0 {
				go func() {
					if cfg.TrimLength > 0 {
						if err := db.TrimAllThreads(cfg.TrimLength); err != nil {
							logger.Error("startup trim failed", zap.Error(err))
						}
					}
					if cfg.TrimCutoffDays > 0 {
						cutoff := time.Now().AddDate(0, 0, -cfg.TrimCutoffDays).UnixMilli()
						if err := db.TrimAllThreadsBefore(cutoff); err != nil {
							logger.Error("startup age trim failed", zap.Error(err))
						}
					}
				}()
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("stopped")
			return nil
		},
	})
}
