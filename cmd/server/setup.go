package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/davkit/internal/config"
	"gitea.jw6.us/james/davkit/internal/logger"
	"gitea.jw6.us/james/davkit/internal/store"
)

const logSender = "main"

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	err = logger.InitLogger(logger.Options{
		FilePath:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Level:      cfg.Log.Level,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.Storage.Driver != config.StoragePostgres {
		return nil, errors.New("this command needs storage.driver=postgres")
	}
	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	applied, err := store.ApplyMigrations(ctx, pool)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, name := range applied {
		logger.Info(logSender, "applied migration %s", name)
	}
	return nil
}

// openStore returns the configured store and a function releasing it.
// PostgreSQL stores are migrated before use.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	if cfg.Storage.Driver == config.StorageMemory {
		logger.Warn(logSender, "using the in-memory store, data is lost on exit")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store.New(pool), pool.Close, nil
}

// openPersistentStore refuses the in-memory store, whose changes would
// vanish when the command exits.
func openPersistentStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	if cfg.Storage.Driver == config.StorageMemory {
		return nil, nil, errors.New("this command needs storage.driver=postgres")
	}
	return openStore(ctx, cfg)
}
