// Package app assembles configuration, storage and the engine for the CLI and the server.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"dealdesk/internal/config"
	"dealdesk/internal/contract"
	"dealdesk/internal/db"
	"dealdesk/internal/engine"
	"dealdesk/internal/logger"
	"dealdesk/internal/migrate"
	"dealdesk/internal/offer"
	"dealdesk/internal/valuation"
)

type Options struct {
	Workspace  string
	ConfigPath string
	Log        *logger.Logger
}

// App owns everything opened by Open and releases it on Close.
type App struct {
	Config *config.Config
	Engine engine.Engine
	Log    *logger.Logger

	closers []func() error
}

// LoadConfig reads an explicit config file, else dealdesk.yml in the workspace, else defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &App{Config: cfg, Log: log}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(conn, cfg.Database.Driver); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg, log)
	e.Finalizer = contract.FileFinalizer{Dir: resolveDir(opts.Workspace, cfg.Contracts.Dir), Prefix: cfg.Contracts.Prefix}

	if addr := strings.TrimSpace(cfg.Valuation.RedisAddr); addr != "" {
		rdb, err := valuation.DialRedis(ctx, addr)
		if err != nil {
			log.Warn("shared valuation cache unavailable, using memory only", "redis_addr", addr, "error", err)
		} else {
			a.closers = append(a.closers, rdb.Close)
			e.Appraiser.Cache = valuation.Tiered{
				Local:  e.Appraiser.Cache,
				Shared: sharedCache(rdb, cfg),
			}
		}
	}

	if cfg.Generator.Provider == "gemini" {
		g, err := newGemini(ctx, cfg.Generator)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		e.Generator = g
		log.Info("gemini offer generator enabled", "model", cfg.Generator.Model)
	}
	a.Engine = e
	return a, nil
}

func sharedCache(rdb *redis.Client, cfg *config.Config) valuation.RedisCache {
	return valuation.RedisCache{Client: rdb, TTL: cfg.Valuation.CacheTTL, Prefix: "dealdesk:" + cfg.Dealer.ID + ":valuation:"}
}

func newGemini(ctx context.Context, gc config.Generator) (*offer.Gemini, error) {
	envName := gc.APIKeyEnv
	if envName == "" {
		envName = "GEMINI_API_KEY"
	}
	key := strings.TrimSpace(os.Getenv(envName))
	if key == "" {
		return nil, fmt.Errorf("generator provider gemini requires %s", envName)
	}
	g, err := offer.NewGemini(ctx, key, gc.Model)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	g.Retries = gc.Retries
	g.Timeout = gc.Timeout
	return g, nil
}

// resolveDir anchors relative paths at the workspace.
func resolveDir(workspace, dir string) string {
	if dir == "" {
		dir = "contracts"
	}
	if filepath.IsAbs(dir) || workspace == "" {
		return dir
	}
	return filepath.Join(workspace, dir)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.Log.Sync()
	return errors.Join(errs...)
}
