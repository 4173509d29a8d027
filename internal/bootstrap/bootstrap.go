// Package bootstrap opens the backing services named by the configuration and
// assembles the sync engine on top of them. Both binaries start here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/midastechnical/storefront-sync/internal/cart"
	"github.com/midastechnical/storefront-sync/internal/config"
	"github.com/midastechnical/storefront-sync/internal/maintenance"
	"github.com/midastechnical/storefront-sync/internal/obs"
	"github.com/midastechnical/storefront-sync/internal/repairdesk"
	"github.com/midastechnical/storefront-sync/internal/runlog"
	"github.com/midastechnical/storefront-sync/internal/store"
	"github.com/midastechnical/storefront-sync/internal/syncer"
)

const (
	runLogPrefix = "midas:sync"
	syncLockKey  = "midas:sync:lock"
)

// CartBackends hands out the persistence slot for a cart key.
type CartBackends interface {
	For(key string) cart.Backend
}

// Services is everything a process needs, opened from one Config.
type Services struct {
	Cfg      config.Config
	Redis    *redis.Client
	Products store.Store
	Runs     runlog.Log
	Remote   *repairdesk.Client
	Engine   *syncer.Engine
	Carts    CartBackends

	closers []func() error
}

// Open connects to Redis when REDIS_URL is set and to Postgres when
// DATABASE_URL is set, falling back to in-process stores otherwise.
func Open(ctx context.Context, cfg config.Config) (*Services, error) {
	s := &Services{Cfg: cfg}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.Redis = client
		s.closers = append(s.closers, client.Close)
		s.Runs = runlog.NewRedis(client, runLogPrefix, cfg.Sync.RunLogLimit)
		s.Carts = cart.RedisBackends{Client: client, TTL: cfg.Cart.TTL}
		obs.Logger.Info("backend_selected", "concern", "run_log", "backend", "redis")
	} else {
		s.Runs = runlog.NewMemory(cfg.Sync.RunLogLimit)
		s.Carts = cart.NewMemoryBackends()
		obs.Logger.Info("backend_selected", "concern", "run_log", "backend", "memory")
	}

	if cfg.DatabaseURL != "" {
		g, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Products = g
		s.closers = append(s.closers, g.Close)
		obs.Logger.Info("backend_selected", "concern", "products", "backend", "postgres")
	} else {
		s.Products = store.New()
		obs.Logger.Info("backend_selected", "concern", "products", "backend", "memory")
	}

	s.Remote = repairdesk.New(cfg.RepairDesk)
	opts := []syncer.Option{syncer.WithOrderMirroring(cfg.RepairDesk.MirrorOrders)}
	if s.Redis != nil {
		opts = append(opts, syncer.WithLocker(syncer.NewRedisLock(s.Redis, syncLockKey, cfg.Sync.LockTTL)))
	}
	s.Engine = syncer.New(s.Remote, s.Products, s.Runs, cfg.Sync, opts...)
	return s, nil
}

// Maintenance binds the maintenance tasks to these services.
func (s *Services) Maintenance() *maintenance.Tasks {
	return maintenance.New(s.Engine, s.Products, s.Runs, s.Remote, s.Cfg.RepairDesk, s.Cfg.Maintenance)
}

// Close releases connections in reverse order of opening.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
