// Package app wires configuration into the engine's services for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"schoolops/internal/attendance"
	"schoolops/internal/cascade"
	"schoolops/internal/config"
	"schoolops/internal/directory"
	"schoolops/internal/lock"
	"schoolops/internal/metrics"
	"schoolops/internal/queue"
	"schoolops/internal/schedule"
	"schoolops/internal/store"
)

// App is the assembled engine.
type App struct {
	Store      store.Store
	Directory  directory.Directory
	Redis      *store.Redis
	Queue      queue.Queue
	Metrics    *metrics.Metrics
	Slots      *schedule.SlotCatalog
	Generator  *schedule.Generator
	Query      *schedule.Query
	Ledger     *attendance.Ledger
	Reconciler *attendance.Reconciler
	Cascades   *cascade.Manager

	closers []func() error
}

// Build connects the configured backends. reg receives the engine metrics.
func Build(ctx context.Context, cfg config.App, log *slog.Logger, reg prometheus.Registerer) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &App{Metrics: metrics.New(reg)}

	needRedis := cfg.LockBackend == "redis" || cfg.QueueBackend == "redis"
	if needRedis {
		a.Redis = store.NewRedis(cfg.RedisAddr)
		a.closers = append(a.closers, a.Redis.Close)
		if !a.Redis.Healthy(ctx) {
			log.Warn("redis not reachable at startup", "addr", cfg.RedisAddr)
		}
	}

	switch cfg.StoreBackend {
	case "memory":
		a.Store = store.NewMemory()
		a.closers = append(a.closers, a.Store.Close)
		mem := directory.NewMemory()
		if cfg.DirectorySeed != "" {
			if mem, err = directory.LoadSeedFile(cfg.DirectorySeed); err != nil {
				_ = a.Close()
				return nil, err
			}
		}
		a.Directory = mem
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Store = store.NewPostgres(db.Client)
		dir := directory.NewPostgres(db.Client)
		if cfg.Env == "dev" {
			if err := dir.Migrate(ctx); err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("directory migrate: %w", err)
			}
		}
		a.Directory = dir
	default:
		_ = a.Close()
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	var locker lock.Locker
	var dedup attendance.Deduper
	switch cfg.LockBackend {
	case "memory":
		locker = lock.NewLocal()
		dedup = attendance.NewMemoryDeduper()
	case "redis":
		locker = lock.NewRedis(a.Redis.Client, cfg.LockTTL, log)
		dedup = attendance.NewRedisDeduper(a.Redis.Client)
	default:
		_ = a.Close()
		return nil, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend)
	}

	switch cfg.QueueBackend {
	case "memory":
		a.Queue = queue.NewInMemory(64)
	case "redis":
		a.Queue = queue.NewRedisQueue(a.Redis.Client, "", log)
	default:
		_ = a.Close()
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	a.Ledger = attendance.NewLedger(a.Store, a.Directory, locker, a.Metrics, log.With("component", "ledger"))
	a.Slots = schedule.NewSlotCatalog(a.Store, log.With("component", "slots"))
	a.Generator = schedule.NewGenerator(a.Store, a.Slots, a.Directory, a.Ledger, locker, a.Metrics, log.With("component", "generator"))
	a.Query = schedule.NewQuery(a.Store, a.Directory, log.With("component", "query"))
	a.Reconciler = attendance.NewReconciler(a.Store, a.Directory, a.Ledger, locker, dedup, attendance.ReconcilerConfig{
		Location:    loc,
		LateAfter:   cfg.LateAfter,
		DedupWindow: cfg.DedupWindow,
	}, a.Metrics, log.With("component", "reconciler"))
	a.Cascades = cascade.NewManager(a.Store, a.Directory, locker, a.Metrics, log.With("component", "cascade"), loc)
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
