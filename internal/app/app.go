// SPDX-License-Identifier: Apache-2.0

// Package app assembles the ledger, content store, worker and service from
// configuration. cmd/api and cmd/shamanctl share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Interstation-Research/shaman/internal/config"
	"github.com/Interstation-Research/shaman/internal/contentstore"
	"github.com/Interstation-Research/shaman/internal/lock"
	"github.com/Interstation-Research/shaman/internal/persistence/postgres"
	"github.com/Interstation-Research/shaman/internal/persistence/sqlite"
	"github.com/Interstation-Research/shaman/internal/pricing"
	"github.com/Interstation-Research/shaman/internal/repository"
	"github.com/Interstation-Research/shaman/internal/service"
	"github.com/Interstation-Research/shaman/internal/worker"
)

// lockMargin pads the lease past the longest trigger so clock drift and
// the worker kill grace cannot let it lapse mid-run.
const lockMargin = 15 * time.Second

// lockTTL is how long a Redis lease outlives a crashed holder.
func lockTTL(cfg config.Config) time.Duration {
	return service.LockHold(cfg.Worker.ScriptTimeout.Duration) + lockMargin
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

// Runtime owns everything Open created. Close releases it in reverse order.
type Runtime struct {
	Service *service.Service
	Ledger  service.Ledger
	Health  HealthChecker
	Content contentstore.Store
	Redis   *redis.Client
	Locker  lock.Locker

	closers []func()
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Open builds the full runtime. On error everything opened so far is closed.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := rt.openLedger(ctx, cfg, logger); err != nil {
		return nil, err
	}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = rdb.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", addr, err)
		}
		rt.Redis = rdb
	}

	content, err := contentstore.New(ctx, cfg.Content, rt.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("content store: %w", err)
	}
	rt.Content = content

	runner, err := NewRunner(cfg, logger)
	if err != nil {
		return nil, err
	}

	curve, err := pricing.FromConfig(cfg.Pricing)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}

	if err := rt.openLocker(ctx, cfg, logger); err != nil {
		return nil, err
	}

	var notifier service.Notifier
	if n := service.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Secret, nil, logger); n != nil {
		notifier = n
	}

	svc, err := service.New(service.Deps{
		Ledger:        rt.Ledger,
		Content:       content,
		Runner:        runner,
		Locker:        rt.Locker,
		Curve:         curve,
		Notifier:      notifier,
		Logger:        logger,
		UnitCost:      cfg.UnitCost,
		MaxRetries:    cfg.LedgerMaxRetries,
		ScriptTimeout: cfg.Worker.ScriptTimeout.Duration,
		Chain:         cfg.Chain,
	})
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	rt.Service = svc

	logger.Info("runtime ready",
		"ledger", cfg.LedgerDriver,
		"content_store", cfg.Content.Store,
		"worker_mode", cfg.Worker.Mode,
		"redis", rt.Redis != nil,
		"locker", fmt.Sprintf("%T", rt.Locker),
		"webhook", notifier != nil,
	)
	return rt, nil
}

func (rt *Runtime) openLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	switch strings.ToLower(strings.TrimSpace(cfg.LedgerDriver)) {
	case "", "postgres", "pg":
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
		rt.Ledger = repository.NewPostgresLedger(pool, logger)
		rt.Health = postgres.NewSchemaHealthChecker(pool)
	case "sqlite", "lite":
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })

		rt.Ledger = repository.NewSQLiteLedger(db, logger)
		rt.Health = sqlite.NewHealthChecker(db)
	default:
		return fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
	return nil
}

// openLocker picks the lock shared by every replica: Redis when configured,
// else advisory locks on the Postgres ledger. Only a SQLite ledger, which
// cannot be shared anyway, falls back to an in-process lock.
func (rt *Runtime) openLocker(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	switch {
	case rt.Redis != nil:
		rt.Locker = lock.NewRedis(rt.Redis, lockTTL(cfg))
	case isPostgres(cfg.LedgerDriver):
		pool, err := postgres.NewLockPool(ctx, cfg.DatabaseURL, 0)
		if err != nil {
			return fmt.Errorf("lock pool connect: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)
		rt.Locker = lock.NewPostgres(pool)
	default:
		rt.Locker = lock.NewLocal()
		if cfg.Env == "prod" {
			logger.Warn("in-process shaman locks: run a single replica or configure REDIS_ADDR")
		}
	}
	return nil
}

func isPostgres(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "pg":
		return true
	}
	return false
}

// NewRunner picks the in-process interpreter or the per-run worker process.
func NewRunner(cfg config.Config, logger *slog.Logger) (worker.Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Worker.Mode)) {
	case "inprocess", "in-process":
		// a timed-out script keeps its goroutine until it returns
		if cfg.Env == "prod" {
			logger.Warn("in-process worker mode is meant for tests and development; use WORKER_MODE=process")
		}
		return worker.NewInterpreterRunner(worker.InterpreterDeps{
			Logger:     logger,
			HTTPClient: &http.Client{Timeout: cfg.Worker.ScriptTimeout.Duration},
		}), nil
	case "", "process", "subprocess":
		binary := strings.TrimSpace(cfg.Worker.Binary)
		if binary == "" {
			return nil, errors.New("WORKER_BINARY is required when WORKER_MODE=process")
		}
		binary, err := exec.LookPath(binary)
		if err != nil {
			return nil, fmt.Errorf("worker binary %q not found (set WORKER_BINARY, or WORKER_MODE=inprocess for development): %w",
				cfg.Worker.Binary, err)
		}
		runner, err := worker.NewProcessRunner(worker.ProcessDeps{
			Binary: binary,
			Env:    childEnv(),
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return runner, nil
	default:
		return nil, fmt.Errorf("unknown worker mode %q", cfg.Worker.Mode)
	}
}

// childEnv passes only what the worker process needs to log and resolve DNS.
func childEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "ENV", "LOG_LEVEL", "HTTPS_PROXY", "HTTP_PROXY", "NO_PROXY"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
