// Package app builds every component from one config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"content-pipeline/internal/api"
	"content-pipeline/internal/artifact"
	"content-pipeline/internal/config"
	"content-pipeline/internal/dispatcher"
	"content-pipeline/internal/heartbeat"
	"content-pipeline/internal/lock"
	"content-pipeline/internal/models"
	"content-pipeline/internal/notify"
	"content-pipeline/internal/platform"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/ratelimit"
	"content-pipeline/internal/store"
	"content-pipeline/internal/verifier"
	"content-pipeline/internal/watchdog"
)

// App is the wired process. Fields are exported for the command layer.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Repo       store.Repository
	Locks      lock.Manager
	Alerts     notify.Notifier
	Queue      *queue.Store
	Registry   *heartbeat.Registry
	Platform   *platform.Client
	Dispatcher *dispatcher.Dispatcher
	Verifier   *verifier.Verifier
	Watchdog   *watchdog.Watchdog

	closers []func() error
}

// New opens the store and lease backend and builds every component. The
// caller must Close the result.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger.With("holder", cfg.HolderID)}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	repo, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	a.Repo = repo
	a.closers = append(a.closers, repo.Close)

	var rdb *redis.Client
	if cfg.Locks.Backend == "redis" || cfg.Dispatch.RateCapacity > 0 {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
	}

	if a.Locks, err = newLocks(ctx, cfg.Locks.Backend, repo, rdb); err != nil {
		return err
	}
	if a.Alerts, err = a.newAlerts(); err != nil {
		return err
	}

	a.Queue = queue.New(repo, a.Locks, a.Alerts, queue.OptionsFromConfig(cfg), a.Logger.With("component", "queue"))
	a.Registry = heartbeat.New(repo, a.Locks, heartbeat.OptionsFromConfig(cfg), a.Logger.With("component", "heartbeat"))
	a.Platform = platform.New(cfg.Platform, nil)

	collab := dispatcher.Collaborators{Planner: a.Platform, Renderer: a.Platform, Poster: a.Platform}
	if rdb != nil && cfg.Dispatch.RateCapacity > 0 {
		collab.Limiter = ratelimit.NewBudget(rdb, cfg.Dispatch.RateCapacity, cfg.Dispatch.RateRefillPerSec, nil)
	}
	checker, err := artifact.New(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}
	if checker != nil {
		collab.Checker = checker
	}
	a.Dispatcher = dispatcher.New(a.Queue, a.Locks, collab, dispatcher.OptionsFromConfig(cfg), a.Logger.With("component", "dispatcher"))
	a.Verifier = verifier.New(a.Queue, repo, a.Platform, cfg.Platform.Name, cfg.Verify.Tolerance, a.Alerts, a.Logger.With("component", "verifier"))

	kinds, err := watchdog.ExpectationsFromConfig(cfg.Jobs)
	if err != nil {
		return err
	}
	wdOpts, err := watchdog.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	a.Watchdog = watchdog.New(a.Queue, a.Registry, a.Locks, a.Alerts, kinds, a.Runners(), wdOpts, a.Logger.With("component", "watchdog"))
	return nil
}

func newLocks(ctx context.Context, backend string, repo store.Repository, rdb *redis.Client) (lock.Manager, error) {
	switch backend {
	case "redis":
		return lock.NewRedisManager(rdb, nil), nil
	case "sql", "":
		switch r := repo.(type) {
		case *store.SQLite:
			return lock.NewSQLManager(ctx, r.DB(), nil)
		case *store.Postgres:
			return lock.NewPostgresManager(ctx, r.Pool(), nil)
		}
		return nil, fmt.Errorf("no sql lease backend for %T", repo)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}

func (a *App) newAlerts() (notify.Notifier, error) {
	cfg := a.Config.Notify
	out := notify.Multi{notify.Log{Logger: a.Logger.With("component", "notify")}}
	if cfg.WebhookURL != "" {
		out = append(out, notify.NewWebhook(cfg.WebhookURL, nil))
	}
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		out = append(out, notify.NewNATS(nc, cfg.NATSSubject))
	}
	return out, nil
}

// Runners binds every job kind to the component that implements it.
func (a *App) Runners() map[models.JobKind]heartbeat.Runner {
	return map[models.JobKind]heartbeat.Runner{
		models.KindReplenish: heartbeat.RunnerFunc(a.Dispatcher.Replenish),
		models.KindDispatch:  heartbeat.RunnerFunc(a.Dispatcher.Run),
		models.KindVerify:    heartbeat.RunnerFunc(a.verifyOnce),
	}
}

// verifyOnce reports only run failures. A discrepancy is already recorded
// and alerted by the verifier; it says nothing about whether verify is alive.
func (a *App) verifyOnce(ctx context.Context) error {
	if err := a.Verifier.Run(ctx); err != nil && !errors.Is(err, verifier.ErrDiscrepancy) {
		return err
	}
	return nil
}

// RunVerify runs the verify kind. The heartbeat counts a discrepancy as a
// successful run; the discrepancy itself is returned afterwards for the caller.
func (a *App) RunVerify(ctx context.Context) error {
	var finding error
	err := a.RunKind(ctx, models.KindVerify, func(ctx context.Context) error {
		err := a.Verifier.Run(ctx)
		if errors.Is(err, verifier.ErrDiscrepancy) {
			finding = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return finding
}

// RunKind runs one job kind with heartbeats written on entry and exit.
func (a *App) RunKind(ctx context.Context, kind models.JobKind, fn func(context.Context) error) error {
	return a.Registry.Track(ctx, kind, a.Config.DryRun, fn)
}

// Server returns the HTTP API over this app's state.
func (a *App) Server() *api.Server {
	return api.New(a.Queue, a.Registry, a.Repo, a.Logger.With("component", "api"))
}

// Close releases every opened resource in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
