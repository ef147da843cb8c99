// Package heartbeat records the liveness of each job kind. Every run writes
// on entry and on exit, success or not, under the "heartbeats" lease.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"content-pipeline/internal/config"
	"content-pipeline/internal/lock"
	"content-pipeline/internal/logger"
	"content-pipeline/internal/models"
	"content-pipeline/internal/store"
	"content-pipeline/internal/telemetry"
)

// Runner is the handler bound to a job kind at startup.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Options configure the registry.
type Options struct {
	Holder       string
	LeaseTTL     time.Duration
	Retry        lock.RetryPolicy
	HistoryLimit int
	Now          func() time.Time
}

// OptionsFromConfig maps the lock and watchdog sections of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Holder:       cfg.HolderID,
		LeaseTTL:     cfg.Locks.TTL,
		Retry:        lock.RetryPolicy{Attempts: cfg.Locks.AcquireRetries, Wait: cfg.Locks.AcquireWait},
		HistoryLimit: cfg.Watchdog.HistoryLimit,
	}
}

// Registry reads and writes heartbeat records.
type Registry struct {
	repo   store.Repository
	locks  lock.Manager
	opts   Options
	logger *slog.Logger
}

func New(repo store.Repository, locks lock.Manager, opts Options, logger *slog.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	return &Registry{repo: repo, locks: locks, opts: opts, logger: logger}
}

// Run identifies one invocation between Begin and Finish.
type Run struct {
	Kind    models.JobKind
	ID      string
	DryRun  bool
	Started time.Time
}

// Begin records the start of a run.
func (r *Registry) Begin(ctx context.Context, kind models.JobKind, dryRun bool) (Run, error) {
	run := Run{Kind: kind, ID: uuid.NewString(), DryRun: dryRun, Started: r.opts.Now().UTC()}
	if _, err := r.record(ctx, kind, run.ID, models.OutcomeStarted, "", dryRun); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Finish records the end of a run; a nil runErr counts as success. A run
// that gave up because another process held a lease is skipped, not failed.
func (r *Registry) Finish(ctx context.Context, run Run, runErr error) error {
	outcome, msg := models.OutcomeSucceeded, ""
	switch {
	case errors.Is(runErr, lock.ErrBusy):
		outcome, msg = models.OutcomeSkipped, runErr.Error()
	case runErr != nil:
		outcome, msg = models.OutcomeFailed, runErr.Error()
	}
	_, err := r.record(ctx, run.Kind, run.ID, outcome, msg, run.DryRun)
	return err
}

// Track wraps fn with Begin and Finish. The run id travels in ctx for logging.
// fn's error is returned as is; a failure to write the exit heartbeat is
// joined to it.
func (r *Registry) Track(ctx context.Context, kind models.JobKind, dryRun bool, fn func(context.Context) error) error {
	run, err := r.Begin(ctx, kind, dryRun)
	if err != nil {
		return fmt.Errorf("begin %s heartbeat: %w", kind, err)
	}
	ctx = logger.WithRunID(ctx, run.ID)
	runErr := fn(ctx)
	if err := r.Finish(context.WithoutCancel(ctx), run, runErr); err != nil {
		return errors.Join(runErr, fmt.Errorf("finish %s heartbeat: %w", kind, err))
	}
	return runErr
}

// Record writes a standalone heartbeat for scripts that wrap themselves.
func (r *Registry) Record(ctx context.Context, kind models.JobKind, outcome models.RunOutcome, errMsg string, dryRun bool) (models.Heartbeat, error) {
	return r.record(ctx, kind, uuid.NewString(), outcome, errMsg, dryRun)
}

func (r *Registry) record(ctx context.Context, kind models.JobKind, runID string, outcome models.RunOutcome, errMsg string, dryRun bool) (models.Heartbeat, error) {
	now := r.opts.Now().UTC()
	hb, err := r.update(ctx, kind, func(hb *models.Heartbeat) {
		hb.LastRunAt = now
		hb.DryRun = dryRun
		switch outcome {
		case models.OutcomeSucceeded:
			hb.LastSuccessAt = &now
			hb.ConsecutiveFailures = 0
			hb.RecoveryAt = nil
		case models.OutcomeFailed:
			hb.ConsecutiveFailures++
		}
	}, &models.HeartbeatRun{JobKind: kind, RunID: runID, Outcome: outcome, Error: errMsg, DryRun: dryRun, Recorded: now})
	if err != nil {
		return models.Heartbeat{}, err
	}
	telemetry.HeartbeatAge.WithLabelValues(string(kind)).Set(0)
	r.logger.Debug("heartbeat", "job_kind", kind, "outcome", outcome, "consecutive_failures", hb.ConsecutiveFailures)
	return hb, nil
}

// MarkRecovery notes that the watchdog re-invoked kind at the current time.
func (r *Registry) MarkRecovery(ctx context.Context, kind models.JobKind) (models.Heartbeat, error) {
	now := r.opts.Now().UTC()
	return r.update(ctx, kind, func(hb *models.Heartbeat) { hb.RecoveryAt = &now }, nil)
}

// RecordMiss counts a staleness that persisted after a recovery attempt.
func (r *Registry) RecordMiss(ctx context.Context, kind models.JobKind) (models.Heartbeat, error) {
	return r.update(ctx, kind, func(hb *models.Heartbeat) { hb.ConsecutiveFailures++ }, nil)
}

// Escalate suspends automatic recovery of kind until Clear.
func (r *Registry) Escalate(ctx context.Context, kind models.JobKind) (models.Heartbeat, error) {
	now := r.opts.Now().UTC()
	return r.update(ctx, kind, func(hb *models.Heartbeat) { hb.EscalatedAt = &now }, nil)
}

// Clear is the manual reset after an escalation.
func (r *Registry) Clear(ctx context.Context, kind models.JobKind) (models.Heartbeat, error) {
	if _, err := r.repo.GetHeartbeat(ctx, kind); err != nil {
		return models.Heartbeat{}, err
	}
	return r.update(ctx, kind, func(hb *models.Heartbeat) {
		hb.EscalatedAt = nil
		hb.RecoveryAt = nil
		hb.ConsecutiveFailures = 0
	}, nil)
}

// Get returns the heartbeat of kind without the lease.
func (r *Registry) Get(ctx context.Context, kind models.JobKind) (models.Heartbeat, error) {
	return r.repo.GetHeartbeat(ctx, kind)
}

// List returns all heartbeats without the lease and refreshes the age gauge.
func (r *Registry) List(ctx context.Context) ([]models.Heartbeat, error) {
	hbs, err := r.repo.ListHeartbeats(ctx)
	if err != nil {
		return nil, err
	}
	now := r.opts.Now()
	for _, hb := range hbs {
		telemetry.HeartbeatAge.WithLabelValues(string(hb.JobKind)).Set(now.Sub(hb.LastRunAt).Seconds())
	}
	return hbs, nil
}

// History returns the newest runs of kind.
func (r *Registry) History(ctx context.Context, kind models.JobKind, limit int) ([]models.HeartbeatRun, error) {
	return r.repo.ListRuns(ctx, kind, limit)
}

// update is a read-modify-write of one heartbeat under the heartbeats lease.
// A missing record is created, which is how a kind's first run registers it.
func (r *Registry) update(ctx context.Context, kind models.JobKind, mutate func(*models.Heartbeat), run *models.HeartbeatRun) (models.Heartbeat, error) {
	lease, err := lock.AcquireWithRetry(ctx, r.locks, lock.ResourceHeartbeats, r.opts.Holder, r.opts.LeaseTTL, r.opts.Retry)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			telemetry.LockBusy.WithLabelValues(lock.ResourceHeartbeats).Inc()
		}
		return models.Heartbeat{}, err
	}
	defer r.locks.Release(context.WithoutCancel(ctx), lease)

	hb, err := r.repo.GetHeartbeat(ctx, kind)
	if errors.Is(err, models.ErrHeartbeatNotFound) {
		hb = models.Heartbeat{JobKind: kind}
	} else if err != nil {
		return models.Heartbeat{}, err
	}
	mutate(&hb)
	if hb.LastRunAt.IsZero() {
		hb.LastRunAt = r.opts.Now().UTC()
	}
	if err := r.repo.PutHeartbeat(ctx, hb); err != nil {
		return models.Heartbeat{}, err
	}
	if run != nil {
		if err := r.repo.AppendRun(ctx, *run, r.opts.HistoryLimit); err != nil {
			return models.Heartbeat{}, err
		}
	}
	return hb, nil
}
