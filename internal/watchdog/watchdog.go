// Package watchdog detects job kinds that stopped running and jobs whose
// holder crashed, and applies bounded recovery. It mutates jobs only through
// queue sessions and heartbeats only through the registry.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content-pipeline/internal/config"
	"content-pipeline/internal/heartbeat"
	"content-pipeline/internal/lock"
	"content-pipeline/internal/models"
	"content-pipeline/internal/notify"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/store"
	"content-pipeline/internal/telemetry"
)

// Options tune a watchdog pass.
type Options struct {
	FailureThreshold int
	StuckGrace       time.Duration
	Location         *time.Location
	LeaseTTL         time.Duration
	DryRun           bool
	Now              func() time.Time
}

// OptionsFromConfig maps the watchdog, queue and lock sections of cfg.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	loc, err := time.LoadLocation(cfg.Watchdog.Timezone)
	if err != nil {
		return Options{}, fmt.Errorf("watchdog.timezone: %w", err)
	}
	return Options{
		FailureThreshold: cfg.Watchdog.FailureThreshold,
		StuckGrace:       cfg.Queue.StuckGrace,
		Location:         loc,
		LeaseTTL:         cfg.Locks.TTL,
		DryRun:           cfg.DryRun,
	}, nil
}

// Action is what the watchdog decided for one job kind.
type Action string

const (
	ActionHealthy   Action = "healthy"
	ActionNeverRun  Action = "never_run"
	ActionDisabled  Action = "disabled"
	ActionSuspended Action = "suspended"
	ActionBlackout  Action = "blackout"
	ActionRecovered Action = "recovered"
	ActionRetryFail Action = "recovery_failed"
	ActionEscalated Action = "escalated"
	ActionNoRunner  Action = "no_runner"
)

// Report summarises one pass.
type Report struct {
	Kinds    map[models.JobKind]Action
	Requeued []string
	Stranded []string
}

// Watchdog checks heartbeats and the queue.
type Watchdog struct {
	queue    *queue.Store
	registry *heartbeat.Registry
	locks    lock.Manager
	alerts   notify.Notifier
	kinds    map[models.JobKind]Expectation
	runners  map[models.JobKind]heartbeat.Runner
	opts     Options
	logger   *slog.Logger
}

func New(q *queue.Store, reg *heartbeat.Registry, locks lock.Manager, alerts notify.Notifier, kinds map[models.JobKind]Expectation, runners map[models.JobKind]heartbeat.Runner, opts Options, logger *slog.Logger) *Watchdog {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if alerts == nil {
		alerts = notify.Discard
	}
	return &Watchdog{
		queue:    q,
		registry: reg,
		locks:    locks,
		alerts:   alerts,
		kinds:    kinds,
		runners:  runners,
		opts:     opts,
		logger:   logger,
	}
}

// RunOnce performs one full pass: every known kind, then the stuck-job scan.
func (w *Watchdog) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{Kinds: make(map[models.JobKind]Action, len(models.AllKinds))}
	var errs []error
	for _, kind := range models.AllKinds {
		action, err := w.checkKind(ctx, kind)
		rep.Kinds[kind] = action
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	requeued, stranded, err := w.scanStuck(ctx)
	rep.Requeued, rep.Stranded = requeued, stranded
	if err != nil {
		errs = append(errs, fmt.Errorf("stuck scan: %w", err))
	}
	return rep, errors.Join(errs...)
}

// Loop runs a pass every cadence until ctx is done. Pass errors are logged,
// except illegal transitions, which stop the loop.
func (w *Watchdog) Loop(ctx context.Context, cadence time.Duration) error {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			if errors.Is(err, models.ErrIllegalTransition) {
				return err
			}
			w.logger.Error("watchdog pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) checkKind(ctx context.Context, kind models.JobKind) (Action, error) {
	exp, ok := w.kinds[kind]
	if !ok || !exp.Enabled {
		return ActionDisabled, nil
	}
	hb, err := w.registry.Get(ctx, kind)
	if errors.Is(err, models.ErrHeartbeatNotFound) {
		return ActionNeverRun, nil
	}
	if err != nil {
		return "", err
	}
	if hb.Suspended() {
		return ActionSuspended, nil
	}
	if hb.ConsecutiveFailures > w.opts.FailureThreshold {
		return ActionEscalated, w.escalate(ctx, hb)
	}

	now := w.opts.Now()
	if !exp.Stale(hb.LastRunAt, now) {
		return ActionHealthy, nil
	}
	log := w.logger.With("job_kind", kind, "last_run_at", hb.LastRunAt, "deadline", exp.Deadline(hb.LastRunAt))
	if exp.InBlackout(now.In(w.opts.Location)) {
		log.Info("stale inside blackout window")
		return ActionBlackout, nil
	}

	// A recovery that never managed to start a run counts as a failure.
	if hb.RecoveryAt != nil && hb.LastRunAt.Before(*hb.RecoveryAt) {
		hb, err = w.registry.RecordMiss(ctx, kind)
		if err != nil {
			return "", err
		}
		log.Warn("recovery produced no run", "consecutive_failures", hb.ConsecutiveFailures)
		if hb.ConsecutiveFailures > w.opts.FailureThreshold {
			return ActionEscalated, w.escalate(ctx, hb)
		}
		w.alert(ctx, models.Alert{
			Kind:     models.AlertRecoveryFailed,
			Severity: models.SeverityWarning,
			Subject:  string(kind),
			Message:  fmt.Sprintf("no run since recovery at %s (%d consecutive failures)", hb.RecoveryAt.Format(time.RFC3339), hb.ConsecutiveFailures),
		})
	}

	runner, ok := w.runners[kind]
	if !ok {
		log.Warn("stale and no runner bound")
		w.alert(ctx, models.Alert{
			Kind:     models.AlertStale,
			Severity: models.SeverityWarning,
			Subject:  string(kind),
			Message:  fmt.Sprintf("last run %s, nothing bound to recover it", hb.LastRunAt.Format(time.RFC3339)),
		})
		return ActionNoRunner, nil
	}

	if _, err := w.registry.MarkRecovery(ctx, kind); err != nil {
		return "", err
	}
	telemetry.Recoveries.WithLabelValues(string(kind)).Inc()
	log.Info("stale, re-invoking once")
	if err := w.registry.Track(ctx, kind, w.opts.DryRun, runner.Run); err != nil {
		if errors.Is(err, models.ErrIllegalTransition) {
			return ActionRetryFail, err
		}
		log.Warn("recovery run failed", "error", err)
		return ActionRetryFail, nil
	}
	return ActionRecovered, nil
}

func (w *Watchdog) escalate(ctx context.Context, hb models.Heartbeat) error {
	if _, err := w.registry.Escalate(ctx, hb.JobKind); err != nil {
		return err
	}
	telemetry.Escalations.WithLabelValues(string(hb.JobKind)).Inc()
	w.logger.Error("job kind escalated; automatic recovery suspended", "job_kind", hb.JobKind, "consecutive_failures", hb.ConsecutiveFailures)
	w.alert(ctx, models.Alert{
		Kind:     models.AlertEscalation,
		Severity: models.SeverityCritical,
		Subject:  string(hb.JobKind),
		Message:  fmt.Sprintf("%d consecutive failures; run `pipelinectl heartbeat clear %s` after fixing", hb.ConsecutiveFailures, hb.JobKind),
	})
	return nil
}

// scanStuck returns held jobs whose holder is gone to pending through the
// regular fail path, and reports ready jobs nobody is posting.
func (w *Watchdog) scanStuck(ctx context.Context) (requeued, stranded []string, err error) {
	cutoff := w.opts.Now().Add(-w.opts.StuckGrace)
	held, err := w.queue.List(ctx, store.JobFilter{
		Statuses:      []models.Status{models.StatusClaimed, models.StatusGenerating, models.StatusPosting},
		ClaimedBefore: cutoff,
	})
	if err != nil {
		return nil, nil, err
	}
	for _, job := range held {
		ok, err := w.recoverStuck(ctx, job)
		if err != nil {
			return requeued, stranded, err
		}
		if ok {
			requeued = append(requeued, job.ID)
		}
	}

	ready, err := w.queue.List(ctx, store.JobFilter{
		Statuses:      []models.Status{models.StatusReady},
		ClaimedBefore: cutoff,
	})
	if err != nil {
		return requeued, nil, err
	}
	for _, job := range ready {
		if w.holderAlive(ctx, job.ID) {
			continue
		}
		stranded = append(stranded, job.ID)
		w.alert(ctx, models.Alert{
			Kind:     models.AlertStuckJob,
			Severity: models.SeverityWarning,
			Subject:  job.ID,
			Message:  "job left in ready by a crashed holder; retry it manually once the artifact is checked",
		})
	}

	if err := w.queue.Do(ctx, func(s *queue.Session) error {
		_, err := s.PromoteDue(ctx)
		return err
	}); err != nil && !errors.Is(err, lock.ErrBusy) {
		return requeued, stranded, err
	}
	return requeued, stranded, nil
}

// holderAlive probes the per-job lease without keeping it.
func (w *Watchdog) holderAlive(ctx context.Context, id string) bool {
	lease, ok, err := w.locks.Acquire(ctx, lock.JobResource(id), w.queue.Holder(), w.opts.LeaseTTL)
	if err != nil || !ok {
		return true
	}
	w.locks.Release(ctx, lease)
	return false
}

func (w *Watchdog) recoverStuck(ctx context.Context, job models.Job) (bool, error) {
	lease, ok, err := w.locks.Acquire(ctx, lock.JobResource(job.ID), w.queue.Holder(), w.opts.LeaseTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer w.locks.Release(context.WithoutCancel(ctx), lease)

	var out models.Job
	err = w.queue.Do(ctx, func(s *queue.Session) error {
		cur, err := w.queue.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		if cur.Status != job.Status || cur.ClaimedBy != job.ClaimedBy {
			return models.ErrStaleWrite
		}
		failed, err := s.Fail(ctx, job.ID, models.ErrorTransient, fmt.Errorf("holder %s lost while %s", job.ClaimedBy, job.Status))
		if err != nil {
			return err
		}
		out = failed
		if failed.Status == models.StatusFailed {
			out, err = s.Requeue(ctx, job.ID)
		}
		return err
	})
	if errors.Is(err, models.ErrStaleWrite) || errors.Is(err, lock.ErrBusy) {
		// someone moved the job or holds the queue; look again next pass
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.logger.Warn("recovered stuck job", "job_id", job.ID, "was", job.Status, "now", out.Status, "attempts", out.Attempts)
	w.alert(ctx, models.Alert{
		Kind:     models.AlertStuckJob,
		Severity: models.SeverityWarning,
		Subject:  job.ID,
		Message:  fmt.Sprintf("holder %s lost while %s; job now %s", job.ClaimedBy, job.Status, out.Status),
	})
	return out.Status == models.StatusPending, nil
}

func (w *Watchdog) alert(ctx context.Context, a models.Alert) {
	a.At = w.opts.Now().UTC()
	if err := w.alerts.Notify(ctx, a); err != nil {
		w.logger.Warn("alert delivery failed", "kind", a.Kind, "error", err)
	}
}
