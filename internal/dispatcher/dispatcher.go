// Package dispatcher keeps the backlog topped up and moves one job at a time
// through render and post.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content-pipeline/internal/backoff"
	"content-pipeline/internal/config"
	"content-pipeline/internal/lock"
	"content-pipeline/internal/models"
	"content-pipeline/internal/platform"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/store"
)

// Planner proposes new jobs.
type Planner interface {
	Plan(ctx context.Context, count int) ([]platform.Draft, error)
}

// Renderer produces the artifact for a job and returns its reference.
type Renderer interface {
	Render(ctx context.Context, job models.Job) (string, error)
}

// Poster publishes a rendered job.
type Poster interface {
	Post(ctx context.Context, job models.Job) (platform.Result, error)
}

// Limiter is the shared post budget.
type Limiter interface {
	Take(ctx context.Context, platform string) (bool, float64, error)
}

// Checker validates an artifact before it is posted.
type Checker interface {
	Check(ctx context.Context, ref string) error
}

// Collaborators groups the external capabilities. Limiter and Checker are optional.
type Collaborators struct {
	Planner  Planner
	Renderer Renderer
	Poster   Poster
	Limiter  Limiter
	Checker  Checker
}

type Options struct {
	Holder             string
	Platform           string
	ReplenishThreshold int
	ScanLimit          int
	DelayMin           time.Duration
	DelayMax           time.Duration
	LeaseTTL           time.Duration
	DryRun             bool
	Sleep              func(ctx context.Context, d time.Duration) error
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Holder:             cfg.HolderID,
		Platform:           cfg.Platform.Name,
		ReplenishThreshold: cfg.Dispatch.ReplenishThreshold,
		ScanLimit:          cfg.Dispatch.ScanLimit,
		DelayMin:           cfg.Dispatch.DelayMin,
		DelayMax:           cfg.Dispatch.DelayMax,
		LeaseTTL:           cfg.Locks.TTL,
		DryRun:             cfg.DryRun,
	}
}

// Outcome describes what one dispatch cycle did.
type Outcome struct {
	JobID   string
	Status  models.Status
	Post    platform.Result
	Skipped string
}

const (
	SkipIdle   = "no eligible job"
	SkipBudget = "post budget exhausted"
	SkipDryRun = "dry run"
)

type Dispatcher struct {
	queue  *queue.Store
	locks  lock.Manager
	collab Collaborators
	opts   Options
	logger *slog.Logger
}

func New(q *queue.Store, locks lock.Manager, collab Collaborators, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Dispatcher{queue: q, locks: locks, collab: collab, opts: opts, logger: logger}
}

// Replenish reads the pending count and tops the backlog up to the
// configured threshold.
func (d *Dispatcher) Replenish(ctx context.Context) error {
	counts, err := d.queue.Counts(ctx)
	if err != nil {
		return err
	}
	_, err = d.MaybeReplenish(ctx, counts[models.StatusPending], d.opts.ReplenishThreshold)
	return err
}

// MaybeReplenish asks the planner for threshold-pendingCount drafts and
// enqueues them. It returns the number of jobs enqueued.
func (d *Dispatcher) MaybeReplenish(ctx context.Context, pendingCount, threshold int) (int, error) {
	need := threshold - pendingCount
	if need <= 0 {
		d.logger.Debug("backlog sufficient", "pending", pendingCount, "threshold", threshold)
		return 0, nil
	}
	drafts, err := d.collab.Planner.Plan(ctx, need)
	if err != nil {
		return 0, fmt.Errorf("plan %d drafts: %w", need, err)
	}
	if len(drafts) > need {
		drafts = drafts[:need]
	}
	if d.opts.DryRun {
		d.logger.Info("dry run: would enqueue drafts", "count", len(drafts))
		return 0, nil
	}

	added := 0
	err = d.queue.Do(ctx, func(s *queue.Session) error {
		for _, dr := range drafts {
			job, err := s.Enqueue(ctx, models.Job{ID: dr.ID, Topic: dr.Topic, PayloadRef: dr.PayloadRef})
			if errors.Is(err, models.ErrDuplicateJob) {
				d.logger.Warn("planner returned a known job id", "job_id", dr.ID)
				continue
			}
			if err != nil {
				return err
			}
			added++
			d.logger.Info("enqueued draft", "job_id", job.ID, "topic", job.Topic)
		}
		return nil
	})
	return added, err
}

// Run performs one dispatch cycle; it is the runner bound to the dispatch kind.
func (d *Dispatcher) Run(ctx context.Context) error {
	_, err := d.DispatchNext(ctx)
	return err
}

// DispatchNext promotes due retries, then claims the oldest eligible job and
// carries it through render, the inter-dispatch pause, and post. The per-job
// lease is held for the whole cycle; the queue lease only around writes.
func (d *Dispatcher) DispatchNext(ctx context.Context) (Outcome, error) {
	if d.opts.DryRun {
		return d.preview(ctx)
	}
	if err := d.queue.Do(ctx, func(s *queue.Session) error {
		_, err := s.PromoteDue(ctx)
		return err
	}); err != nil {
		return Outcome{}, err
	}

	if d.collab.Limiter != nil {
		ok, left, err := d.collab.Limiter.Take(ctx, d.opts.Platform)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			d.logger.Info("post budget exhausted, skipping cycle", "platform", d.opts.Platform, "tokens", left)
			return Outcome{Skipped: SkipBudget}, nil
		}
	}

	var (
		job   models.Job
		found bool
		lease lock.Lease
	)
	jobTTL := d.opts.LeaseTTL + d.opts.DelayMax
	err := d.queue.Do(ctx, func(s *queue.Session) error {
		var err error
		job, found, err = s.ClaimNext(ctx, d.opts.Holder, d.opts.ScanLimit)
		if err != nil || !found {
			return err
		}
		var ok bool
		lease, ok, err = d.locks.Acquire(ctx, lock.JobResource(job.ID), d.opts.Holder, jobTTL)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job lease %s: %w", job.ID, lock.ErrBusy)
		}
		job, err = s.Advance(ctx, job.ID, models.StatusGenerating)
		return err
	})
	if err != nil {
		if lease.Token != "" {
			d.locks.Release(context.WithoutCancel(ctx), lease)
		}
		return Outcome{}, err
	}
	if !found {
		return Outcome{Skipped: SkipIdle}, nil
	}

	c := &cycle{d: d, lease: lease, ttl: jobTTL, job: job}
	defer c.release(ctx)
	return c.run(ctx)
}

// preview reports the job a real cycle would pick, without claiming it.
func (d *Dispatcher) preview(ctx context.Context) (Outcome, error) {
	next, err := d.queue.List(ctx, store.JobFilter{
		Statuses: []models.Status{models.StatusPending},
		DueBy:    d.queue.Now().UTC(),
		Limit:    1,
	})
	if err != nil {
		return Outcome{}, err
	}
	if len(next) == 0 {
		return Outcome{Skipped: SkipIdle}, nil
	}
	d.logger.Info("dry run: would dispatch", "job_id", next[0].ID, "topic", next[0].Topic)
	return Outcome{JobID: next[0].ID, Status: next[0].Status, Skipped: SkipDryRun}, nil
}

// cycle carries one claimed job through the external steps.
type cycle struct {
	d     *Dispatcher
	lease lock.Lease
	ttl   time.Duration
	job   models.Job
}

func (c *cycle) run(ctx context.Context) (Outcome, error) {
	d := c.d
	log := d.logger.With("job_id", c.job.ID)

	ref, err := d.collab.Renderer.Render(ctx, c.job)
	if err != nil {
		return c.fail(ctx, platform.KindOf(err), fmt.Errorf("render: %w", err))
	}
	if err := c.step(ctx, func(s *queue.Session) (models.Job, error) {
		return s.Advance(ctx, c.job.ID, models.StatusReady, queue.WithPayloadRef(ref))
	}); err != nil {
		return c.outcome(), err
	}

	pause := backoff.Between(d.opts.DelayMin, d.opts.DelayMax)
	log.Debug("pausing before post", "delay", pause)
	if err := d.opts.Sleep(ctx, pause); err != nil {
		return c.outcome(), err
	}

	if err := c.step(ctx, func(s *queue.Session) (models.Job, error) {
		return s.Advance(ctx, c.job.ID, models.StatusPosting)
	}); err != nil {
		return c.outcome(), err
	}

	if d.collab.Checker != nil {
		if err := d.collab.Checker.Check(ctx, c.job.PayloadRef); err != nil {
			return c.fail(ctx, models.ErrorTransient, fmt.Errorf("artifact: %w", err))
		}
	}

	res, err := d.collab.Poster.Post(ctx, c.job)
	if err != nil {
		return c.fail(ctx, platform.KindOf(err), fmt.Errorf("post: %w", err))
	}
	if err := c.step(ctx, func(s *queue.Session) (models.Job, error) {
		return s.Complete(ctx, c.job.ID)
	}); err != nil {
		return c.outcome(), err
	}
	log.Info("job posted", "post_id", res.PostID, "url", res.URL)
	out := c.outcome()
	out.Post = res
	return out, nil
}

// step renews the job lease and then applies fn under the queue lease. A job
// lease that lapsed means the watchdog may own the job now, so nothing is
// written.
func (c *cycle) step(ctx context.Context, fn func(*queue.Session) (models.Job, error)) error {
	renewed, err := c.d.locks.Renew(ctx, c.lease, c.ttl)
	if err != nil {
		return fmt.Errorf("job %s: %w", c.job.ID, err)
	}
	c.lease = renewed
	return c.d.queue.Do(ctx, func(s *queue.Session) error {
		job, err := fn(s)
		if err != nil {
			return err
		}
		c.job = job
		return nil
	})
}

// fail records cause against the job and returns it to the caller, so the
// cycle counts as failed.
func (c *cycle) fail(ctx context.Context, kind models.ErrorKind, cause error) (Outcome, error) {
	c.d.logger.Warn("dispatch step failed", "job_id", c.job.ID, "status", c.job.Status, "kind", kind, "error", cause)
	if err := c.step(ctx, func(s *queue.Session) (models.Job, error) {
		return s.Fail(ctx, c.job.ID, kind, cause)
	}); err != nil {
		return c.outcome(), errors.Join(cause, err)
	}
	return c.outcome(), cause
}

func (c *cycle) outcome() Outcome {
	return Outcome{JobID: c.job.ID, Status: c.job.Status}
}

func (c *cycle) release(ctx context.Context) {
	if err := c.d.locks.Release(context.WithoutCancel(ctx), c.lease); err != nil {
		c.d.logger.Warn("release job lease", "job_id", c.job.ID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
