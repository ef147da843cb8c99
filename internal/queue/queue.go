// Package queue owns the content job lifecycle. Every status change, whether
// it comes from the dispatcher, the watchdog or an operator, goes through
// Session.transition, which validates the edge against the lifecycle graph
// and writes the row with a guard on its previous status.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"content-pipeline/internal/backoff"
	"content-pipeline/internal/config"
	"content-pipeline/internal/lock"
	"content-pipeline/internal/models"
	"content-pipeline/internal/notify"
	"content-pipeline/internal/store"
	"content-pipeline/internal/telemetry"
)

// Options are the queue's tunables, taken from config at construction.
type Options struct {
	Holder      string
	MaxAttempts int
	Backoff     backoff.Policy
	LeaseTTL    time.Duration
	Retry       lock.RetryPolicy
	Now         func() time.Time
}

// OptionsFromConfig maps the queue and lock sections of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Holder:      cfg.HolderID,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     backoff.New(cfg.Queue.BackoffBase, cfg.Queue.BackoffMax, cfg.Queue.JitterFraction),
		LeaseTTL:    cfg.Locks.TTL,
		Retry:       lock.RetryPolicy{Attempts: cfg.Locks.AcquireRetries, Wait: cfg.Locks.AcquireWait},
	}
}

// Store guards the job table with the "queue" lease.
type Store struct {
	repo   store.Repository
	locks  lock.Manager
	alerts notify.Notifier
	opts   Options
	logger *slog.Logger
}

func New(repo store.Repository, locks lock.Manager, alerts notify.Notifier, opts Options, logger *slog.Logger) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if alerts == nil {
		alerts = notify.Discard
	}
	return &Store{repo: repo, locks: locks, alerts: alerts, opts: opts, logger: logger}
}

// Holder is the identity this process uses for leases.
func (s *Store) Holder() string { return s.opts.Holder }

// Now returns the store's clock.
func (s *Store) Now() time.Time { return s.opts.Now() }

// Get reads a job without the lease; the snapshot may be stale.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	return s.repo.GetJob(ctx, id)
}

// List reads jobs without the lease.
func (s *Store) List(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	return s.repo.ListJobs(ctx, f)
}

// Counts returns the number of jobs per status without the lease.
func (s *Store) Counts(ctx context.Context) (map[models.Status]int, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range models.AllStatuses {
		telemetry.QueueDepth.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return counts, nil
}

// Audit returns the recorded transitions of a job.
func (s *Store) Audit(ctx context.Context, id string) ([]models.AuditLog, error) {
	return s.repo.ListAudit(ctx, id)
}

// Lock acquires the queue lease, polling with the configured bounded retry.
// It returns an error wrapping lock.ErrBusy when another process holds it.
func (s *Store) Lock(ctx context.Context) (*Session, error) {
	lease, err := lock.AcquireWithRetry(ctx, s.locks, lock.ResourceQueue, s.opts.Holder, s.opts.LeaseTTL, s.opts.Retry)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			telemetry.LockBusy.WithLabelValues(lock.ResourceQueue).Inc()
		}
		return nil, err
	}
	return &Session{store: s, lease: lease}, nil
}

// Do runs fn inside a session and always releases the lease.
func (s *Store) Do(ctx context.Context, fn func(*Session) error) error {
	sess, err := s.Lock(ctx)
	if err != nil {
		return err
	}
	defer sess.Close(context.WithoutCancel(ctx))
	return fn(sess)
}

// Session is a held queue lease. All mutations happen through it.
type Session struct {
	store *Store
	lease lock.Lease
	lost  bool
}

// Close releases the lease. Safe to call more than once.
func (sess *Session) Close(ctx context.Context) error {
	return sess.store.locks.Release(ctx, sess.lease)
}

// ensureLease renews once less than half the TTL remains. After a failed
// renewal the session refuses further writes; callers must re-read state.
func (sess *Session) ensureLease(ctx context.Context) error {
	if sess.lost {
		return lock.ErrLeaseExpired
	}
	ttl := sess.store.opts.LeaseTTL
	if sess.lease.Remaining(sess.store.Now()) > ttl/2 {
		return nil
	}
	renewed, err := sess.store.locks.Renew(ctx, sess.lease, ttl)
	if err != nil {
		if errors.Is(err, lock.ErrLeaseExpired) {
			sess.lost = true
		}
		return fmt.Errorf("renew queue lease: %w", err)
	}
	sess.lease = renewed
	return nil
}

// Enqueue inserts a new pending job. Empty ids get a uuid; a zero
// ScheduledFor means "now".
func (sess *Session) Enqueue(ctx context.Context, job models.Job) (models.Job, error) {
	if err := sess.ensureLease(ctx); err != nil {
		return models.Job{}, err
	}
	now := sess.store.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.StatusPending
	job.Attempts = 0
	job.CreatedAt = now
	job.ClaimedAt, job.ClaimedBy, job.PostedAt, job.LastError = nil, "", nil, nil
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	event := models.AuditLog{JobID: job.ID, Event: "enqueued", Detail: job.Topic, Recorded: now}
	if err := sess.store.repo.InsertJob(ctx, job, event); err != nil {
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.Inc()
	sess.store.logger.Debug("job enqueued", "job_id", job.ID, "scheduled_for", job.ScheduledFor)
	return job, nil
}

// Claim moves a due pending job to claimed for holder. A job that is not
// pending, or not yet due, yields *models.NotClaimableError.
func (sess *Session) Claim(ctx context.Context, id, holder string) (models.Job, error) {
	if err := sess.ensureLease(ctx); err != nil {
		return models.Job{}, err
	}
	job, err := sess.store.repo.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	now := sess.store.Now().UTC()
	if job.Status != models.StatusPending {
		return models.Job{}, &models.NotClaimableError{ID: id, Status: job.Status, Reason: "not pending"}
	}
	if job.ScheduledFor.After(now) {
		return models.Job{}, &models.NotClaimableError{
			ID:     id,
			Status: job.Status,
			Reason: "scheduled for " + job.ScheduledFor.Format(time.RFC3339),
		}
	}
	job.ClaimedAt = &now
	job.ClaimedBy = holder
	return sess.transition(ctx, job, "claimed by "+holder, false, models.StatusClaimed)
}

// ClaimNext claims the oldest eligible pending job. ok is false when none is due.
func (sess *Session) ClaimNext(ctx context.Context, holder string, scanLimit int) (models.Job, bool, error) {
	if err := sess.ensureLease(ctx); err != nil {
		return models.Job{}, false, err
	}
	candidates, err := sess.store.repo.ListJobs(ctx, store.JobFilter{
		Statuses: []models.Status{models.StatusPending},
		DueBy:    sess.store.Now().UTC(),
		Limit:    scanLimit,
	})
	if err != nil {
		return models.Job{}, false, err
	}
	for _, c := range candidates {
		job, err := sess.Claim(ctx, c.ID, holder)
		if errors.Is(err, models.ErrNotClaimable) {
			continue
		}
		if err != nil {
			return models.Job{}, false, err
		}
		return job, true, nil
	}
	return models.Job{}, false, nil
}

// AdvanceOption mutates the job alongside a status advance.
type AdvanceOption func(*models.Job)

// WithPayloadRef records the artifact produced by the render step.
func WithPayloadRef(ref string) AdvanceOption {
	return func(j *models.Job) { j.PayloadRef = ref }
}

// Advance moves a job along one edge. Any edge outside the lifecycle graph
// yields *models.IllegalTransitionError. Legal edges that carry extra
// bookkeeping are handed to their dedicated operation: posted to Complete,
// failed to Fail as transient, pending to Requeue, claimed to Claim by the
// session holder.
func (sess *Session) Advance(ctx context.Context, id string, to models.Status, opts ...AdvanceOption) (models.Job, error) {
	if err := sess.ensureLease(ctx); err != nil {
		return models.Job{}, err
	}
	job, err := sess.store.repo.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !models.CanTransition(job.Status, to) {
		sess.store.logger.Error("illegal transition", "job_id", id, "from", job.Status, "to", to)
		return models.Job{}, &models.IllegalTransitionError{ID: id, From: job.Status, To: to}
	}
	switch to {
	case models.StatusPosted:
		return sess.Complete(ctx, id)
	case models.StatusFailed:
		return sess.Fail(ctx, id, models.ErrorTransient, nil)
	case models.StatusPending:
		return sess.Requeue(ctx, id)
	case models.StatusClaimed:
		return sess.Claim(ctx, id, sess.lease.Holder)
	}
	for _, o := range opts {
		o(&job)
	}
	out, err := sess.transition(ctx, job, "", false, to)
	if err != nil {
		return models.Job{}, err
	}
	if to == models.StatusAbandoned {
		kind := models.ErrorTransient
		if out.LastError != nil {
			kind = out.LastError.Kind
		}
		telemetry.JobsAbandoned.Inc()
		sess.store.alertAbandoned(ctx, out, kind)
	}
	return out, nil
}

// Fail records a failure of kind against a held job. Transient failures go
// to failed with backoff until MaxAttempts is reached; the other kinds, and
// an exhausted transient, end in abandoned with an alert.
func (sess *Session) Fail(ctx context.Context, id string, kind models.ErrorKind, cause error) (models.Job, error) {
	if err := sess.ensureLease(ctx); err != nil {
		return models.Job{}, err
	}
	job, err := sess.store.repo.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	now := sess.store.Now().UTC()
	msg := string(kind)
	if cause != nil {
		msg = cause.Error()
	}
	job.Attempts++
	job.LastError = &models.JobError{Kind: kind, Message: msg}
	telemetry.JobFailures.WithLabelValues(string(kind)).Inc()

	if kind.Retryable() && job.Attempts < sess.store.opts.MaxAttempts {
		job.ScheduledFor = sess.store.opts.Backoff.Next(now, job.Attempts)
		detail := fmt.Sprintf("attempt %d: %s; retry at %s", job.Attempts, msg, job.ScheduledFor.Format(time.RFC3339))
		return sess.transition(ctx, job, detail, false, models.StatusFailed)
	}

	if job.Attempts > sess.store.opts.MaxAttempts {
		job.Attempts = sess.store.opts.MaxAttempts
	}
	detail := fmt.Sprintf("attempt %d: %s", job.Attempts, msg)
	out, err := sess.transition(ctx, job, detail, false, models.StatusFailed, models.StatusAbandoned)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsAbandoned.Inc()
	sess.store.alertAbandoned(ctx, out, kind)
	return out, nil
}

// Complete marks a posting job as posted.
func (sess *Session) Complete(ctx context.Context, id string) (models.Job, error) {
	if err := sess.ensureLease(ctx); err != nil {
		return models.Job{}, err
	}
	job, err := sess.store.repo.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	now := sess.store.Now().UTC()
	job.PostedAt = &now
	return sess.transition(ctx, job, "", false, models.StatusPosted)
}

// Requeue takes a failed job back to pending. Its backoff deadline is kept,
// so it stays ineligible until then.
func (sess *Session) Requeue(ctx context.Context, id string) (models.Job, error) {
	if err := sess.ensureLease(ctx); err != nil {
		return models.Job{}, err
	}
	job, err := sess.store.repo.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	job.ClaimedAt, job.ClaimedBy = nil, ""
	return sess.transition(ctx, job, "retry", false, models.StatusPending)
}

// PromoteDue requeues every failed job whose backoff has elapsed.
func (sess *Session) PromoteDue(ctx context.Context) (int, error) {
	if err := sess.ensureLease(ctx); err != nil {
		return 0, err
	}
	due, err := sess.store.repo.ListJobs(ctx, store.JobFilter{
		Statuses: []models.Status{models.StatusFailed},
		DueBy:    sess.store.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	for i, j := range due {
		if _, err := sess.Requeue(ctx, j.ID); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

// Retry is the operator override: failed or abandoned back to pending,
// eligible immediately. Abandoned jobs start over with zero attempts.
func (sess *Session) Retry(ctx context.Context, id string) (models.Job, error) {
	if err := sess.ensureLease(ctx); err != nil {
		return models.Job{}, err
	}
	job, err := sess.store.repo.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	switch job.Status {
	case models.StatusFailed:
	case models.StatusAbandoned:
		job.Attempts = 0
	default:
		return models.Job{}, fmt.Errorf("retry %s (%s): %w", id, job.Status, models.ErrNotRetryable)
	}
	job.ScheduledFor = sess.store.Now().UTC()
	job.ClaimedAt, job.ClaimedBy = nil, ""
	return sess.transition(ctx, job, "manual retry", true, models.StatusPending)
}

// transition is the single writer of job status. It walks path from the
// job's stored status, rejecting any hop that is not a lifecycle edge, and
// persists the final state in one guarded write. manual additionally allows
// the operator edge abandoned -> pending.
func (sess *Session) transition(ctx context.Context, job models.Job, detail string, manual bool, path ...models.Status) (models.Job, error) {
	from := job.Status
	cur := from
	hops := []string{string(from)}
	for _, to := range path {
		if !models.CanTransition(cur, to) && !(manual && cur == models.StatusAbandoned && to == models.StatusPending) {
			err := &models.IllegalTransitionError{ID: job.ID, From: cur, To: to}
			sess.store.logger.Error("illegal transition", "job_id", job.ID, "from", cur, "to", to)
			return models.Job{}, err
		}
		cur = to
		hops = append(hops, string(to))
	}
	job.Status = cur

	now := sess.store.Now().UTC()
	event := models.AuditLog{JobID: job.ID, Event: strings.Join(hops, "->"), Detail: detail, Recorded: now}
	if err := sess.store.repo.UpdateJob(ctx, job, from, event); err != nil {
		return models.Job{}, err
	}
	for i := 1; i < len(hops); i++ {
		telemetry.Transitions.WithLabelValues(hops[i-1], hops[i]).Inc()
	}
	sess.store.logger.Info("job transition", "job_id", job.ID, "from", from, "to", cur, "attempts", job.Attempts)
	return job, nil
}

func (s *Store) alertAbandoned(ctx context.Context, job models.Job, kind models.ErrorKind) {
	alert := models.Alert{
		Kind:     models.AlertAbandoned,
		Severity: models.SeverityWarning,
		Subject:  job.ID,
		Message:  fmt.Sprintf("job abandoned after %d attempts", job.Attempts),
		At:       s.Now().UTC(),
	}
	switch kind {
	case models.ErrorPlatformBlocked:
		alert.Kind = models.AlertPlatformBlock
		alert.Severity = models.SeverityCritical
		alert.Message = "platform blocked the action; job held for review"
	case models.ErrorDataCorruption:
		alert.Kind = models.AlertCorruption
		alert.Severity = models.SeverityCritical
		alert.Message = "artifact or record corrupt; job held for review"
	}
	if job.LastError != nil {
		alert.Message += ": " + job.LastError.Message
	}
	if err := s.alerts.Notify(ctx, alert); err != nil {
		s.logger.Warn("alert delivery failed", "job_id", job.ID, "error", err)
	}
}
