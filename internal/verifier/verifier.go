// Package verifier compares the number of posted jobs with the count the
// platform reports. It records and alerts on drift; it never corrects it.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content-pipeline/internal/models"
	"content-pipeline/internal/notify"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/store"
	"content-pipeline/internal/telemetry"
)

// ErrDiscrepancy is returned by Run when the counts drifted past tolerance.
var ErrDiscrepancy = errors.New("post count discrepancy")

// Counter reports the platform's own post count.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

type Verifier struct {
	queue     *queue.Store
	repo      store.Repository
	counter   Counter
	platform  string
	tolerance int
	alerts    notify.Notifier
	now       func() time.Time
	logger    *slog.Logger
}

func New(q *queue.Store, repo store.Repository, counter Counter, platform string, tolerance int, alerts notify.Notifier, logger *slog.Logger) *Verifier {
	if alerts == nil {
		alerts = notify.Discard
	}
	return &Verifier{
		queue:     q,
		repo:      repo,
		counter:   counter,
		platform:  platform,
		tolerance: tolerance,
		alerts:    alerts,
		now:       q.Now,
		logger:    logger,
	}
}

// Verify records a discrepancy when |internal - external| exceeds the
// tolerance. A difference equal to the tolerance is accepted.
func (v *Verifier) Verify(ctx context.Context, internal, external int) (models.DiscrepancyRecord, bool, error) {
	delta := internal - external
	if abs(delta) <= v.tolerance {
		v.logger.Info("post counts agree", "internal", internal, "external", external, "tolerance", v.tolerance)
		return models.DiscrepancyRecord{}, false, nil
	}
	rec := models.DiscrepancyRecord{
		ObservedAt:    v.now().UTC(),
		Platform:      v.platform,
		InternalCount: internal,
		ExternalCount: external,
		Delta:         delta,
	}
	if err := v.repo.InsertDiscrepancy(ctx, rec); err != nil {
		return rec, true, fmt.Errorf("record discrepancy: %w", err)
	}
	telemetry.Discrepancies.Inc()
	v.logger.Warn("post count discrepancy", "platform", v.platform, "internal", internal, "external", external, "delta", delta)

	a := models.Alert{
		Kind:     models.AlertDiscrepancy,
		Severity: models.SeverityWarning,
		Subject:  v.platform,
		Message:  fmt.Sprintf("queue has %d posted, platform reports %d (delta %d, tolerance %d)", internal, external, delta, v.tolerance),
		At:       rec.ObservedAt,
	}
	if err := v.alerts.Notify(ctx, a); err != nil {
		v.logger.Warn("alert delivery failed", "kind", a.Kind, "error", err)
	}
	return rec, true, nil
}

// Run fetches both counts and verifies them. It returns ErrDiscrepancy when
// a record was written, so the verify job kind is reported as failed.
func (v *Verifier) Run(ctx context.Context) error {
	counts, err := v.queue.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count posted jobs: %w", err)
	}
	external, err := v.counter.Count(ctx)
	if err != nil {
		return fmt.Errorf("platform count: %w", err)
	}
	rec, found, err := v.Verify(ctx, counts[models.StatusPosted], external)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: delta %d", ErrDiscrepancy, rec.Delta)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
