// Package store persists jobs, heartbeats, discrepancy records and the audit
// trail. It knows nothing about the lifecycle graph: status rules live in the
// queue package, which is the only caller that mutates job rows.
package store

import (
	"context"
	"fmt"
	"time"

	"content-pipeline/internal/config"
	"content-pipeline/internal/models"
)

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	Statuses      []models.Status
	DueBy         time.Time
	ClaimedBefore time.Time
	Limit         int
}

// Repository is the persistence surface shared by the SQLite and Postgres backends.
type Repository interface {
	// InsertJob writes a new job and its audit event in one transaction.
	// It returns *models.DuplicateJobError when the id already exists.
	InsertJob(ctx context.Context, job models.Job, event models.AuditLog) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	// UpdateJob overwrites a job row only if its stored status still equals
	// expect, otherwise models.ErrStaleWrite.
	UpdateJob(ctx context.Context, job models.Job, expect models.Status, event models.AuditLog) error
	// ListJobs returns matching jobs oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]models.Job, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
	ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error)

	GetHeartbeat(ctx context.Context, kind models.JobKind) (models.Heartbeat, error)
	PutHeartbeat(ctx context.Context, hb models.Heartbeat) error
	ListHeartbeats(ctx context.Context) ([]models.Heartbeat, error)
	// AppendRun records a run and prunes the kind's history to the newest keep rows.
	AppendRun(ctx context.Context, run models.HeartbeatRun, keep int) error
	ListRuns(ctx context.Context, kind models.JobKind, limit int) ([]models.HeartbeatRun, error)

	InsertDiscrepancy(ctx context.Context, rec models.DiscrepancyRecord) error
	ListDiscrepancies(ctx context.Context, limit int) ([]models.DiscrepancyRecord, error)

	Close() error
}

// Open returns the backend selected by cfg.Driver with migrations applied.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Repository, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
