package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-pipeline/internal/models"
)

// Postgres wraps pgxpool for deployments where several hosts share one queue.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pooled connection and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Pool exposes the pool so the Postgres lease backend can share it.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.version, err)
		}
		tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, NOW()) ON CONFLICT (version) DO NOTHING`, m.version)
		if err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
		if tag.RowsAffected() == 0 {
			tx.Rollback(ctx)
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				tx.Rollback(ctx)
				return fmt.Errorf("exec migration %s: %w", m.version, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.version, err)
		}
	}
	return nil
}

func (p *Postgres) scanJob(row pgx.Row) (models.Job, error) {
	var (
		j               models.Job
		status          string
		claimed, posted *time.Time
		errKind, errMsg pgtype.Text
	)
	if err := row.Scan(&j.ID, &status, &j.Topic, &j.PayloadRef, &j.Attempts, &j.CreatedAt, &claimed, &j.ClaimedBy, &posted, &j.ScheduledFor, &errKind, &errMsg); err != nil {
		return models.Job{}, err
	}
	st, err := models.ParseStatus(status)
	if err != nil {
		return models.Job{}, &models.CorruptionError{Path: "postgres", Err: fmt.Errorf("job %s: %w", j.ID, err)}
	}
	j.Status = st
	j.CreatedAt = j.CreatedAt.UTC()
	j.ScheduledFor = j.ScheduledFor.UTC()
	j.ClaimedAt = utcPtr(claimed)
	j.PostedAt = utcPtr(posted)
	if kind := textPtr(errKind); kind != nil {
		j.LastError = &models.JobError{Kind: models.ErrorKind(*kind), Message: errMsg.String}
	}
	return j, nil
}

func (p *Postgres) InsertJob(ctx context.Context, job models.Job, event models.AuditLog) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	errKind, errMsg := errorText(job.LastError)
	tag, err := tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, string(job.Status), job.Topic, job.PayloadRef, job.Attempts, job.CreatedAt,
		job.ClaimedAt, job.ClaimedBy, job.PostedAt, job.ScheduledFor, errKind, errMsg)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &models.DuplicateJobError{ID: job.ID}
	}
	if err := appendAuditPG(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := p.scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (p *Postgres) UpdateJob(ctx context.Context, job models.Job, expect models.Status, event models.AuditLog) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	errKind, errMsg := errorText(job.LastError)
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, topic = $2, payload_ref = $3, attempts = $4, claimed_at = $5, claimed_by = $6,
		    posted_at = $7, scheduled_for = $8, last_error_kind = $9, last_error_message = $10
		WHERE id = $11 AND status = $12
	`, string(job.Status), job.Topic, job.PayloadRef, job.Attempts, job.ClaimedAt, job.ClaimedBy,
		job.PostedAt, job.ScheduledFor, errKind, errMsg, job.ID, string(expect))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if !exists {
			return fmt.Errorf("job %s: %w", job.ID, models.ErrJobNotFound)
		}
		return fmt.Errorf("job %s expected %s: %w", job.ID, expect, models.ErrStaleWrite)
	}
	if err := appendAuditPG(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(statusStrings(f.Statuses))+")")
	}
	if !f.DueBy.IsZero() {
		where = append(where, "scheduled_for <= "+arg(f.DueBy))
	}
	if !f.ClaimedBefore.IsZero() {
		where = append(where, "claimed_at IS NOT NULL AND claimed_at <= "+arg(f.ClaimedBefore))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := p.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Status]int, len(models.AllStatuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		st, err := models.ParseStatus(status)
		if err != nil {
			return nil, &models.CorruptionError{Path: "postgres", Err: err}
		}
		out[st] = int(n)
	}
	return out, rows.Err()
}

func appendAuditPG(ctx context.Context, tx pgx.Tx, event models.AuditLog) error {
	if event.Event == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, $4)
	`, event.JobID, event.Event, event.Detail, event.Recorded); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (p *Postgres) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := p.pool.Query(ctx, `SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Recorded = a.Recorded.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) scanHeartbeat(row pgx.Row) (models.Heartbeat, error) {
	var (
		hb                           models.Heartbeat
		kind                         string
		lastSuccess, recovery, escal *time.Time
	)
	if err := row.Scan(&kind, &hb.LastRunAt, &lastSuccess, &hb.ConsecutiveFailures, &hb.DryRun, &recovery, &escal); err != nil {
		return models.Heartbeat{}, err
	}
	k, err := models.ParseJobKind(kind)
	if err != nil {
		return models.Heartbeat{}, &models.CorruptionError{Path: "postgres", Err: err}
	}
	hb.JobKind = k
	hb.LastRunAt = hb.LastRunAt.UTC()
	hb.LastSuccessAt = utcPtr(lastSuccess)
	hb.RecoveryAt = utcPtr(recovery)
	hb.EscalatedAt = utcPtr(escal)
	return hb, nil
}

func (p *Postgres) GetHeartbeat(ctx context.Context, kind models.JobKind) (models.Heartbeat, error) {
	hb, err := p.scanHeartbeat(p.pool.QueryRow(ctx, `SELECT `+heartbeatColumns+` FROM heartbeats WHERE job_kind = $1`, string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Heartbeat{}, fmt.Errorf("heartbeat %s: %w", kind, models.ErrHeartbeatNotFound)
	}
	if err != nil {
		return models.Heartbeat{}, fmt.Errorf("scan heartbeat: %w", err)
	}
	return hb, nil
}

func (p *Postgres) PutHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO heartbeats (`+heartbeatColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_kind) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_success_at = EXCLUDED.last_success_at,
			consecutive_failures = EXCLUDED.consecutive_failures,
			dry_run = EXCLUDED.dry_run,
			recovery_at = EXCLUDED.recovery_at,
			escalated_at = EXCLUDED.escalated_at
	`, string(hb.JobKind), hb.LastRunAt, hb.LastSuccessAt, hb.ConsecutiveFailures, hb.DryRun, hb.RecoveryAt, hb.EscalatedAt)
	if err != nil {
		return fmt.Errorf("put heartbeat: %w", err)
	}
	return nil
}

func (p *Postgres) ListHeartbeats(ctx context.Context) ([]models.Heartbeat, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+heartbeatColumns+` FROM heartbeats ORDER BY job_kind`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()
	var out []models.Heartbeat
	for rows.Next() {
		hb, err := p.scanHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendRun(ctx context.Context, run models.HeartbeatRun, keep int) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO heartbeat_runs (job_kind, run_id, outcome, error, dry_run, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(run.JobKind), run.RunID, string(run.Outcome), run.Error, run.DryRun, run.Recorded); err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	if keep > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM heartbeat_runs
			WHERE job_kind = $1 AND id NOT IN (
				SELECT id FROM heartbeat_runs WHERE job_kind = $1 ORDER BY id DESC LIMIT $2
			)
		`, string(run.JobKind), keep); err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) ListRuns(ctx context.Context, kind models.JobKind, limit int) ([]models.HeartbeatRun, error) {
	q := `SELECT job_kind, run_id, outcome, error, dry_run, recorded_at FROM heartbeat_runs WHERE job_kind = $1 ORDER BY id DESC`
	args := []any{string(kind)}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []models.HeartbeatRun
	for rows.Next() {
		var (
			r          models.HeartbeatRun
			k, outcome string
		)
		if err := rows.Scan(&k, &r.RunID, &outcome, &r.Error, &r.DryRun, &r.Recorded); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.JobKind = models.JobKind(k)
		r.Outcome = models.RunOutcome(outcome)
		r.Recorded = r.Recorded.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertDiscrepancy(ctx context.Context, rec models.DiscrepancyRecord) error {
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO discrepancies (observed_at, platform, internal_count, external_count, delta)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ObservedAt, rec.Platform, rec.InternalCount, rec.ExternalCount, rec.Delta); err != nil {
		return fmt.Errorf("insert discrepancy: %w", err)
	}
	return nil
}

func (p *Postgres) ListDiscrepancies(ctx context.Context, limit int) ([]models.DiscrepancyRecord, error) {
	q := `SELECT observed_at, platform, internal_count, external_count, delta FROM discrepancies ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()
	var out []models.DiscrepancyRecord
	for rows.Next() {
		var d models.DiscrepancyRecord
		if err := rows.Scan(&d.ObservedAt, &d.Platform, &d.InternalCount, &d.ExternalCount, &d.Delta); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		d.ObservedAt = d.ObservedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func errorText(e *models.JobError) (pgtype.Text, pgtype.Text) {
	if e == nil {
		return pgtype.Text{}, pgtype.Text{}
	}
	return pgtype.Text{String: string(e.Kind), Valid: true}, pgtype.Text{String: e.Message, Valid: true}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
