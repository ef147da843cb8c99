package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"

	"content-pipeline/internal/models"
)

const jobColumns = `id, status, topic, payload_ref, attempts, created_at, claimed_at, claimed_by, posted_at, scheduled_for, last_error_kind, last_error_message`

const heartbeatColumns = `job_kind, last_run_at, last_success_at, consecutive_failures, dry_run, recovery_at, escalated_at`

// schemaProbes select every column the code depends on; a file that passes
// the integrity check but lacks them is treated as corrupt.
var schemaProbes = []string{
	`SELECT ` + jobColumns + ` FROM jobs LIMIT 0`,
	`SELECT ` + heartbeatColumns + ` FROM heartbeats LIMIT 0`,
	`SELECT id, job_kind, run_id, outcome, error, dry_run, recorded_at FROM heartbeat_runs LIMIT 0`,
	`SELECT id, observed_at, platform, internal_count, external_count, delta FROM discrepancies LIMIT 0`,
	`SELECT id, job_id, event, detail, ts FROM audit_logs LIMIT 0`,
}

// SQLite is the default single-host Repository. Timestamps are stored as
// unix nanoseconds so they round-trip exactly.
type SQLite struct {
	db   *sql.DB
	path string

	mu        sync.Mutex
	preserved string
}

// OpenSQLite opens (or creates) the store at dsn. An existing file that fails
// the integrity or schema check is copied aside and reported as
// *models.CorruptionError; it is never reinitialised.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	path := dsn
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		path = dsn[:i]
	}
	existed := hasData(path)

	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, path: path}

	if existed {
		if err := s.integrityCheck(ctx); err != nil {
			db.Close()
			return nil, s.corrupt(err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		if existed {
			return nil, s.corrupt(err)
		}
		return nil, err
	}
	if err := s.checkSchema(ctx); err != nil {
		db.Close()
		return nil, s.corrupt(err)
	}
	return s, nil
}

// DB exposes the handle so the SQL lease backend can share the file.
func (s *SQLite) DB() *sql.DB { return s.db }

// Path returns the on-disk location of the store.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Close() error {
	return s.db.Close()
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func hasData(path string) bool {
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func (s *SQLite) integrityCheck(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("integrity check: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (s *SQLite) checkSchema(ctx context.Context) error {
	for _, probe := range schemaProbes {
		rows, err := s.db.QueryContext(ctx, probe)
		if err != nil {
			return fmt.Errorf("schema check: %w", err)
		}
		rows.Close()
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		var applied int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("exec migration %s: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.version, err)
		}
	}
	return nil
}

// corrupt copies the store file aside once and wraps cause as a CorruptionError.
func (s *SQLite) corrupt(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preserved == "" && hasData(s.path) {
		dst := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if err := copyFile(s.path, dst); err == nil {
			s.preserved = dst
		}
	}
	return &models.CorruptionError{Path: s.path, Preserved: s.preserved, Err: cause}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func errorColumns(e *models.JobError) (sql.NullString, sql.NullString) {
	if e == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(e.Kind), Valid: true}, sql.NullString{String: e.Message, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanJob(row rowScanner) (models.Job, error) {
	var (
		j                  models.Job
		status             string
		created, scheduled int64
		claimed, posted    sql.NullInt64
		errKind, errMsg    sql.NullString
	)
	if err := row.Scan(&j.ID, &status, &j.Topic, &j.PayloadRef, &j.Attempts, &created, &claimed, &j.ClaimedBy, &posted, &scheduled, &errKind, &errMsg); err != nil {
		return models.Job{}, err
	}
	st, err := models.ParseStatus(status)
	if err != nil {
		return models.Job{}, s.corrupt(fmt.Errorf("job %s: %w", j.ID, err))
	}
	j.Status = st
	j.CreatedAt = fromNanos(created)
	j.ScheduledFor = fromNanos(scheduled)
	j.ClaimedAt = timePtr(claimed)
	j.PostedAt = timePtr(posted)
	if errKind.Valid {
		j.LastError = &models.JobError{Kind: models.ErrorKind(errKind.String), Message: errMsg.String}
	}
	return j, nil
}

func (s *SQLite) InsertJob(ctx context.Context, job models.Job, event models.AuditLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	errKind, errMsg := errorColumns(job.LastError)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, job.ID, string(job.Status), job.Topic, job.PayloadRef, job.Attempts, nanos(job.CreatedAt),
		nullNanos(job.ClaimedAt), job.ClaimedBy, nullNanos(job.PostedAt), nanos(job.ScheduledFor), errKind, errMsg)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.DuplicateJobError{ID: job.ID}
	}
	if err := s.appendAudit(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := s.scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, job models.Job, expect models.Status, event models.AuditLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	errKind, errMsg := errorColumns(job.LastError)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, topic = ?, payload_ref = ?, attempts = ?, claimed_at = ?, claimed_by = ?,
		    posted_at = ?, scheduled_for = ?, last_error_kind = ?, last_error_message = ?
		WHERE id = ? AND status = ?
	`, string(job.Status), job.Topic, job.PayloadRef, job.Attempts, nullNanos(job.ClaimedAt), job.ClaimedBy,
		nullNanos(job.PostedAt), nanos(job.ScheduledFor), errKind, errMsg, job.ID, string(expect))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("job %s: %w", job.ID, models.ErrJobNotFound)
		}
		return fmt.Errorf("job %s expected %s: %w", job.ID, expect, models.ErrStaleWrite)
	}
	if err := s.appendAudit(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, st := range statusStrings(f.Statuses) {
			args = append(args, st)
		}
	}
	if !f.DueBy.IsZero() {
		where = append(where, "scheduled_for <= ?")
		args = append(args, nanos(f.DueBy))
	}
	if !f.ClaimedBefore.IsZero() {
		where = append(where, "claimed_at IS NOT NULL AND claimed_at <= ?")
		args = append(args, nanos(f.ClaimedBefore))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Status]int, len(models.AllStatuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		st, err := models.ParseStatus(status)
		if err != nil {
			return nil, s.corrupt(err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *SQLite) appendAudit(ctx context.Context, tx *sql.Tx, event models.AuditLog) error {
	if event.Event == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, ?, ?, ?)
	`, event.JobID, event.Event, event.Detail, nanos(event.Recorded)); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *SQLite) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var (
			a  models.AuditLog
			ts int64
		)
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Recorded = fromNanos(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) scanHeartbeat(row rowScanner) (models.Heartbeat, error) {
	var (
		hb                           models.Heartbeat
		kind                         string
		lastRun                      int64
		lastSuccess, recovery, escal sql.NullInt64
	)
	if err := row.Scan(&kind, &lastRun, &lastSuccess, &hb.ConsecutiveFailures, &hb.DryRun, &recovery, &escal); err != nil {
		return models.Heartbeat{}, err
	}
	k, err := models.ParseJobKind(kind)
	if err != nil {
		return models.Heartbeat{}, s.corrupt(err)
	}
	hb.JobKind = k
	hb.LastRunAt = fromNanos(lastRun)
	hb.LastSuccessAt = timePtr(lastSuccess)
	hb.RecoveryAt = timePtr(recovery)
	hb.EscalatedAt = timePtr(escal)
	return hb, nil
}

func (s *SQLite) GetHeartbeat(ctx context.Context, kind models.JobKind) (models.Heartbeat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+heartbeatColumns+` FROM heartbeats WHERE job_kind = ?`, string(kind))
	hb, err := s.scanHeartbeat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Heartbeat{}, fmt.Errorf("heartbeat %s: %w", kind, models.ErrHeartbeatNotFound)
	}
	if err != nil {
		return models.Heartbeat{}, fmt.Errorf("scan heartbeat: %w", err)
	}
	return hb, nil
}

func (s *SQLite) PutHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (`+heartbeatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_kind) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_success_at = excluded.last_success_at,
			consecutive_failures = excluded.consecutive_failures,
			dry_run = excluded.dry_run,
			recovery_at = excluded.recovery_at,
			escalated_at = excluded.escalated_at
	`, string(hb.JobKind), nanos(hb.LastRunAt), nullNanos(hb.LastSuccessAt), hb.ConsecutiveFailures, hb.DryRun,
		nullNanos(hb.RecoveryAt), nullNanos(hb.EscalatedAt))
	if err != nil {
		return fmt.Errorf("put heartbeat: %w", err)
	}
	return nil
}

func (s *SQLite) ListHeartbeats(ctx context.Context) ([]models.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+heartbeatColumns+` FROM heartbeats ORDER BY job_kind`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()
	var out []models.Heartbeat
	for rows.Next() {
		hb, err := s.scanHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendRun(ctx context.Context, run models.HeartbeatRun, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO heartbeat_runs (job_kind, run_id, outcome, error, dry_run, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(run.JobKind), run.RunID, string(run.Outcome), run.Error, run.DryRun, nanos(run.Recorded)); err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM heartbeat_runs
			WHERE job_kind = ? AND id NOT IN (
				SELECT id FROM heartbeat_runs WHERE job_kind = ? ORDER BY id DESC LIMIT ?
			)
		`, string(run.JobKind), string(run.JobKind), keep); err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) ListRuns(ctx context.Context, kind models.JobKind, limit int) ([]models.HeartbeatRun, error) {
	q := `SELECT job_kind, run_id, outcome, error, dry_run, recorded_at FROM heartbeat_runs WHERE job_kind = ? ORDER BY id DESC`
	args := []any{string(kind)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []models.HeartbeatRun
	for rows.Next() {
		var (
			r          models.HeartbeatRun
			k, outcome string
			recorded   int64
		)
		if err := rows.Scan(&k, &r.RunID, &outcome, &r.Error, &r.DryRun, &recorded); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.JobKind = models.JobKind(k)
		r.Outcome = models.RunOutcome(outcome)
		r.Recorded = fromNanos(recorded)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertDiscrepancy(ctx context.Context, rec models.DiscrepancyRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO discrepancies (observed_at, platform, internal_count, external_count, delta)
		VALUES (?, ?, ?, ?, ?)
	`, nanos(rec.ObservedAt), rec.Platform, rec.InternalCount, rec.ExternalCount, rec.Delta); err != nil {
		return fmt.Errorf("insert discrepancy: %w", err)
	}
	return nil
}

func (s *SQLite) ListDiscrepancies(ctx context.Context, limit int) ([]models.DiscrepancyRecord, error) {
	q := `SELECT observed_at, platform, internal_count, external_count, delta FROM discrepancies ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()
	var out []models.DiscrepancyRecord
	for rows.Next() {
		var (
			d        models.DiscrepancyRecord
			observed int64
		)
		if err := rows.Scan(&observed, &d.Platform, &d.InternalCount, &d.ExternalCount, &d.Delta); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		d.ObservedAt = fromNanos(observed)
		out = append(out, d)
	}
	return out, rows.Err()
}
