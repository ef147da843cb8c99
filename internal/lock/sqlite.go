package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"content-pipeline/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS locks (
	resource    TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	token       TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
)`

// SQLManager stores leases in the same SQLite file as the queue. Acquisition
// is a single conditional upsert so two processes can never both win.
type SQLManager struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLManager builds a lease manager on an open SQLite handle and ensures
// the locks table exists.
func NewSQLManager(ctx context.Context, db *sql.DB, now func() time.Time) (*SQLManager, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create locks table: %w", err)
	}
	return &SQLManager{db: db, now: nowFunc(now)}, nil
}

// Acquire implements Manager.
func (m *SQLManager) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (Lease, bool, error) {
	now := m.now()
	lease := Lease{
		Resource:   resource,
		Holder:     holder,
		Token:      newToken(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO locks (resource, holder, token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET
			holder = excluded.holder,
			token = excluded.token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`, resource, holder, lease.Token, now.UnixMilli(), lease.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Lease{}, false, fmt.Errorf("sqlite acquire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, false, fmt.Errorf("sqlite acquire rows: %w", err)
	}
	if n == 0 {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

// Renew implements Manager.
func (m *SQLManager) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	now := m.now()
	expires := now.Add(ttl)
	res, err := m.db.ExecContext(ctx, `
		UPDATE locks SET expires_at = ?
		WHERE resource = ? AND token = ? AND expires_at > ?
	`, expires.UnixMilli(), lease.Resource, lease.Token, now.UnixMilli())
	if err != nil {
		return Lease{}, fmt.Errorf("sqlite renew: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("sqlite renew rows: %w", err)
	}
	if n == 0 {
		return Lease{}, ErrLeaseExpired
	}
	lease.ExpiresAt = expires
	return lease, nil
}

// Release implements Manager.
func (m *SQLManager) Release(ctx context.Context, lease Lease) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM locks WHERE resource = ? AND token = ?`, lease.Resource, lease.Token); err != nil {
		return fmt.Errorf("sqlite release: %w", err)
	}
	return nil
}

// Inspect implements Manager.
func (m *SQLManager) Inspect(ctx context.Context, resource string) (models.Lock, bool, error) {
	var (
		l                 models.Lock
		acquired, expires int64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT resource, holder, token, acquired_at, expires_at FROM locks
		WHERE resource = ? AND expires_at > ?
	`, resource, m.now().UnixMilli()).Scan(&l.Resource, &l.Holder, &l.Token, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Lock{}, false, nil
	}
	if err != nil {
		return models.Lock{}, false, fmt.Errorf("sqlite inspect: %w", err)
	}
	l.AcquiredAt = time.UnixMilli(acquired)
	l.ExpiresAt = time.UnixMilli(expires)
	return l, true, nil
}
