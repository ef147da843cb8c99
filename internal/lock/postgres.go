package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-pipeline/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS locks (
	resource    TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	token       TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
)`

// PostgresManager is the pgx flavour of SQLManager for shared deployments.
type PostgresManager struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresManager ensures the locks table and returns a manager on pool.
func NewPostgresManager(ctx context.Context, pool *pgxpool.Pool, now func() time.Time) (*PostgresManager, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create locks table: %w", err)
	}
	return &PostgresManager{pool: pool, now: nowFunc(now)}, nil
}

// Acquire implements Manager.
func (m *PostgresManager) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (Lease, bool, error) {
	now := m.now().UTC()
	lease := Lease{
		Resource:   resource,
		Holder:     holder,
		Token:      newToken(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	tag, err := m.pool.Exec(ctx, `
		INSERT INTO locks (resource, holder, token, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource) DO UPDATE SET
			holder = EXCLUDED.holder,
			token = EXCLUDED.token,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at <= $4
	`, resource, holder, lease.Token, now, lease.ExpiresAt)
	if err != nil {
		return Lease{}, false, fmt.Errorf("postgres acquire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

// Renew implements Manager.
func (m *PostgresManager) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	now := m.now().UTC()
	expires := now.Add(ttl)
	tag, err := m.pool.Exec(ctx, `
		UPDATE locks SET expires_at = $1
		WHERE resource = $2 AND token = $3 AND expires_at > $4
	`, expires, lease.Resource, lease.Token, now)
	if err != nil {
		return Lease{}, fmt.Errorf("postgres renew: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Lease{}, ErrLeaseExpired
	}
	lease.ExpiresAt = expires
	return lease, nil
}

// Release implements Manager.
func (m *PostgresManager) Release(ctx context.Context, lease Lease) error {
	if _, err := m.pool.Exec(ctx, `DELETE FROM locks WHERE resource = $1 AND token = $2`, lease.Resource, lease.Token); err != nil {
		return fmt.Errorf("postgres release: %w", err)
	}
	return nil
}

// Inspect implements Manager.
func (m *PostgresManager) Inspect(ctx context.Context, resource string) (models.Lock, bool, error) {
	var l models.Lock
	err := m.pool.QueryRow(ctx, `
		SELECT resource, holder, token, acquired_at, expires_at FROM locks
		WHERE resource = $1 AND expires_at > $2
	`, resource, m.now().UTC()).Scan(&l.Resource, &l.Holder, &l.Token, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lock{}, false, nil
	}
	if err != nil {
		return models.Lock{}, false, fmt.Errorf("postgres inspect: %w", err)
	}
	return l, true, nil
}
