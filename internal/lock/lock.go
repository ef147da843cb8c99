// Package lock grants exclusive, expiring leases over named shared resources.
// A lease whose TTL has elapsed is logically absent and may be taken by anyone,
// so a crashed holder can never deadlock the pipeline.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"content-pipeline/internal/models"
)

// Well-known resources.
const (
	ResourceQueue      = "queue"
	ResourceHeartbeats = "heartbeats"
)

// JobResource names the per-job holder lease.
func JobResource(jobID string) string {
	return "job:" + jobID
}

var (
	// ErrBusy is a control-flow signal: someone else holds the lease, back off.
	ErrBusy = errors.New("lease busy")
	// ErrLeaseExpired means the caller no longer holds the lease and must
	// re-read state before mutating anything.
	ErrLeaseExpired = errors.New("lease expired")
)

// Lease is a held, time-bounded claim over a resource. Token fences
// re-acquisitions by the same holder name.
type Lease struct {
	Resource   string
	Holder     string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Remaining returns how long the lease is still valid at now.
func (l Lease) Remaining(now time.Time) time.Duration {
	return l.ExpiresAt.Sub(now)
}

// Record converts the lease to its persisted form.
func (l Lease) Record() models.Lock {
	return models.Lock{
		Resource:   l.Resource,
		Holder:     l.Holder,
		Token:      l.Token,
		AcquiredAt: l.AcquiredAt,
		ExpiresAt:  l.ExpiresAt,
	}
}

// Manager is the lease capability. Implementations must never block waiting
// for a lease: Acquire reports busy with ok=false and lets the caller decide.
type Manager interface {
	// Acquire takes the lease if no unexpired lease exists for resource.
	Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (Lease, bool, error)
	// Renew extends a held lease to now+ttl. It returns ErrLeaseExpired when
	// the lease lapsed or was taken over.
	Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	// Release drops the lease if the caller still holds it. Idempotent.
	Release(ctx context.Context, lease Lease) error
	// Inspect returns the current unexpired lock on resource, if any.
	Inspect(ctx context.Context, resource string) (models.Lock, bool, error)
}

// RetryPolicy bounds lease polling.
type RetryPolicy struct {
	Attempts int
	Wait     time.Duration
}

// AcquireWithRetry polls Acquire up to policy.Attempts times, sleeping
// policy.Wait between tries. It returns ErrBusy once the attempts run out.
func AcquireWithRetry(ctx context.Context, m Manager, resource, holder string, ttl time.Duration, policy RetryPolicy) (Lease, error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		lease, ok, err := m.Acquire(ctx, resource, holder, ttl)
		if err != nil {
			return Lease{}, fmt.Errorf("acquire %s: %w", resource, err)
		}
		if ok {
			return lease, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-time.After(policy.Wait):
		}
	}
	return Lease{}, fmt.Errorf("acquire %s after %d attempts: %w", resource, attempts, ErrBusy)
}

func newToken() string {
	return uuid.NewString()
}

func nowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
