package lock

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	_ "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	// extra hook so redis key TTLs move with the clock
	onAdvance func(time.Duration)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	if c.onAdvance != nil {
		c.onAdvance(d)
	}
}

type backend struct {
	name  string
	build func(t *testing.T, clock *fakeClock) Manager
}

func backends() []backend {
	bs := []backend{
		{name: "sqlite", build: func(t *testing.T, clock *fakeClock) Manager {
			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "locks.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			m, err := NewSQLManager(context.Background(), db, clock.Now)
			if err != nil {
				t.Fatalf("new sql manager: %v", err)
			}
			return m
		}},
		{name: "redis", build: func(t *testing.T, clock *fakeClock) Manager {
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatalf("miniredis: %v", err)
			}
			t.Cleanup(mr.Close)
			clock.onAdvance = mr.FastForward
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisManager(client, clock.Now)
		}},
	}
	if dsn := os.Getenv("PIPELINE_TEST_POSTGRES_DSN"); dsn != "" {
		bs = append(bs, backend{name: "postgres", build: func(t *testing.T, clock *fakeClock) Manager {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				t.Fatalf("connect postgres: %v", err)
			}
			t.Cleanup(pool.Close)
			m, err := NewPostgresManager(ctx, pool, clock.Now)
			if err != nil {
				t.Fatalf("new postgres manager: %v", err)
			}
			if _, err := pool.Exec(ctx, `DELETE FROM locks`); err != nil {
				t.Fatalf("reset locks: %v", err)
			}
			return m
		}})
	}
	return bs
}

func TestAcquireExclusive(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			m := b.build(t, clock)

			lease, ok, err := m.Acquire(ctx, ResourceQueue, "a", 10*time.Second)
			if err != nil || !ok {
				t.Fatalf("first acquire: ok=%v err=%v", ok, err)
			}
			if lease.Token == "" || lease.Holder != "a" {
				t.Fatalf("unexpected lease %+v", lease)
			}
			if _, ok, err := m.Acquire(ctx, ResourceQueue, "b", 10*time.Second); err != nil || ok {
				t.Fatalf("second acquire should be busy: ok=%v err=%v", ok, err)
			}
			held, found, err := m.Inspect(ctx, ResourceQueue)
			if err != nil || !found || held.Holder != "a" {
				t.Fatalf("inspect: %+v found=%v err=%v", held, found, err)
			}
		})
	}
}

func TestExpiredLeaseCanBeTakenOver(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			m := b.build(t, clock)

			first, ok, _ := m.Acquire(ctx, ResourceQueue, "a", 5*time.Second)
			if !ok {
				t.Fatal("first acquire failed")
			}
			clock.Advance(6 * time.Second)

			second, ok, err := m.Acquire(ctx, ResourceQueue, "b", 5*time.Second)
			if err != nil || !ok {
				t.Fatalf("takeover after expiry: ok=%v err=%v", ok, err)
			}
			if _, err := m.Renew(ctx, first, 5*time.Second); !errors.Is(err, ErrLeaseExpired) {
				t.Fatalf("renew of lapsed lease: want ErrLeaseExpired, got %v", err)
			}
			// releasing the stale lease must not drop the new holder's lease
			if err := m.Release(ctx, first); err != nil {
				t.Fatalf("release stale: %v", err)
			}
			held, found, _ := m.Inspect(ctx, ResourceQueue)
			if !found || held.Token != second.Token {
				t.Fatalf("new holder lost lease: %+v found=%v", held, found)
			}
		})
	}
}

func TestRenewBlocksOthers(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			m := b.build(t, clock)

			lease, _, _ := m.Acquire(ctx, ResourceHeartbeats, "a", 2*time.Second)
			clock.Advance(time.Second)
			lease, err := m.Renew(ctx, lease, 10*time.Second)
			if err != nil {
				t.Fatalf("renew: %v", err)
			}
			clock.Advance(5 * time.Second)
			if _, ok, _ := m.Acquire(ctx, ResourceHeartbeats, "b", time.Second); ok {
				t.Fatal("renewed lease was taken before its new expiry")
			}
			clock.Advance(6 * time.Second)
			if _, ok, _ := m.Acquire(ctx, ResourceHeartbeats, "b", time.Second); !ok {
				t.Fatal("lease should be free after renewed expiry")
			}
			if lease.Remaining(clock.Now()) > 0 {
				t.Fatal("lease should report no time remaining")
			}
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			m := b.build(t, clock)

			lease, _, _ := m.Acquire(ctx, JobResource("j1"), "a", time.Minute)
			for i := 0; i < 2; i++ {
				if err := m.Release(ctx, lease); err != nil {
					t.Fatalf("release #%d: %v", i+1, err)
				}
			}
			if _, ok, _ := m.Acquire(ctx, JobResource("j1"), "b", time.Minute); !ok {
				t.Fatal("released lease should be acquirable")
			}
		})
	}
}

func TestAcquireWithRetryGivesUp(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := backends()[0].build(t, clock)

	if _, ok, _ := m.Acquire(ctx, ResourceQueue, "a", time.Hour); !ok {
		t.Fatal("setup acquire failed")
	}
	_, err := AcquireWithRetry(ctx, m, ResourceQueue, "b", time.Minute, RetryPolicy{Attempts: 3, Wait: time.Millisecond})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}
}
