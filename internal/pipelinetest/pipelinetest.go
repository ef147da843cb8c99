// Package pipelinetest provides fixtures shared by package tests: a
// controllable clock, a temp-file SQLite store with its lease manager, and a
// notifier that records alerts.
package pipelinetest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"content-pipeline/internal/lock"
	"content-pipeline/internal/models"
	"content-pipeline/internal/store"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Env is an on-disk store plus the SQL lease manager sharing its handle.
type Env struct {
	Repo  *store.SQLite
	Locks *lock.SQLManager
	Clock *Clock
}

// NewEnv opens a fresh store in t.TempDir(). A nil clock means wall time.
func NewEnv(t *testing.T, clock *Clock) *Env {
	t.Helper()
	ctx := context.Background()
	repo, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	var now func() time.Time
	if clock != nil {
		now = clock.Now
	}
	locks, err := lock.NewSQLManager(ctx, repo.DB(), now)
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	return &Env{Repo: repo, Locks: locks, Clock: clock}
}

// Alerts records every alert it is handed.
type Alerts struct {
	mu  sync.Mutex
	got []models.Alert
}

func (a *Alerts) Notify(_ context.Context, alert models.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, alert)
	return nil
}

// All returns a copy of the recorded alerts.
func (a *Alerts) All() []models.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Alert(nil), a.got...)
}

// Kinds returns the kinds of the recorded alerts in order.
func (a *Alerts) Kinds() []models.AlertKind {
	all := a.All()
	out := make([]models.AlertKind, len(all))
	for i, al := range all {
		out[i] = al.Kind
	}
	return out
}
