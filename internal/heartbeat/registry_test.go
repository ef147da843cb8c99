package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"content-pipeline/internal/lock"
	"content-pipeline/internal/logger"
	"content-pipeline/internal/models"
	"content-pipeline/internal/pipelinetest"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, clock *pipelinetest.Clock, history int) (*Registry, *pipelinetest.Env) {
	t.Helper()
	env := pipelinetest.NewEnv(t, clock)
	opts := Options{Holder: "test", LeaseTTL: 10 * time.Second, Retry: lock.RetryPolicy{Attempts: 1}, HistoryLimit: history, Now: clock.Now}
	return New(env.Repo, env.Locks, opts, logger.Discard()), env
}

func TestTrackRecordsEntryAndExit(t *testing.T) {
	ctx := context.Background()
	clock := pipelinetest.NewClock(start)
	reg, _ := newRegistry(t, clock, 10)

	var seenRunID string
	err := reg.Track(ctx, models.KindDispatch, true, func(ctx context.Context) error {
		seenRunID = logger.RunIDFromContext(ctx)
		hb, err := reg.Get(ctx, models.KindDispatch)
		if err != nil {
			t.Fatalf("entry heartbeat missing: %v", err)
		}
		if !hb.LastRunAt.Equal(start) || !hb.DryRun {
			t.Errorf("unexpected entry heartbeat %+v", hb)
		}
		clock.Advance(time.Minute)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seenRunID == "" {
		t.Error("run id not propagated through context")
	}

	hb, _ := reg.Get(ctx, models.KindDispatch)
	if hb.LastSuccessAt == nil || !hb.LastSuccessAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("lastSuccessAt = %v", hb.LastSuccessAt)
	}
	runs, _ := reg.History(ctx, models.KindDispatch, 0)
	if len(runs) != 2 || runs[0].Outcome != models.OutcomeSucceeded || runs[1].Outcome != models.OutcomeStarted {
		t.Fatalf("unexpected history %+v", runs)
	}
	if runs[0].RunID != seenRunID || runs[1].RunID != seenRunID {
		t.Fatal("entry and exit rows should share the run id")
	}
}

func TestFailuresAccumulateAndSuccessResets(t *testing.T) {
	ctx := context.Background()
	clock := pipelinetest.NewClock(start)
	reg, _ := newRegistry(t, clock, 10)
	boom := errors.New("renderer down")

	for i := 0; i < 2; i++ {
		err := reg.Track(ctx, models.KindReplenish, false, func(context.Context) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("Track should return the run error, got %v", err)
		}
	}
	hb, _ := reg.Get(ctx, models.KindReplenish)
	if hb.ConsecutiveFailures != 2 || hb.LastSuccessAt != nil {
		t.Fatalf("unexpected %+v", hb)
	}
	runs, _ := reg.History(ctx, models.KindReplenish, 1)
	if runs[0].Error != "renderer down" {
		t.Fatalf("failure message not recorded: %+v", runs[0])
	}

	if err := reg.Track(ctx, models.KindReplenish, false, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	hb, _ = reg.Get(ctx, models.KindReplenish)
	if hb.ConsecutiveFailures != 0 {
		t.Fatalf("success should reset failures, got %d", hb.ConsecutiveFailures)
	}
}

func TestBusyRunIsSkippedNotFailed(t *testing.T) {
	ctx := context.Background()
	clock := pipelinetest.NewClock(start)
	reg, _ := newRegistry(t, clock, 10)
	busy := fmt.Errorf("acquire queue: %w", lock.ErrBusy)

	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		err := reg.Track(ctx, models.KindDispatch, false, func(context.Context) error { return busy })
		if !errors.Is(err, lock.ErrBusy) {
			t.Fatalf("Track should return the run error, got %v", err)
		}
	}
	hb, _ := reg.Get(ctx, models.KindDispatch)
	if hb.ConsecutiveFailures != 0 {
		t.Fatalf("busy runs counted as failures: %d", hb.ConsecutiveFailures)
	}
	if !hb.LastRunAt.Equal(start.Add(4 * time.Minute)) {
		t.Fatalf("lastRunAt = %v", hb.LastRunAt)
	}
	runs, _ := reg.History(ctx, models.KindDispatch, 1)
	if runs[0].Outcome != models.OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", runs[0].Outcome)
	}
}

func TestRecordRegistersNewKind(t *testing.T) {
	ctx := context.Background()
	clock := pipelinetest.NewClock(start)
	reg, _ := newRegistry(t, clock, 10)

	if _, err := reg.Get(ctx, models.KindVerify); !errors.Is(err, models.ErrHeartbeatNotFound) {
		t.Fatalf("fresh store: %v", err)
	}
	hb, err := reg.Record(ctx, models.KindVerify, models.OutcomeStarted, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if !hb.LastRunAt.Equal(start) || hb.ConsecutiveFailures != 0 || hb.LastSuccessAt != nil {
		t.Fatalf("unexpected %+v", hb)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	clock := pipelinetest.NewClock(start)
	reg, _ := newRegistry(t, clock, 4)

	for i := 0; i < 5; i++ {
		reg.Track(ctx, models.KindVerify, false, func(context.Context) error { return nil })
	}
	runs, _ := reg.History(ctx, models.KindVerify, 0)
	if len(runs) != 4 {
		t.Fatalf("history should keep 4 rows, got %d", len(runs))
	}
	hb, err := reg.Get(ctx, models.KindVerify)
	if err != nil || hb.JobKind != models.KindVerify {
		t.Fatalf("heartbeat itself must survive pruning: %v", err)
	}
}

func TestEscalateAndClear(t *testing.T) {
	ctx := context.Background()
	clock := pipelinetest.NewClock(start)
	reg, _ := newRegistry(t, clock, 10)

	if _, err := reg.Clear(ctx, models.KindDispatch); !errors.Is(err, models.ErrHeartbeatNotFound) {
		t.Fatalf("clear of unknown kind: want ErrHeartbeatNotFound, got %v", err)
	}
	reg.Record(ctx, models.KindDispatch, models.OutcomeFailed, "x", false)
	reg.MarkRecovery(ctx, models.KindDispatch)
	reg.RecordMiss(ctx, models.KindDispatch)
	hb, err := reg.Escalate(ctx, models.KindDispatch)
	if err != nil {
		t.Fatal(err)
	}
	if !hb.Suspended() || hb.ConsecutiveFailures != 2 || hb.RecoveryAt == nil {
		t.Fatalf("unexpected escalated record %+v", hb)
	}

	hb, err = reg.Clear(ctx, models.KindDispatch)
	if err != nil {
		t.Fatal(err)
	}
	if hb.Suspended() || hb.ConsecutiveFailures != 0 || hb.RecoveryAt != nil {
		t.Fatalf("clear did not reset %+v", hb)
	}
}

func TestBusyHeartbeatLease(t *testing.T) {
	ctx := context.Background()
	clock := pipelinetest.NewClock(start)
	reg, env := newRegistry(t, clock, 10)

	if _, ok, _ := env.Locks.Acquire(ctx, lock.ResourceHeartbeats, "someone-else", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}
	if _, err := reg.Record(ctx, models.KindDispatch, models.OutcomeSucceeded, "", false); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}
}
