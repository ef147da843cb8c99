package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"content-pipeline/internal/backoff"
	"content-pipeline/internal/heartbeat"
	"content-pipeline/internal/lock"
	"content-pipeline/internal/logger"
	"content-pipeline/internal/models"
	"content-pipeline/internal/pipelinetest"
	"content-pipeline/internal/queue"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	env      *pipelinetest.Env
	clock    *pipelinetest.Clock
	alerts   *pipelinetest.Alerts
	queue    *queue.Store
	registry *heartbeat.Registry
	calls    map[models.JobKind]int
	results  map[models.JobKind]error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := pipelinetest.NewClock(start)
	env := pipelinetest.NewEnv(t, clock)
	alerts := &pipelinetest.Alerts{}
	retry := lock.RetryPolicy{Attempts: 1}
	q := queue.New(env.Repo, env.Locks, alerts, queue.Options{
		Holder:      "watchdog",
		MaxAttempts: 5,
		Backoff:     backoff.Policy{Base: time.Minute, Max: time.Hour, Rand: func() float64 { return 0 }},
		LeaseTTL:    time.Minute,
		Retry:       retry,
		Now:         clock.Now,
	}, logger.Discard())
	reg := heartbeat.New(env.Repo, env.Locks, heartbeat.Options{Holder: "watchdog", LeaseTTL: time.Minute, Retry: retry, HistoryLimit: 50, Now: clock.Now}, logger.Discard())
	return &harness{
		env: env, clock: clock, alerts: alerts, queue: q, registry: reg,
		calls:   map[models.JobKind]int{},
		results: map[models.JobKind]error{},
	}
}

func (h *harness) watchdog(kinds map[models.JobKind]Expectation) *Watchdog {
	runners := map[models.JobKind]heartbeat.Runner{}
	for _, k := range models.AllKinds {
		k := k
		runners[k] = heartbeat.RunnerFunc(func(context.Context) error {
			h.calls[k]++
			return h.results[k]
		})
	}
	return New(h.queue, h.registry, h.env.Locks, h.alerts, kinds, runners, Options{
		FailureThreshold: 2,
		StuckGrace:       30 * time.Minute,
		LeaseTTL:         time.Minute,
		Now:              h.clock.Now,
	}, logger.Discard())
}

func hourly(blackout ...Window) map[models.JobKind]Expectation {
	return map[models.JobKind]Expectation{
		models.KindDispatch: {Enabled: true, Interval: time.Hour, Tolerance: 15 * time.Minute, Blackout: blackout},
	}
}

func (h *harness) seedHeartbeat(t *testing.T, hb models.Heartbeat) {
	t.Helper()
	if err := h.env.Repo.PutHeartbeat(context.Background(), hb); err != nil {
		t.Fatal(err)
	}
}

func TestScenarioStaleKindRecoversOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedHeartbeat(t, models.Heartbeat{JobKind: models.KindDispatch, LastRunAt: start.Add(-2 * time.Hour)})
	h.results[models.KindDispatch] = errors.New("poster still down")
	w := h.watchdog(hourly())

	rep, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Kinds[models.KindDispatch] != ActionRetryFail {
		t.Fatalf("action = %s", rep.Kinds[models.KindDispatch])
	}
	if h.calls[models.KindDispatch] != 1 {
		t.Fatalf("expected exactly one recovery invocation, got %d", h.calls[models.KindDispatch])
	}
	hb, _ := h.registry.Get(ctx, models.KindDispatch)
	if hb.ConsecutiveFailures != 1 || hb.RecoveryAt == nil {
		t.Fatalf("unexpected heartbeat after failed recovery %+v", hb)
	}

	// the recovery run refreshed lastRunAt, so the next pass leaves it alone
	h.clock.Advance(5 * time.Minute)
	rep, _ = w.RunOnce(ctx)
	if rep.Kinds[models.KindDispatch] != ActionHealthy || h.calls[models.KindDispatch] != 1 {
		t.Fatalf("second pass re-invoked: action=%s calls=%d", rep.Kinds[models.KindDispatch], h.calls[models.KindDispatch])
	}
}

func TestSuccessfulRecoveryResetsFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedHeartbeat(t, models.Heartbeat{JobKind: models.KindDispatch, LastRunAt: start.Add(-2 * time.Hour), ConsecutiveFailures: 1})
	w := h.watchdog(hourly())

	rep, _ := w.RunOnce(ctx)
	if rep.Kinds[models.KindDispatch] != ActionRecovered {
		t.Fatalf("action = %s", rep.Kinds[models.KindDispatch])
	}
	hb, _ := h.registry.Get(ctx, models.KindDispatch)
	if hb.ConsecutiveFailures != 0 || hb.RecoveryAt != nil || hb.LastSuccessAt == nil {
		t.Fatalf("unexpected %+v", hb)
	}
}

func TestWithinToleranceIsHealthy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedHeartbeat(t, models.Heartbeat{JobKind: models.KindDispatch, LastRunAt: start.Add(-75 * time.Minute)})
	w := h.watchdog(hourly())

	rep, _ := w.RunOnce(ctx)
	if rep.Kinds[models.KindDispatch] != ActionHealthy || h.calls[models.KindDispatch] != 0 {
		t.Fatalf("exactly at deadline should not be stale: %s", rep.Kinds[models.KindDispatch])
	}
}

func TestBlackoutSuppressesRecovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedHeartbeat(t, models.Heartbeat{JobKind: models.KindDispatch, LastRunAt: start.Add(-5 * time.Hour)})
	w := h.watchdog(hourly(Window{Start: 11 * 60, End: 13 * 60}))

	rep, _ := w.RunOnce(ctx)
	if rep.Kinds[models.KindDispatch] != ActionBlackout || h.calls[models.KindDispatch] != 0 {
		t.Fatalf("blackout ignored: action=%s calls=%d", rep.Kinds[models.KindDispatch], h.calls[models.KindDispatch])
	}
}

func TestMissedRecoveryCountsAndEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	recovery := start.Add(-30 * time.Minute)
	h.seedHeartbeat(t, models.Heartbeat{
		JobKind:             models.KindDispatch,
		LastRunAt:           start.Add(-3 * time.Hour),
		ConsecutiveFailures: 2,
		RecoveryAt:          &recovery,
	})
	w := h.watchdog(hourly())

	rep, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Kinds[models.KindDispatch] != ActionEscalated {
		t.Fatalf("action = %s", rep.Kinds[models.KindDispatch])
	}
	if h.calls[models.KindDispatch] != 0 {
		t.Fatal("escalated kind must not be re-invoked")
	}
	hb, _ := h.registry.Get(ctx, models.KindDispatch)
	if !hb.Suspended() || hb.ConsecutiveFailures != 3 {
		t.Fatalf("unexpected %+v", hb)
	}
	if kinds := h.alerts.Kinds(); len(kinds) != 1 || kinds[0] != models.AlertEscalation {
		t.Fatalf("alerts = %v", kinds)
	}

	h.clock.Advance(time.Hour)
	rep, _ = w.RunOnce(ctx)
	if rep.Kinds[models.KindDispatch] != ActionSuspended || len(h.alerts.All()) != 1 {
		t.Fatal("suspended kind should stay quiet until cleared")
	}

	if _, err := h.registry.Clear(ctx, models.KindDispatch); err != nil {
		t.Fatal(err)
	}
	rep, _ = w.RunOnce(ctx)
	if rep.Kinds[models.KindDispatch] != ActionRecovered || h.calls[models.KindDispatch] != 1 {
		t.Fatalf("cleared kind should recover: %s", rep.Kinds[models.KindDispatch])
	}
}

func TestMissedRecoveryBelowThresholdRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	recovery := start.Add(-30 * time.Minute)
	h.seedHeartbeat(t, models.Heartbeat{JobKind: models.KindDispatch, LastRunAt: start.Add(-3 * time.Hour), RecoveryAt: &recovery})
	w := h.watchdog(hourly())

	rep, _ := w.RunOnce(ctx)
	if rep.Kinds[models.KindDispatch] != ActionRecovered || h.calls[models.KindDispatch] != 1 {
		t.Fatalf("action=%s calls=%d", rep.Kinds[models.KindDispatch], h.calls[models.KindDispatch])
	}
	if kinds := h.alerts.Kinds(); len(kinds) != 1 || kinds[0] != models.AlertRecoveryFailed {
		t.Fatalf("alerts = %v", kinds)
	}
}

func TestNeverRunAndDisabledKindsAreSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.watchdog(hourly())

	rep, _ := w.RunOnce(ctx)
	if rep.Kinds[models.KindDispatch] != ActionNeverRun {
		t.Fatalf("dispatch: %s", rep.Kinds[models.KindDispatch])
	}
	if rep.Kinds[models.KindVerify] != ActionDisabled {
		t.Fatalf("verify: %s", rep.Kinds[models.KindVerify])
	}
	if len(h.calls) != 0 {
		t.Fatalf("nothing should run, got %v", h.calls)
	}
}

func TestStuckJobsReturnToPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.watchdog(nil)

	err := h.queue.Do(ctx, func(s *queue.Session) error {
		for _, id := range []string{"crashed", "alive", "fresh", "stranded"} {
			if _, err := s.Enqueue(ctx, models.Job{ID: id}); err != nil {
				return err
			}
		}
		s.Claim(ctx, "crashed", "P1")
		s.Advance(ctx, "crashed", models.StatusGenerating)
		s.Claim(ctx, "alive", "P2")
		s.Claim(ctx, "stranded", "P3")
		s.Advance(ctx, "stranded", models.StatusGenerating)
		_, err := s.Advance(ctx, "stranded", models.StatusReady, queue.WithPayloadRef("x.png"))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)
	if err := h.queue.Do(ctx, func(s *queue.Session) error {
		_, err := s.Claim(ctx, "fresh", "P4")
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.env.Locks.Acquire(ctx, lock.JobResource("alive"), "P2", time.Hour); !ok {
		t.Fatal("could not hold job lease for alive")
	}

	rep, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Requeued) != 1 || rep.Requeued[0] != "crashed" {
		t.Fatalf("requeued = %v", rep.Requeued)
	}
	if len(rep.Stranded) != 1 || rep.Stranded[0] != "stranded" {
		t.Fatalf("stranded = %v", rep.Stranded)
	}

	crashed, _ := h.queue.Get(ctx, "crashed")
	if crashed.Status != models.StatusPending || crashed.Attempts != 1 || crashed.LastError == nil || crashed.ClaimedAt != nil {
		t.Fatalf("crashed job not recovered through fail path: %+v", crashed)
	}
	audit, _ := h.queue.Audit(ctx, "crashed")
	last := audit[len(audit)-1].Event
	if audit[len(audit)-2].Event != "generating->failed" || last != "failed->pending" {
		t.Fatalf("unexpected audit tail %+v", audit[len(audit)-2:])
	}
	for id, want := range map[string]models.Status{"alive": models.StatusClaimed, "fresh": models.StatusClaimed, "stranded": models.StatusReady} {
		j, _ := h.queue.Get(ctx, id)
		if j.Status != want {
			t.Errorf("%s: status %s, want %s", id, j.Status, want)
		}
	}
}

func TestWindow(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 1, 1, h, m, 0, 0, time.UTC) }
	night, err := ParseWindow("23:00-06:00")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		w    Window
		t    time.Time
		want bool
	}{
		{night, at(23, 30), true},
		{night, at(2, 0), true},
		{night, at(6, 0), false},
		{night, at(12, 0), false},
		{Window{Start: 9 * 60, End: 17 * 60}, at(9, 0), true},
		{Window{Start: 9 * 60, End: 17 * 60}, at(17, 0), false},
	}
	for _, c := range cases {
		if got := c.w.Contains(c.t); got != c.want {
			t.Errorf("%+v contains %s = %v, want %v", c.w, c.t.Format("15:04"), got, c.want)
		}
	}
	for _, bad := range []string{"23:00", "25:00-01:00", "10:00-10:00"} {
		if _, err := ParseWindow(bad); err == nil {
			t.Errorf("ParseWindow(%q) should fail", bad)
		}
	}
}

func TestCronScheduleDeadline(t *testing.T) {
	sched, err := cronParser.Parse("0 */6 * * *")
	if err != nil {
		t.Fatal(err)
	}
	exp := Expectation{Schedule: sched, Tolerance: 10 * time.Minute}
	last := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	if want := time.Date(2026, 1, 1, 12, 10, 0, 0, time.UTC); !exp.Deadline(last).Equal(want) {
		t.Fatalf("deadline = %v, want %v", exp.Deadline(last), want)
	}
	if exp.Stale(last, time.Date(2026, 1, 1, 12, 10, 0, 0, time.UTC)) {
		t.Fatal("stale exactly at deadline")
	}
	if !exp.Stale(last, time.Date(2026, 1, 1, 12, 11, 0, 0, time.UTC)) {
		t.Fatal("should be stale past deadline")
	}
}
