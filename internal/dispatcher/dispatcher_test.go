package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"content-pipeline/internal/backoff"
	"content-pipeline/internal/lock"
	"content-pipeline/internal/logger"
	"content-pipeline/internal/models"
	"content-pipeline/internal/pipelinetest"
	"content-pipeline/internal/platform"
	"content-pipeline/internal/queue"
)

var start = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

type fakePlatform struct {
	drafts    []platform.Draft
	planned   []int
	renderErr error
	postErr   error
	posted    []models.Job
}

func (f *fakePlatform) Plan(_ context.Context, count int) ([]platform.Draft, error) {
	f.planned = append(f.planned, count)
	return f.drafts, nil
}

func (f *fakePlatform) Render(_ context.Context, job models.Job) (string, error) {
	if f.renderErr != nil {
		return "", f.renderErr
	}
	return job.ID + ".png", nil
}

func (f *fakePlatform) Post(_ context.Context, job models.Job) (platform.Result, error) {
	if f.postErr != nil {
		return platform.Result{}, f.postErr
	}
	f.posted = append(f.posted, job)
	return platform.Result{PostID: "post-" + job.ID}, nil
}

type fakeLimiter bool

func (l fakeLimiter) Take(context.Context, string) (bool, float64, error) { return bool(l), 0, nil }

type fakeChecker struct{ err error }

func (c fakeChecker) Check(context.Context, string) error { return c.err }

type fixture struct {
	env      *pipelinetest.Env
	alerts   *pipelinetest.Alerts
	queue    *queue.Store
	platform *fakePlatform
	collab   Collaborators
	opts     Options
	pauses   []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := pipelinetest.NewClock(start)
	env := pipelinetest.NewEnv(t, clock)
	alerts := &pipelinetest.Alerts{}
	q := queue.New(env.Repo, env.Locks, alerts, queue.Options{
		Holder:      "box-1",
		MaxAttempts: 3,
		Backoff:     backoff.Policy{Base: time.Minute, Max: time.Hour, Rand: func() float64 { return 0 }},
		LeaseTTL:    time.Minute,
		Retry:       lock.RetryPolicy{Attempts: 1},
		Now:         clock.Now,
	}, logger.Discard())
	fp := &fakePlatform{}
	f := &fixture{
		env:      env,
		alerts:   alerts,
		queue:    q,
		platform: fp,
		collab:   Collaborators{Planner: fp, Renderer: fp, Poster: fp},
		opts: Options{
			Holder:   "box-1",
			Platform: "pins",
			DelayMin: 10 * time.Second,
			DelayMax: 20 * time.Second,
			LeaseTTL: time.Minute,
		},
	}
	f.opts.Sleep = func(_ context.Context, d time.Duration) error {
		f.pauses = append(f.pauses, d)
		return nil
	}
	return f
}

func (f *fixture) dispatcher() *Dispatcher {
	return New(f.queue, f.env.Locks, f.collab, f.opts, logger.Discard())
}

func (f *fixture) enqueue(t *testing.T, ids ...string) {
	t.Helper()
	err := f.queue.Do(context.Background(), func(s *queue.Session) error {
		for _, id := range ids {
			if _, err := s.Enqueue(context.Background(), models.Job{ID: id, Topic: "topic " + id}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) job(t *testing.T, id string) models.Job {
	t.Helper()
	j, err := f.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestDispatchNextPostsOldestJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, "first")
	f.env.Clock.Advance(time.Second)
	f.enqueue(t, "second")

	out, err := f.dispatcher().DispatchNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.JobID != "first" || out.Status != models.StatusPosted || out.Post.PostID != "post-first" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	j := f.job(t, "first")
	if j.PayloadRef != "first.png" || j.PostedAt == nil {
		t.Fatalf("unexpected job %+v", j)
	}
	if len(f.platform.posted) != 1 || f.platform.posted[0].PayloadRef != "first.png" {
		t.Fatalf("poster saw %+v", f.platform.posted)
	}
	if len(f.pauses) != 1 || f.pauses[0] < 10*time.Second || f.pauses[0] > 20*time.Second {
		t.Fatalf("pause outside configured range: %v", f.pauses)
	}
	if f.job(t, "second").Status != models.StatusPending {
		t.Fatal("only one job per cycle")
	}
	if _, ok, _ := f.env.Locks.Acquire(ctx, lock.JobResource("first"), "other", time.Minute); !ok {
		t.Fatal("job lease should be released after the cycle")
	}
}

func TestDispatchNextFailureKinds(t *testing.T) {
	cases := []struct {
		name       string
		renderErr  error
		postErr    error
		checkErr   error
		wantStatus models.Status
		wantKind   models.ErrorKind
		wantAlert  bool
	}{
		{
			name:       "poster throttled",
			postErr:    &platform.Error{Op: "post", Status: http.StatusTooManyRequests, Kind: models.ErrorTransient, Err: errors.New("slow down")},
			wantStatus: models.StatusFailed,
			wantKind:   models.ErrorTransient,
		},
		{
			name:       "platform blocked",
			postErr:    &platform.Error{Op: "post", Status: http.StatusForbidden, Kind: models.ErrorPlatformBlocked, Err: errors.New("account locked")},
			wantStatus: models.StatusAbandoned,
			wantKind:   models.ErrorPlatformBlocked,
			wantAlert:  true,
		},
		{
			name:       "renderer down",
			renderErr:  errors.New("connection refused"),
			wantStatus: models.StatusFailed,
			wantKind:   models.ErrorTransient,
		},
		{
			name:       "bad artifact",
			checkErr:   errors.New("too small"),
			wantStatus: models.StatusFailed,
			wantKind:   models.ErrorTransient,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.platform.renderErr = tc.renderErr
			f.platform.postErr = tc.postErr
			if tc.checkErr != nil {
				f.collab.Checker = fakeChecker{err: tc.checkErr}
			}
			f.enqueue(t, "j")

			out, err := f.dispatcher().DispatchNext(context.Background())
			if err == nil {
				t.Fatal("expected the cycle to report failure")
			}
			if out.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", out.Status, tc.wantStatus)
			}
			j := f.job(t, "j")
			if j.Attempts != 1 || j.LastError == nil || j.LastError.Kind != tc.wantKind {
				t.Fatalf("unexpected job %+v", j)
			}
			if tc.wantStatus == models.StatusFailed && !j.ScheduledFor.Equal(start.Add(2*time.Minute)) {
				t.Fatalf("retry at %v, want base*2^1", j.ScheduledFor)
			}
			if got := len(f.alerts.All()) == 1; got != tc.wantAlert {
				t.Fatalf("alerts = %v", f.alerts.Kinds())
			}
			if len(f.platform.posted) != 0 {
				t.Fatal("nothing should have been posted")
			}
		})
	}
}

func TestDispatchNextRetriesAfterBackoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.platform.postErr = errors.New("timeout")
	f.enqueue(t, "j")
	d := f.dispatcher()
	if _, err := d.DispatchNext(ctx); err == nil {
		t.Fatal("expected failure")
	}

	f.platform.postErr = nil
	out, err := d.DispatchNext(ctx)
	if err != nil || out.Skipped != SkipIdle {
		t.Fatalf("job should wait out its backoff: %+v %v", out, err)
	}

	f.env.Clock.Advance(2 * time.Minute)
	out, err = d.DispatchNext(ctx)
	if err != nil || out.Status != models.StatusPosted {
		t.Fatalf("expected promoted job to post: %+v %v", out, err)
	}
	if f.job(t, "j").Attempts != 1 {
		t.Fatal("attempts must survive the retry")
	}
}

func TestDispatchNextSkips(t *testing.T) {
	ctx := context.Background()

	t.Run("idle", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.dispatcher().DispatchNext(ctx)
		if err != nil || out.Skipped != SkipIdle {
			t.Fatalf("%+v %v", out, err)
		}
	})

	t.Run("budget", func(t *testing.T) {
		f := newFixture(t)
		f.collab.Limiter = fakeLimiter(false)
		f.enqueue(t, "j")
		out, err := f.dispatcher().DispatchNext(ctx)
		if err != nil || out.Skipped != SkipBudget {
			t.Fatalf("%+v %v", out, err)
		}
		if f.job(t, "j").Status != models.StatusPending {
			t.Fatal("job must stay pending when the budget is spent")
		}
	})

	t.Run("dry run", func(t *testing.T) {
		f := newFixture(t)
		f.opts.DryRun = true
		f.enqueue(t, "j")
		out, err := f.dispatcher().DispatchNext(ctx)
		if err != nil || out.Skipped != SkipDryRun || out.JobID != "j" {
			t.Fatalf("%+v %v", out, err)
		}
		if f.job(t, "j").Status != models.StatusPending || len(f.platform.posted) != 0 {
			t.Fatal("dry run must not claim or post")
		}
	})
}

func TestMaybeReplenish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, "existing")
	f.platform.drafts = []platform.Draft{
		{Topic: "a"},
		{ID: "existing", Topic: "dup"},
		{ID: "fixed", Topic: "b"},
		{Topic: "overflow"},
	}
	d := f.dispatcher()

	added, err := d.MaybeReplenish(ctx, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.platform.planned) != 1 || f.platform.planned[0] != 3 {
		t.Fatalf("planned %v, want [3]", f.platform.planned)
	}
	if added != 2 {
		t.Fatalf("added %d, want 2 (duplicate skipped, overflow trimmed)", added)
	}
	if j := f.job(t, "fixed"); j.Status != models.StatusPending || j.Topic != "b" {
		t.Fatalf("unexpected %+v", j)
	}

	if added, _ := d.MaybeReplenish(ctx, 5, 5); added != 0 || len(f.platform.planned) != 1 {
		t.Fatal("a full backlog must not call the planner")
	}
}

func TestReplenishCountsPending(t *testing.T) {
	f := newFixture(t)
	f.opts.ReplenishThreshold = 3
	f.enqueue(t, "a")
	for i := 0; i < 5; i++ {
		f.platform.drafts = append(f.platform.drafts, platform.Draft{ID: fmt.Sprintf("d%d", i), Topic: "t"})
	}
	if err := f.dispatcher().Replenish(context.Background()); err != nil {
		t.Fatal(err)
	}
	counts, _ := f.queue.Counts(context.Background())
	if counts[models.StatusPending] != 3 {
		t.Fatalf("pending = %d, want 3", counts[models.StatusPending])
	}
}
