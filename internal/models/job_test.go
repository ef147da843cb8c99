package models

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusClaimed, true},
		{StatusClaimed, StatusGenerating, true},
		{StatusGenerating, StatusReady, true},
		{StatusReady, StatusPosting, true},
		{StatusPosting, StatusPosted, true},
		{StatusClaimed, StatusFailed, true},
		{StatusGenerating, StatusFailed, true},
		{StatusPosting, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusAbandoned, true},
		{StatusPending, StatusPosting, false},
		{StatusReady, StatusFailed, false},
		{StatusPosted, StatusPending, false},
		{StatusAbandoned, StatusPending, false},
		{StatusClaimed, StatusPosted, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.Terminal() {
			continue
		}
		for _, to := range AllStatuses {
			if CanTransition(s, to) {
				t.Fatalf("terminal status %s has edge to %s", s, to)
			}
		}
	}
}

func TestEligible(t *testing.T) {
	now := time.Now()
	job := Job{Status: StatusPending, ScheduledFor: now.Add(time.Minute)}
	if job.Eligible(now) {
		t.Fatal("future scheduled job should not be eligible")
	}
	job.ScheduledFor = now
	if !job.Eligible(now) {
		t.Fatal("job scheduled for now should be eligible")
	}
	job.Status = StatusFailed
	if job.Eligible(now) {
		t.Fatal("failed job should not be eligible")
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := ParseStatus("bogus"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if s, err := ParseStatus("posting"); err != nil || s != StatusPosting {
		t.Fatalf("ParseStatus(posting) = %s, %v", s, err)
	}
	if _, err := ParseJobKind("render"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if k, err := ParseJobKind("verify"); err != nil || k != KindVerify {
		t.Fatalf("ParseJobKind(verify) = %s, %v", k, err)
	}
	if o, err := ParseRunOutcome("skipped"); err != nil || o != OutcomeSkipped {
		t.Fatalf("ParseRunOutcome(skipped) = %s, %v", o, err)
	}
	if _, err := ParseRunOutcome("ok"); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	var err error = &IllegalTransitionError{ID: "j", From: StatusPending, To: StatusPosted}
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatal("IllegalTransitionError should match ErrIllegalTransition")
	}
	err = &NotClaimableError{ID: "j", Status: StatusFailed, Reason: "not pending"}
	if !errors.Is(err, ErrNotClaimable) {
		t.Fatal("NotClaimableError should match ErrNotClaimable")
	}
	inner := errors.New("bad header")
	err = &CorruptionError{Path: "q.db", Err: inner}
	if !errors.Is(err, ErrDataCorruption) || !errors.Is(err, inner) {
		t.Fatal("CorruptionError should match both sentinel and cause")
	}
}
