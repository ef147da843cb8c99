package models

import (
	"fmt"
	"time"
)

// JobKind identifies a category of recurring cron job. The set is closed;
// each kind is bound to a runner when the process starts.
type JobKind string

const (
	KindReplenish JobKind = "replenish"
	KindDispatch  JobKind = "dispatch"
	KindVerify    JobKind = "verify"
)

// AllKinds lists every known job kind.
var AllKinds = []JobKind{KindReplenish, KindDispatch, KindVerify}

// ParseJobKind rejects names outside the closed set.
func ParseJobKind(v string) (JobKind, error) {
	for _, k := range AllKinds {
		if string(k) == v {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown job kind %q", v)
}

// Heartbeat is the liveness record of a job kind.
type Heartbeat struct {
	JobKind             JobKind    `json:"job_kind"`
	LastRunAt           time.Time  `json:"last_run_at"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DryRun              bool       `json:"dry_run"`
	RecoveryAt          *time.Time `json:"recovery_at,omitempty"`
	EscalatedAt         *time.Time `json:"escalated_at,omitempty"`
}

// Suspended reports whether automatic recovery is disabled for the kind.
func (h Heartbeat) Suspended() bool {
	return h.EscalatedAt != nil
}

// RunOutcome is the result recorded for one invocation of a job kind.
type RunOutcome string

const (
	OutcomeStarted   RunOutcome = "started"
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeFailed    RunOutcome = "failed"
	// OutcomeSkipped is a run that yielded to another holder of a shared lease.
	OutcomeSkipped RunOutcome = "skipped"
)

// ParseRunOutcome rejects names outside the known outcomes.
func ParseRunOutcome(v string) (RunOutcome, error) {
	switch o := RunOutcome(v); o {
	case OutcomeStarted, OutcomeSucceeded, OutcomeFailed, OutcomeSkipped:
		return o, nil
	}
	return "", fmt.Errorf("unknown run outcome %q", v)
}

// HeartbeatRun is one entry of the bounded per-kind run history.
type HeartbeatRun struct {
	JobKind  JobKind    `json:"job_kind"`
	RunID    string     `json:"run_id"`
	Outcome  RunOutcome `json:"outcome"`
	Error    string     `json:"error,omitempty"`
	DryRun   bool       `json:"dry_run"`
	Recorded time.Time  `json:"recorded_at"`
}

// Lock is the persisted form of a lease over a named resource.
type Lock struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock is logically absent at now.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// DiscrepancyRecord captures a mismatch between internal and platform post counts.
type DiscrepancyRecord struct {
	ObservedAt    time.Time `json:"observed_at"`
	Platform      string    `json:"platform"`
	InternalCount int       `json:"internal_count"`
	ExternalCount int       `json:"external_count"`
	Delta         int       `json:"delta"`
}

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind names what triggered an alert.
type AlertKind string

const (
	AlertStale          AlertKind = "stale"
	AlertRecoveryFailed AlertKind = "recovery_failed"
	AlertEscalation     AlertKind = "escalation"
	AlertStuckJob       AlertKind = "stuck_job"
	AlertAbandoned      AlertKind = "abandoned"
	AlertPlatformBlock  AlertKind = "platform_blocked"
	AlertDiscrepancy    AlertKind = "discrepancy"
	AlertCorruption     AlertKind = "data_corruption"
)

// Alert is handed to the notifier; the core only decides when to send it.
type Alert struct {
	Kind     AlertKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Subject  string    `json:"subject"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}
