package models

import (
	"fmt"
	"time"
)

// Status enumerates the lifecycle states persisted for a content job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
	StatusPosting    Status = "posting"
	StatusPosted     Status = "posted"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusClaimed,
	StatusGenerating,
	StatusReady,
	StatusPosting,
	StatusPosted,
	StatusFailed,
	StatusAbandoned,
}

// transitions is the directed lifecycle graph. Anything not listed is illegal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusClaimed},
	StatusClaimed:    {StatusGenerating, StatusFailed},
	StatusGenerating: {StatusReady, StatusFailed},
	StatusReady:      {StatusPosting},
	StatusPosting:    {StatusPosted, StatusFailed},
	StatusFailed:     {StatusPending, StatusAbandoned},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusAbandoned
}

// Held reports whether a job in this status is owned by a live holder.
func (s Status) Held() bool {
	return s == StatusClaimed || s == StatusGenerating || s == StatusPosting
}

// ParseStatus validates a persisted status string.
func ParseStatus(v string) (Status, error) {
	for _, s := range AllStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", v)
}

// ErrorKind tags the reason a job failed.
type ErrorKind string

const (
	ErrorTransient       ErrorKind = "transient"
	ErrorPlatformBlocked ErrorKind = "platform_blocked"
	ErrorDataCorruption  ErrorKind = "data_corruption"
)

// Retryable reports whether a failure of this kind may be retried automatically.
func (k ErrorKind) Retryable() bool {
	return k == ErrorTransient
}

// JobError is the kind-tagged last failure of a job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e JobError) String() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Job is one unit of content work persisted in the queue store.
type Job struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	Topic        string     `json:"topic,omitempty"`
	PayloadRef   string     `json:"payload_ref,omitempty"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	LastError    *JobError  `json:"last_error,omitempty"`
}

// Eligible reports whether the job may be claimed at now.
func (j Job) Eligible(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledFor.After(now)
}

// AuditLog is a single lifecycle event recorded for a job.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
