// Package telemetry holds the pipeline's Prometheus collectors. Long-running
// processes expose them over HTTP; cron-invoked commands push them once.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Jobs added to the queue"})
	Transitions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_job_transitions_total", Help: "Job status transitions"}, []string{"from", "to"})
	JobFailures      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_job_failures_total", Help: "Job failures by error kind"}, []string{"kind"})
	JobsAbandoned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_abandoned_total", Help: "Jobs moved to abandoned"})
	Recoveries       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_watchdog_recoveries_total", Help: "Recovery invocations by job kind"}, []string{"job_kind"})
	Escalations      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_watchdog_escalations_total", Help: "Job kinds suspended after repeated failures"}, []string{"job_kind"})
	Discrepancies    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_discrepancies_total", Help: "Post count discrepancies beyond tolerance"})
	LockBusy         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_lock_busy_total", Help: "Lease acquisitions that found the resource held"}, []string{"resource"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Dispatch cycles skipped by the post budget"})
	AlertsSent       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_alerts_total", Help: "Alerts handed to notifiers"}, []string{"kind"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_jobs", Help: "Jobs per status"}, []string{"status"})
	HeartbeatAge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_heartbeat_age_seconds", Help: "Seconds since a job kind last ran"}, []string{"job_kind"})
)

func register() {
	once.Do(func() {
		registry.MustRegister(
			JobsEnqueued,
			Transitions,
			JobFailures,
			JobsAbandoned,
			Recoveries,
			Escalations,
			Discrepancies,
			LockBusy,
			RateLimitRejects,
			AlertsSent,
			QueueDepth,
			HeartbeatAge,
		)
	})
}

// Handler exposes /metrics over the pipeline registry.
func Handler() http.Handler {
	register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Push sends the current values to a Pushgateway under the given job name.
// Cron commands exit before any scrape could happen, so they push instead.
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	register()
	if err := push.New(url, job).Gatherer(registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
