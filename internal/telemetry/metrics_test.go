package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesPipelineMetrics(t *testing.T) {
	Transitions.WithLabelValues("pending", "claimed").Inc()
	QueueDepth.WithLabelValues("pending").Set(4)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`pipeline_job_transitions_total{from="pending",to="claimed"}`,
		`pipeline_queue_jobs{status="pending"} 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestPushSendsToGateway(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	JobsEnqueued.Inc()
	if err := Push(context.Background(), srv.URL, "dispatch"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if gotPath != "/metrics/job/dispatch" {
		t.Fatalf("unexpected push path %q", gotPath)
	}
	if !strings.Contains(gotBody, "pipeline_jobs_enqueued_total") {
		t.Fatal("push body missing enqueue counter")
	}
}

func TestPushWithoutURLIsNoop(t *testing.T) {
	if err := Push(context.Background(), "", "dispatch"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
