package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coursekit/thumbnail-worker/internal/dispatch"
	"github.com/coursekit/thumbnail-worker/pkg/schema"
)

type statusRecord struct {
	jobID    string
	progress int
	status   dispatch.Status
	err      string
}

type fakeDispatcher struct {
	jobs       []*dispatch.Job
	requestErr []error
	requests   int
	statuses   []statusRecord
	updateErr  error
}

func (f *fakeDispatcher) RequestJob(ctx context.Context) (*dispatch.Job, error) {
	i := f.requests
	f.requests++
	if i < len(f.requestErr) && f.requestErr[i] != nil {
		return nil, f.requestErr[i]
	}
	if i < len(f.jobs) {
		return f.jobs[i], nil
	}
	return nil, nil
}

func (f *fakeDispatcher) UpdateStatus(ctx context.Context, jobID string, progress int, status dispatch.Status, jobErr string) error {
	f.statuses = append(f.statuses, statusRecord{jobID, progress, status, jobErr})
	return f.updateErr
}

type fakeHandler struct {
	calls []dispatch.Job
	err   error
}

func (f *fakeHandler) Execute(ctx context.Context, job dispatch.Job) error {
	f.calls = append(f.calls, job)
	return f.err
}

type recordingPublisher struct {
	events []schema.JobLifecycleEvent
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	if e, ok := v.(schema.JobLifecycleEvent); ok {
		p.events = append(p.events, e)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(d Dispatcher, pub *recordingPublisher) *Runner {
	r := NewRunner(d, nil, testLogger(), Config{WorkerID: "worker-1"})
	if pub != nil {
		r.events = pub
	}
	return r
}

func thumbnailJob(id string) *dispatch.Job {
	return &dispatch.Job{ID: id, Type: "generate-thumbnail", MediaID: "media-" + id}
}

func TestProcessJobSuccessStatusOrder(t *testing.T) {
	d := &fakeDispatcher{}
	h := &fakeHandler{}
	pub := &recordingPublisher{}
	r := newTestRunner(d, pub)
	r.Register("generate-thumbnail", h)

	r.processJob(context.Background(), *thumbnailJob("1"))

	if len(h.calls) != 1 {
		t.Fatalf("handler invoked %d times, want 1", len(h.calls))
	}
	want := []statusRecord{
		{"1", 0, dispatch.StatusProcessing, ""},
		{"1", 100, dispatch.StatusCompleted, ""},
	}
	if len(d.statuses) != len(want) {
		t.Fatalf("unexpected status reports: %+v", d.statuses)
	}
	for i, w := range want {
		if d.statuses[i] != w {
			t.Fatalf("status[%d] = %+v, want %+v", i, d.statuses[i], w)
		}
	}

	stages := []schema.ProcessingStage{schema.StageStarted, schema.StageCompleted}
	if len(pub.events) != 2 || pub.events[0].Stage != stages[0] || pub.events[1].Stage != stages[1] {
		t.Fatalf("unexpected lifecycle events: %+v", pub.events)
	}
	if pub.events[0].WorkerID != "worker-1" {
		t.Fatalf("worker id missing from event: %+v", pub.events[0])
	}
}

func TestProcessJobFailureReportsMessage(t *testing.T) {
	d := &fakeDispatcher{}
	h := &fakeHandler{err: errors.New("duration not available")}
	r := newTestRunner(d, nil)
	r.Register("generate-thumbnail", h)

	r.processJob(context.Background(), *thumbnailJob("2"))

	last := d.statuses[len(d.statuses)-1]
	if last.status != dispatch.StatusFailed || last.progress != 0 {
		t.Fatalf("unexpected terminal report: %+v", last)
	}
	if last.err != "duration not available" {
		t.Fatalf("error message not propagated: %q", last.err)
	}
}

func TestProcessJobUnknownTypeFails(t *testing.T) {
	d := &fakeDispatcher{}
	r := newTestRunner(d, nil)

	r.processJob(context.Background(), *thumbnailJob("3"))

	last := d.statuses[len(d.statuses)-1]
	if last.status != dispatch.StatusFailed {
		t.Fatalf("expected failed status for unknown job type, got %+v", last)
	}
}

func TestInFlightGuardClearedAfterFailure(t *testing.T) {
	d := &fakeDispatcher{}
	h := &fakeHandler{err: errors.New("boom")}
	r := newTestRunner(d, nil)
	r.Register("generate-thumbnail", h)

	r.processJob(context.Background(), *thumbnailJob("4"))
	if r.holding() {
		t.Fatal("in-flight guard not cleared after failure")
	}

	h.err = nil
	r.processJob(context.Background(), *thumbnailJob("5"))
	if len(h.calls) != 2 {
		t.Fatalf("second job not processed: %d calls", len(h.calls))
	}
}

func TestStatusUpdateFailureDoesNotAbortJob(t *testing.T) {
	d := &fakeDispatcher{updateErr: errors.New("dispatcher down")}
	h := &fakeHandler{}
	r := newTestRunner(d, nil)
	r.Register("generate-thumbnail", h)

	r.processJob(context.Background(), *thumbnailJob("6"))

	if len(h.calls) != 1 {
		t.Fatal("handler skipped because of status update failure")
	}
	if len(d.statuses) != 2 {
		t.Fatalf("expected both reports attempted, got %d", len(d.statuses))
	}
}

func TestRunSurvivesRequestFailures(t *testing.T) {
	d := &fakeDispatcher{
		requestErr: []error{errors.New("connection refused"), nil},
		jobs:       []*dispatch.Job{nil, thumbnailJob("7")},
	}
	h := &fakeHandler{}
	r := NewRunner(d, nil, testLogger(), Config{PollInterval: time.Millisecond, WorkerID: "worker-1"})
	r.Register("generate-thumbnail", h)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	if d.requests < 2 {
		t.Fatalf("loop stopped after request failure: %d requests", d.requests)
	}
	if len(h.calls) != 1 {
		t.Fatalf("job after failed request not processed: %d calls", len(h.calls))
	}
}

func TestExecuteRespectsJobTimeout(t *testing.T) {
	d := &fakeDispatcher{}
	r := NewRunner(d, nil, testLogger(), Config{JobTimeout: 10 * time.Millisecond})

	blocked := &blockingHandler{}
	r.Register("generate-thumbnail", blocked)

	r.processJob(context.Background(), *thumbnailJob("8"))

	last := d.statuses[len(d.statuses)-1]
	if last.status != dispatch.StatusFailed {
		t.Fatalf("expected timeout to fail the job, got %+v", last)
	}
}

type blockingHandler struct{}

func (blockingHandler) Execute(ctx context.Context, job dispatch.Job) error {
	<-ctx.Done()
	return fmt.Errorf("job timed out: %w", ctx.Err())
}
