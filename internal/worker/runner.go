// Package worker drives the polling job lifecycle: request work on a fixed
// cadence, run the job-type handler, and report status transitions back to
// the dispatcher. It knows nothing about what individual job types do.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coursekit/thumbnail-worker/internal/bus"
	"github.com/coursekit/thumbnail-worker/internal/dispatch"
	"github.com/coursekit/thumbnail-worker/pkg/schema"
)

// Handler executes one job of a registered type. Returning an error marks
// the job failed with the error's message.
type Handler interface {
	Execute(ctx context.Context, job dispatch.Job) error
}

// Dispatcher is the slice of the dispatcher client the runner needs.
type Dispatcher interface {
	RequestJob(ctx context.Context) (*dispatch.Job, error)
	UpdateStatus(ctx context.Context, jobID string, progress int, status dispatch.Status, jobErr string) error
}

// Config tunes the polling cadence and the per-job deadline.
type Config struct {
	PollInterval time.Duration
	JobTimeout   time.Duration
	EventSubject string
	WorkerID     string
}

const (
	defaultPollInterval = 5 * time.Second
	defaultJobTimeout   = 10 * time.Minute
	defaultEventSubject = "media.jobs.lifecycle"
)

// Runner owns the poll loop and the in-flight guard. One Runner processes
// at most one job at a time; scale-out is running more worker processes.
type Runner struct {
	dispatcher Dispatcher
	events     bus.Publisher
	logger     *slog.Logger
	cfg        Config
	handlers   map[string]Handler

	mu      sync.Mutex
	current *dispatch.Job
}

func NewRunner(d Dispatcher, events bus.Publisher, logger *slog.Logger, cfg Config) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.EventSubject == "" {
		cfg.EventSubject = defaultEventSubject
	}
	if events == nil {
		events = bus.Noop{}
	}
	return &Runner{
		dispatcher: d,
		events:     events,
		logger:     logger,
		cfg:        cfg,
		handlers:   make(map[string]Handler),
	}
}

// Register installs the handler for a job type. Adding a job type is a
// registration, not a subclass.
func (r *Runner) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// Run polls the dispatcher until ctx is cancelled. Request failures are
// logged and swallowed; nothing short of cancellation stops the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker polling started", "interval", r.cfg.PollInterval, "worker_id", r.cfg.WorkerID)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if r.holding() {
		return
	}

	job, err := r.dispatcher.RequestJob(ctx)
	if err != nil {
		r.logger.Error("job request failed", "err", err)
		return
	}
	if job == nil {
		return
	}
	r.processJob(ctx, *job)
}

func (r *Runner) holding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// processJob owns a job from assignment to terminal status. The in-flight
// guard and the held job are cleared on every exit path.
func (r *Runner) processJob(ctx context.Context, job dispatch.Job) {
	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return
	}
	r.current = &job
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}()

	logger := r.logger.With("job_id", job.ID, "job_type", job.Type, "media_id", job.MediaID)
	logger.Info("processing job")
	start := time.Now()

	r.report(ctx, job.ID, 0, dispatch.StatusProcessing, "")
	r.publish(schema.StageStarted, job, "", start)

	err := r.execute(ctx, job)
	if err != nil {
		logger.Error("job failed", "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		r.report(ctx, job.ID, 0, dispatch.StatusFailed, err.Error())
		r.publish(schema.StageFailed, job, err.Error(), start)
		return
	}

	r.report(ctx, job.ID, 100, dispatch.StatusCompleted, "")
	r.publish(schema.StageCompleted, job, "", start)
	logger.Info("job completed", "elapsed_ms", time.Since(start).Milliseconds())
}

func (r *Runner) execute(ctx context.Context, job dispatch.Job) error {
	handler, ok := r.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()
	return handler.Execute(jobCtx, job)
}

// report posts one status tuple. Update failures are logged and swallowed:
// losing a report leaves the dispatcher stale but never stops the worker.
func (r *Runner) report(ctx context.Context, jobID string, progress int, status dispatch.Status, jobErr string) {
	if err := r.dispatcher.UpdateStatus(ctx, jobID, progress, status, jobErr); err != nil {
		r.logger.Error("status update failed", "job_id", jobID, "status", status, "err", err)
	}
}

func (r *Runner) publish(stage schema.ProcessingStage, job dispatch.Job, jobErr string, start time.Time) {
	event := schema.JobLifecycleEvent{
		JobID:      job.ID,
		JobType:    job.Type,
		MediaID:    job.MediaID,
		WorkerID:   r.cfg.WorkerID,
		Stage:      stage,
		Error:      jobErr,
		HappenedAt: time.Now().Unix(),
	}
	if stage != schema.StageStarted {
		event.ProcessingTimeMs = time.Since(start).Milliseconds()
	}
	if err := r.events.PublishJSON(r.cfg.EventSubject, event); err != nil {
		r.logger.Warn("publish lifecycle event failed", "subject", r.cfg.EventSubject, "stage", stage, "err", err)
	}
}
