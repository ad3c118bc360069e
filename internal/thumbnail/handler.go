// Package thumbnail composes signing, extraction and storage into the
// end-to-end thumbnail job: fetch the media record, wait for its duration,
// extract a representative frame, upload it, persist the reference and
// notify listeners.
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coursekit/thumbnail-worker/internal/bus"
	"github.com/coursekit/thumbnail-worker/internal/dispatch"
	"github.com/coursekit/thumbnail-worker/internal/img"
	"github.com/coursekit/thumbnail-worker/internal/media"
	"github.com/coursekit/thumbnail-worker/internal/signing"
	"github.com/coursekit/thumbnail-worker/pkg/schema"
)

// JobType is the dispatcher job type this handler is registered under.
const JobType = "generate-thumbnail"

// ErrDurationUnavailable reports that the duration-detection pipeline has
// not yet populated the record, even after the bounded wait.
var ErrDurationUnavailable = errors.New("media duration not available")

// MediaStore is the slice of the media store the handler needs.
type MediaStore interface {
	GetByID(ctx context.Context, id string) (*media.Media, error)
	UpdateThumbnail(ctx context.Context, id, ref string) error
}

// Uploader stores a byte buffer and returns its private reference.
type Uploader interface {
	Upload(ctx context.Context, data []byte, fileName string) (string, error)
}

// FrameExtractor produces a temporary still-frame file from a video URL.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, videoURL string, duration float64) (string, error)
}

// Broadcaster pushes completion notifications to the live-update relay.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg schema.BroadcastMessage) error
}

// ProgressReporter posts intermediate progress for a running job.
type ProgressReporter interface {
	UpdateStatus(ctx context.Context, jobID string, progress int, status dispatch.Status, jobErr string) error
}

// Config tunes the duration wait and carries the signing material.
type Config struct {
	CDNBaseURL    string
	SigningSecret string

	// DurationWait and DurationRetries bound the wait for the duration
	// pipeline. The reference behavior is one retry after five seconds.
	DurationWait    time.Duration
	DurationRetries int

	EventSubject string
}

const (
	defaultDurationWait = 5 * time.Second
	defaultEventSubject = "media.thumbnail.done"
)

type Handler struct {
	store     MediaStore
	uploader  Uploader
	extractor FrameExtractor
	relay     Broadcaster
	reporter  ProgressReporter
	events    bus.Publisher
	logger    *slog.Logger
	cfg       Config
}

func NewHandler(store MediaStore, uploader Uploader, extractor FrameExtractor, relay Broadcaster, reporter ProgressReporter, events bus.Publisher, logger *slog.Logger, cfg Config) *Handler {
	if cfg.DurationWait <= 0 {
		cfg.DurationWait = defaultDurationWait
	}
	if cfg.DurationRetries <= 0 {
		cfg.DurationRetries = 1
	}
	if cfg.EventSubject == "" {
		cfg.EventSubject = defaultEventSubject
	}
	if events == nil {
		events = bus.Noop{}
	}
	return &Handler{
		store:     store,
		uploader:  uploader,
		extractor: extractor,
		relay:     relay,
		reporter:  reporter,
		events:    events,
		logger:    logger,
		cfg:       cfg,
	}
}

// Execute runs the full pipeline for one job. The temporary frame file is
// removed on every exit path once it exists.
func (h *Handler) Execute(ctx context.Context, job dispatch.Job) error {
	logger := h.logger.With("job_id", job.ID, "media_id", job.MediaID)
	start := time.Now()

	rec, err := h.store.GetByID(ctx, job.MediaID)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}

	rec, err = h.awaitDuration(ctx, rec, logger)
	if err != nil {
		return err
	}

	videoURL, err := h.resolveVideoURL(rec)
	if err != nil {
		return err
	}

	h.reportProgress(ctx, job.ID, 25)
	framePath, err := h.extractor.ExtractFrame(ctx, videoURL, rec.Duration)
	if err != nil {
		return fmt.Errorf("extract frame: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(framePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("remove temp frame failed", "path", framePath, "err", rmErr)
		}
	}()

	h.reportProgress(ctx, job.ID, 50)
	frame, err := os.ReadFile(framePath)
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	ref, err := h.uploader.Upload(ctx, frame, thumbnailFileName(job.MediaID))
	if err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}

	h.reportProgress(ctx, job.ID, 75)
	if err := h.store.UpdateThumbnail(ctx, job.MediaID, ref); err != nil {
		return fmt.Errorf("persist thumbnail: %w", err)
	}

	h.broadcast(ctx, rec, ref, logger)
	h.publishDone(job, ref, framePath, start, logger)

	logger.Info("thumbnail generated", "ref", ref, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// awaitDuration re-fetches the record a bounded number of times while the
// duration pipeline catches up.
func (h *Handler) awaitDuration(ctx context.Context, rec *media.Media, logger *slog.Logger) (*media.Media, error) {
	if rec.Duration > 0 {
		return rec, nil
	}

	for attempt := 0; attempt < h.cfg.DurationRetries; attempt++ {
		logger.Info("media duration not ready, waiting", "wait", h.cfg.DurationWait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.cfg.DurationWait):
		}

		refreshed, err := h.store.GetByID(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("re-fetch media: %w", err)
		}
		if refreshed.Duration > 0 {
			return refreshed, nil
		}
		rec = refreshed
	}
	return nil, fmt.Errorf("media %s: %w", rec.ID, ErrDurationUnavailable)
}

// resolveVideoURL returns a fetchable URL for the stored reference. Private
// references get a freshly signed URL; tokens are never reused.
func (h *Handler) resolveVideoURL(rec *media.Media) (string, error) {
	if !signing.IsPrivateRef(rec.URL) {
		return rec.URL, nil
	}
	_, path, err := signing.DecodePrivateRef(rec.URL)
	if err != nil {
		return "", fmt.Errorf("resolve video url: %w", err)
	}
	return signing.BuildSignedURL(h.cfg.CDNBaseURL, path, h.cfg.SigningSecret), nil
}

func (h *Handler) reportProgress(ctx context.Context, jobID string, progress int) {
	if err := h.reporter.UpdateStatus(ctx, jobID, progress, dispatch.StatusProcessing, ""); err != nil {
		h.logger.Error("progress update failed", "job_id", jobID, "progress", progress, "err", err)
	}
}

func (h *Handler) broadcast(ctx context.Context, rec *media.Media, ref string, logger *slog.Logger) {
	msg := schema.BroadcastMessage{
		Type: schema.BroadcastTypeThumbnailUpdated,
		Data: schema.ThumbnailUpdated{
			UserID:       rec.UserID,
			VideoID:      rec.ID,
			ThumbnailURL: ref,
			Timestamp:    time.Now().UnixMilli(),
		},
	}
	if err := h.relay.Broadcast(ctx, msg); err != nil {
		logger.Warn("broadcast failed", "err", err)
	}
}

func (h *Handler) publishDone(job dispatch.Job, ref, framePath string, start time.Time, logger *slog.Logger) {
	event := schema.ThumbnailGenerated{
		JobID:            job.ID,
		MediaID:          job.MediaID,
		ThumbnailRef:     ref,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		HappenedAt:       time.Now().Unix(),
	}
	if w, ht, err := img.ProbeFrame(framePath); err != nil {
		logger.Warn("probe frame failed", "err", err)
	} else {
		event.Width, event.Height = w, ht
	}
	if err := h.events.PublishJSON(h.cfg.EventSubject, event); err != nil {
		logger.Warn("publish result event failed", "subject", h.cfg.EventSubject, "err", err)
	}
}

func thumbnailFileName(mediaID string) string {
	return "thumbnails/" + mediaID + ".jpg"
}
