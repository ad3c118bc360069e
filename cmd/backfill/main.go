// cmd/backfill/main.go
//
// Backfill regenerates thumbnails for media rows that have none, driving
// the same pipeline as the worker but without going through the dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/coursekit/thumbnail-worker/internal/bus"
	"github.com/coursekit/thumbnail-worker/internal/dispatch"
	"github.com/coursekit/thumbnail-worker/internal/extract"
	"github.com/coursekit/thumbnail-worker/internal/media"
	"github.com/coursekit/thumbnail-worker/internal/relay"
	"github.com/coursekit/thumbnail-worker/internal/storage"
	"github.com/coursekit/thumbnail-worker/internal/thumbnail"
	"github.com/coursekit/thumbnail-worker/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	limit := flag.Int("limit", 100, "maximum number of media rows to process")
	dryRun := flag.Bool("dry-run", false, "list candidates without generating thumbnails")
	flag.Parse()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		fatal(logger, "load config", fmt.Errorf("missing required environment variable DATABASE_URL"))
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		fatal(logger, "connect to database", err)
	}
	defer pool.Close()
	store := media.NewStore(pool)

	candidates, err := store.ListMissingThumbnails(ctx, *limit)
	if err != nil {
		fatal(logger, "list media missing thumbnails", err)
	}
	logger.Info("backfill starting", "candidates", len(candidates), "limit", *limit, "dry_run", *dryRun)

	if *dryRun {
		for _, m := range candidates {
			logger.Info("would generate thumbnail", "media_id", m.ID, "name", m.Name, "duration", m.Duration)
		}
		return
	}

	uploader, err := storage.New(storage.Config{
		KeyID:      os.Getenv("STORAGE_KEY_ID"),
		AppKey:     os.Getenv("STORAGE_APP_KEY"),
		BucketID:   os.Getenv("STORAGE_BUCKET_ID"),
		AuthURL:    os.Getenv("STORAGE_AUTH_URL"),
		MaxRetries: 1,
	})
	if err != nil {
		fatal(logger, "build storage client", err)
	}

	var broadcaster thumbnail.Broadcaster = noopBroadcaster{}
	if relayURL := os.Getenv("RELAY_URL"); relayURL != "" {
		broadcaster = relay.NewClient(relayURL, nil)
	}

	handler := thumbnail.NewHandler(
		store,
		uploader,
		extract.New(os.Getenv("FFMPEG_PATH"), os.Getenv("WORKER_TMP_DIR")),
		broadcaster,
		noopReporter{},
		bus.Noop{},
		logger,
		thumbnail.Config{
			CDNBaseURL:    os.Getenv("CDN_BASE_URL"),
			SigningSecret: os.Getenv("SIGNING_SECRET"),
		},
	)

	var processed, failed int
	start := time.Now()
	for _, m := range candidates {
		job := dispatch.Job{
			ID:      "backfill-" + uuid.NewString()[:8],
			Type:    thumbnail.JobType,
			MediaID: m.ID,
		}
		if err := handler.Execute(ctx, job); err != nil {
			logger.Error("backfill item failed", "media_id", m.ID, "err", err)
			failed++
			continue
		}
		processed++
	}

	logger.Info("backfill finished",
		"processed", processed,
		"failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if failed > 0 {
		os.Exit(1)
	}
}

// noopReporter satisfies the progress interface; backfill has no dispatcher
// to report to.
type noopReporter struct{}

func (noopReporter) UpdateStatus(context.Context, string, int, dispatch.Status, string) error {
	return nil
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(context.Context, schema.BroadcastMessage) error { return nil }

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
