// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
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
	"github.com/coursekit/thumbnail-worker/internal/worker"
)

type config struct {
	WorkerID      string
	WorkerType    string
	DispatcherURL string
	RelayURL      string
	NATSURL       string

	DatabaseURL string

	SigningSecret string
	CDNBaseURL    string

	StorageKeyID      string
	StorageAppKey     string
	StorageBucketID   string
	StorageAuthURL    string
	StorageMaxRetries int

	FFmpegPath string
	TempDir    string

	PollInterval    time.Duration
	JobTimeout      time.Duration
	DurationWait    time.Duration
	DurationRetries int
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("worker starting",
		"worker_id", cfg.WorkerID,
		"worker_type", cfg.WorkerType,
		"dispatcher_url", cfg.DispatcherURL,
		"poll_interval", cfg.PollInterval,
		"job_timeout", cfg.JobTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "connect to database", err)
	}
	defer pool.Close()
	store := media.NewStore(pool)
	logger.Info("connected to database")

	uploader, err := storage.New(storage.Config{
		KeyID:      cfg.StorageKeyID,
		AppKey:     cfg.StorageAppKey,
		BucketID:   cfg.StorageBucketID,
		AuthURL:    cfg.StorageAuthURL,
		MaxRetries: cfg.StorageMaxRetries,
	})
	if err != nil {
		fatal(logger, "build storage client", err)
	}

	extractor := extract.New(cfg.FFmpegPath, cfg.TempDir)
	dispatcher := dispatch.NewClient(cfg.DispatcherURL, cfg.WorkerID, cfg.WorkerType, nil)
	relayClient := relay.NewClient(cfg.RelayURL, nil)

	var events bus.Publisher = bus.Noop{}
	if cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
		defer nc.Close()
		events = nc
		logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	}

	handler := thumbnail.NewHandler(store, uploader, extractor, relayClient, dispatcher, events, logger, thumbnail.Config{
		CDNBaseURL:      cfg.CDNBaseURL,
		SigningSecret:   cfg.SigningSecret,
		DurationWait:    cfg.DurationWait,
		DurationRetries: cfg.DurationRetries,
	})

	runner := worker.NewRunner(dispatcher, events, logger, worker.Config{
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
		WorkerID:     cfg.WorkerID,
	})
	runner.Register(thumbnail.JobType, handler)

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, "worker stopped", err)
	}
	logger.Info("worker shut down")
}

func loadConfig() (config, error) {
	cfg := config{
		WorkerID:        getenv("WORKER_ID", "thumbnail-worker-"+uuid.NewString()[:8]),
		WorkerType:      getenv("WORKER_TYPE", "thumbnail"),
		DispatcherURL:   getenv("DISPATCHER_URL", "http://127.0.0.1:4400"),
		RelayURL:        getenv("RELAY_URL", "http://127.0.0.1:4500"),
		NATSURL:         getenv("NATS_URL", ""),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		SigningSecret:   getenv("SIGNING_SECRET", ""),
		CDNBaseURL:      getenv("CDN_BASE_URL", ""),
		StorageKeyID:    getenv("STORAGE_KEY_ID", ""),
		StorageAppKey:   getenv("STORAGE_APP_KEY", ""),
		StorageBucketID: getenv("STORAGE_BUCKET_ID", ""),
		StorageAuthURL:  getenv("STORAGE_AUTH_URL", ""),
		FFmpegPath:      getenv("FFMPEG_PATH", "ffmpeg"),
		TempDir:         getenv("WORKER_TMP_DIR", os.TempDir()),
	}

	// Required secrets fail here, before the polling loop ever starts.
	for _, required := range []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"SIGNING_SECRET", cfg.SigningSecret},
		{"CDN_BASE_URL", cfg.CDNBaseURL},
		{"STORAGE_KEY_ID", cfg.StorageKeyID},
		{"STORAGE_APP_KEY", cfg.StorageAppKey},
		{"STORAGE_BUCKET_ID", cfg.StorageBucketID},
	} {
		if required.value == "" {
			return config{}, fmt.Errorf("missing required environment variable %s", required.name)
		}
	}

	var err error
	if cfg.PollInterval, err = parseDuration(getenv("POLL_INTERVAL", "5s"), "POLL_INTERVAL"); err != nil {
		return config{}, err
	}
	if cfg.JobTimeout, err = parseDuration(getenv("JOB_TIMEOUT", "10m"), "JOB_TIMEOUT"); err != nil {
		return config{}, err
	}
	if cfg.DurationWait, err = parseDuration(getenv("DURATION_WAIT", "5s"), "DURATION_WAIT"); err != nil {
		return config{}, err
	}
	if cfg.DurationRetries, err = parsePositiveInt(getenv("DURATION_RETRIES", "1"), "DURATION_RETRIES"); err != nil {
		return config{}, err
	}
	if cfg.StorageMaxRetries, err = parsePositiveInt(getenv("STORAGE_MAX_RETRIES", "1"), "STORAGE_MAX_RETRIES"); err != nil {
		return config{}, err
	}

	return cfg, nil
}

func parseDuration(value, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func parsePositiveInt(value, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
