// Package main provides the machinist worker entry point: it consumes
// image-derivative jobs from the instant and standard queues.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iconicxs/relicxs-workers/internal/adapter/blob/s3"
	"github.com/iconicxs/relicxs-workers/internal/adapter/imaging"
	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/adapter/repo/postgres"
	"github.com/iconicxs/relicxs-workers/internal/app"
	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/pipeline/machinist"
	"github.com/iconicxs/relicxs-workers/internal/queue"
	"github.com/iconicxs/relicxs-workers/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg, "machinist")
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := queue.NewClient(cfg)
	if err != nil {
		slog.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	q := queue.New(rdb)

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	blob, err := s3.New(ctx, &cfg)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	versions := postgres.NewVersionRepo(pool)
	batches := postgres.NewBatchRepo(pool)
	webhook := app.NewWebhookNotifier(cfg.DLQWebhookURL)

	envelope := worker.NewEnvelope(q, versions, batches, notifier(webhook), worker.RetryConfig{
		MaxRetries:     uint64(cfg.RetryMax),
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		Jitter:         cfg.RetryJitter,
		MaxElapsedTime: cfg.MaxJobDuration(),
	})

	pipeline := &machinist.Pipeline{
		Cfg:      cfg,
		Blob:     blob,
		Versions: versions,
		Codec:    imaging.NewCodec(cfg),
		Exif:     imaging.NewExifTool(cfg.ExifTimeout()),
		DLQ:      envelope,
	}

	loop := &worker.Loop{
		Worker:   domain.WorkerMachinist,
		Queues:   queue.MachinistQueues(),
		Queue:    q,
		Envelope: envelope,
		Blocking: true,
		Handle: func(ctx domain.Context, job domain.Job, _ string) error {
			mj, ok := job.(domain.MachinistJob)
			if !ok {
				return domain.NewRoutingError("WRONG_WORKER", "non-machinist job on a machinist queue")
			}
			_, err := pipeline.Process(ctx, mj)
			return err
		},
	}

	slog.Info("machinist worker starting", slog.String("env", cfg.AppEnv))
	_ = loop.Run(ctx)
	slog.Info("machinist worker stopped")
}

// notifier keeps a typed nil out of the interface value.
func notifier(n *app.WebhookNotifier) domain.WebhookNotifier {
	if n == nil {
		return nil
	}
	return n
}
