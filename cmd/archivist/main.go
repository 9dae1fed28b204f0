// Package main provides the archivist worker entry point: it consumes
// AI-description jobs from the instant, standard and jobgroup queues and
// hosts the jobgroup poller, the stuck-jobgroup sweeper, and retention
// cleanup.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iconicxs/relicxs-workers/internal/adapter/blob/s3"
	"github.com/iconicxs/relicxs-workers/internal/adapter/imaging"
	"github.com/iconicxs/relicxs-workers/internal/adapter/model/openai"
	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/adapter/repo/postgres"
	"github.com/iconicxs/relicxs-workers/internal/app"
	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/jobgroup"
	"github.com/iconicxs/relicxs-workers/internal/pipeline/archivist"
	"github.com/iconicxs/relicxs-workers/internal/queue"
	"github.com/iconicxs/relicxs-workers/internal/worker"
)

// stuckDeadline is how long a jobgroup may sit non-terminal before the
// sweeper expires it.
const stuckDeadline = 48 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg, "archivist")
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
	descriptions := postgres.NewDescriptionRepo(pool)
	jobgroups := postgres.NewJobgroupRepo(pool)
	results := postgres.NewResultRepo(pool)
	assets := postgres.NewAssetRepo(pool)
	batches := postgres.NewBatchRepo(pool)

	model := openai.New(cfg)
	codec := imaging.NewCodec(cfg)
	webhook := app.NewWebhookNotifier(cfg.DLQWebhookURL)

	svc := &jobgroup.Service{
		Cfg:          cfg,
		Jobgroups:    jobgroups,
		Results:      results,
		Assets:       assets,
		Descriptions: descriptions,
		Model:        model,
		Blob:         blob,
		Codec:        codec,
		Queue:        q,
		Webhook:      notifier(webhook),
		Audit:        &jobgroup.Audit{Dir: cfg.AuditDir},
		Lock:         jobgroup.NewLock(rdb, cfg.JobgroupPollLockTTL()),
	}
	poller := jobgroup.NewPoller(svc)
	go poller.Run(ctx)

	cleanup := postgres.NewCleanupService(jobgroups, cfg.JobgroupRetentionDays)
	go cleanup.RunPeriodic(ctx, 24*time.Hour)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				svc.SweepStuck(ctx, time.Now().Add(-stuckDeadline))
			}
		}
	}()

	pipeline := &archivist.Pipeline{
		Cfg:          cfg,
		Blob:         blob,
		Codec:        codec,
		Model:        model,
		Descriptions: descriptions,
		Jobgroups:    svc,
	}

	envelope := worker.NewEnvelope(q, versions, batches, notifier(webhook), worker.RetryConfig{
		MaxRetries:     uint64(cfg.RetryMax),
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		Jitter:         cfg.RetryJitter,
		MaxElapsedTime: cfg.MaxJobDuration(),
	})

	loop := &worker.Loop{
		Worker:   domain.WorkerArchivist,
		Queues:   queue.ArchivistQueues(),
		Queue:    q,
		Envelope: envelope,
		Blocking: false,
		Handle: func(ctx domain.Context, job domain.Job, _ string) error {
			aj, ok := job.(domain.ArchivistJob)
			if !ok {
				return domain.NewRoutingError("WRONG_WORKER", "non-archivist job on an archivist queue")
			}
			return pipeline.Process(ctx, aj)
		},
	}

	slog.Info("archivist worker starting", slog.String("env", cfg.AppEnv))
	_ = loop.Run(ctx)
	slog.Info("archivist worker stopped")
}

// notifier keeps a typed nil out of the interface value.
func notifier(n *app.WebhookNotifier) domain.WebhookNotifier {
	if n == nil {
		return nil
	}
	return n
}
