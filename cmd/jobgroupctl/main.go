// Package main provides the operator CLI for the jobgroup subsystem:
// create, list, inspect and cancel offline batches.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
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
	"github.com/iconicxs/relicxs-workers/internal/queue"
)

const usage = `usage:
  jobgroupctl create-jobgroup <tenant> <batch> <mode>
  jobgroupctl list-jobgroups
  jobgroupctl show-jobgroup <id>
  jobgroupctl cancel-jobgroup <id>`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg, "jobgroupctl"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer pool.Close()
	jobgroups := postgres.NewJobgroupRepo(pool)

	switch args[0] {
	case "create-jobgroup":
		if len(args) != 4 {
			return fmt.Errorf("create-jobgroup needs <tenant> <batch> <mode>\n%s", usage)
		}
		return createJobgroup(ctx, cfg, pool, jobgroups, args[1], args[2], args[3])
	case "list-jobgroups":
		return listJobgroups(ctx, jobgroups)
	case "show-jobgroup":
		if len(args) != 2 {
			return fmt.Errorf("show-jobgroup needs <id>\n%s", usage)
		}
		return showJobgroup(ctx, jobgroups, args[1])
	case "cancel-jobgroup":
		if len(args) != 2 {
			return fmt.Errorf("cancel-jobgroup needs <id>\n%s", usage)
		}
		svc := newService(ctx, cfg, pool, jobgroups)
		return svc.Cancel(ctx, args[1])
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func newService(ctx context.Context, cfg config.Config, pool postgres.PgxPool, jobgroups domain.JobgroupRepository) *jobgroup.Service {
	var q *queue.Queue
	var lock *jobgroup.Lock
	if rdb, err := queue.NewClient(cfg); err == nil {
		q = queue.New(rdb)
		lock = jobgroup.NewLock(rdb, cfg.JobgroupPollLockTTL())
	} else {
		slog.Warn("redis unavailable, continuing without queue", slog.Any("error", err))
	}
	var blob domain.BlobStore
	if b, err := s3.New(ctx, &cfg); err == nil {
		blob = b
	} else {
		slog.Warn("blob store unavailable, submissions omit images", slog.Any("error", err))
	}
	return &jobgroup.Service{
		Cfg:          cfg,
		Jobgroups:    jobgroups,
		Results:      postgres.NewResultRepo(pool),
		Assets:       postgres.NewAssetRepo(pool),
		Descriptions: postgres.NewDescriptionRepo(pool),
		Model:        openai.New(cfg),
		Blob:         blob,
		Codec:        imaging.NewCodec(cfg),
		Queue:        q,
		Webhook:      webhookOrNil(cfg),
		Audit:        &jobgroup.Audit{Dir: cfg.AuditDir},
		Lock:         lock,
	}
}

func webhookOrNil(cfg config.Config) domain.WebhookNotifier {
	if n := app.NewWebhookNotifier(cfg.DLQWebhookURL); n != nil {
		return n
	}
	return nil
}

func createJobgroup(ctx context.Context, cfg config.Config, pool postgres.PgxPool, jobgroups domain.JobgroupRepository, tenantID, batchID, mode string) error {
	if domain.NormalizeProcessingType(mode) != string(domain.PriorityJobgroup) {
		return fmt.Errorf("mode %q is not a jobgroup mode", mode)
	}
	assets := postgres.NewAssetRepo(pool)
	ids, err := assets.ListByBatch(ctx, tenantID, batchID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("batch %s has no assets", batchID)
	}
	jobs := make([]domain.ArchivistJob, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, domain.ArchivistJob{
			JobType:        string(domain.WorkerArchivist),
			ProcessingType: string(domain.PriorityJobgroup),
			TenantID:       tenantID,
			AssetID:        id,
			BatchID:        batchID,
		})
	}
	svc := newService(ctx, cfg, pool, jobgroups)
	res, err := svc.Run(ctx, jobs, "")
	if err != nil {
		return err
	}
	fmt.Printf("jobgroup %s created (external %s, %d requests, status %s)\n",
		res.JobgroupID, res.ExternalJobgroupID, res.RequestCount, res.Status)
	return nil
}

func listJobgroups(ctx context.Context, jobgroups domain.JobgroupRepository) error {
	groups, err := jobgroups.List(ctx, 50)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTENANT\tSTATUS\tREQUESTS\tCREATED")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			g.ID, g.TenantID, g.Status, g.RequestCount, g.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func showJobgroup(ctx context.Context, jobgroups domain.JobgroupRepository, id string) error {
	g, err := jobgroups.Get(ctx, id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(map[string]any{
		"id":                   g.ID,
		"tenant_id":            g.TenantID,
		"batch_id":             g.BatchID,
		"external_jobgroup_id": g.ExternalJobgroupID,
		"input_file_id":        g.InputFileID,
		"output_file_id":       g.OutputFileID,
		"status":               g.Status,
		"request_count":        g.RequestCount,
		"notes":                g.Notes,
		"created_at":           g.CreatedAt,
		"completed_at":         g.CompletedAt,
		"failed_at":            g.FailedAt,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
