package jobgroup

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/pipeline/archivist"
	"github.com/iconicxs/relicxs-workers/internal/pipeline/machinist"
	"github.com/iconicxs/relicxs-workers/internal/queue"
)

// maxActivePerDay caps jobgroup submissions per tenant per 24 hours.
const maxActivePerDay = 5

// SubmitResult is the submission contract's return value.
type SubmitResult struct {
	JobgroupID         string `json:"jobgroup_id"`
	ExternalJobgroupID string `json:"external_jobgroup_id"`
	InputFileID        string `json:"input_file_id"`
	Status             string `json:"status"`
	RequestCount       int    `json:"request_count"`
}

// Service owns the jobgroup lifecycle: submission, polling, result
// distribution and cancellation.
type Service struct {
	Cfg          config.Config
	Jobgroups    domain.JobgroupRepository
	Results      domain.JobgroupResultRepository
	Assets       domain.AssetRepository
	Descriptions domain.AIDescriptionRepository
	Model        domain.ModelAPI
	Blob         domain.BlobStore
	Codec        domain.ImageCodec
	Queue        *queue.Queue
	Webhook      domain.WebhookNotifier
	Audit        *Audit
	Lock         *Lock

	// PokePoller triggers one immediate poll cycle after submission; may
	// be nil outside the archivist process.
	PokePoller func()
}

// Submit implements the archivist.JobgroupSubmitter port.
func (s *Service) Submit(ctx domain.Context, jobs []domain.ArchivistJob) error {
	_, err := s.Run(ctx, jobs, "")
	return err
}

// Run submits up to len(jobs) requests as one offline batch. workDir may
// be empty; a fresh 0700 directory is created.
func (s *Service) Run(ctx domain.Context, jobs []domain.ArchivistJob, workDir string) (SubmitResult, error) {
	if len(jobs) == 0 {
		return SubmitResult{}, fmt.Errorf("op=jobgroup.run: %w",
			domain.NewValidationError("EMPTY_JOBGROUP", "jobs", "at least one job is required"))
	}
	tenantID := jobs[0].TenantID
	batchID := jobs[0].BatchID

	if err := s.throttle(ctx, tenantID); err != nil {
		return SubmitResult{}, err
	}

	if workDir == "" {
		dir, err := os.MkdirTemp("", "jobgroup-*")
		if err != nil {
			return SubmitResult{}, fmt.Errorf("op=jobgroup.workdir: %w", err)
		}
		workDir = dir
	}
	if err := os.Chmod(workDir, 0o700); err != nil {
		return SubmitResult{}, fmt.Errorf("op=jobgroup.workdir: %w", err)
	}

	jsonlPath, count, err := s.assembleJSONL(ctx, jobs, workDir)
	if err != nil {
		return SubmitResult{}, err
	}
	if count == 0 {
		return SubmitResult{}, fmt.Errorf("op=jobgroup.assemble: %w",
			domain.NewValidationError("NO_VALID_JOBS", "jobs", "no job passed validation"))
	}

	data, err := os.ReadFile(jsonlPath)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=jobgroup.assemble: %w", err)
	}
	inputFileID, err := s.Model.UploadFile(ctx, filepath.Base(jsonlPath), data, "batch")
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=jobgroup.upload: %w", err)
	}

	metadata := map[string]string{"tenant_id": tenantID, "mode": "jobgroup"}
	if batchID != "" {
		metadata["batch_id"] = batchID
	}
	remote, err := s.Model.CreateJobgroup(ctx, inputFileID, "24h", metadata)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=jobgroup.create: %w", err)
	}

	status := domain.JobgroupStatus(remote.Status)
	if status == "" {
		status = domain.JobgroupCreated
	}
	notes, _ := json.Marshal(map[string]string{"jsonl_path": jsonlPath, "work_dir": workDir})
	id, err := s.Jobgroups.Create(ctx, domain.Jobgroup{
		TenantID:           tenantID,
		BatchID:            batchID,
		ExternalJobgroupID: remote.ID,
		InputFileID:        inputFileID,
		Status:             status,
		RequestCount:       count,
		Notes:              notes,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=jobgroup.persist: %w", err)
	}

	s.Audit.Record("created", map[string]any{
		"jobgroup_id":          id,
		"external_jobgroup_id": remote.ID,
		"tenant_id":            tenantID,
		"batch_id":             batchID,
		"request_count":        count,
	})
	if s.Webhook != nil {
		s.Webhook.Notify(ctx, "jobgroup.created", map[string]any{
			"jobgroup_id": id, "tenant_id": tenantID, "request_count": count,
		})
	}
	slog.Info("jobgroup submitted",
		slog.String("jobgroup_id", id),
		slog.String("external_jobgroup_id", remote.ID),
		slog.Int("request_count", count))

	if s.PokePoller != nil {
		s.PokePoller()
	}
	return SubmitResult{
		JobgroupID:         id,
		ExternalJobgroupID: remote.ID,
		InputFileID:        inputFileID,
		Status:             string(status),
		RequestCount:       count,
	}, nil
}

// throttle enforces at-most-one active jobgroup and at most five
// submissions per tenant per 24 hours.
func (s *Service) throttle(ctx domain.Context, tenantID string) error {
	active, err := s.Jobgroups.CountActiveForTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("op=jobgroup.throttle: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("op=jobgroup.throttle: %w",
			&domain.Error{Kind: domain.ErrRateLimited, Code: "JOBGROUP_ACTIVE", Message: "tenant already has an active jobgroup"})
	}
	recent, err := s.Jobgroups.CountCreatedSince(ctx, tenantID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("op=jobgroup.throttle: %w", err)
	}
	if recent >= maxActivePerDay {
		return fmt.Errorf("op=jobgroup.throttle: %w",
			&domain.Error{Kind: domain.ErrRateLimited, Code: "JOBGROUP_DAILY_CAP", Message: fmt.Sprintf("tenant reached %d jobgroups in 24h", maxActivePerDay)})
	}
	return nil
}

// jsonlLine is one batch request record.
type jsonlLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// assembleJSONL writes one line per valid job, skipping invalid entries
// with a warning. Returns the flushed file path and the line count.
func (s *Service) assembleJSONL(ctx domain.Context, jobs []domain.ArchivistJob, workDir string) (string, int, error) {
	path := filepath.Join(workDir, "input.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("op=jobgroup.assemble: %w", err)
	}
	count := 0
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			slog.Warn("skipping invalid jobgroup entry",
				slog.String("asset_id", job.AssetID), slog.Any("error", err))
			continue
		}
		body, err := s.requestBody(ctx, job)
		if err != nil {
			slog.Warn("skipping jobgroup entry, request assembly failed",
				slog.String("asset_id", job.AssetID), slog.Any("error", err))
			continue
		}
		line, err := json.Marshal(jsonlLine{
			CustomID: "asset-" + job.AssetID,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body:     body,
		})
		if err != nil {
			slog.Warn("skipping jobgroup entry, encode failed", slog.String("asset_id", job.AssetID), slog.Any("error", err))
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return "", 0, fmt.Errorf("op=jobgroup.assemble: %w", err)
		}
		count++
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", 0, fmt.Errorf("op=jobgroup.assemble: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("op=jobgroup.assemble: %w", err)
	}
	return path, count, nil
}

// requestBody builds the per-asset model request, embedding the AI
// derivative when one exists.
func (s *Service) requestBody(ctx domain.Context, job domain.ArchivistJob) (json.RawMessage, error) {
	user := archivist.UserPrompt(job.TenantID, job.AssetID, job.BatchID)
	if s.Blob != nil {
		if img := s.fetchImage(ctx, job); img != nil {
			user += "\nImage (base64 JPEG):\n" + base64.StdEncoding.EncodeToString(img)
		}
	}
	return json.Marshal(map[string]any{
		"model":      s.Cfg.OpenAIModel,
		"max_tokens": 1024,
		"messages": []map[string]string{
			{"role": "system", "content": archivist.SystemPrompt()},
			{"role": "user", "content": user},
		},
	})
}

func (s *Service) fetchImage(ctx domain.Context, job domain.ArchivistJob) []byte {
	for _, key := range []string{
		machinist.DerivativeKey(job.TenantID, job.BatchID, job.AssetID, "ai", "ai_version.jpg"),
		machinist.DerivativeKey(job.TenantID, job.BatchID, job.AssetID, "ai", "ai.jpg"),
		machinist.DerivativeKey(job.TenantID, job.BatchID, job.AssetID, "viewing", "viewing.jpg"),
	} {
		data, err := s.Blob.Download(ctx, s.Cfg.FilesBucket, key)
		if err == nil {
			return data
		}
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("jobgroup image fetch failed", slog.String("key", key), slog.Any("error", err))
			return nil
		}
	}
	return nil
}

// Cancel posts a cancellation to the external endpoint and records the
// terminal state with timestamps in notes.
func (s *Service) Cancel(ctx domain.Context, id string) error {
	g, err := s.Jobgroups.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=jobgroup.cancel: %w", err)
	}
	if g.Status.Terminal() {
		return fmt.Errorf("op=jobgroup.cancel: %w",
			domain.NewValidationError("JOBGROUP_TERMINAL", "id", "jobgroup is already "+string(g.Status)))
	}
	if g.ExternalJobgroupID != "" {
		if err := s.Model.CancelJobgroup(ctx, g.ExternalJobgroupID); err != nil {
			return fmt.Errorf("op=jobgroup.cancel: %w", err)
		}
	}
	notes, _ := json.Marshal(map[string]string{
		"cancelled_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if _, err := s.Jobgroups.UpdateStatus(ctx, id, domain.JobgroupCancelled, notes); err != nil {
		return fmt.Errorf("op=jobgroup.cancel: %w", err)
	}
	s.Audit.Record("cancelled", map[string]any{"jobgroup_id": id, "tenant_id": g.TenantID})
	if s.Webhook != nil {
		s.Webhook.Notify(ctx, "jobgroup.cancelled", map[string]any{"jobgroup_id": id, "tenant_id": g.TenantID})
	}
	observability.JobgroupResultsTotal.WithLabelValues("cancelled").Inc()
	return nil
}
