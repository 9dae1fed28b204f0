package archivist

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/pipeline/machinist"
)

// maxImageBytes bounds the re-encoded image sent to the model.
const maxImageBytes = 10 << 20

// qualityLadder is tried in order until the encoded image fits.
var qualityLadder = []int{85, 80, 70, 60, 50, 40}

// JobgroupSubmitter is the jobgroup subsystem's submission surface; jobs
// with processing_type=jobgroup delegate here instead of calling the
// model directly.
type JobgroupSubmitter interface {
	Submit(ctx domain.Context, jobs []domain.ArchivistJob) error
}

// Pipeline produces one AI description per job and persists it.
type Pipeline struct {
	Cfg          config.Config
	Blob         domain.BlobStore
	Codec        domain.ImageCodec
	Model        domain.ModelAPI
	Descriptions domain.AIDescriptionRepository
	Jobgroups    JobgroupSubmitter
}

// Process runs the archivist pipeline for one validated job.
func (p *Pipeline) Process(ctx domain.Context, job domain.ArchivistJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Priority() == domain.PriorityJobgroup {
		if p.Jobgroups == nil {
			return fmt.Errorf("op=archivist.delegate: %w",
				domain.NewRoutingError("NO_JOBGROUP_SUBSYSTEM", "jobgroup processing is not wired in this process"))
		}
		return p.Jobgroups.Submit(ctx, []domain.ArchivistJob{job})
	}

	start := time.Now()
	img, err := p.fetchDerivative(ctx, job)
	if err != nil {
		return err
	}
	encoded, err := p.fitUnderCap(ctx, img)
	if err != nil {
		return err
	}
	b64 := base64.StdEncoding.EncodeToString(encoded)

	user := UserPrompt(job.TenantID, job.AssetID, job.BatchID) +
		"\nImage (base64 JPEG):\n" + b64
	res, err := p.Model.ChatJSON(ctx, SystemPrompt(), user, 1024)
	if err != nil {
		return fmt.Errorf("op=archivist.model: %w", err)
	}

	doc := Normalize(ParseModelJSON(res.Content, p.Cfg.OpenAIMaxJSONBytes))
	description, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("op=archivist.encode: %w", domain.NewSerializationError("description encode", err))
	}
	if err := p.Descriptions.Upsert(ctx, domain.AIDescription{
		TenantID:    job.TenantID,
		AssetID:     job.AssetID,
		Description: description,
	}); err != nil {
		return fmt.Errorf("op=archivist.upsert: %w", err)
	}

	end := time.Now()
	notes, err := json.Marshal(map[string]any{
		"started_at":  start.UTC().Format(time.RFC3339Nano),
		"finished_at": end.UTC().Format(time.RFC3339Nano),
		"duration_ms": end.Sub(start).Milliseconds(),
		"model":       res.Model,
		"usage": map[string]int{
			"prompt_tokens":     res.Usage.PromptTokens,
			"completion_tokens": res.Usage.CompletionTokens,
			"total_tokens":      res.Usage.TotalTokens,
		},
	})
	if err == nil {
		if nerr := p.Descriptions.UpdateNotes(ctx, job.TenantID, job.AssetID, notes); nerr != nil {
			slog.Warn("description notes update failed", slog.Any("error", nerr))
		}
	}
	return nil
}

// fetchDerivative prefers the letterboxed AI derivative and falls back
// to the viewing derivative.
func (p *Pipeline) fetchDerivative(ctx domain.Context, job domain.ArchivistJob) ([]byte, error) {
	candidates := []string{
		machinist.DerivativeKey(job.TenantID, job.BatchID, job.AssetID, "ai", "ai_version.jpg"),
		machinist.DerivativeKey(job.TenantID, job.BatchID, job.AssetID, "ai", "ai.jpg"),
		machinist.DerivativeKey(job.TenantID, job.BatchID, job.AssetID, "viewing", "viewing.jpg"),
	}
	for _, key := range candidates {
		data, err := p.Blob.Download(ctx, p.Cfg.FilesBucket, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("op=archivist.fetch: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("op=archivist.fetch: %w",
		domain.NewValidationError("DERIVATIVE_NOT_FOUND", "asset_id", "no ai or viewing derivative exists for the asset"))
}

// fitUnderCap walks the quality ladder until the encoded image fits the
// model input budget.
func (p *Pipeline) fitUnderCap(ctx domain.Context, img []byte) ([]byte, error) {
	if len(img) <= maxImageBytes {
		return img, nil
	}
	for _, q := range qualityLadder {
		out, err := p.Codec.EncodeJPEG(ctx, img, q)
		if err != nil {
			return nil, fmt.Errorf("op=archivist.reencode: %w", err)
		}
		if len(out) <= maxImageBytes {
			return out, nil
		}
	}
	return nil, fmt.Errorf("op=archivist.reencode: %w",
		domain.NewResourceError("IMAGE_TOO_LARGE", "image does not fit the model input budget at any quality"))
}
