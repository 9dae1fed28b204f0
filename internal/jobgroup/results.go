package jobgroup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/pipeline/archivist"
)

// resultChunkSize bounds parallelism: all records in a chunk run
// concurrently, chunks serialize.
const resultChunkSize = 25

// outputRecord is one line of the remote output file.
type outputRecord struct {
	CustomID string `json:"custom_id"`
	Response struct {
		Body struct {
			Model   string `json:"model"`
			Choices []struct {
				Message struct {
					Content json.RawMessage `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// messageContent extracts the content field, which is either a plain
// string or an array of typed parts whose text members concatenate.
func messageContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		return b.String()
	}
	return ""
}

// ProcessResults distributes a completed jobgroup's output file into
// ai_description and jobgroup_results rows, then transitions the
// jobgroup to its terminal state.
func (s *Service) ProcessResults(ctx domain.Context, g domain.Jobgroup, output []byte) {
	records := parseOutput(output)
	if len(records) == 0 {
		slog.Warn("jobgroup output contained no parseable records", slog.String("jobgroup_id", g.ID))
	}

	// Idempotency short-circuit: a replayed output file whose rows all
	// exist transitions straight to completed.
	existing, err := s.Results.CountByJobgroup(ctx, g.ID)
	if err != nil {
		slog.Error("result count failed", slog.String("jobgroup_id", g.ID), slog.Any("error", err))
		return
	}
	if len(records) > 0 && existing == len(records) {
		notes, _ := json.Marshal(map[string]any{"processed": existing, "shortcut": "already_complete"})
		if _, err := s.Jobgroups.UpdateStatus(ctx, g.ID, domain.JobgroupCompleted, notes); err != nil {
			slog.Error("jobgroup complete transition failed", slog.String("jobgroup_id", g.ID), slog.Any("error", err))
		}
		slog.Info("jobgroup results already distributed", slog.String("jobgroup_id", g.ID), slog.Int("count", existing))
		return
	}

	var mu sync.Mutex
	processed, failed, skipped := 0, 0, 0

	for start := 0; start < len(records); start += resultChunkSize {
		end := start + resultChunkSize
		if end > len(records) {
			end = len(records)
		}
		var wg sync.WaitGroup
		for _, rec := range records[start:end] {
			wg.Add(1)
			go func(rec outputRecord) {
				defer wg.Done()
				outcome := s.processRecord(ctx, g, rec)
				mu.Lock()
				switch outcome {
				case "completed":
					processed++
				case "failed":
					failed++
				default:
					skipped++
				}
				mu.Unlock()
				observability.JobgroupResultsTotal.WithLabelValues(outcome).Inc()
			}(rec)
		}
		wg.Wait()
		s.Lock.Refresh(ctx)
	}

	status := domain.JobgroupCompleted
	event := "completed"
	if failed > 0 {
		status = domain.JobgroupFailed
		event = "failed"
	}
	notes, _ := json.Marshal(map[string]any{"processed": processed, "failed": failed, "skipped": skipped})
	if _, err := s.Jobgroups.UpdateStatus(ctx, g.ID, status, notes); err != nil {
		slog.Error("jobgroup terminal transition failed", slog.String("jobgroup_id", g.ID), slog.Any("error", err))
		return
	}
	s.Audit.Record(event, map[string]any{
		"jobgroup_id": g.ID,
		"tenant_id":   g.TenantID,
		"processed":   processed,
		"failed":      failed,
		"skipped":     skipped,
	})
	if s.Webhook != nil {
		s.Webhook.Notify(ctx, "jobgroup."+event, map[string]any{
			"jobgroup_id": g.ID, "processed": processed, "failed": failed, "skipped": skipped,
		})
	}
	slog.Info("jobgroup results distributed",
		slog.String("jobgroup_id", g.ID),
		slog.Int("processed", processed),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped))
}

func parseOutput(output []byte) []outputRecord {
	lines := bytes.Split(output, []byte("\n"))
	out := make([]outputRecord, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec outputRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("discarding unparsable output line", slog.Any("error", err))
			continue
		}
		out = append(out, rec)
	}
	return out
}

// processRecord handles one output line; returns completed, failed or
// skipped.
func (s *Service) processRecord(ctx domain.Context, g domain.Jobgroup, rec outputRecord) string {
	assetID, ok := parseCustomID(rec.CustomID)
	if !ok {
		slog.Warn("malformed custom_id, skipping", slog.String("custom_id", rec.CustomID))
		return "skipped"
	}
	exists, err := s.Results.Exists(ctx, g.ID, assetID)
	if err != nil {
		s.recordFailure(ctx, g, assetID, rec.CustomID, "STORE_ERROR", err.Error())
		return "failed"
	}
	if exists {
		return "skipped"
	}

	tenantID, batchID, err := s.Assets.Lookup(ctx, assetID)
	if err != nil {
		s.recordFailure(ctx, g, assetID, rec.CustomID, "ASSET_LOOKUP_FAILED", err.Error())
		return "failed"
	}
	_ = batchID

	if rec.Error != nil {
		s.recordFailure(ctx, g, assetID, rec.CustomID, rec.Error.Code, rec.Error.Message)
		return "failed"
	}
	if len(rec.Response.Body.Choices) == 0 {
		s.recordFailure(ctx, g, assetID, rec.CustomID, "EMPTY_RESPONSE", "no choices in output record")
		return "failed"
	}
	content := messageContent(rec.Response.Body.Choices[0].Message.Content)
	doc := archivist.Normalize(archivist.ParseModelJSON(content, s.Cfg.OpenAIMaxJSONBytes))
	description, err := json.Marshal(doc)
	if err != nil {
		s.recordFailure(ctx, g, assetID, rec.CustomID, "SERIALIZATION_ERROR", err.Error())
		return "failed"
	}
	if err := s.Descriptions.Upsert(ctx, domain.AIDescription{
		TenantID:    tenantID,
		AssetID:     assetID,
		Description: description,
	}); err != nil {
		s.recordFailure(ctx, g, assetID, rec.CustomID, "DESCRIPTION_UPSERT_FAILED", err.Error())
		return "failed"
	}
	response, _ := json.Marshal(map[string]string{"model": rec.Response.Body.Model})
	if err := s.Results.Upsert(ctx, domain.JobgroupResult{
		JobgroupID: g.ID,
		AssetID:    assetID,
		Status:     domain.JobgroupResultCompleted,
		Response:   response,
		CustomID:   rec.CustomID,
	}); err != nil {
		s.recordFailure(ctx, g, assetID, rec.CustomID, "RESULT_UPSERT_FAILED", err.Error())
		return "failed"
	}
	return "completed"
}

// recordFailure upserts a failed result row and routes a synthetic DLQ
// entry of kind archivist.jobgroup-result. Neither write may raise.
func (s *Service) recordFailure(ctx domain.Context, g domain.Jobgroup, assetID, customID, code, message string) {
	if err := s.Results.Upsert(ctx, domain.JobgroupResult{
		JobgroupID:   g.ID,
		AssetID:      assetID,
		Status:       domain.JobgroupResultFailed,
		ErrorCode:    code,
		ErrorMessage: message,
		CustomID:     customID,
	}); err != nil {
		slog.Error("failed result upsert failed", slog.String("asset_id", assetID), slog.Any("error", err))
	}
	if s.Queue == nil {
		return
	}
	entry := domain.DLQEntry{
		ID:       ulid.Make().String(),
		JobType:  "archivist.jobgroup-result",
		Reason:   fmt.Sprintf("%s: %s", code, message),
		TenantID: g.TenantID,
		AssetID:  assetID,
		BatchID:  g.BatchID,
		FailedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.Queue.PushDLQ(ctx, domain.WorkerArchivist, entry); err != nil {
		slog.Error("synthetic DLQ push failed", slog.String("asset_id", assetID), slog.Any("error", err))
	}
}

// parseCustomID extracts the asset UUID from "asset-<uuid>".
func parseCustomID(customID string) (string, bool) {
	const prefix = "asset-"
	if !strings.HasPrefix(customID, prefix) {
		return "", false
	}
	id := customID[len(prefix):]
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}
