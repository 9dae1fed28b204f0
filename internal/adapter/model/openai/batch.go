package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

type remoteBatch struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
}

func (b remoteBatch) toDomain() domain.RemoteJobgroup {
	out := b.OutputFileID
	if out == "" {
		out = b.ErrorFileID
	}
	return domain.RemoteJobgroup{ID: b.ID, Status: b.Status, OutputFileID: out}
}

// UploadFile uploads data to the files endpoint with the given purpose
// and returns the remote file id.
func (c *Client) UploadFile(ctx domain.Context, name string, data []byte, purpose string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", purpose); err != nil {
		return "", fmt.Errorf("op=model.upload_file: %w", err)
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("op=model.upload_file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("op=model.upload_file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("op=model.upload_file: %w", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, "upload_file", http.MethodPost, c.cfg.OpenAIBaseURL+"/files", buf.Bytes(), mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("op=model.upload_file: %w", domain.NewExternalAPIError(http.StatusOK, "missing file id", nil))
	}
	slog.Info("model file uploaded", slog.String("file_id", out.ID), slog.Int("bytes", len(data)))
	return out.ID, nil
}

// CreateJobgroup submits a batch referencing the uploaded input file.
func (c *Client) CreateJobgroup(ctx domain.Context, inputFileID, completionWindow string, metadata map[string]string) (domain.RemoteJobgroup, error) {
	if completionWindow == "" {
		completionWindow = "24h"
	}
	body := map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": completionWindow,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	b, err := json.Marshal(body)
	if err != nil {
		return domain.RemoteJobgroup{}, fmt.Errorf("op=model.create_jobgroup: %w", domain.NewSerializationError("batch request", err))
	}
	var out remoteBatch
	if err := c.doJSON(ctx, "create_jobgroup", http.MethodPost, c.cfg.OpenAIBaseURL+"/batches", b, "application/json", &out); err != nil {
		return domain.RemoteJobgroup{}, err
	}
	slog.Info("remote jobgroup created", slog.String("external_id", out.ID), slog.String("status", out.Status))
	return out.toDomain(), nil
}

// GetJobgroup fetches the remote batch state.
func (c *Client) GetJobgroup(ctx domain.Context, externalID string) (domain.RemoteJobgroup, error) {
	var out remoteBatch
	if err := c.doJSON(ctx, "get_jobgroup", http.MethodGet, c.cfg.OpenAIBaseURL+"/batches/"+externalID, nil, "", &out); err != nil {
		return domain.RemoteJobgroup{}, err
	}
	return out.toDomain(), nil
}

// CancelJobgroup requests cancellation of the remote batch.
func (c *Client) CancelJobgroup(ctx domain.Context, externalID string) error {
	var out remoteBatch
	if err := c.doJSON(ctx, "cancel_jobgroup", http.MethodPost, c.cfg.OpenAIBaseURL+"/batches/"+externalID+"/cancel", nil, "", &out); err != nil {
		return err
	}
	slog.Info("remote jobgroup cancel requested", slog.String("external_id", externalID), slog.String("status", out.Status))
	return nil
}

// FileContent downloads a remote file body. Unlike doJSON the response
// is raw JSONL, so this carries its own retry loop.
func (c *Client) FileContent(ctx domain.Context, fileID string) ([]byte, error) {
	var data []byte
	op := func() error {
		start := time.Now()
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.OpenAIBaseURL+"/files/"+fileID+"/content", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
		resp, err := c.hc.Do(r)
		observability.ModelRequestsTotal.WithLabelValues("file_content").Inc()
		observability.ModelRequestDuration.WithLabelValues("file_content").Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests {
			return domain.NewExternalAPIError(resp.StatusCode, "file_content", nil)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(domain.NewExternalAPIError(resp.StatusCode, "file_content", nil))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return domain.NewExternalAPIError(resp.StatusCode, "file_content", nil)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	}
	bo := backoff.WithContext(c.backoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("op=model.file_content: %w", err)
	}
	return data, nil
}
