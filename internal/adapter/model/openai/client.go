// Package openai implements the model API port against an
// OpenAI-compatible HTTP endpoint, covering chat completions, file
// upload/download, and the remote batch surface.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// Client implements domain.ModelAPI.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a Client with the timeout from cfg.
func New(cfg config.Config) *Client {
	timeout := cfg.OpenAITimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{cfg: cfg, hc: &http.Client{Timeout: timeout}}
}

func (c *Client) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.RetryBaseDelay
	expo.MaxInterval = c.cfg.RetryMaxDelay
	expo.RandomizationFactor = c.cfg.RetryJitter
	expo.MaxElapsedTime = 2 * time.Minute
	return expo
}

// doJSON issues one HTTP request and decodes a JSON response into out.
// 429 and 5xx come back as retryable errors, other 4xx as permanent so
// backoff.Retry stops immediately.
func (c *Client) doJSON(ctx domain.Context, operation, method, url string, reqBody []byte, contentType string, out any) error {
	op := func() error {
		start := time.Now()
		var body io.Reader
		if reqBody != nil {
			body = bytes.NewReader(reqBody)
		}
		r, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
		if contentType != "" {
			r.Header.Set("Content-Type", contentType)
		}
		resp, err := c.hc.Do(r)
		observability.ModelRequestsTotal.WithLabelValues(operation).Inc()
		observability.ModelRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		respBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("model api rate limited", slog.String("op", operation), slog.Int("status", resp.StatusCode))
			return domain.NewExternalAPIError(resp.StatusCode, operation, nil)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet := string(respBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("model api 4xx", slog.String("op", operation), slog.Int("status", resp.StatusCode), slog.String("body", snippet))
			return backoff.Permanent(domain.NewExternalAPIError(resp.StatusCode, operation, nil))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Error("model api non-2xx", slog.String("op", operation), slog.Int("status", resp.StatusCode))
			return domain.NewExternalAPIError(resp.StatusCode, operation, nil)
		}
		if out != nil {
			if err := json.Unmarshal(respBytes, out); err != nil {
				slog.Error("model api decode error", slog.String("op", operation), slog.Any("error", err))
				return backoff.Permanent(domain.NewSerializationError(operation+" response", err))
			}
		}
		return nil
	}
	bo := backoff.WithContext(c.backoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=model.%s: %w", operation, err)
	}
	return nil
}

// ChatJSON calls chat completions in JSON mode and returns the first
// choice's content plus token usage.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (domain.ChatResult, error) {
	if c.cfg.OpenAIAPIKey == "" {
		return domain.ChatResult{}, fmt.Errorf("op=model.chat: %w", domain.NewValidationError("MISSING_FIELD", "api_key", "OPENAI_API_KEY missing"))
	}
	body := map[string]any{
		"model":       c.cfg.OpenAIModel,
		"temperature": 0.2,
		"max_tokens":  maxTokens,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=model.chat: %w", domain.NewSerializationError("chat request", err))
	}
	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage domain.ChatUsage `json:"usage"`
	}
	if err := c.doJSON(ctx, "chat", http.MethodPost, c.cfg.OpenAIBaseURL+"/chat/completions", b, "application/json", &out); err != nil {
		return domain.ChatResult{}, err
	}
	if len(out.Choices) == 0 {
		return domain.ChatResult{}, fmt.Errorf("op=model.chat: %w", domain.NewExternalAPIError(http.StatusOK, "empty choices", nil))
	}
	return domain.ChatResult{Content: out.Choices[0].Message.Content, Model: out.Model, Usage: out.Usage}, nil
}
