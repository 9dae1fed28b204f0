// Package worker implements the per-process consumer loops and the
// resilience envelope wrapped around every handler invocation.
package worker

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/queue"
)

// RetryConfig bounds the in-envelope retry schedule.
type RetryConfig struct {
	MaxRetries     uint64
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	MaxElapsedTime time.Duration
}

// DefaultRetryConfig matches the envelope contract: two retries, 500 ms base
// delay, 4 s cap, symmetric 0.3 jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second, Jitter: 0.3}
}

// Envelope wraps each handler invocation with start/end accounting, bounded
// retry, DLQ routing, and batch-status reconciliation.
type Envelope struct {
	Queue    *queue.Queue
	Versions domain.AssetVersionRepository
	Batches  domain.BatchRepository
	Webhook  domain.WebhookNotifier
	Retry    RetryConfig

	rdb *redis.Client
}

// NewEnvelope constructs the envelope; versions, batches and webhook may be
// nil in reduced deployments.
func NewEnvelope(q *queue.Queue, versions domain.AssetVersionRepository, batches domain.BatchRepository, webhook domain.WebhookNotifier, retry RetryConfig) *Envelope {
	return &Envelope{Queue: q, Versions: versions, Batches: batches, Webhook: webhook, Retry: retry, rdb: q.Client()}
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

func newEntryID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// Run executes fn for job under the full envelope. The returned error is the
// terminal failure after retries; metrics and DLQ routing have already
// happened by the time it returns.
func (e *Envelope) Run(ctx domain.Context, job domain.Job, fn func(domain.Context) error) error {
	workerName := string(job.Worker())
	priority := string(job.Priority())
	timerKey := e.recordJobStart(ctx, job)
	start := time.Now()
	lg := slog.With(
		slog.String("worker", workerName),
		slog.String("priority", priority),
		slog.String("tenant_id", job.Tenant()),
		slog.String("asset_id", job.Asset()),
		slog.String("batch_id", job.Batch()),
	)
	lg.Info("job start")

	defer e.recordJobEnd(ctx, job, timerKey, start)

	err := e.withRetry(ctx, workerName, fn)
	if err != nil {
		lg.Error("job failed", slog.Any("error", err), slog.Duration("elapsed", time.Since(start)))
		observability.JobsFailedTotal.WithLabelValues(workerName, priority).Inc()
		e.SendToDLQ(ctx, job, err.Error())
		return err
	}

	lg.Info("job end", slog.Duration("elapsed", time.Since(start)))
	observability.JobsCompletedTotal.WithLabelValues(workerName, priority).Inc()
	if job.Batch() != "" && e.Batches != nil {
		if status, berr := e.Batches.Reconcile(ctx, job.Batch()); berr != nil {
			lg.Warn("batch status reconcile failed", slog.Any("error", berr))
		} else {
			lg.Debug("batch status reconciled", slog.String("status", string(status)))
		}
	}
	return nil
}

// withRetry runs fn under exponential backoff with symmetric jitter around
// the base delay. Non-retryable errors short-circuit; exhaustion wraps the
// last cause.
func (e *Envelope) withRetry(ctx domain.Context, workerName string, fn func(domain.Context) error) error {
	attempts := 0
	op := func() error {
		attempts++
		if attempts > 1 {
			observability.JobRetriesTotal.WithLabelValues(workerName).Inc()
		}
		err := fn(ctx)
		if err != nil && !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.Retry.BaseDelay
	expo.MaxInterval = e.Retry.MaxDelay
	expo.RandomizationFactor = e.Retry.Jitter
	expo.MaxElapsedTime = e.Retry.MaxElapsedTime
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, e.Retry.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("job failed after %d attempts: %w", attempts, err)
	}
	return nil
}

// SendToDLQ constructs a redacted dead-letter entry (identifiers and reason
// only) and routes it to the worker's DLQ. It never returns an error and
// never panics; DLQ routing failures are logged and swallowed.
func (e *Envelope) SendToDLQ(ctx domain.Context, job domain.Job, reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in DLQ routing suppressed", slog.Any("recover", rec))
		}
	}()
	entry := domain.DLQEntry{
		ID:       newEntryID(),
		JobType:  string(job.Worker()),
		Reason:   reason,
		TenantID: job.Tenant(),
		AssetID:  job.Asset(),
		BatchID:  job.Batch(),
		FailedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := e.Queue.PushDLQ(ctx, job.Worker(), entry); err != nil {
		slog.Error("DLQ push failed", slog.Any("error", err), slog.String("asset_id", job.Asset()))
	}
	if e.Versions != nil && job.Asset() != "" {
		if err := e.Versions.SetFailedReason(ctx, job.Asset(), reason); err != nil {
			slog.Warn("failed to record failure reason on asset version", slog.Any("error", err))
		}
	}
	if e.Webhook != nil {
		e.Webhook.Notify(ctx, "job.dead_lettered", map[string]any{
			"id":        entry.ID,
			"job_type":  entry.JobType,
			"tenant_id": entry.TenantID,
			"asset_id":  entry.AssetID,
			"batch_id":  entry.BatchID,
			"reason":    entry.Reason,
		})
	}
}

// recordJobStart stores a timer key in the list store keyed by
// tenant:batch:asset (random suffix when any part is unknown) and bumps the
// processing gauge.
func (e *Envelope) recordJobStart(ctx domain.Context, job domain.Job) string {
	observability.JobsProcessing.WithLabelValues(string(job.Worker())).Inc()
	key := timerKeyFor(job)
	if err := e.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), 24*time.Hour).Err(); err != nil {
		slog.Debug("job timer write failed", slog.Any("error", err))
	}
	return key
}

func (e *Envelope) recordJobEnd(ctx domain.Context, job domain.Job, timerKey string, start time.Time) {
	observability.JobsProcessing.WithLabelValues(string(job.Worker())).Dec()
	observability.JobDuration.WithLabelValues(string(job.Worker()), string(job.Priority())).Observe(time.Since(start).Seconds())
	if err := e.rdb.Del(ctx, timerKey).Err(); err != nil {
		slog.Debug("job timer delete failed", slog.Any("error", err))
	}
}

func timerKeyFor(job domain.Job) string {
	tenant, batch, asset := job.Tenant(), job.Batch(), job.Asset()
	if tenant == "" || batch == "" || asset == "" {
		return "jobtimer:" + newEntryID()
	}
	return "jobtimer:" + tenant + ":" + batch + ":" + asset
}
