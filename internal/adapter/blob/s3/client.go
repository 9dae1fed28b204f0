// Package s3 implements the blob store port against an S3-compatible
// endpoint (Backblaze B2 in production).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// api is the subset of the S3 client the store uses; tests fake it.
type api interface {
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Store implements domain.BlobStore. All calls pass through a fixed-size
// semaphore so a burst of derivative uploads cannot exhaust the
// provider's connection limits.
type Store struct {
	client api
	sem    chan struct{}
	dryRun bool
}

// New builds a Store from the endpoint and key material in cfg.
func New(ctx context.Context, cfg *config.Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.B2Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.B2KeyID, cfg.B2AppKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.B2Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.B2Endpoint)
		}
		o.UsePathStyle = true
	})
	store := NewWithClient(client, cfg.B2ConcurrencyLimit)
	store.dryRun = cfg.DryRun
	return store, nil
}

// NewWithClient wires an existing client; tests pass a fake.
func NewWithClient(client api, concurrency int) *Store {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Store{client: client, sem: make(chan struct{}, concurrency)}
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=blob.acquire: %w: %w", domain.NewTimeoutError("BLOB_SLOT_TIMEOUT", "waiting for blob concurrency slot"), ctx.Err())
	}
}

func (s *Store) release() { <-s.sem }

// Exists reports whether the key is present, via a HEAD request.
func (s *Store) Exists(ctx domain.Context, bucket, key string) (bool, error) {
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()
	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			observability.BlobOperationsTotal.WithLabelValues("head", "success").Inc()
			return false, nil
		}
		observability.BlobOperationsTotal.WithLabelValues("head", "error").Inc()
		return false, fmt.Errorf("op=blob.exists: %w", domain.NewStoreError(true, "blob head "+key, err))
	}
	observability.BlobOperationsTotal.WithLabelValues("head", "success").Inc()
	return true, nil
}

// Upload writes body under key with the given content type.
func (s *Store) Upload(ctx domain.Context, bucket, key string, body []byte, contentType string) error {
	if s.dryRun {
		slog.Info("dry run, skipping blob upload", slog.String("bucket", bucket), slog.String("key", key))
		return nil
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		observability.BlobOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("op=blob.upload: %w", domain.NewStoreError(true, "blob put "+key, err))
	}
	observability.BlobOperationsTotal.WithLabelValues("put", "success").Inc()
	slog.Debug("blob uploaded", slog.String("bucket", bucket), slog.String("key", key), slog.Int("bytes", len(body)))
	return nil
}

// Download reads the full object at key. A missing key maps to
// domain.ErrNotFound so callers can try fallback keys.
func (s *Store) Download(ctx domain.Context, bucket, key string) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			observability.BlobOperationsTotal.WithLabelValues("get", "success").Inc()
			return nil, fmt.Errorf("op=blob.download: %s: %w", key, domain.ErrNotFound)
		}
		observability.BlobOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("op=blob.download: %w", domain.NewStoreError(true, "blob get "+key, err))
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		observability.BlobOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("op=blob.download: %w", domain.NewStoreError(true, "blob read "+key, err))
	}
	observability.BlobOperationsTotal.WithLabelValues("get", "success").Inc()
	return data, nil
}
