package machinist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// DeadLetterer routes a partial failure (one derivative's upload) to the
// DLQ without aborting the rest of the pipeline.
type DeadLetterer interface {
	SendToDLQ(ctx domain.Context, job domain.Job, reason string)
}

// allowedMIMEs is the magic-byte allow-list.
var allowedMIMEs = map[string]bool{
	"image/jpeg": true, "image/png": true, "image/tiff": true,
}

// Result is the machinist output contract: the set of produced versions
// keyed by variant name.
type Result struct {
	Status   string            `json:"status"`
	Versions map[string]string `json:"versions"`
}

// Pipeline produces derivatives from one uploaded original and records
// them as asset versions.
type Pipeline struct {
	Cfg      config.Config
	Blob     domain.BlobStore
	Versions domain.AssetVersionRepository
	Codec    domain.ImageCodec
	Exif     domain.ExifExtractor
	DLQ      DeadLetterer

	// FreeMemory is injectable for tests; defaults to /proc/meminfo.
	FreeMemory func() int64
}

func (p *Pipeline) freeMemory() int64 {
	if p.FreeMemory != nil {
		return p.FreeMemory()
	}
	return freeMemoryBytes()
}

// Process runs the full derivative pipeline for one validated job.
func (p *Pipeline) Process(ctx domain.Context, job domain.MachinistJob) (Result, error) {
	if err := job.Validate(); err != nil {
		return Result{}, err
	}
	if free := p.freeMemory(); free >= 0 && free < p.Cfg.MinFreeMemoryBytes {
		return Result{}, fmt.Errorf("op=machinist.guard: %w",
			domain.NewResourceError("LOW_MEMORY", fmt.Sprintf("free memory %d below floor %d", free, p.Cfg.MinFreeMemoryBytes)))
	}

	workDir, err := os.MkdirTemp("", "machinist-*")
	if err != nil {
		return Result{}, fmt.Errorf("op=machinist.workdir: %w", err)
	}
	if err := os.Chmod(workDir, 0o700); err != nil {
		_ = os.RemoveAll(workDir)
		return Result{}, fmt.Errorf("op=machinist.workdir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			slog.Warn("workdir cleanup failed", slog.String("dir", workDir), slog.Any("error", rmErr))
		}
	}()

	ext, err := domain.NormalizeExtension(job.InputExtension)
	if err != nil {
		return Result{}, err
	}
	original, err := p.downloadOriginal(ctx, job, ext)
	if err != nil {
		return Result{}, err
	}
	if job.FilePurpose == domain.PurposePreservation && int64(len(original)) > p.Cfg.MaxInputBytes {
		return Result{}, fmt.Errorf("op=machinist.guard: %w",
			domain.NewResourceError("INPUT_TOO_LARGE", fmt.Sprintf("input is %d bytes, preservation limit %d", len(original), p.Cfg.MaxInputBytes)))
	}

	mime := mimetype.Detect(original).String()
	if !allowedMIMEs[mime] {
		return Result{}, fmt.Errorf("op=machinist.validate: %w",
			domain.NewUnsupportedMediaError("UNSUPPORTED_MIME", "detected media type "+mime+" is not in the allow-list"))
	}

	info, err := p.Codec.Probe(ctx, original)
	if err != nil {
		return Result{}, fmt.Errorf("op=machinist.probe: %w", err)
	}
	if err := p.checkDimensions(info); err != nil {
		return Result{}, err
	}

	originalPath := filepath.Join(workDir, "original."+ext)
	if err := os.WriteFile(originalPath, original, 0o600); err != nil {
		return Result{}, fmt.Errorf("op=machinist.workdir: %w", err)
	}
	rawExif, err := p.Exif.Extract(ctx, originalPath)
	if err != nil {
		slog.Warn("exif extraction failed", slog.Any("error", err))
		rawExif = map[string]any{}
	}
	exif := NormalizeExif(rawExif)

	versions := map[string]string{}

	originalBucket := p.Cfg.FilesBucket
	if job.FilePurpose == domain.PurposePreservation {
		originalBucket = p.Cfg.ArchiveBucket
	}
	originalKey := PurposeKey(job.TenantID, job.BatchID, job.AssetID, job.FilePurpose, ext)
	if err := p.uploadIfAbsent(ctx, originalBucket, originalKey, original, mime); err != nil {
		return Result{}, fmt.Errorf("op=machinist.upload_original: %w", err)
	}
	if err := p.upsertVersion(ctx, job, "original", "image", originalBucket, originalKey, original, info); err != nil {
		return Result{}, err
	}
	versions["original"] = originalKey

	p.generateDerivatives(ctx, job, original, workDir, versions)

	manifest := Manifest{
		TenantID:    job.TenantID,
		AssetID:     job.AssetID,
		BatchID:     job.BatchID,
		FilePurpose: job.FilePurpose,
		Exif:        exif,
		Versions:    versions,
		GeneratedAt: time.Now(),
	}
	doc, err := EncodeManifest(manifest)
	if err != nil {
		return Result{}, err
	}
	manifestKey := ManifestKey(job.TenantID, job.BatchID, job.AssetID)
	if err := p.Blob.Upload(ctx, p.Cfg.FilesBucket, manifestKey, doc, "application/json"); err != nil {
		return Result{}, fmt.Errorf("op=machinist.upload_manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, fileManifest), doc, 0o600); err != nil {
		slog.Warn("manifest workdir write failed", slog.Any("error", err))
	}
	if err := p.Versions.UpdateMetadata(ctx, job.AssetID, job.FilePurpose, "original", "image", json.RawMessage(doc)); err != nil {
		slog.Warn("manifest attach failed", slog.Any("error", err))
	}
	versions["manifest"] = manifestKey

	if job.FilePurpose == domain.PurposePreservation {
		if err := p.preserve(ctx, job, workDir, versions); err != nil {
			return Result{}, err
		}
	}

	return Result{Status: "complete", Versions: versions}, nil
}

// downloadOriginal probes the landing keys in candidate order and
// downloads the first one present.
func (p *Pipeline) downloadOriginal(ctx domain.Context, job domain.MachinistJob, ext string) ([]byte, error) {
	keys := CandidateOriginKeys(job.TenantID, job.BatchID, job.AssetID, ext)
	for _, key := range keys {
		data, err := p.Blob.Download(ctx, p.Cfg.FilesBucket, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("op=machinist.download: %w", err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("op=machinist.download: %w",
				domain.NewUnsupportedMediaError("EMPTY_FILE", "downloaded original is empty"))
		}
		slog.Debug("original located", slog.String("key", key), slog.Int("bytes", len(data)))
		return data, nil
	}
	return nil, fmt.Errorf("op=machinist.download: %w",
		domain.NewValidationError("ORIGINAL_NOT_FOUND", "input_extension", "no original found under any candidate key"))
}

func (p *Pipeline) checkDimensions(info domain.ImageInfo) error {
	minW, minH := p.Cfg.MachinistMinWidth, p.Cfg.MachinistMinHeight
	maxW, maxH := p.Cfg.MachinistMaxWidth, p.Cfg.MachinistMaxHeight
	if info.Width < minW || info.Height < minH {
		return fmt.Errorf("op=machinist.validate: %w",
			domain.NewResourceError("IMAGE_TOO_SMALL", fmt.Sprintf("%dx%d below minimum %dx%d", info.Width, info.Height, minW, minH)))
	}
	if info.Width > maxW || info.Height > maxH {
		return fmt.Errorf("op=machinist.validate: %w",
			domain.NewResourceError("IMAGE_TOO_LARGE", fmt.Sprintf("%dx%d above maximum %dx%d", info.Width, info.Height, maxW, maxH)))
	}
	return nil
}

// derivativeSpec describes one derivative to produce.
type derivativeSpec struct {
	variant  string
	dir      string
	filename string
	generate func(ctx domain.Context) ([]byte, domain.ImageInfo, error)
}

// generateDerivatives produces each derivative independently: a
// generation failure is fatal only to that derivative, an upload failure
// routes to the DLQ, and the pipeline continues either way.
func (p *Pipeline) generateDerivatives(ctx domain.Context, job domain.MachinistJob, original []byte, workDir string, versions map[string]string) {
	specs := []derivativeSpec{
		{variant: "viewing", dir: "viewing", filename: fileViewing, generate: func(ctx domain.Context) ([]byte, domain.ImageInfo, error) {
			return p.Codec.ResizeWidth(ctx, original, 2000, 85)
		}},
		{variant: "thumb-small", dir: "thumbnails", filename: fileThumbSmall, generate: func(ctx domain.Context) ([]byte, domain.ImageInfo, error) {
			return p.Codec.ResizeWidth(ctx, original, 200, 80)
		}},
		{variant: "thumb-medium", dir: "thumbnails", filename: fileThumbMedium, generate: func(ctx domain.Context) ([]byte, domain.ImageInfo, error) {
			return p.Codec.ResizeWidth(ctx, original, 400, 80)
		}},
		{variant: "thumb-large", dir: "thumbnails", filename: fileThumbLarge, generate: func(ctx domain.Context) ([]byte, domain.ImageInfo, error) {
			return p.Codec.ResizeWidth(ctx, original, 800, 80)
		}},
	}
	if job.FilePurpose == domain.PurposePreservation || job.FilePurpose == domain.PurposeViewing {
		specs = append(specs, derivativeSpec{variant: "ai", dir: "ai", filename: fileAI, generate: func(ctx domain.Context) ([]byte, domain.ImageInfo, error) {
			return p.Codec.Letterbox(ctx, original, 768, 768, 80)
		}})
	}

	for _, spec := range specs {
		data, info, err := spec.generate(ctx)
		if err != nil {
			slog.Error("derivative generation failed",
				slog.String("variant", spec.variant), slog.String("asset_id", job.AssetID), slog.Any("error", err))
			continue
		}
		key := DerivativeKey(job.TenantID, job.BatchID, job.AssetID, spec.dir, spec.filename)
		if err := p.Blob.Upload(ctx, p.Cfg.FilesBucket, key, data, "image/jpeg"); err != nil {
			slog.Error("derivative upload failed",
				slog.String("variant", spec.variant), slog.String("key", key), slog.Any("error", err))
			if p.DLQ != nil {
				p.DLQ.SendToDLQ(ctx, job, fmt.Sprintf("derivative %s upload failed: %v", spec.variant, err))
			}
			continue
		}
		if err := os.WriteFile(filepath.Join(workDir, spec.filename), data, 0o600); err != nil {
			slog.Warn("derivative workdir write failed", slog.String("variant", spec.variant), slog.Any("error", err))
		}
		if err := p.upsertVersion(ctx, job, spec.variant, "image", p.Cfg.FilesBucket, key, data, info); err != nil {
			slog.Error("derivative version upsert failed", slog.String("variant", spec.variant), slog.Any("error", err))
			continue
		}
		versions[spec.variant] = key
	}
}

// preserve bundles the working directory into a deterministic archive
// and records a preservation version row. Idempotent: a pre-existing row
// skips the work entirely.
func (p *Pipeline) preserve(ctx domain.Context, job domain.MachinistJob, workDir string, versions map[string]string) error {
	exists, err := p.Versions.Exists(ctx, job.AssetID, domain.PurposePreservation, "bundle", "archive")
	if err != nil {
		return fmt.Errorf("op=machinist.preserve: %w", err)
	}
	key := PreservationBundleKey(job.TenantID, job.AssetID)
	if exists {
		slog.Info("preservation bundle already recorded, skipping", slog.String("asset_id", job.AssetID))
		versions["bundle"] = key
		return nil
	}
	data, checksum, err := BundleDir(workDir, p.Cfg.MaxArchiveBytes)
	if err != nil {
		return fmt.Errorf("op=machinist.preserve: %w", err)
	}
	if err := p.Blob.Upload(ctx, p.Cfg.ArchiveBucket, key, data, "application/gzip"); err != nil {
		return fmt.Errorf("op=machinist.preserve: %w", err)
	}
	v := domain.AssetVersion{
		AssetID:           job.AssetID,
		Purpose:           domain.PurposePreservation,
		Variant:           "bundle",
		Type:              "archive",
		Bucket:            p.Cfg.ArchiveBucket,
		Key:               key,
		Status:            domain.VersionSuccess,
		FileSize:          int64(len(data)),
		MIMEType:          "application/gzip",
		Checksum:          checksum,
		ChecksumAlgorithm: "sha256",
	}
	if err := p.Versions.Upsert(ctx, v); err != nil {
		return fmt.Errorf("op=machinist.preserve: %w", err)
	}
	versions["bundle"] = key
	return nil
}

// uploadIfAbsent implements the exists?-then-skip idempotent upload.
func (p *Pipeline) uploadIfAbsent(ctx domain.Context, bucket, key string, data []byte, contentType string) error {
	exists, err := p.Blob.Exists(ctx, bucket, key)
	if err != nil {
		return err
	}
	if exists {
		slog.Debug("blob already present, skipping upload", slog.String("key", key))
		return nil
	}
	return p.Blob.Upload(ctx, bucket, key, data, contentType)
}

func (p *Pipeline) upsertVersion(ctx domain.Context, job domain.MachinistJob, variant, typ, bucket, key string, data []byte, info domain.ImageInfo) error {
	sum := sha256.Sum256(data)
	v := domain.AssetVersion{
		AssetID:           job.AssetID,
		Purpose:           job.FilePurpose,
		Variant:           variant,
		Type:              typ,
		Bucket:            bucket,
		Key:               key,
		Status:            domain.VersionSuccess,
		FileSize:          int64(len(data)),
		Width:             info.Width,
		Height:            info.Height,
		BitDepth:          info.BitDepth,
		ColorSpace:        info.ColorSpace,
		MIMEType:          info.MIMEType,
		Checksum:          hex.EncodeToString(sum[:]),
		ChecksumAlgorithm: "sha256",
	}
	if err := p.Versions.Upsert(ctx, v); err != nil {
		return fmt.Errorf("op=machinist.upsert_version: %w", err)
	}
	return nil
}
