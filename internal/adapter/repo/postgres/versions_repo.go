package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// VersionRepo persists asset version records. The tuple
// (asset_id, purpose, variant, type) is unique; all writes are upserts so
// that retries never produce duplicates.
type VersionRepo struct{ Pool PgxPool }

// NewVersionRepo constructs a VersionRepo with the given pool.
func NewVersionRepo(p PgxPool) *VersionRepo { return &VersionRepo{Pool: p} }

// Upsert inserts or updates the version row on its unique tuple.
func (r *VersionRepo) Upsert(ctx domain.Context, v domain.AssetVersion) error {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.Upsert")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO asset_versions
		(asset_id, purpose, variant, type, bucket, key, status, file_size, width, height, bit_depth, color_space, mime_type, checksum, checksum_algorithm, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
		ON CONFLICT (asset_id, purpose, variant, type)
		DO UPDATE SET bucket=EXCLUDED.bucket, key=EXCLUDED.key, status=EXCLUDED.status,
			file_size=EXCLUDED.file_size, width=EXCLUDED.width, height=EXCLUDED.height,
			bit_depth=EXCLUDED.bit_depth, color_space=EXCLUDED.color_space,
			mime_type=EXCLUDED.mime_type, checksum=EXCLUDED.checksum,
			checksum_algorithm=EXCLUDED.checksum_algorithm, metadata=EXCLUDED.metadata,
			updated_at=EXCLUDED.updated_at`
	meta := v.Metadata
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}
	_, err := r.Pool.Exec(ctx, q, v.AssetID, v.Purpose, v.Variant, v.Type, v.Bucket, v.Key, v.Status,
		v.FileSize, v.Width, v.Height, v.BitDepth, v.ColorSpace, v.MIMEType, v.Checksum, v.ChecksumAlgorithm, meta, now)
	if err != nil {
		return fmt.Errorf("op=versions.upsert: %w", domain.NewStoreError(true, "asset_versions upsert", err))
	}
	return nil
}

// Exists reports whether a row exists for the unique tuple.
func (r *VersionRepo) Exists(ctx domain.Context, assetID, purpose, variant, typ string) (bool, error) {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.Exists")
	defer span.End()
	q := `SELECT EXISTS(SELECT 1 FROM asset_versions WHERE asset_id=$1 AND purpose=$2 AND variant=$3 AND type=$4)`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, assetID, purpose, variant, typ).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=versions.exists: %w", domain.NewStoreError(true, "asset_versions exists", err))
	}
	return exists, nil
}

// UpdateMetadata attaches a metadata document to the row for the tuple.
func (r *VersionRepo) UpdateMetadata(ctx domain.Context, assetID, purpose, variant, typ string, metadata json.RawMessage) error {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.UpdateMetadata")
	defer span.End()
	q := `UPDATE asset_versions SET metadata=$5, updated_at=$6 WHERE asset_id=$1 AND purpose=$2 AND variant=$3 AND type=$4`
	_, err := r.Pool.Exec(ctx, q, assetID, purpose, variant, typ, metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=versions.update_metadata: %w", domain.NewStoreError(true, "asset_versions metadata", err))
	}
	return nil
}

// SetFailedReason best-effort records a failure reason across the asset's
// rows; used by DLQ routing.
func (r *VersionRepo) SetFailedReason(ctx domain.Context, assetID, reason string) error {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.SetFailedReason")
	defer span.End()
	q := `UPDATE asset_versions SET failed_reason=$2, updated_at=$3 WHERE asset_id=$1`
	_, err := r.Pool.Exec(ctx, q, assetID, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=versions.set_failed_reason: %w", domain.NewStoreError(true, "asset_versions failed_reason", err))
	}
	return nil
}
