package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// AssetRepo recovers tenant/batch scope for asset ids found in jobgroup
// output files.
type AssetRepo struct{ Pool PgxPool }

// NewAssetRepo constructs an AssetRepo with the given pool.
func NewAssetRepo(p PgxPool) *AssetRepo { return &AssetRepo{Pool: p} }

// Lookup returns the owning tenant and optional batch for an asset.
func (r *AssetRepo) Lookup(ctx domain.Context, assetID string) (string, string, error) {
	tracer := otel.Tracer("repo.assets")
	ctx, span := tracer.Start(ctx, "assets.Lookup")
	defer span.End()
	q := `SELECT tenant_id, COALESCE(batch_id,'') FROM assets WHERE id=$1`
	var tenantID, batchID string
	if err := r.Pool.QueryRow(ctx, q, assetID).Scan(&tenantID, &batchID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", fmt.Errorf("op=assets.lookup: %w", domain.ErrNotFound)
		}
		return "", "", fmt.Errorf("op=assets.lookup: %w", domain.NewStoreError(true, "assets lookup", err))
	}
	return tenantID, batchID, nil
}

// ListByBatch returns the asset ids of a batch, oldest first. Used by
// the jobgroup CLI to assemble a submission.
func (r *AssetRepo) ListByBatch(ctx domain.Context, tenantID, batchID string) ([]string, error) {
	tracer := otel.Tracer("repo.assets")
	ctx, span := tracer.Start(ctx, "assets.ListByBatch")
	defer span.End()
	q := `SELECT id FROM assets WHERE tenant_id=$1 AND batch_id=$2 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, tenantID, batchID)
	if err != nil {
		return nil, fmt.Errorf("op=assets.list_by_batch: %w", domain.NewStoreError(true, "assets list_by_batch", err))
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=assets.list_by_batch: %w", domain.NewStoreError(false, "assets scan", err))
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=assets.list_by_batch: %w", domain.NewStoreError(true, "assets rows", err))
	}
	return out, nil
}
