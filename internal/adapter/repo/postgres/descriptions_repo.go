package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// DescriptionRepo persists normalized model output, one row per
// (tenant_id, asset_id).
type DescriptionRepo struct{ Pool PgxPool }

// NewDescriptionRepo constructs a DescriptionRepo with the given pool.
func NewDescriptionRepo(p PgxPool) *DescriptionRepo { return &DescriptionRepo{Pool: p} }

// Upsert inserts or updates the description on (tenant_id, asset_id).
func (r *DescriptionRepo) Upsert(ctx domain.Context, d domain.AIDescription) error {
	tracer := otel.Tracer("repo.descriptions")
	ctx, span := tracer.Start(ctx, "descriptions.Upsert")
	defer span.End()
	now := time.Now().UTC()
	desc := d.Description
	if desc == nil {
		desc = json.RawMessage(`{}`)
	}
	notes := d.Notes
	if notes == nil {
		notes = json.RawMessage(`{}`)
	}
	q := `INSERT INTO ai_descriptions (tenant_id, asset_id, description, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (tenant_id, asset_id)
		DO UPDATE SET description=EXCLUDED.description, notes=EXCLUDED.notes, updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, d.TenantID, d.AssetID, desc, notes, now)
	if err != nil {
		return fmt.Errorf("op=descriptions.upsert: %w", domain.NewStoreError(true, "ai_descriptions upsert", err))
	}
	return nil
}

// UpdateNotes replaces the processing telemetry document on an existing row.
func (r *DescriptionRepo) UpdateNotes(ctx domain.Context, tenantID, assetID string, notes json.RawMessage) error {
	tracer := otel.Tracer("repo.descriptions")
	ctx, span := tracer.Start(ctx, "descriptions.UpdateNotes")
	defer span.End()
	q := `UPDATE ai_descriptions SET notes=$3, updated_at=$4 WHERE tenant_id=$1 AND asset_id=$2`
	_, err := r.Pool.Exec(ctx, q, tenantID, assetID, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=descriptions.update_notes: %w", domain.NewStoreError(true, "ai_descriptions notes", err))
	}
	return nil
}

// Get loads a description row.
func (r *DescriptionRepo) Get(ctx domain.Context, tenantID, assetID string) (domain.AIDescription, error) {
	tracer := otel.Tracer("repo.descriptions")
	ctx, span := tracer.Start(ctx, "descriptions.Get")
	defer span.End()
	q := `SELECT tenant_id, asset_id, description, notes, created_at, updated_at FROM ai_descriptions WHERE tenant_id=$1 AND asset_id=$2`
	var d domain.AIDescription
	err := r.Pool.QueryRow(ctx, q, tenantID, assetID).Scan(&d.TenantID, &d.AssetID, &d.Description, &d.Notes, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AIDescription{}, fmt.Errorf("op=descriptions.get: %w", domain.ErrNotFound)
		}
		return domain.AIDescription{}, fmt.Errorf("op=descriptions.get: %w", domain.NewStoreError(true, "ai_descriptions get", err))
	}
	return d, nil
}
