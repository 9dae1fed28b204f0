package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// ResultRepo persists jobgroup results, upsert-only on
// (jobgroup_id, asset_id) so that output-file replay is safe.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// Exists reports whether a result row already exists for the pair.
func (r *ResultRepo) Exists(ctx domain.Context, jobgroupID, assetID string) (bool, error) {
	tracer := otel.Tracer("repo.jobgroup_results")
	ctx, span := tracer.Start(ctx, "jobgroup_results.Exists")
	defer span.End()
	q := `SELECT EXISTS(SELECT 1 FROM jobgroup_results WHERE jobgroup_id=$1 AND asset_id=$2)`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, jobgroupID, assetID).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=jobgroup_results.exists: %w", domain.NewStoreError(true, "jobgroup_results exists", err))
	}
	return exists, nil
}

// Upsert inserts or updates the result on (jobgroup_id, asset_id).
func (r *ResultRepo) Upsert(ctx domain.Context, res domain.JobgroupResult) error {
	tracer := otel.Tracer("repo.jobgroup_results")
	ctx, span := tracer.Start(ctx, "jobgroup_results.Upsert")
	defer span.End()
	now := time.Now().UTC()
	resp := res.Response
	if resp == nil {
		resp = json.RawMessage(`{}`)
	}
	q := `INSERT INTO jobgroup_results (jobgroup_id, asset_id, status, error_code, error_message, response, custom_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (jobgroup_id, asset_id)
		DO UPDATE SET status=EXCLUDED.status, error_code=EXCLUDED.error_code,
			error_message=EXCLUDED.error_message, response=EXCLUDED.response,
			custom_id=EXCLUDED.custom_id, updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, res.JobgroupID, res.AssetID, res.Status, res.ErrorCode, res.ErrorMessage, resp, res.CustomID, now)
	if err != nil {
		return fmt.Errorf("op=jobgroup_results.upsert: %w", domain.NewStoreError(true, "jobgroup_results upsert", err))
	}
	return nil
}

// CountByJobgroup counts rows for the idempotency short-circuit.
func (r *ResultRepo) CountByJobgroup(ctx domain.Context, jobgroupID string) (int, error) {
	tracer := otel.Tracer("repo.jobgroup_results")
	ctx, span := tracer.Start(ctx, "jobgroup_results.CountByJobgroup")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobgroup_results WHERE jobgroup_id=$1`, jobgroupID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=jobgroup_results.count: %w", domain.NewStoreError(true, "jobgroup_results count", err))
	}
	return n, nil
}

// CountFailed counts failed rows for the terminal transition decision.
func (r *ResultRepo) CountFailed(ctx domain.Context, jobgroupID string) (int, error) {
	tracer := otel.Tracer("repo.jobgroup_results")
	ctx, span := tracer.Start(ctx, "jobgroup_results.CountFailed")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobgroup_results WHERE jobgroup_id=$1 AND status='failed'`, jobgroupID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=jobgroup_results.count_failed: %w", domain.NewStoreError(true, "jobgroup_results count_failed", err))
	}
	return n, nil
}
