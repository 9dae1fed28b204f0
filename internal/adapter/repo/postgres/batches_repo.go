package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// BatchRepo reconciles customer-facing batch progress from asset state.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

// Reconcile recomputes batch status from its assets' version rows and
// stores it. Cancelled batches are sticky; otherwise a batch with no
// processed assets is not_started, with some is in_progress, and with all
// assets carrying at least one successful version is complete.
func (r *BatchRepo) Reconcile(ctx domain.Context, batchID string) (domain.BatchStatus, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Reconcile")
	defer span.End()

	var current string
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM batches WHERE id=$1`, batchID).Scan(&current); err != nil {
		return "", fmt.Errorf("op=batches.reconcile: %w", domain.NewStoreError(true, "batches load", err))
	}
	if domain.BatchStatus(current) == domain.BatchCancelled {
		return domain.BatchCancelled, nil
	}

	var total, done int
	q := `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE EXISTS (
			SELECT 1 FROM asset_versions v WHERE v.asset_id = a.id AND v.status = 'success'))
		FROM assets a WHERE a.batch_id = $1`
	if err := r.Pool.QueryRow(ctx, q, batchID).Scan(&total, &done); err != nil {
		return "", fmt.Errorf("op=batches.reconcile: %w", domain.NewStoreError(true, "batches counts", err))
	}

	status := domain.BatchNotStarted
	switch {
	case total > 0 && done == total:
		status = domain.BatchComplete
	case done > 0:
		status = domain.BatchInProgress
	}

	if _, err := r.Pool.Exec(ctx, `UPDATE batches SET status=$2 WHERE id=$1 AND status <> 'cancelled'`, batchID, status); err != nil {
		return "", fmt.Errorf("op=batches.reconcile: %w", domain.NewStoreError(true, "batches update", err))
	}
	return status, nil
}
