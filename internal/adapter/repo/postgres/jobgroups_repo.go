package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// JobgroupRepo persists jobgroup lifecycle rows. Terminal-state writes are
// monotone: once completed/failed/expired/cancelled, status never regresses.
type JobgroupRepo struct{ Pool PgxPool }

// NewJobgroupRepo constructs a JobgroupRepo with the given pool.
func NewJobgroupRepo(p PgxPool) *JobgroupRepo { return &JobgroupRepo{Pool: p} }

const jobgroupColumns = `id, tenant_id, COALESCE(batch_id,''), external_jobgroup_id, input_file_id, COALESCE(output_file_id,''), status, request_count, notes, created_at, completed_at, failed_at`

func scanJobgroup(row pgx.Row) (domain.Jobgroup, error) {
	var g domain.Jobgroup
	err := row.Scan(&g.ID, &g.TenantID, &g.BatchID, &g.ExternalJobgroupID, &g.InputFileID, &g.OutputFileID,
		&g.Status, &g.RequestCount, &g.Notes, &g.CreatedAt, &g.CompletedAt, &g.FailedAt)
	return g, err
}

// Create inserts a new jobgroup row and returns its id.
func (r *JobgroupRepo) Create(ctx domain.Context, g domain.Jobgroup) (string, error) {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.Create")
	defer span.End()
	id := g.ID
	if id == "" {
		id = uuid.New().String()
	}
	notes := g.Notes
	if notes == nil {
		notes = json.RawMessage(`{}`)
	}
	status := g.Status
	if status == "" {
		status = domain.JobgroupCreated
	}
	q := `INSERT INTO jobgroups (id, tenant_id, batch_id, external_jobgroup_id, input_file_id, output_file_id, status, request_count, notes, created_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,NULLIF($6,''),$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, id, g.TenantID, g.BatchID, g.ExternalJobgroupID, g.InputFileID, g.OutputFileID,
		status, g.RequestCount, notes, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=jobgroups.create: %w", domain.NewStoreError(true, "jobgroups insert", err))
	}
	return id, nil
}

// Get loads a jobgroup by id.
func (r *JobgroupRepo) Get(ctx domain.Context, id string) (domain.Jobgroup, error) {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.Get")
	defer span.End()
	q := `SELECT ` + jobgroupColumns + ` FROM jobgroups WHERE id=$1`
	g, err := scanJobgroup(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Jobgroup{}, fmt.Errorf("op=jobgroups.get: %w", domain.ErrNotFound)
		}
		return domain.Jobgroup{}, fmt.Errorf("op=jobgroups.get: %w", domain.NewStoreError(true, "jobgroups get", err))
	}
	return g, nil
}

// List returns the newest jobgroups up to limit.
func (r *JobgroupRepo) List(ctx domain.Context, limit int) ([]domain.Jobgroup, error) {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobgroupColumns + ` FROM jobgroups ORDER BY created_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=jobgroups.list: %w", domain.NewStoreError(true, "jobgroups list", err))
	}
	defer rows.Close()
	return collectJobgroups(rows)
}

// ListByStatus returns jobgroups in any of the given states, oldest first so
// the poller drains in submission order.
func (r *JobgroupRepo) ListByStatus(ctx domain.Context, statuses ...domain.JobgroupStatus) ([]domain.Jobgroup, error) {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.ListByStatus")
	defer span.End()
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	q := `SELECT ` + jobgroupColumns + ` FROM jobgroups WHERE status = ANY($1) ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, ss)
	if err != nil {
		return nil, fmt.Errorf("op=jobgroups.list_by_status: %w", domain.NewStoreError(true, "jobgroups list_by_status", err))
	}
	defer rows.Close()
	return collectJobgroups(rows)
}

func collectJobgroups(rows pgx.Rows) ([]domain.Jobgroup, error) {
	var out []domain.Jobgroup
	for rows.Next() {
		g, err := scanJobgroup(rows)
		if err != nil {
			return nil, fmt.Errorf("op=jobgroups.scan: %w", domain.NewStoreError(false, "jobgroups scan", err))
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobgroups.rows: %w", domain.NewStoreError(true, "jobgroups rows", err))
	}
	return out, nil
}

// CountActiveForTenant counts jobgroups in non-terminal states for the
// submission-time throttle.
func (r *JobgroupRepo) CountActiveForTenant(ctx domain.Context, tenantID string) (int, error) {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.CountActiveForTenant")
	defer span.End()
	q := `SELECT COUNT(*) FROM jobgroups WHERE tenant_id=$1 AND status IN ('created','validating','in_progress')`
	var n int
	if err := r.Pool.QueryRow(ctx, q, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=jobgroups.count_active: %w", domain.NewStoreError(true, "jobgroups count_active", err))
	}
	return n, nil
}

// CountCreatedSince counts jobgroups created after since for the 24 h cap.
func (r *JobgroupRepo) CountCreatedSince(ctx domain.Context, tenantID string, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.CountCreatedSince")
	defer span.End()
	q := `SELECT COUNT(*) FROM jobgroups WHERE tenant_id=$1 AND created_at >= $2`
	var n int
	if err := r.Pool.QueryRow(ctx, q, tenantID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=jobgroups.count_created_since: %w", domain.NewStoreError(true, "jobgroups count_created_since", err))
	}
	return n, nil
}

// UpdateStatus transitions the jobgroup. The WHERE clause excludes terminal
// rows so terminal writes are monotone; the stored status is returned either
// way. Completed/failed transitions also stamp their timestamp columns.
func (r *JobgroupRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobgroupStatus, notes json.RawMessage) (domain.JobgroupStatus, error) {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.UpdateStatus")
	defer span.End()
	now := time.Now().UTC()
	var completedAt, failedAt *time.Time
	switch status {
	case domain.JobgroupCompleted:
		completedAt = &now
	case domain.JobgroupFailed, domain.JobgroupExpired, domain.JobgroupCancelled:
		failedAt = &now
	}
	q := `UPDATE jobgroups
		SET status=$2,
			notes = CASE WHEN $3::jsonb IS NULL THEN notes ELSE notes || $3::jsonb END,
			completed_at = COALESCE($4, completed_at),
			failed_at = COALESCE($5, failed_at)
		WHERE id=$1 AND status NOT IN ('completed','failed','expired','cancelled')`
	_, err := r.Pool.Exec(ctx, q, id, status, notes, completedAt, failedAt)
	if err != nil {
		return "", fmt.Errorf("op=jobgroups.update_status: %w", domain.NewStoreError(true, "jobgroups update_status", err))
	}
	var stored domain.JobgroupStatus
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM jobgroups WHERE id=$1`, id).Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=jobgroups.update_status: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=jobgroups.update_status: %w", domain.NewStoreError(true, "jobgroups reload", err))
	}
	return stored, nil
}

// SetOutputFile records the remote output file id once known.
func (r *JobgroupRepo) SetOutputFile(ctx domain.Context, id, outputFileID string) error {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.SetOutputFile")
	defer span.End()
	q := `UPDATE jobgroups SET output_file_id=$2 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, outputFileID)
	if err != nil {
		return fmt.Errorf("op=jobgroups.set_output_file: %w", domain.NewStoreError(true, "jobgroups output_file", err))
	}
	return nil
}

// DeleteTerminalBefore removes terminal jobgroups (and their results via
// FK cascade) older than cutoff; used by retention cleanup.
func (r *JobgroupRepo) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.DeleteTerminalBefore")
	defer span.End()
	q := `DELETE FROM jobgroups WHERE created_at < $1 AND status IN ('completed','failed','expired','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=jobgroups.delete_terminal: %w", domain.NewStoreError(true, "jobgroups delete_terminal", err))
	}
	return tag.RowsAffected(), nil
}

// ListNonTerminalBefore returns jobgroups stuck in non-terminal states since
// before cutoff; used by the stuck-jobgroup sweeper.
func (r *JobgroupRepo) ListNonTerminalBefore(ctx domain.Context, cutoff time.Time) ([]domain.Jobgroup, error) {
	tracer := otel.Tracer("repo.jobgroups")
	ctx, span := tracer.Start(ctx, "jobgroups.ListNonTerminalBefore")
	defer span.End()
	q := `SELECT ` + jobgroupColumns + ` FROM jobgroups WHERE created_at < $1 AND status IN ('created','validating','in_progress') ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=jobgroups.list_stuck: %w", domain.NewStoreError(true, "jobgroups list_stuck", err))
	}
	defer rows.Close()
	return collectJobgroups(rows)
}
