package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

const testBatchID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

type scanFunc func(dest ...any) error

type fakeRow struct{ scan scanFunc }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type execCall struct {
	sql  string
	args []any
}

// fakePool stubs PgxPool: QueryRow pops queued scan funcs in order, Exec
// records calls and returns execTag.
type fakePool struct {
	rows    []scanFunc
	execs   []execCall
	execErr error
	execTag string
}

func (f *fakePool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if len(f.rows) == 0 {
		return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	}
	next := f.rows[0]
	f.rows = f.rows[1:]
	return fakeRow{scan: next}
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	tag := f.execTag
	if tag == "" {
		tag = "UPDATE 1"
	}
	return pgconn.NewCommandTag(tag), f.execErr
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fake pool: Query not stubbed")
}

func scanStrings(vals ...string) scanFunc {
	return func(dest ...any) error {
		for i, d := range dest {
			switch p := d.(type) {
			case *string:
				*p = vals[i]
			case *domain.JobgroupStatus:
				*p = domain.JobgroupStatus(vals[i])
			}
		}
		return nil
	}
}

func scanCounts(total, done int) scanFunc {
	return func(dest ...any) error {
		*(dest[0].(*int)) = total
		*(dest[1].(*int)) = done
		return nil
	}
}

func TestBatchRepo_Reconcile(t *testing.T) {
	cases := []struct {
		name        string
		total, done int
		want        domain.BatchStatus
	}{
		{"all assets done", 3, 3, domain.BatchComplete},
		{"some assets done", 3, 1, domain.BatchInProgress},
		{"no assets done", 3, 0, domain.BatchNotStarted},
		{"empty batch", 0, 0, domain.BatchNotStarted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pool := &fakePool{rows: []scanFunc{
				scanStrings("in_progress"),
				scanCounts(tc.total, tc.done),
			}}
			repo := NewBatchRepo(pool)

			got, err := repo.Reconcile(context.Background(), testBatchID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			require.Len(t, pool.execs, 1)
			assert.Contains(t, pool.execs[0].sql, "UPDATE batches")
			assert.Equal(t, tc.want, pool.execs[0].args[1])
		})
	}
}

func TestBatchRepo_Reconcile_CancelledIsSticky(t *testing.T) {
	pool := &fakePool{rows: []scanFunc{scanStrings("cancelled")}}
	repo := NewBatchRepo(pool)

	got, err := repo.Reconcile(context.Background(), testBatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCancelled, got)
	assert.Empty(t, pool.execs, "cancelled batches are never rewritten")
}

func TestBatchRepo_Reconcile_LoadErrorIsTransient(t *testing.T) {
	pool := &fakePool{rows: []scanFunc{
		func(...any) error { return errors.New("connection reset") },
	}}
	repo := NewBatchRepo(pool)

	_, err := repo.Reconcile(context.Background(), testBatchID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreTransient)
	assert.True(t, domain.Retryable(err))
}

func TestJobgroupRepo_Create_Defaults(t *testing.T) {
	pool := &fakePool{}
	repo := NewJobgroupRepo(pool)

	id, err := repo.Create(context.Background(), domain.Jobgroup{
		TenantID:     "1b4e28ba-2fa1-41d2-883f-0016d3cca427",
		RequestCount: 2,
	})
	require.NoError(t, err)
	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr, "missing id is generated")

	require.Len(t, pool.execs, 1)
	args := pool.execs[0].args
	assert.Equal(t, id, args[0])
	assert.Equal(t, domain.JobgroupCreated, args[6], "missing status defaults to created")
	assert.JSONEq(t, `{}`, string(args[8].(json.RawMessage)), "missing notes default to an empty document")
}

func TestJobgroupRepo_Get_NotFound(t *testing.T) {
	repo := NewJobgroupRepo(&fakePool{})

	_, err := repo.Get(context.Background(), uuid.New().String())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, domain.Retryable(err))
}

func TestJobgroupRepo_UpdateStatus_StampsTimestamps(t *testing.T) {
	pool := &fakePool{rows: []scanFunc{scanStrings("completed")}}
	repo := NewJobgroupRepo(pool)

	stored, err := repo.UpdateStatus(context.Background(), "jg-1", domain.JobgroupCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobgroupCompleted, stored)

	require.Len(t, pool.execs, 1)
	args := pool.execs[0].args
	assert.NotNil(t, args[3], "completed_at stamped on completion")
	assert.Nil(t, args[4])
}

func TestJobgroupRepo_UpdateStatus_ReturnsStoredOnTerminalRow(t *testing.T) {
	// The guarded UPDATE matches nothing for a terminal row; the reload
	// reports what is actually stored.
	pool := &fakePool{rows: []scanFunc{scanStrings("failed")}, execTag: "UPDATE 0"}
	repo := NewJobgroupRepo(pool)

	stored, err := repo.UpdateStatus(context.Background(), "jg-1", domain.JobgroupCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobgroupFailed, stored)
}

func TestJobgroupRepo_UpdateStatus_FailureStampsFailedAt(t *testing.T) {
	pool := &fakePool{rows: []scanFunc{scanStrings("failed")}}
	repo := NewJobgroupRepo(pool)

	_, err := repo.UpdateStatus(context.Background(), "jg-1", domain.JobgroupFailed, nil)
	require.NoError(t, err)
	args := pool.execs[0].args
	assert.Nil(t, args[3])
	assert.NotNil(t, args[4], "failed_at stamped on failure")
}

func TestJobgroupRepo_DeleteTerminalBefore(t *testing.T) {
	pool := &fakePool{execTag: "DELETE 4"}
	repo := NewJobgroupRepo(pool)

	n, err := repo.DeleteTerminalBefore(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Contains(t, pool.execs[0].sql, "DELETE FROM jobgroups")
}

type stubJobgroups struct {
	domain.JobgroupRepository
	deleted   int64
	gotCutoff time.Time
	err       error
}

func (s *stubJobgroups) DeleteTerminalBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	s.gotCutoff = cutoff
	return s.deleted, s.err
}

func TestCleanupService_CleanupOldData(t *testing.T) {
	stub := &stubJobgroups{deleted: 7}
	svc := NewCleanupService(stub, 14)

	require.NoError(t, svc.CleanupOldData(context.Background()))
	wantCutoff := time.Now().AddDate(0, 0, -14)
	assert.WithinDuration(t, wantCutoff, stub.gotCutoff, time.Minute)
}

func TestCleanupService_DefaultRetention(t *testing.T) {
	svc := NewCleanupService(&stubJobgroups{}, 0)
	assert.Equal(t, 30, svc.RetentionDays)
}

func TestCleanupService_PropagatesError(t *testing.T) {
	stub := &stubJobgroups{err: errors.New("store down")}
	svc := NewCleanupService(stub, 7)
	assert.Error(t, svc.CleanupOldData(context.Background()))
}
