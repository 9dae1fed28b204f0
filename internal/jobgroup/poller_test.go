package jobgroup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

func newTestPoller(t *testing.T) (*Poller, *fakeJobgroupRepo, *fakeModelAPI, *fakeNotifier) {
	t.Helper()
	svc, repo, model, notifier := newTestService(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	svc.Lock = NewLock(rdb, 10*time.Second)
	return NewPoller(svc), repo, model, notifier
}

func TestPoller_CompletedRemoteDistributesResults(t *testing.T) {
	p, repo, model, _ := newTestPoller(t)
	ctx := context.Background()

	id, err := repo.Create(ctx, domain.Jobgroup{
		TenantID:           testTenant,
		BatchID:            testBatch,
		ExternalJobgroupID: "batch_ext_1",
		Status:             domain.JobgroupInProgress,
	})
	require.NoError(t, err)

	model.remoteByID = map[string]domain.RemoteJobgroup{
		"batch_ext_1": {ID: "batch_ext_1", Status: "completed", OutputFileID: "file-out"},
	}
	model.fileContent = joinLines(outputLine(t, testAsset, `{"title":"Polled"}`))

	active := p.PollOnce(ctx)
	assert.True(t, active)

	g, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobgroupCompleted, g.Status)
	assert.Equal(t, "file-out", g.OutputFileID)

	descs := p.Service.Descriptions.(*fakeDescriptionRepo)
	assert.Contains(t, descs.docs, testTenant+"|"+testAsset)
}

func TestPoller_RemoteFailureTransitions(t *testing.T) {
	p, repo, model, notifier := newTestPoller(t)
	ctx := context.Background()

	id, err := repo.Create(ctx, domain.Jobgroup{
		TenantID:           testTenant,
		ExternalJobgroupID: "batch_ext_2",
		Status:             domain.JobgroupInProgress,
	})
	require.NoError(t, err)
	model.remoteByID = map[string]domain.RemoteJobgroup{
		"batch_ext_2": {ID: "batch_ext_2", Status: "expired"},
	}

	p.PollOnce(ctx)

	g, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobgroupFailed, g.Status)
	assert.True(t, notifier.has("jobgroup.failed"))
}

func TestPoller_InProgressAdvancesStatus(t *testing.T) {
	p, repo, model, _ := newTestPoller(t)
	ctx := context.Background()

	id, err := repo.Create(ctx, domain.Jobgroup{
		TenantID:           testTenant,
		ExternalJobgroupID: "batch_ext_3",
		Status:             domain.JobgroupCreated,
	})
	require.NoError(t, err)
	model.remoteByID = map[string]domain.RemoteJobgroup{
		"batch_ext_3": {ID: "batch_ext_3", Status: "in_progress"},
	}

	active := p.PollOnce(ctx)
	assert.True(t, active)

	g, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobgroupInProgress, g.Status)
}

func TestPoller_NoGroupsIsIdle(t *testing.T) {
	p, _, _, _ := newTestPoller(t)
	assert.False(t, p.PollOnce(context.Background()))
}

func TestPoller_SkipsWhenLockHeldElsewhere(t *testing.T) {
	p, repo, model, _ := newTestPoller(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, domain.Jobgroup{
		TenantID:           testTenant,
		ExternalJobgroupID: "batch_ext_4",
		Status:             domain.JobgroupInProgress,
	})
	require.NoError(t, err)
	model.remoteByID = map[string]domain.RemoteJobgroup{
		"batch_ext_4": {ID: "batch_ext_4", Status: "completed", OutputFileID: "file-out"},
	}

	// Another process holds the lock.
	held, err := p.Service.Lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	assert.False(t, p.PollOnce(ctx), "cycle is skipped while the lock is held elsewhere")
}

func TestPoller_MockDirCompletesJobgroup(t *testing.T) {
	p, repo, _, _ := newTestPoller(t)
	ctx := context.Background()

	dir := t.TempDir()
	p.Service.Cfg.JobgroupMockDir = dir

	id, err := repo.Create(ctx, domain.Jobgroup{
		TenantID: testTenant,
		Status:   domain.JobgroupInProgress,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, id+".jsonl"),
		joinLines(outputLine(t, testAsset, `{"title":"From disk"}`)), 0o600))

	p.PollOnce(ctx)

	g, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobgroupCompleted, g.Status)
}

func TestPoller_PokeCoalesces(t *testing.T) {
	p, _, _, _ := newTestPoller(t)
	p.Poke()
	p.Poke()
	p.Poke()
	select {
	case <-p.poke:
	default:
		t.Fatal("expected one pending poke")
	}
	select {
	case <-p.poke:
		t.Fatal("pokes must coalesce to one")
	default:
	}
}

func TestSweepStuck_ExpiresOldGroups(t *testing.T) {
	svc, repo, _, notifier := newTestService(t)
	ctx := context.Background()

	id, err := repo.Create(ctx, domain.Jobgroup{TenantID: testTenant, Status: domain.JobgroupInProgress})
	require.NoError(t, err)

	svc.SweepStuck(ctx, time.Now().Add(time.Minute))

	g, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobgroupExpired, g.Status)
	assert.True(t, notifier.has("jobgroup.failed"))

	// Terminal groups are left alone on the next sweep.
	svc.SweepStuck(ctx, time.Now().Add(time.Minute))
	g, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobgroupExpired, g.Status)
}
