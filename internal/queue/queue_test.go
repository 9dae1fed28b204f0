package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/queue"
)

const (
	tenantID = "1b4e28ba-2fa1-41d2-883f-0016d3cca427"
	assetID  = "9b2e7bba-73b4-4f9e-8f6a-2f1f1c1a2b3c"
)

func newTestQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.New(rdb), mr
}

func machinistJob(processingType string) domain.MachinistJob {
	return domain.MachinistJob{
		JobType:        "machinist",
		ProcessingType: processingType,
		TenantID:       tenantID,
		AssetID:        assetID,
		FilePurpose:    "viewing",
		InputExtension: "jpg",
	}
}

func TestQueue_PushPop_FIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := machinistJob("standard")
		j.InputExtension = []string{"jpg", "png", "tif"}[i]
		require.NoError(t, q.Push(ctx, queue.KeyMachinistStandard, j))
	}

	var order []string
	for i := 0; i < 3; i++ {
		job, ok, err := q.Pop(ctx, queue.KeyMachinistStandard)
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, job.(domain.MachinistJob).InputExtension)
	}
	assert.Equal(t, []string{"jpg", "png", "tif"}, order)

	_, ok, err := q.Pop(ctx, queue.KeyMachinistStandard)
	require.NoError(t, err)
	assert.False(t, ok, "empty queue yields ok=false")
}

func TestQueue_BlockingPop_StrictPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// A deep standard backlog must not delay the single instant job.
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Push(ctx, queue.KeyMachinistStandard, machinistJob("standard")))
	}
	require.NoError(t, q.Push(ctx, queue.KeyMachinistInstant, machinistJob("instant")))

	key, job, ok, err := q.BlockingPop(ctx, queue.MachinistQueues(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.KeyMachinistInstant, key)
	assert.Equal(t, domain.PriorityInstant, job.Priority())

	// With the instant lane drained, the standard backlog flows.
	key, _, ok, err = q.BlockingPop(ctx, queue.MachinistQueues(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.KeyMachinistStandard, key)
}

func TestQueue_Pop_UndecodableRedirectsToDLQ(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush(queue.KeyMachinistInstant, "{this is not json")
	require.NoError(t, err)

	job, ok, err := q.Pop(ctx, queue.KeyMachinistInstant)
	require.NoError(t, err, "parse failures do not surface as pop errors")
	assert.False(t, ok)
	assert.Nil(t, job)

	n, err := q.Len(ctx, queue.KeyDLQMachinist)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "raw element lands on the machinist DLQ")
}

func TestQueue_PushDLQ_RedactedEntry(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	entry := domain.DLQEntry{
		ID:       "01J0000000000000000000DLQ0",
		JobType:  "machinist",
		Reason:   "UNSUPPORTED_MIME: detected text/plain",
		TenantID: tenantID,
		AssetID:  assetID,
		FailedAt: time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, q.PushDLQ(ctx, domain.WorkerMachinist, entry))

	raw, err := mr.Lpop(queue.KeyDLQMachinist)
	require.NoError(t, err)
	var got domain.DLQEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, entry.Reason, got.Reason)
	assert.Equal(t, entry.FailedAt, got.FailedAt)
}

func TestQueue_MoveTail_PreservesConsumerOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(ctx, queue.KeyDLQMachinist, map[string]any{
			"job_type": "machinist", "tenant_id": tenantID, "asset_id": assetID,
			"file_purpose": "viewing", "input_extension": "jpg", "seq": i,
		}))
	}

	moved, err := q.MoveTail(ctx, queue.KeyDLQMachinist, queue.KeyMachinistStandard, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)

	items, err := q.Range(ctx, queue.KeyMachinistStandard, 0, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// The oldest dead letters come back first at the consumer end.
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(items[len(items)-1]), &first))
	assert.Equal(t, float64(0), first["seq"])

	left, err := q.Len(ctx, queue.KeyDLQMachinist)
	require.NoError(t, err)
	assert.Equal(t, int64(2), left)
}

func TestQueue_MoveTail_FewerThanRequested(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, queue.KeyDLQArchivist, machinistJob("standard")))
	moved, err := q.MoveTail(ctx, queue.KeyDLQArchivist, queue.KeyArchivistStandard, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestQueue_DiscardTail(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push(ctx, queue.KeyDLQMachinist, machinistJob("standard")))
	}
	dropped, err := q.DiscardTail(ctx, queue.KeyDLQMachinist, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	n, err := q.Len(ctx, queue.KeyDLQMachinist)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestQueue_MigrateLegacyKeys(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	push := func(key string, v any) {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		_, err = mr.Lpush(key, string(b))
		require.NoError(t, err)
	}
	push("jobs:instant", machinistJob("instant"))
	push("jobs:standard", domain.ArchivistJob{
		JobType: "archivist", ProcessingType: "standard",
		TenantID: tenantID, AssetID: assetID,
	})
	push("jobs:jobgroup", domain.ArchivistJob{
		JobType: "archivist", ProcessingType: "jobgroup",
		TenantID: tenantID, AssetID: assetID,
	})
	_, err := mr.Lpush("jobs:standard", "garbage{{{")
	require.NoError(t, err)

	report, err := q.MigrateLegacyKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Moved[queue.KeyMachinistInstant])
	assert.Equal(t, 1, report.Moved[queue.KeyArchivistStandard])
	assert.Equal(t, 1, report.Moved[queue.KeyArchivistJobgroup])
	assert.Equal(t, 1, report.DeadLetter)

	for _, legacy := range []string{"jobs:instant", "jobs:standard", "jobs:jobgroup"} {
		assert.False(t, mr.Exists(legacy), fmt.Sprintf("%s should be drained", legacy))
	}

	// Re-running the migration is a no-op.
	report, err = q.MigrateLegacyKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Moved)
	assert.Zero(t, report.DeadLetter)
}

func TestIsKnownQueue(t *testing.T) {
	assert.True(t, queue.IsKnownQueue(queue.KeyMachinistInstant))
	assert.True(t, queue.IsKnownQueue(queue.KeyDLQArchivist))
	assert.False(t, queue.IsKnownQueue("jobs:instant"))
	assert.False(t, queue.IsKnownQueue("jobs:machinist:bulk"))
}
