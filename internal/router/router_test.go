package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/errors"
	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
)

func TestRouter_Route_Deterministic(t *testing.T) {
	h := newHarness(t, "p1", "p2")
	h.assign(t, "tenant-a", "p1", 1)
	h.assign(t, "tenant-b", "p2", 1)

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())

	// Identical lookups against an unchanged map always return the same partition
	for i := 0; i < 10; i++ {
		partition, err := rt.Route("tenant-a")
		require.NoError(t, err)
		assert.Equal(t, "p1", partition.PartitionID)
	}

	partition, err := rt.Route("tenant-b")
	require.NoError(t, err)
	assert.Equal(t, "p2", partition.PartitionID)
}

func TestRouter_Route_UnassignedTenant(t *testing.T) {
	h := newHarness(t, "p1")
	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())

	_, err := rt.Route("tenant-unknown")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnassignedTenant))
}

func TestRouter_Route_OfflinePartition(t *testing.T) {
	h := newHarness(t, "p1")
	h.assign(t, "tenant-a", "p1", 1)
	require.NoError(t, h.store.UpdatePartitionState(context.Background(), "p1", model.PartitionStateOffline))
	require.NoError(t, h.shardMap.Refresh(context.Background()))

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())
	_, err := rt.Route("tenant-a")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePartitionUnavailable))
}

func TestRouter_WriteAndRead(t *testing.T) {
	h := newHarness(t, "p1")
	h.assign(t, "tenant-a", "p1", 1)

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())
	ctx := context.Background()

	record := &model.Record{
		TenantID:  "tenant-a",
		Key:       "incident-001",
		Value:     []byte("sev1 outage"),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, rt.WriteRecord(ctx, "tenant-a", record))

	got, err := rt.ReadRecord(ctx, "tenant-a", "incident-001")
	require.NoError(t, err)
	assert.Equal(t, record.Value, got.Value)
}

func TestRouter_WriteRecord_DualWriteMirrors(t *testing.T) {
	h := newHarness(t, "p1", "p2")
	h.assign(t, "tenant-a", "p1", 1)

	// Install a provisional destination, as a migration in dual-write would
	require.NoError(t, h.store.CompareAndSwapAssignments(context.Background(), "tenant-a", 1, []*model.ShardAssignment{
		{TenantID: "tenant-a", PartitionID: "p1", State: model.AssignmentStateActive, Version: 2},
		{TenantID: "tenant-a", PartitionID: "p2", State: model.AssignmentStateProvisional, Version: 2},
	}))
	require.NoError(t, h.shardMap.Refresh(context.Background()))

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())
	ctx := context.Background()

	record := &model.Record{TenantID: "tenant-a", Key: "incident-001", Value: []byte("x"), UpdatedAt: time.Now().UTC()}
	require.NoError(t, rt.WriteRecord(ctx, "tenant-a", record))

	// Both source and destination observed the write
	assert.Equal(t, 1, h.fakes["p1"].rowCount("tenant-a"))
	assert.Equal(t, 1, h.fakes["p2"].rowCount("tenant-a"))
}

func TestRouter_WriteRecord_MirrorFailureDoesNotFailWrite(t *testing.T) {
	h := newHarness(t, "p1", "p2")
	h.assign(t, "tenant-a", "p1", 1)
	require.NoError(t, h.store.CompareAndSwapAssignments(context.Background(), "tenant-a", 1, []*model.ShardAssignment{
		{TenantID: "tenant-a", PartitionID: "p1", State: model.AssignmentStateActive, Version: 2},
		{TenantID: "tenant-a", PartitionID: "p2", State: model.AssignmentStateProvisional, Version: 2},
	}))
	require.NoError(t, h.shardMap.Refresh(context.Background()))
	h.fakes["p2"].failWriteAfter = 0

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())
	record := &model.Record{TenantID: "tenant-a", Key: "incident-001", Value: []byte("x"), UpdatedAt: time.Now().UTC()}

	require.NoError(t, rt.WriteRecord(context.Background(), "tenant-a", record))
	assert.Equal(t, 1, h.fakes["p1"].rowCount("tenant-a"))
	assert.Equal(t, 0, h.fakes["p2"].rowCount("tenant-a"))
}

func TestRouter_ScatterGather_AllPartitions(t *testing.T) {
	h := newHarness(t, "p1", "p2", "p3")
	h.seed(t, "p1", "tenant-a", 2)
	h.seed(t, "p2", "tenant-a", 3)

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())

	result := rt.ScatterGather(context.Background(), time.Second,
		func(ctx context.Context, partitionID string, client PartitionClient) (interface{}, error) {
			return client.RowCount(ctx, "tenant-a")
		})

	require.True(t, result.Complete())
	require.Len(t, result.Results, 3)

	var total int64
	for _, leg := range result.Results {
		total += leg.Value.(int64)
	}
	assert.Equal(t, int64(5), total)
}

func TestRouter_ScatterGather_MergeSkipsFailedLegs(t *testing.T) {
	h := newHarness(t, "p1", "p2", "p3")
	h.seed(t, "p1", "tenant-a", 2)
	h.seed(t, "p2", "tenant-a", 3)
	h.seed(t, "p3", "tenant-a", 4)
	h.fakes["p3"].failReads = true

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())

	result := rt.ScatterGather(context.Background(), time.Second,
		func(ctx context.Context, partitionID string, client PartitionClient) (interface{}, error) {
			records, err := client.QueryTenant(ctx, "tenant-a")
			if err != nil {
				return nil, err
			}
			return int64(len(records)), nil
		})

	// The failed leg stays out of the merged aggregate but remains visible
	// as a failure marker
	total := result.Merge(int64(0), func(acc interface{}, leg PartitionResult) interface{} {
		return acc.(int64) + leg.Value.(int64)
	})
	assert.Equal(t, int64(5), total)
	failures := result.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "p3", failures[0].PartitionID)
}

func TestRouter_ScatterGather_PartialFailure(t *testing.T) {
	h := newHarness(t, "p1", "p2", "p3")
	h.seed(t, "p1", "tenant-a", 2)
	h.fakes["p2"].failReads = true

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())

	result := rt.ScatterGather(context.Background(), time.Second,
		func(ctx context.Context, partitionID string, client PartitionClient) (interface{}, error) {
			_, err := client.QueryTenant(ctx, "tenant-a")
			return nil, err
		})

	// The failed partition is an explicit marker; healthy legs still complete
	assert.False(t, result.Complete())
	failures := result.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "p2", failures[0].PartitionID)
	assert.True(t, errors.HasCode(failures[0].Err, errors.ErrCodePartitionUnavailable))
}

func TestRouter_ScatterGather_Timeout(t *testing.T) {
	h := newHarness(t, "p1", "p2")
	h.fakes["p2"].readDelay = 500 * time.Millisecond

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())

	result := rt.ScatterGather(context.Background(), 50*time.Millisecond,
		func(ctx context.Context, partitionID string, client PartitionClient) (interface{}, error) {
			return client.QueryTenant(ctx, "tenant-a")
		})

	failures := result.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "p2", failures[0].PartitionID)
	assert.True(t, errors.HasCode(failures[0].Err, errors.ErrCodePartitionTimeout))
}

func TestRouter_ScatterGather_SnapshotIsolation(t *testing.T) {
	h := newHarness(t, "p1", "p2")

	rt := NewRouter(h.shardMap, h.pool, nil, zap.NewNop())

	result := rt.ScatterGather(context.Background(), time.Second,
		func(ctx context.Context, partitionID string, client PartitionClient) (interface{}, error) {
			// A partition added mid-flight must not join this query
			h.store.AddPartition(ctx, &model.Partition{
				PartitionID: "p-new",
				ConnString:  "fake://p-new",
				State:       model.PartitionStateActive,
			})
			h.shardMap.Refresh(ctx)
			return partitionID, nil
		})

	require.True(t, result.Complete())
	assert.Len(t, result.Results, 2)
}
