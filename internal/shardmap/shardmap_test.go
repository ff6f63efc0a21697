package shardmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

func newTestMap(t *testing.T, st *store.MemoryShardMapStore) *Map {
	t.Helper()
	m, err := NewMap(context.Background(), st, time.Hour, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func addPartition(t *testing.T, st *store.MemoryShardMapStore, id string, state model.PartitionState) {
	t.Helper()
	require.NoError(t, st.AddPartition(context.Background(), &model.Partition{
		PartitionID: id,
		ConnString:  "fake://" + id,
		State:       state,
	}))
}

func TestMap_InitialLoad(t *testing.T) {
	st := store.NewMemoryShardMapStore()
	addPartition(t, st, "p1", model.PartitionStateActive)
	require.NoError(t, st.CreateAssignment(context.Background(), &model.ShardAssignment{
		TenantID:    "tenant-a",
		PartitionID: "p1",
		State:       model.AssignmentStateActive,
		Version:     1,
	}))

	m := newTestMap(t, st)
	snap := m.Snapshot()

	_, ok := snap.Partition("p1")
	assert.True(t, ok)
	assignment, ok := snap.ActiveAssignment("tenant-a")
	require.True(t, ok)
	assert.Equal(t, "p1", assignment.PartitionID)
	assert.Equal(t, int64(1), snap.TenantVersion("tenant-a"))
	assert.Equal(t, int64(0), snap.TenantVersion("tenant-unknown"))
}

func TestMap_SnapshotIsImmutable(t *testing.T) {
	st := store.NewMemoryShardMapStore()
	addPartition(t, st, "p1", model.PartitionStateActive)

	m := newTestMap(t, st)
	before := m.Snapshot()

	addPartition(t, st, "p2", model.PartitionStateActive)
	require.NoError(t, m.Refresh(context.Background()))

	// The held snapshot still sees one partition; a fresh one sees both
	assert.Len(t, before.Partitions(), 1)
	assert.Len(t, m.Snapshot().Partitions(), 2)
}

func TestMap_ReadTargets_ExcludesOffline(t *testing.T) {
	st := store.NewMemoryShardMapStore()
	addPartition(t, st, "p1", model.PartitionStateActive)
	addPartition(t, st, "p2", model.PartitionStateDraining)
	addPartition(t, st, "p3", model.PartitionStateOffline)

	m := newTestMap(t, st)
	targets := m.Snapshot().ReadTargets()

	ids := make([]string, 0, len(targets))
	for _, p := range targets {
		ids = append(ids, p.PartitionID)
	}
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)
}

func TestMap_DualWriteAssignments(t *testing.T) {
	st := store.NewMemoryShardMapStore()
	addPartition(t, st, "p1", model.PartitionStateActive)
	addPartition(t, st, "p2", model.PartitionStateActive)
	ctx := context.Background()

	m := newTestMap(t, st)
	require.NoError(t, st.CreateAssignment(ctx, &model.ShardAssignment{
		TenantID: "tenant-a", PartitionID: "p1", State: model.AssignmentStateActive, Version: 1,
	}))
	require.NoError(t, m.CompareAndSwap(ctx, "tenant-a", 1, []*model.ShardAssignment{
		{TenantID: "tenant-a", PartitionID: "p1", State: model.AssignmentStateActive, Version: 2},
		{TenantID: "tenant-a", PartitionID: "p2", State: model.AssignmentStateProvisional, Version: 2},
	}))

	snap := m.Snapshot()
	active, ok := snap.ActiveAssignment("tenant-a")
	require.True(t, ok)
	assert.Equal(t, "p1", active.PartitionID)
	provisional, ok := snap.ProvisionalAssignment("tenant-a")
	require.True(t, ok)
	assert.Equal(t, "p2", provisional.PartitionID)
	assert.Equal(t, int64(2), snap.TenantVersion("tenant-a"))
}

func TestMap_ActiveWinsOverDrainingSource(t *testing.T) {
	st := store.NewMemoryShardMapStore()
	addPartition(t, st, "p1", model.PartitionStateActive)
	addPartition(t, st, "p2", model.PartitionStateActive)
	ctx := context.Background()

	// Post-cutover layout: draining source plus active destination
	require.NoError(t, st.CreateAssignment(ctx, &model.ShardAssignment{
		TenantID: "tenant-a", PartitionID: "p1", State: model.AssignmentStateDraining, Version: 3,
	}))
	require.NoError(t, st.CreateAssignment(ctx, &model.ShardAssignment{
		TenantID: "tenant-a", PartitionID: "p2", State: model.AssignmentStateActive, Version: 3,
	}))

	m := newTestMap(t, st)
	active, ok := m.Snapshot().ActiveAssignment("tenant-a")
	require.True(t, ok)
	assert.Equal(t, "p2", active.PartitionID)
}

func TestMap_DrainingSourceRoutesBeforeCutover(t *testing.T) {
	st := store.NewMemoryShardMapStore()
	addPartition(t, st, "p1", model.PartitionStateActive)
	ctx := context.Background()

	// A tenant whose only assignment is draining still routes there
	require.NoError(t, st.CreateAssignment(ctx, &model.ShardAssignment{
		TenantID: "tenant-a", PartitionID: "p1", State: model.AssignmentStateDraining, Version: 2,
	}))

	m := newTestMap(t, st)
	active, ok := m.Snapshot().ActiveAssignment("tenant-a")
	require.True(t, ok)
	assert.Equal(t, "p1", active.PartitionID)
}

func TestMap_CompareAndSwap_Conflict(t *testing.T) {
	st := store.NewMemoryShardMapStore()
	addPartition(t, st, "p1", model.PartitionStateActive)
	ctx := context.Background()

	m := newTestMap(t, st)
	require.NoError(t, st.CreateAssignment(ctx, &model.ShardAssignment{
		TenantID: "tenant-a", PartitionID: "p1", State: model.AssignmentStateActive, Version: 5,
	}))

	err := m.CompareAndSwap(ctx, "tenant-a", 4, []*model.ShardAssignment{
		{TenantID: "tenant-a", PartitionID: "p1", State: model.AssignmentStateActive, Version: 6},
	})
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}
