package shardmap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

// Snapshot is an immutable view of the shard map at a single version.
// Readers hold a snapshot for the duration of a call so no mid-flight map
// mutation affects them.
type Snapshot struct {
	Version     int64
	partitions  map[string]*model.Partition
	active      map[string]*model.ShardAssignment
	provisional map[string]*model.ShardAssignment
}

// Partition returns the partition with the given ID
func (s *Snapshot) Partition(partitionID string) (*model.Partition, bool) {
	p, ok := s.partitions[partitionID]
	return p, ok
}

// Partitions returns all partitions in the snapshot
func (s *Snapshot) Partitions() []*model.Partition {
	out := make([]*model.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p)
	}
	return out
}

// ReadTargets returns the partitions scatter-gather fans out to: every
// partition in active or draining state.
func (s *Snapshot) ReadTargets() []*model.Partition {
	out := make([]*model.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		if p.State == model.PartitionStateActive || p.State == model.PartitionStateDraining {
			out = append(out, p)
		}
	}
	return out
}

// ActiveAssignment returns the tenant's authoritative assignment. During a
// migration the draining source remains the authoritative read/route target
// until cutover.
func (s *Snapshot) ActiveAssignment(tenantID string) (*model.ShardAssignment, bool) {
	a, ok := s.active[tenantID]
	return a, ok
}

// ProvisionalAssignment returns the tenant's dual-write destination, if a
// migration is in flight
func (s *Snapshot) ProvisionalAssignment(tenantID string) (*model.ShardAssignment, bool) {
	a, ok := s.provisional[tenantID]
	return a, ok
}

// TenantVersion returns the tenant's current assignment version (0 when the
// tenant is unassigned)
func (s *Snapshot) TenantVersion(tenantID string) int64 {
	var v int64
	if a, ok := s.active[tenantID]; ok && a.Version > v {
		v = a.Version
	}
	if a, ok := s.provisional[tenantID]; ok && a.Version > v {
		v = a.Version
	}
	return v
}

// Map maintains shard map snapshots refreshed from the store. Readers never
// block on writers: they grab the current snapshot pointer; writers serialize
// through the store's per-tenant compare-and-swap and refresh afterwards.
type Map struct {
	store  store.ShardMapStore
	logger *zap.Logger

	mu   sync.RWMutex
	snap *Snapshot

	refreshTicker *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewMap creates a shard map and performs the initial load
func NewMap(ctx context.Context, st store.ShardMapStore, refreshInterval time.Duration, logger *zap.Logger) (*Map, error) {
	m := &Map{
		store:         st,
		logger:        logger,
		snap:          &Snapshot{partitions: map[string]*model.Partition{}, active: map[string]*model.ShardAssignment{}, provisional: map[string]*model.ShardAssignment{}},
		refreshTicker: time.NewTicker(refreshInterval),
		stopCh:        make(chan struct{}),
	}

	if err := m.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed initial shard map load: %w", err)
	}

	go m.refreshLoop()

	return m, nil
}

// Snapshot returns the current shard map snapshot
func (m *Map) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Refresh rebuilds the snapshot from the store
func (m *Map) Refresh(ctx context.Context) error {
	partitions, err := m.store.ListPartitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	assignments, err := m.store.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list assignments: %w", err)
	}

	snap := &Snapshot{
		partitions:  make(map[string]*model.Partition, len(partitions)),
		active:      make(map[string]*model.ShardAssignment),
		provisional: make(map[string]*model.ShardAssignment),
	}
	for _, p := range partitions {
		snap.partitions[p.PartitionID] = p
	}
	for _, a := range assignments {
		if a.Version > snap.Version {
			snap.Version = a.Version
		}
		switch a.State {
		case model.AssignmentStateActive:
			snap.active[a.TenantID] = a
		case model.AssignmentStateDraining:
			// After cutover the tenant also has an active assignment on the
			// destination; the draining source never shadows it.
			if _, ok := snap.active[a.TenantID]; !ok {
				snap.active[a.TenantID] = a
			}
		case model.AssignmentStateProvisional:
			snap.provisional[a.TenantID] = a
		}
	}

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()

	m.logger.Debug("Shard map refreshed",
		zap.Int64("version", snap.Version),
		zap.Int("partitions", len(snap.partitions)),
		zap.Int("tenants", len(snap.active)))

	return nil
}

// CompareAndSwap applies a per-tenant assignment swap through the store and
// refreshes the snapshot. Exactly one of two concurrent swaps for the same
// tenant succeeds; the loser receives store.ErrVersionConflict.
func (m *Map) CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, next []*model.ShardAssignment) error {
	if err := m.store.CompareAndSwapAssignments(ctx, tenantID, expectedVersion, next); err != nil {
		return err
	}
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("Failed to refresh shard map after swap",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
	return nil
}

// refreshLoop periodically refreshes the snapshot from the store
func (m *Map) refreshLoop() {
	for {
		select {
		case <-m.refreshTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("Failed to refresh shard map", zap.Error(err))
			}
			cancel()
		case <-m.stopCh:
			m.refreshTicker.Stop()
			return
		}
	}
}

// Stop stops the refresh loop
func (m *Map) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
