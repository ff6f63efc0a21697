package store

import (
	"context"
	"sync"
	"time"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
)

// MemoryShardMapStore implements ShardMapStore with in-process maps. It backs
// tests and single-node development setups.
type MemoryShardMapStore struct {
	mu          sync.RWMutex
	partitions  map[string]*model.Partition
	assignments map[string][]*model.ShardAssignment // tenantID -> rows
	migrations  map[string]*model.Migration
}

// NewMemoryShardMapStore creates an empty in-memory shard map store
func NewMemoryShardMapStore() *MemoryShardMapStore {
	return &MemoryShardMapStore{
		partitions:  make(map[string]*model.Partition),
		assignments: make(map[string][]*model.ShardAssignment),
		migrations:  make(map[string]*model.Migration),
	}
}

// GetPartition retrieves a partition by ID
func (s *MemoryShardMapStore) GetPartition(ctx context.Context, partitionID string) (*model.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPartitions retrieves all partitions
func (s *MemoryShardMapStore) ListPartitions(ctx context.Context) ([]*model.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partitions := make([]*model.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		cp := *p
		partitions = append(partitions, &cp)
	}
	return partitions, nil
}

// AddPartition registers a new partition
func (s *MemoryShardMapStore) AddPartition(ctx context.Context, partition *model.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *partition
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	s.partitions[cp.PartitionID] = &cp
	return nil
}

// UpdatePartitionState updates the state of a partition
func (s *MemoryShardMapStore) UpdatePartitionState(ctx context.Context, partitionID string, state model.PartitionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return ErrNotFound
	}
	p.State = state
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ListAssignments retrieves all tenant assignments
func (s *MemoryShardMapStore) ListAssignments(ctx context.Context) ([]*model.ShardAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*model.ShardAssignment, 0)
	for _, rows := range s.assignments {
		for _, a := range rows {
			cp := *a
			all = append(all, &cp)
		}
	}
	return all, nil
}

// GetAssignments retrieves all assignment rows of a tenant
func (s *MemoryShardMapStore) GetAssignments(ctx context.Context, tenantID string) ([]*model.ShardAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.assignments[tenantID]
	out := make([]*model.ShardAssignment, 0, len(rows))
	for _, a := range rows {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// CreateAssignment inserts the initial assignment for a tenant
func (s *MemoryShardMapStore) CreateAssignment(ctx context.Context, assignment *model.ShardAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.assignments[assignment.TenantID] {
		if a.PartitionID == assignment.PartitionID {
			return ErrVersionConflict
		}
	}
	cp := *assignment
	s.assignments[assignment.TenantID] = append(s.assignments[assignment.TenantID], &cp)
	return nil
}

// CompareAndSwapAssignments atomically replaces a tenant's assignment rows
func (s *MemoryShardMapStore) CompareAndSwapAssignments(ctx context.Context, tenantID string, expectedVersion int64, next []*model.ShardAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	for _, a := range s.assignments[tenantID] {
		if a.Version > current {
			current = a.Version
		}
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	rows := make([]*model.ShardAssignment, 0, len(next))
	for _, a := range next {
		cp := *a
		rows = append(rows, &cp)
	}
	if len(rows) == 0 {
		delete(s.assignments, tenantID)
	} else {
		s.assignments[tenantID] = rows
	}
	return nil
}

// CreateMigration creates a new migration record, enforcing at most one
// non-terminal migration per tenant
func (s *MemoryShardMapStore) CreateMigration(ctx context.Context, migration *model.Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.migrations {
		if m.TenantID == migration.TenantID && !m.Status.IsTerminal() {
			return ErrVersionConflict
		}
	}
	cp := *migration
	s.migrations[migration.MigrationID] = &cp
	return nil
}

// GetMigration retrieves a migration by ID
func (s *MemoryShardMapStore) GetMigration(ctx context.Context, migrationID string) (*model.Migration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.migrations[migrationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// GetActiveMigration retrieves the non-terminal migration of a tenant, if any
func (s *MemoryShardMapStore) GetActiveMigration(ctx context.Context, tenantID string) (*model.Migration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.migrations {
		if m.TenantID == tenantID && !m.Status.IsTerminal() {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateMigrationPhase updates migration status and phase
func (s *MemoryShardMapStore) UpdateMigrationPhase(ctx context.Context, migrationID string, status model.MigrationStatus, phase model.MigrationPhase, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[migrationID]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	m.Phase = phase
	m.ErrorMessage = errorMessage
	if status.IsTerminal() && m.CompletedAt == nil {
		now := time.Now().UTC()
		m.CompletedAt = &now
	}
	return nil
}

// UpdateMigrationCheckpoint commits backfill progress
func (s *MemoryShardMapStore) UpdateMigrationCheckpoint(ctx context.Context, migrationID string, checkpoint string, rowsCopied int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[migrationID]
	if !ok {
		return ErrNotFound
	}
	m.Checkpoint = checkpoint
	m.RowsCopied = rowsCopied
	return nil
}

// Ping always succeeds
func (s *MemoryShardMapStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryShardMapStore) Close() {}
