package store

import (
	"context"
	"sort"
	"sync"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
)

// MemoryBackupStore implements BackupStore with in-process maps
type MemoryBackupStore struct {
	mu        sync.RWMutex
	artifacts map[string]*model.BackupArtifact
	jobs      map[string]*model.RestoreJob
}

// NewMemoryBackupStore creates an empty in-memory backup store
func NewMemoryBackupStore() *MemoryBackupStore {
	return &MemoryBackupStore{
		artifacts: make(map[string]*model.BackupArtifact),
		jobs:      make(map[string]*model.RestoreJob),
	}
}

// CreateArtifact inserts a new backup artifact record
func (s *MemoryBackupStore) CreateArtifact(ctx context.Context, artifact *model.BackupArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *artifact
	s.artifacts[artifact.ArtifactID] = &cp
	return nil
}

// GetArtifact retrieves an artifact by ID
func (s *MemoryBackupStore) GetArtifact(ctx context.Context, artifactID string) (*model.BackupArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// UpdateArtifact persists the artifact's mutable fields
func (s *MemoryBackupStore) UpdateArtifact(ctx context.Context, artifact *model.BackupArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[artifact.ArtifactID]; !ok {
		return ErrNotFound
	}
	cp := *artifact
	s.artifacts[artifact.ArtifactID] = &cp
	return nil
}

// ListArtifacts retrieves artifacts newest first
func (s *MemoryBackupStore) ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]*model.BackupArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.BackupArtifact, 0)
	for _, a := range s.artifacts {
		if filter.ScheduleID != "" && a.ScheduleID != filter.ScheduleID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if !filter.CreatedBefore.IsZero() {
			if a.CreatedAt.After(filter.CreatedBefore) {
				continue
			}
			if a.CreatedAt.Equal(filter.CreatedBefore) &&
				(filter.CreatedBeforeID == "" || a.ArtifactID >= filter.CreatedBeforeID) {
				continue
			}
		}
		cp := *a
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ArtifactID > out[j].ArtifactID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteArtifact removes an artifact record
func (s *MemoryBackupStore) DeleteArtifact(ctx context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[artifactID]; !ok {
		return ErrNotFound
	}
	delete(s.artifacts, artifactID)
	return nil
}

// CreateRestoreJob inserts a new restore job record
func (s *MemoryBackupStore) CreateRestoreJob(ctx context.Context, job *model.RestoreJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

// GetRestoreJob retrieves a restore job by ID
func (s *MemoryBackupStore) GetRestoreJob(ctx context.Context, jobID string) (*model.RestoreJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateRestoreJob persists the job's mutable fields
func (s *MemoryBackupStore) UpdateRestoreJob(ctx context.Context, job *model.RestoreJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobID]; !ok {
		return ErrNotFound
	}
	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

// CountInFlightRestores counts jobs still referencing the artifact
func (s *MemoryBackupStore) CountInFlightRestores(ctx context.Context, artifactID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, j := range s.jobs {
		if j.ArtifactID == artifactID && j.Status.InFlight() {
			count++
		}
	}
	return count, nil
}

// Ping always succeeds
func (s *MemoryBackupStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryBackupStore) Close() {}
