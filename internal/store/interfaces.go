package store

import (
	"context"
	"errors"
	"time"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a compare-and-swap loses to a concurrent writer
var ErrVersionConflict = errors.New("version conflict")

// ShardMapStore persists partitions, tenant assignments and migrations.
// Assignment mutations go through a per-tenant compare-and-swap so that two
// concurrent migrations for the same tenant cannot both succeed.
type ShardMapStore interface {
	// Partition operations
	GetPartition(ctx context.Context, partitionID string) (*model.Partition, error)
	ListPartitions(ctx context.Context) ([]*model.Partition, error)
	AddPartition(ctx context.Context, partition *model.Partition) error
	UpdatePartitionState(ctx context.Context, partitionID string, state model.PartitionState) error

	// Assignment operations
	ListAssignments(ctx context.Context) ([]*model.ShardAssignment, error)
	GetAssignments(ctx context.Context, tenantID string) ([]*model.ShardAssignment, error)
	CreateAssignment(ctx context.Context, assignment *model.ShardAssignment) error
	// CompareAndSwapAssignments atomically replaces all assignment rows of a
	// tenant with next, but only if the tenant's current highest assignment
	// version equals expectedVersion. Returns ErrVersionConflict otherwise.
	CompareAndSwapAssignments(ctx context.Context, tenantID string, expectedVersion int64, next []*model.ShardAssignment) error

	// Migration operations
	// CreateMigration fails with ErrVersionConflict when the tenant already
	// has a non-terminal migration.
	CreateMigration(ctx context.Context, migration *model.Migration) error
	GetMigration(ctx context.Context, migrationID string) (*model.Migration, error)
	GetActiveMigration(ctx context.Context, tenantID string) (*model.Migration, error)
	UpdateMigrationPhase(ctx context.Context, migrationID string, status model.MigrationStatus, phase model.MigrationPhase, errorMessage string) error
	UpdateMigrationCheckpoint(ctx context.Context, migrationID string, checkpoint string, rowsCopied int64) error

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// ArtifactFilter narrows and pages artifact listings. Listings are ordered
// newest first with artifact ID as tie-break; CreatedBefore plus
// CreatedBeforeID restart a listing from the last artifact of the previous
// page without skipping artifacts sharing its timestamp.
type ArtifactFilter struct {
	ScheduleID      string
	Status          model.ArtifactStatus
	CreatedBefore   time.Time
	CreatedBeforeID string
	Limit           int
}

// BackupStore persists backup artifacts and restore jobs
type BackupStore interface {
	CreateArtifact(ctx context.Context, artifact *model.BackupArtifact) error
	GetArtifact(ctx context.Context, artifactID string) (*model.BackupArtifact, error)
	UpdateArtifact(ctx context.Context, artifact *model.BackupArtifact) error
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]*model.BackupArtifact, error)
	DeleteArtifact(ctx context.Context, artifactID string) error

	CreateRestoreJob(ctx context.Context, job *model.RestoreJob) error
	GetRestoreJob(ctx context.Context, jobID string) (*model.RestoreJob, error)
	UpdateRestoreJob(ctx context.Context, job *model.RestoreJob) error
	// CountInFlightRestores counts pending/restoring/verifying jobs holding a
	// reference to the artifact.
	CountInFlightRestores(ctx context.Context, artifactID string) (int, error)

	Ping(ctx context.Context) error
	Close()
}

// IdempotencyStore deduplicates externally triggered operations
type IdempotencyStore interface {
	// Acquire attempts to claim key for ttl; it returns false when another
	// holder already claimed it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
