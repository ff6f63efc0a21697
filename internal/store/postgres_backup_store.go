package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
)

// PostgresBackupStore implements BackupStore for PostgreSQL. It shares the
// shard map store's connection pool.
type PostgresBackupStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBackupStore creates a new PostgreSQL backup store
func NewPostgresBackupStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresBackupStore {
	return &PostgresBackupStore{
		pool:   pool,
		logger: logger,
	}
}

// CreateArtifact inserts a new backup artifact record
func (s *PostgresBackupStore) CreateArtifact(ctx context.Context, artifact *model.BackupArtifact) error {
	objects, err := json.Marshal(artifact.Objects)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact objects: %w", err)
	}

	query := `
		INSERT INTO backup_artifacts
			(artifact_id, schedule_id, partition_ids, objects, created_at, size_bytes,
			 checksum, storage_key, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = s.pool.Exec(ctx, query,
		artifact.ArtifactID,
		artifact.ScheduleID,
		artifact.PartitionIDs,
		objects,
		artifact.CreatedAt,
		artifact.SizeBytes,
		artifact.Checksum,
		artifact.StorageKey,
		artifact.Status,
		artifact.ErrorMessage,
	)

	return err
}

// GetArtifact retrieves an artifact by ID
func (s *PostgresBackupStore) GetArtifact(ctx context.Context, artifactID string) (*model.BackupArtifact, error) {
	query := `
		SELECT artifact_id, schedule_id, partition_ids, objects, created_at, size_bytes,
		       checksum, storage_key, status, error_message
		FROM backup_artifacts
		WHERE artifact_id = $1
	`

	artifact, err := scanArtifact(s.pool.QueryRow(ctx, query, artifactID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	return artifact, nil
}

// UpdateArtifact persists the artifact's mutable fields
func (s *PostgresBackupStore) UpdateArtifact(ctx context.Context, artifact *model.BackupArtifact) error {
	objects, err := json.Marshal(artifact.Objects)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact objects: %w", err)
	}

	query := `
		UPDATE backup_artifacts
		SET objects = $2, size_bytes = $3, checksum = $4, status = $5, error_message = $6
		WHERE artifact_id = $1
	`

	result, err := s.pool.Exec(ctx, query,
		artifact.ArtifactID,
		objects,
		artifact.SizeBytes,
		artifact.Checksum,
		artifact.Status,
		artifact.ErrorMessage,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListArtifacts retrieves artifacts newest first, artifact ID breaking
// timestamp ties. The filter's cursor pair makes the listing restartable.
func (s *PostgresBackupStore) ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]*model.BackupArtifact, error) {
	query := `
		SELECT artifact_id, schedule_id, partition_ids, objects, created_at, size_bytes,
		       checksum, storage_key, status, error_message
		FROM backup_artifacts
		WHERE ($1 = '' OR schedule_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL
		       OR created_at < $3
		       OR (created_at = $3 AND $4 <> '' AND artifact_id < $4))
		ORDER BY created_at DESC, artifact_id DESC
		LIMIT $5
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var before interface{}
	if !filter.CreatedBefore.IsZero() {
		before = filter.CreatedBefore
	}

	rows, err := s.pool.Query(ctx, query, filter.ScheduleID, string(filter.Status), before, filter.CreatedBeforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	artifacts := make([]*model.BackupArtifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}

	return artifacts, rows.Err()
}

// DeleteArtifact removes an artifact record
func (s *PostgresBackupStore) DeleteArtifact(ctx context.Context, artifactID string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM backup_artifacts WHERE artifact_id = $1`, artifactID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// CreateRestoreJob inserts a new restore job record
func (s *PostgresBackupStore) CreateRestoreJob(ctx context.Context, job *model.RestoreJob) error {
	query := `
		INSERT INTO restore_jobs
			(job_id, artifact_id, target_partition, status, attempt_count, created_at, updated_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		job.JobID,
		job.ArtifactID,
		job.TargetPartition,
		job.Status,
		job.AttemptCount,
		job.CreatedAt,
		job.UpdatedAt,
		job.ErrorMessage,
	)

	return err
}

// GetRestoreJob retrieves a restore job by ID
func (s *PostgresBackupStore) GetRestoreJob(ctx context.Context, jobID string) (*model.RestoreJob, error) {
	query := `
		SELECT job_id, artifact_id, target_partition, status, attempt_count, created_at, updated_at, error_message
		FROM restore_jobs
		WHERE job_id = $1
	`

	var job model.RestoreJob
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.JobID,
		&job.ArtifactID,
		&job.TargetPartition,
		&job.Status,
		&job.AttemptCount,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get restore job: %w", err)
	}

	return &job, nil
}

// UpdateRestoreJob persists the job's mutable fields
func (s *PostgresBackupStore) UpdateRestoreJob(ctx context.Context, job *model.RestoreJob) error {
	query := `
		UPDATE restore_jobs
		SET status = $2, attempt_count = $3, updated_at = NOW(), error_message = $4
		WHERE job_id = $1
	`

	result, err := s.pool.Exec(ctx, query, job.JobID, job.Status, job.AttemptCount, job.ErrorMessage)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// CountInFlightRestores counts jobs still referencing the artifact
func (s *PostgresBackupStore) CountInFlightRestores(ctx context.Context, artifactID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM restore_jobs
		WHERE artifact_id = $1 AND status IN ('pending', 'restoring', 'verifying')
	`

	var count int
	if err := s.pool.QueryRow(ctx, query, artifactID).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

// Ping checks the database connection
func (s *PostgresBackupStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned by the shard map store
func (s *PostgresBackupStore) Close() {}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (*model.BackupArtifact, error) {
	var a model.BackupArtifact
	var objects []byte
	err := row.Scan(
		&a.ArtifactID,
		&a.ScheduleID,
		&a.PartitionIDs,
		&objects,
		&a.CreatedAt,
		&a.SizeBytes,
		&a.Checksum,
		&a.StorageKey,
		&a.Status,
		&a.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if len(objects) > 0 {
		if err := json.Unmarshal(objects, &a.Objects); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact objects: %w", err)
		}
	}
	return &a, nil
}
