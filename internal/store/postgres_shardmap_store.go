package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
)

// PostgresShardMapStore implements ShardMapStore for PostgreSQL
type PostgresShardMapStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresShardMapStore creates a new PostgreSQL shard map store
func NewPostgresShardMapStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresShardMapStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresShardMapStore{
		pool:   pool,
		logger: logger,
	}
	if err := store.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// ensureSchema creates the metadata tables on first use. The partial unique
// index on tenant_migrations is what rejects a second concurrent migration
// for the same tenant; the backup tables live here too since the backup
// store shares this pool.
func (s *PostgresShardMapStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			partition_id    TEXT PRIMARY KEY,
			conn_string     TEXT NOT NULL,
			state           TEXT NOT NULL,
			capacity_weight INT NOT NULL DEFAULT 1,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS shard_assignments (
			tenant_id    TEXT NOT NULL,
			partition_id TEXT NOT NULL REFERENCES partitions (partition_id),
			state        TEXT NOT NULL,
			version      BIGINT NOT NULL,
			assigned_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, partition_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_migrations (
			migration_id       TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			source_partition   TEXT NOT NULL,
			dest_partition     TEXT NOT NULL,
			status             TEXT NOT NULL,
			phase              TEXT NOT NULL,
			checkpoint         TEXT NOT NULL DEFAULT '',
			rows_copied        BIGINT NOT NULL DEFAULT 0,
			assignment_version BIGINT NOT NULL,
			started_at         TIMESTAMPTZ NOT NULL,
			completed_at       TIMESTAMPTZ,
			error_message      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tenant_migrations_one_active
			ON tenant_migrations (tenant_id)
			WHERE status IN ('pending', 'in_progress')`,
		`CREATE TABLE IF NOT EXISTS backup_artifacts (
			artifact_id   TEXT PRIMARY KEY,
			schedule_id   TEXT NOT NULL,
			partition_ids TEXT[] NOT NULL,
			objects       JSONB,
			created_at    TIMESTAMPTZ NOT NULL,
			size_bytes    BIGINT NOT NULL DEFAULT 0,
			checksum      TEXT NOT NULL DEFAULT '',
			storage_key   TEXT NOT NULL,
			status        TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS backup_artifacts_created
			ON backup_artifacts (created_at DESC, artifact_id DESC)`,
		`CREATE TABLE IF NOT EXISTS restore_jobs (
			job_id           TEXT PRIMARY KEY,
			artifact_id      TEXT NOT NULL REFERENCES backup_artifacts (artifact_id) ON DELETE CASCADE,
			target_partition TEXT NOT NULL,
			status           TEXT NOT NULL,
			attempt_count    INT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			error_message    TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// GetPool exposes the underlying pool for stores sharing the connection
func (s *PostgresShardMapStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// GetPartition retrieves a partition by ID
func (s *PostgresShardMapStore) GetPartition(ctx context.Context, partitionID string) (*model.Partition, error) {
	query := `
		SELECT partition_id, conn_string, state, capacity_weight, created_at, updated_at
		FROM partitions
		WHERE partition_id = $1
	`

	var p model.Partition
	err := s.pool.QueryRow(ctx, query, partitionID).Scan(
		&p.PartitionID,
		&p.ConnString,
		&p.State,
		&p.CapacityWeight,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get partition: %w", err)
	}

	return &p, nil
}

// ListPartitions retrieves all partitions
func (s *PostgresShardMapStore) ListPartitions(ctx context.Context) ([]*model.Partition, error) {
	query := `
		SELECT partition_id, conn_string, state, capacity_weight, created_at, updated_at
		FROM partitions
		ORDER BY partition_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	partitions := make([]*model.Partition, 0)
	for rows.Next() {
		var p model.Partition
		if err := rows.Scan(&p.PartitionID, &p.ConnString, &p.State, &p.CapacityWeight, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		partitions = append(partitions, &p)
	}

	return partitions, rows.Err()
}

// AddPartition registers a new partition
func (s *PostgresShardMapStore) AddPartition(ctx context.Context, partition *model.Partition) error {
	query := `
		INSERT INTO partitions (partition_id, conn_string, state, capacity_weight, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`

	_, err := s.pool.Exec(ctx, query,
		partition.PartitionID,
		partition.ConnString,
		partition.State,
		partition.CapacityWeight,
	)

	return err
}

// UpdatePartitionState updates the state of a partition
func (s *PostgresShardMapStore) UpdatePartitionState(ctx context.Context, partitionID string, state model.PartitionState) error {
	query := `
		UPDATE partitions
		SET state = $2, updated_at = NOW()
		WHERE partition_id = $1
	`

	result, err := s.pool.Exec(ctx, query, partitionID, state)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListAssignments retrieves all tenant assignments
func (s *PostgresShardMapStore) ListAssignments(ctx context.Context) ([]*model.ShardAssignment, error) {
	query := `
		SELECT tenant_id, partition_id, state, version, assigned_at
		FROM shard_assignments
		ORDER BY tenant_id, partition_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAssignments(rows)
}

// GetAssignments retrieves all assignment rows of a tenant
func (s *PostgresShardMapStore) GetAssignments(ctx context.Context, tenantID string) ([]*model.ShardAssignment, error) {
	query := `
		SELECT tenant_id, partition_id, state, version, assigned_at
		FROM shard_assignments
		WHERE tenant_id = $1
		ORDER BY partition_id
	`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAssignments(rows)
}

func scanAssignments(rows pgx.Rows) ([]*model.ShardAssignment, error) {
	assignments := make([]*model.ShardAssignment, 0)
	for rows.Next() {
		var a model.ShardAssignment
		if err := rows.Scan(&a.TenantID, &a.PartitionID, &a.State, &a.Version, &a.AssignedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, &a)
	}
	return assignments, rows.Err()
}

// CreateAssignment inserts the initial assignment for a tenant
func (s *PostgresShardMapStore) CreateAssignment(ctx context.Context, assignment *model.ShardAssignment) error {
	query := `
		INSERT INTO shard_assignments (tenant_id, partition_id, state, version, assigned_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.pool.Exec(ctx, query,
		assignment.TenantID,
		assignment.PartitionID,
		assignment.State,
		assignment.Version,
		assignment.AssignedAt,
	)
	if isUniqueViolation(err) {
		return ErrVersionConflict
	}

	return err
}

// CompareAndSwapAssignments atomically replaces a tenant's assignment rows.
// The swap succeeds only when the tenant's current highest version equals
// expectedVersion; migration cutover rides on this single version bump.
func (s *PostgresShardMapStore) CompareAndSwapAssignments(ctx context.Context, tenantID string, expectedVersion int64, next []*model.ShardAssignment) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM (
			SELECT version FROM shard_assignments WHERE tenant_id = $1 FOR UPDATE
		) locked`,
		tenantID,
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read assignment version: %w", err)
	}

	if current != expectedVersion {
		return ErrVersionConflict
	}

	if _, err := tx.Exec(ctx, `DELETE FROM shard_assignments WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to clear assignments: %w", err)
	}

	for _, a := range next {
		_, err := tx.Exec(ctx,
			`INSERT INTO shard_assignments (tenant_id, partition_id, state, version, assigned_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			a.TenantID, a.PartitionID, a.State, a.Version, a.AssignedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert assignment: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// CreateMigration creates a new migration record. A partial unique index on
// tenant_id for non-terminal migrations makes the second concurrent attempt
// fail here.
func (s *PostgresShardMapStore) CreateMigration(ctx context.Context, migration *model.Migration) error {
	query := `
		INSERT INTO tenant_migrations
			(migration_id, tenant_id, source_partition, dest_partition, status, phase,
			 checkpoint, rows_copied, assignment_version, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.pool.Exec(ctx, query,
		migration.MigrationID,
		migration.TenantID,
		migration.SourcePartition,
		migration.DestPartition,
		migration.Status,
		migration.Phase,
		migration.Checkpoint,
		migration.RowsCopied,
		migration.AssignmentVersion,
		migration.StartedAt,
	)
	if isUniqueViolation(err) {
		return ErrVersionConflict
	}

	return err
}

// GetMigration retrieves a migration by ID
func (s *PostgresShardMapStore) GetMigration(ctx context.Context, migrationID string) (*model.Migration, error) {
	query := `
		SELECT migration_id, tenant_id, source_partition, dest_partition, status, phase,
		       checkpoint, rows_copied, assignment_version, started_at, completed_at, error_message
		FROM tenant_migrations
		WHERE migration_id = $1
	`

	var m model.Migration
	err := s.pool.QueryRow(ctx, query, migrationID).Scan(
		&m.MigrationID,
		&m.TenantID,
		&m.SourcePartition,
		&m.DestPartition,
		&m.Status,
		&m.Phase,
		&m.Checkpoint,
		&m.RowsCopied,
		&m.AssignmentVersion,
		&m.StartedAt,
		&m.CompletedAt,
		&m.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get migration: %w", err)
	}

	return &m, nil
}

// GetActiveMigration retrieves the non-terminal migration of a tenant, if any
func (s *PostgresShardMapStore) GetActiveMigration(ctx context.Context, tenantID string) (*model.Migration, error) {
	query := `
		SELECT migration_id, tenant_id, source_partition, dest_partition, status, phase,
		       checkpoint, rows_copied, assignment_version, started_at, completed_at, error_message
		FROM tenant_migrations
		WHERE tenant_id = $1 AND status IN ('pending', 'in_progress')
	`

	var m model.Migration
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(
		&m.MigrationID,
		&m.TenantID,
		&m.SourcePartition,
		&m.DestPartition,
		&m.Status,
		&m.Phase,
		&m.Checkpoint,
		&m.RowsCopied,
		&m.AssignmentVersion,
		&m.StartedAt,
		&m.CompletedAt,
		&m.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active migration: %w", err)
	}

	return &m, nil
}

// UpdateMigrationPhase updates migration status and phase
func (s *PostgresShardMapStore) UpdateMigrationPhase(ctx context.Context, migrationID string, status model.MigrationStatus, phase model.MigrationPhase, errorMessage string) error {
	query := `
		UPDATE tenant_migrations
		SET status = $2, phase = $3, error_message = $4,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
		WHERE migration_id = $1
	`

	result, err := s.pool.Exec(ctx, query, migrationID, status, phase, errorMessage)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateMigrationCheckpoint commits backfill progress so an interrupted
// migration resumes from the last committed chunk
func (s *PostgresShardMapStore) UpdateMigrationCheckpoint(ctx context.Context, migrationID string, checkpoint string, rowsCopied int64) error {
	query := `
		UPDATE tenant_migrations
		SET checkpoint = $2, rows_copied = $3
		WHERE migration_id = $1
	`

	result, err := s.pool.Exec(ctx, query, migrationID, checkpoint, rowsCopied)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks the database connection
func (s *PostgresShardMapStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresShardMapStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
