package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/audit"
	"github.com/longyi-brownie/brownie-metadata-database/internal/config"
	"github.com/longyi-brownie/brownie-metadata-database/internal/errors"
	"github.com/longyi-brownie/brownie-metadata-database/internal/metrics"
	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
	"github.com/longyi-brownie/brownie-metadata-database/internal/shardmap"
	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

// Migrator moves single tenants between partitions without downtime. The
// sequence is dual-write, chunked backfill, verify, cutover, drain; a
// failure before cutover reverts the tenant to the source partition, a
// failure after cutover leaves the tenant on the destination.
type Migrator struct {
	shardMap *shardmap.Map
	store    store.ShardMapStore
	clients  *ClientPool
	cfg      config.MigrationConfig
	metrics  *metrics.Metrics
	sink     audit.Sink
	logger   *zap.Logger
}

// NewMigrator creates a tenant migrator
func NewMigrator(
	sm *shardmap.Map,
	st store.ShardMapStore,
	clients *ClientPool,
	cfg config.MigrationConfig,
	m *metrics.Metrics,
	sink audit.Sink,
	logger *zap.Logger,
) *Migrator {
	return &Migrator{
		shardMap: sm,
		store:    st,
		clients:  clients,
		cfg:      cfg,
		metrics:  m,
		sink:     sink,
		logger:   logger,
	}
}

// MigrateTenant migrates one tenant to the destination partition and blocks
// until the migration reaches the draining phase or fails. At most one
// migration per tenant is admitted; a concurrent attempt fails with a
// migration conflict and no side effects.
func (mg *Migrator) MigrateTenant(ctx context.Context, tenantID, destPartitionID string) (*model.Migration, error) {
	snap := mg.shardMap.Snapshot()

	assignment, ok := snap.ActiveAssignment(tenantID)
	if !ok {
		return nil, errors.UnassignedTenant(tenantID)
	}
	if assignment.PartitionID == destPartitionID {
		return nil, errors.InvalidArgument(
			fmt.Sprintf("tenant '%s' is already on partition '%s'", tenantID, destPartitionID), nil)
	}

	dest, ok := snap.Partition(destPartitionID)
	if !ok {
		return nil, errors.NotFound("partition", destPartitionID)
	}
	if !dest.AcceptsWrites() {
		return nil, errors.PartitionUnavailable(destPartitionID, nil)
	}

	migration := &model.Migration{
		MigrationID:       uuid.New().String(),
		TenantID:          tenantID,
		SourcePartition:   assignment.PartitionID,
		DestPartition:     destPartitionID,
		Status:            model.MigrationStatusPending,
		Phase:             model.MigrationPhasePlanned,
		StartedAt:         time.Now().UTC(),
		AssignmentVersion: snap.TenantVersion(tenantID),
	}

	if err := mg.store.CreateMigration(ctx, migration); err != nil {
		if stderrors.Is(err, store.ErrVersionConflict) {
			return migration, errors.MigrationConflict(tenantID, err)
		}
		return migration, fmt.Errorf("failed to create migration: %w", err)
	}

	mg.logger.Info("Migration admitted",
		zap.String("migration_id", migration.MigrationID),
		zap.String("tenant_id", tenantID),
		zap.String("source_partition", migration.SourcePartition),
		zap.String("dest_partition", destPartitionID))

	return mg.execute(ctx, migration)
}

// ResumeMigration re-enters a non-terminal migration after a coordinator
// restart, continuing from the persisted phase and backfill checkpoint
func (mg *Migrator) ResumeMigration(ctx context.Context, migrationID string) (*model.Migration, error) {
	migration, err := mg.store.GetMigration(ctx, migrationID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("migration", migrationID)
		}
		return nil, fmt.Errorf("failed to load migration: %w", err)
	}
	if migration.Status.IsTerminal() {
		return migration, errors.InvalidArgument(
			fmt.Sprintf("migration '%s' already finished with status '%s'", migrationID, migration.Status), nil)
	}

	mg.logger.Info("Resuming migration",
		zap.String("migration_id", migrationID),
		zap.String("phase", string(migration.Phase)),
		zap.String("checkpoint", migration.Checkpoint),
		zap.Int64("rows_copied", migration.RowsCopied))

	return mg.execute(ctx, migration)
}

// execute drives the migration through its remaining phases
func (mg *Migrator) execute(ctx context.Context, migration *model.Migration) (*model.Migration, error) {
	if mg.metrics != nil {
		mg.metrics.MigrationsActive.Inc()
		defer mg.metrics.MigrationsActive.Dec()
	}

	// Each step runs when the persisted phase is at or before the last
	// phase the step is responsible for, so a resumed migration re-enters
	// exactly where it left off.
	steps := []struct {
		upTo model.MigrationPhase
		fn   func(context.Context, *model.Migration) error
	}{
		{model.MigrationPhasePlanned, mg.enterDualWrite},
		{model.MigrationPhaseBackfilling, mg.backfill},
		{model.MigrationPhaseVerifying, mg.verify},
		{model.MigrationPhaseVerifying, mg.cutOver},
	}

	for _, step := range steps {
		if phaseRank(migration.Phase) > phaseRank(step.upTo) {
			continue
		}
		if err := step.fn(ctx, migration); err != nil {
			return migration, mg.fail(ctx, migration, err)
		}
	}

	// Data is safe on the destination once cutover commits, so the
	// migration is terminal here; the drained source is reclaimed later
	// by CompleteDrain.
	if err := mg.setPhase(ctx, migration, model.MigrationStatusCompleted, model.MigrationPhaseDraining, ""); err != nil {
		return migration, err
	}
	now := time.Now().UTC()
	migration.CompletedAt = &now

	if mg.metrics != nil {
		mg.metrics.MigrationsTotal.WithLabelValues(string(model.MigrationStatusCompleted)).Inc()
	}
	mg.logger.Info("Migration completed",
		zap.String("migration_id", migration.MigrationID),
		zap.String("tenant_id", migration.TenantID),
		zap.Int64("rows_copied", migration.RowsCopied))

	return migration, nil
}

// enterDualWrite marks the source draining and installs the provisional
// destination assignment so the router starts mirroring writes. The draining
// source stays the authoritative route target until cutover.
func (mg *Migrator) enterDualWrite(ctx context.Context, migration *model.Migration) error {
	next := []*model.ShardAssignment{
		{
			TenantID:    migration.TenantID,
			PartitionID: migration.SourcePartition,
			State:       model.AssignmentStateDraining,
			Version:     migration.AssignmentVersion + 1,
			AssignedAt:  time.Now().UTC(),
		},
		{
			TenantID:    migration.TenantID,
			PartitionID: migration.DestPartition,
			State:       model.AssignmentStateProvisional,
			Version:     migration.AssignmentVersion + 1,
			AssignedAt:  time.Now().UTC(),
		},
	}
	if err := mg.shardMap.CompareAndSwap(ctx, migration.TenantID, migration.AssignmentVersion, next); err != nil {
		if stderrors.Is(err, store.ErrVersionConflict) {
			return errors.MigrationConflict(migration.TenantID, err)
		}
		return fmt.Errorf("failed to enter dual-write: %w", err)
	}
	return mg.setPhase(ctx, migration, model.MigrationStatusInProgress, model.MigrationPhaseDualWrite, "")
}

// backfill copies existing tenant data to the destination in ordered chunks,
// committing a checkpoint after every chunk
func (mg *Migrator) backfill(ctx context.Context, migration *model.Migration) error {
	if err := mg.setPhase(ctx, migration, model.MigrationStatusInProgress, model.MigrationPhaseBackfilling, ""); err != nil {
		return err
	}

	source, err := mg.partitionClient(ctx, migration.SourcePartition)
	if err != nil {
		return err
	}
	dest, err := mg.partitionClient(ctx, migration.DestPartition)
	if err != nil {
		return err
	}

	for {
		chunk, err := source.ReadChunk(ctx, migration.TenantID, migration.Checkpoint, mg.cfg.ChunkSize)
		if err != nil {
			return fmt.Errorf("failed to read backfill chunk: %w", err)
		}
		if len(chunk) == 0 {
			return nil
		}

		if err := dest.WriteRecords(ctx, migration.TenantID, chunk); err != nil {
			return fmt.Errorf("failed to write backfill chunk: %w", err)
		}

		migration.Checkpoint = chunk[len(chunk)-1].Key
		migration.RowsCopied += int64(len(chunk))
		if err := mg.store.UpdateMigrationCheckpoint(ctx, migration.MigrationID, migration.Checkpoint, migration.RowsCopied); err != nil {
			return fmt.Errorf("failed to commit checkpoint: %w", err)
		}
		if mg.metrics != nil {
			mg.metrics.MigrationChunksTotal.Inc()
		}

		if len(chunk) < mg.cfg.ChunkSize {
			return nil
		}
		if err := sleepCtx(ctx, mg.cfg.ChunkDelay); err != nil {
			return err
		}
	}
}

// verify compares row counts and content digests between source and
// destination before any routing change is allowed
func (mg *Migrator) verify(ctx context.Context, migration *model.Migration) error {
	if !mg.cfg.Verify {
		return nil
	}
	if err := mg.setPhase(ctx, migration, model.MigrationStatusInProgress, model.MigrationPhaseVerifying, ""); err != nil {
		return err
	}

	source, err := mg.partitionClient(ctx, migration.SourcePartition)
	if err != nil {
		return err
	}
	dest, err := mg.partitionClient(ctx, migration.DestPartition)
	if err != nil {
		return err
	}

	sourceCount, err := source.RowCount(ctx, migration.TenantID)
	if err != nil {
		return fmt.Errorf("failed to count source rows: %w", err)
	}
	destCount, err := dest.RowCount(ctx, migration.TenantID)
	if err != nil {
		return fmt.Errorf("failed to count destination rows: %w", err)
	}
	if sourceCount != destCount {
		return fmt.Errorf("row count mismatch: source=%d dest=%d", sourceCount, destCount)
	}

	sourceSum, err := source.TenantChecksum(ctx, migration.TenantID)
	if err != nil {
		return fmt.Errorf("failed to checksum source: %w", err)
	}
	destSum, err := dest.TenantChecksum(ctx, migration.TenantID)
	if err != nil {
		return fmt.Errorf("failed to checksum destination: %w", err)
	}
	if sourceSum != destSum {
		return fmt.Errorf("checksum mismatch: source=%s dest=%s", sourceSum, destSum)
	}
	return nil
}

// cutOver atomically promotes the destination to the active assignment.
// Exactly one cutover per tenant can win; a concurrent shard map change
// makes the compare-and-swap lose and the migration fail reversibly.
func (mg *Migrator) cutOver(ctx context.Context, migration *model.Migration) error {
	version := mg.shardMap.Snapshot().TenantVersion(migration.TenantID)
	next := []*model.ShardAssignment{
		{
			TenantID:    migration.TenantID,
			PartitionID: migration.SourcePartition,
			State:       model.AssignmentStateDraining,
			Version:     version + 1,
			AssignedAt:  time.Now().UTC(),
		},
		{
			TenantID:    migration.TenantID,
			PartitionID: migration.DestPartition,
			State:       model.AssignmentStateActive,
			Version:     version + 1,
			AssignedAt:  time.Now().UTC(),
		},
	}
	if err := mg.shardMap.CompareAndSwap(ctx, migration.TenantID, version, next); err != nil {
		if stderrors.Is(err, store.ErrVersionConflict) {
			return errors.MigrationConflict(migration.TenantID, err)
		}
		return fmt.Errorf("failed to cut over: %w", err)
	}

	// The swap is committed at this point. Flip the in-memory phase before
	// persisting it so a failed persist is treated as post-cutover: the
	// destination is authoritative and must never be rolled back raw.
	migration.Phase = model.MigrationPhaseCutOver
	return mg.setPhase(ctx, migration, model.MigrationStatusInProgress, model.MigrationPhaseCutOver, "")
}

// CompleteDrain reclaims the drained source partition after the grace
// window: tenant data is deleted from the source and the draining
// assignment is removed from the shard map
func (mg *Migrator) CompleteDrain(ctx context.Context, migrationID string) error {
	migration, err := mg.store.GetMigration(ctx, migrationID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.NotFound("migration", migrationID)
		}
		return fmt.Errorf("failed to load migration: %w", err)
	}
	if migration.Status != model.MigrationStatusCompleted || migration.Phase != model.MigrationPhaseDraining {
		return errors.InvalidArgument(
			fmt.Sprintf("migration '%s' is not draining (status=%s phase=%s)", migrationID, migration.Status, migration.Phase), nil)
	}
	if migration.CompletedAt != nil && time.Since(*migration.CompletedAt) < mg.cfg.DrainGrace {
		return errors.InvalidArgument(
			fmt.Sprintf("drain grace for migration '%s' has not elapsed", migrationID), nil)
	}

	source, err := mg.partitionClient(ctx, migration.SourcePartition)
	if err != nil {
		return err
	}
	if err := source.DeleteTenant(ctx, migration.TenantID); err != nil {
		return fmt.Errorf("failed to delete drained tenant data: %w", err)
	}

	version := mg.shardMap.Snapshot().TenantVersion(migration.TenantID)
	next := []*model.ShardAssignment{
		{
			TenantID:    migration.TenantID,
			PartitionID: migration.DestPartition,
			State:       model.AssignmentStateActive,
			Version:     version + 1,
			AssignedAt:  time.Now().UTC(),
		},
	}
	if err := mg.shardMap.CompareAndSwap(ctx, migration.TenantID, version, next); err != nil {
		return fmt.Errorf("failed to remove draining assignment: %w", err)
	}

	if err := mg.setPhase(ctx, migration, model.MigrationStatusCompleted, model.MigrationPhaseComplete, ""); err != nil {
		return err
	}
	mg.logger.Info("Drain completed",
		zap.String("migration_id", migrationID),
		zap.String("tenant_id", migration.TenantID),
		zap.String("source_partition", migration.SourcePartition))
	return nil
}

// fail records the failure and, when the phase allows it, reverts the
// tenant to the source partition and discards partially copied data
func (mg *Migrator) fail(ctx context.Context, migration *model.Migration, cause error) error {
	mg.logger.Error("Migration failed",
		zap.String("migration_id", migration.MigrationID),
		zap.String("tenant_id", migration.TenantID),
		zap.String("phase", string(migration.Phase)),
		zap.Error(cause))

	if migration.Phase.Reversible() {
		mg.revert(ctx, migration)
	}

	if err := mg.setPhase(ctx, migration, model.MigrationStatusFailed, migration.Phase, cause.Error()); err != nil {
		mg.logger.Error("Failed to record migration failure",
			zap.String("migration_id", migration.MigrationID),
			zap.Error(err))
	}
	if mg.metrics != nil {
		mg.metrics.MigrationsTotal.WithLabelValues(string(model.MigrationStatusFailed)).Inc()
	}
	return cause
}

// revert restores the source-only assignment and clears copied destination
// data. Best effort: routing correctness only needs the assignment revert.
func (mg *Migrator) revert(ctx context.Context, migration *model.Migration) {
	version := mg.shardMap.Snapshot().TenantVersion(migration.TenantID)
	next := []*model.ShardAssignment{
		{
			TenantID:    migration.TenantID,
			PartitionID: migration.SourcePartition,
			State:       model.AssignmentStateActive,
			Version:     version + 1,
			AssignedAt:  time.Now().UTC(),
		},
	}
	if err := mg.shardMap.CompareAndSwap(ctx, migration.TenantID, version, next); err != nil {
		mg.logger.Error("Failed to revert assignments",
			zap.String("migration_id", migration.MigrationID),
			zap.Error(err))
		return
	}

	if dest, err := mg.partitionClient(ctx, migration.DestPartition); err == nil {
		if err := dest.DeleteTenant(ctx, migration.TenantID); err != nil {
			mg.logger.Warn("Failed to discard partially copied data",
				zap.String("migration_id", migration.MigrationID),
				zap.String("partition_id", migration.DestPartition),
				zap.Error(err))
		}
	}
}

// setPhase persists a phase transition and mirrors it on the in-memory model
func (mg *Migrator) setPhase(ctx context.Context, migration *model.Migration, status model.MigrationStatus, phase model.MigrationPhase, errorMessage string) error {
	if err := mg.store.UpdateMigrationPhase(ctx, migration.MigrationID, status, phase, errorMessage); err != nil {
		return fmt.Errorf("failed to update migration phase: %w", err)
	}
	migration.Status = status
	migration.Phase = phase
	migration.ErrorMessage = errorMessage

	mg.logger.Info("Migration phase transition",
		zap.String("migration_id", migration.MigrationID),
		zap.String("tenant_id", migration.TenantID),
		zap.String("status", string(status)),
		zap.String("phase", string(phase)))

	if mg.sink != nil {
		mg.sink.Emit(audit.Event{
			Kind:    audit.KindMigration,
			Outcome: string(status),
			Details: map[string]string{
				"migration_id":     migration.MigrationID,
				"tenant_id":        migration.TenantID,
				"phase":            string(phase),
				"source_partition": migration.SourcePartition,
				"dest_partition":   migration.DestPartition,
			},
		})
	}
	return nil
}

// partitionClient resolves a partition by ID and dials it
func (mg *Migrator) partitionClient(ctx context.Context, partitionID string) (PartitionClient, error) {
	partition, ok := mg.shardMap.Snapshot().Partition(partitionID)
	if !ok {
		return nil, errors.NotFound("partition", partitionID)
	}
	client, err := mg.clients.Get(ctx, partition)
	if err != nil {
		return nil, errors.PartitionUnavailable(partitionID, err)
	}
	return client, nil
}

// phaseRank orders migration phases for resume
func phaseRank(phase model.MigrationPhase) int {
	switch phase {
	case model.MigrationPhasePlanned:
		return 0
	case model.MigrationPhaseDualWrite:
		return 1
	case model.MigrationPhaseBackfilling:
		return 2
	case model.MigrationPhaseVerifying:
		return 3
	case model.MigrationPhaseCutOver:
		return 4
	case model.MigrationPhaseDraining:
		return 5
	default:
		return 6
	}
}

// sleepCtx sleeps for d or until ctx is cancelled
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
