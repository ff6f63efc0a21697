package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/audit"
	"github.com/longyi-brownie/brownie-metadata-database/internal/config"
	"github.com/longyi-brownie/brownie-metadata-database/internal/errors"
	"github.com/longyi-brownie/brownie-metadata-database/internal/metrics"
	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
	"github.com/longyi-brownie/brownie-metadata-database/internal/router"
	"github.com/longyi-brownie/brownie-metadata-database/internal/shardmap"
	"github.com/longyi-brownie/brownie-metadata-database/internal/storage"
	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

// Coordinator orchestrates point-in-time backups and restores across the
// partition set. An artifact is all-or-nothing: it only becomes visible as
// complete once every partition blob was uploaded and acknowledged.
type Coordinator struct {
	backupStore store.BackupStore
	idemStore   store.IdempotencyStore
	shardMap    *shardmap.Map
	clients     *router.ClientPool
	provider    storage.Provider
	codec       *codec
	cfg         config.BackupConfig
	metrics     *metrics.Metrics
	sink        audit.Sink
	logger      *zap.Logger
}

// NewCoordinator creates a backup coordinator
func NewCoordinator(
	backupStore store.BackupStore,
	idemStore store.IdempotencyStore,
	sm *shardmap.Map,
	clients *router.ClientPool,
	provider storage.Provider,
	cfg config.BackupConfig,
	m *metrics.Metrics,
	sink audit.Sink,
	logger *zap.Logger,
) (*Coordinator, error) {
	cdc, err := newCodec(cfg.Compression, cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Coordinator{
		backupStore: backupStore,
		idemStore:   idemStore,
		shardMap:    sm,
		clients:     clients,
		provider:    provider,
		codec:       cdc,
		cfg:         cfg,
		metrics:     m,
		sink:        sink,
		logger:      logger,
	}, nil
}

// backupTimeLayout is the timestamp segment of blob storage keys
const backupTimeLayout = "20060102T150405Z"

// backupTargets resolves the partition selection for a backup. An empty
// selection takes every readable partition; named partitions must exist and
// accept reads.
func backupTargets(snap *shardmap.Snapshot, partitionIDs []string) ([]*model.Partition, error) {
	var targets []*model.Partition
	if len(partitionIDs) == 0 {
		for _, p := range snap.Partitions() {
			if p.AcceptsReads() {
				targets = append(targets, p)
			}
		}
		if len(targets) == 0 {
			return nil, errors.Unavailable("no readable partitions to back up", nil)
		}
	} else {
		seen := make(map[string]struct{}, len(partitionIDs))
		for _, id := range partitionIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			p, ok := snap.Partition(id)
			if !ok {
				return nil, errors.NotFound("partition", id)
			}
			if !p.AcceptsReads() {
				return nil, errors.PartitionUnavailable(id, nil)
			}
			targets = append(targets, p)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].PartitionID < targets[j].PartitionID })
	return targets, nil
}

// CreateBackup takes a point-in-time backup of the named partitions under
// the given schedule; an empty partition list selects every readable
// partition. Duplicate triggers inside the same trigger window collapse onto
// the first one and are rejected.
func (c *Coordinator) CreateBackup(ctx context.Context, scheduleID string, partitionIDs []string) (*model.BackupArtifact, error) {
	targets, err := backupTargets(c.shardMap.Snapshot(), partitionIDs)
	if err != nil {
		return nil, err
	}

	acquired, err := c.idemStore.Acquire(ctx, c.triggerKey(scheduleID), c.cfg.TriggerWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to check trigger dedupe: %w", err)
	}
	if !acquired {
		return nil, errors.InvalidArgument(
			fmt.Sprintf("backup for schedule '%s' was already triggered in this window", scheduleID), nil)
	}

	started := time.Now().UTC()
	artifact := &model.BackupArtifact{
		ArtifactID: uuid.New().String(),
		ScheduleID: scheduleID,
		CreatedAt:  started,
		StorageKey: fmt.Sprintf("%s/%s", scheduleID, started.Format(backupTimeLayout)),
		Status:     model.ArtifactStatusInProgress,
	}
	for _, p := range targets {
		artifact.PartitionIDs = append(artifact.PartitionIDs, p.PartitionID)
	}
	if err := c.backupStore.CreateArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}

	c.logger.Info("Backup started",
		zap.String("artifact_id", artifact.ArtifactID),
		zap.String("schedule_id", scheduleID),
		zap.Int("partitions", len(targets)))

	objects := make([]model.ArtifactObject, len(targets))
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, partition := range targets {
		wg.Add(1)
		go func(slot int, partition *model.Partition) {
			defer wg.Done()
			objects[slot], errs[slot] = c.backupPartition(ctx, artifact, partition)
		}(i, partition)
	}
	wg.Wait()

	for _, legErr := range errs {
		if legErr != nil {
			c.abandonArtifact(ctx, artifact, objects, legErr)
			c.observeBackup(model.ArtifactStatusFailed, started)
			return nil, legErr
		}
	}

	artifact.Objects = objects
	for _, obj := range objects {
		artifact.SizeBytes += obj.SizeBytes
	}
	artifact.Checksum = combineChecksums(objects)
	artifact.Status = model.ArtifactStatusComplete
	if err := c.backupStore.UpdateArtifact(ctx, artifact); err != nil {
		c.abandonArtifact(ctx, artifact, objects, err)
		c.observeBackup(model.ArtifactStatusFailed, started)
		return nil, fmt.Errorf("failed to finalize artifact: %w", err)
	}

	c.observeBackup(model.ArtifactStatusComplete, started)
	if c.metrics != nil {
		c.metrics.BackupBytes.Add(float64(artifact.SizeBytes))
	}
	c.emit("backup_complete", map[string]string{
		"artifact_id": artifact.ArtifactID,
		"schedule_id": scheduleID,
		"size_bytes":  fmt.Sprintf("%d", artifact.SizeBytes),
	})
	c.logger.Info("Backup completed",
		zap.String("artifact_id", artifact.ArtifactID),
		zap.Int64("size_bytes", artifact.SizeBytes),
		zap.Duration("elapsed", time.Since(started)))

	return artifact, nil
}

// backupPartition snapshots one partition, stages the blob and uploads it
func (c *Coordinator) backupPartition(ctx context.Context, artifact *model.BackupArtifact, partition *model.Partition) (model.ArtifactObject, error) {
	client, err := c.clients.Get(ctx, partition)
	if err != nil {
		return model.ArtifactObject{}, errors.SnapshotFailed(partition.PartitionID, err)
	}

	path, size, checksum, err := c.codec.stage(c.cfg.StagingDir, func(w io.Writer) error {
		return client.Snapshot(ctx, w)
	})
	if err != nil {
		return model.ArtifactObject{}, errors.SnapshotFailed(partition.PartitionID, err)
	}
	defer os.Remove(path)

	storageKey := fmt.Sprintf("%s/%s/%s.snap",
		artifact.ScheduleID, partition.PartitionID, artifact.CreatedAt.Format(backupTimeLayout))
	f, err := os.Open(path)
	if err != nil {
		return model.ArtifactObject{}, errors.UploadFailed(storageKey, err)
	}
	defer f.Close()

	if err := c.provider.Put(ctx, storageKey, f, size); err != nil {
		return model.ArtifactObject{}, errors.UploadFailed(storageKey, err)
	}

	c.logger.Debug("Partition blob uploaded",
		zap.String("artifact_id", artifact.ArtifactID),
		zap.String("partition_id", partition.PartitionID),
		zap.String("storage_key", storageKey),
		zap.Int64("size_bytes", size))

	return model.ArtifactObject{
		PartitionID: partition.PartitionID,
		StorageKey:  storageKey,
		SizeBytes:   size,
		Checksum:    checksum,
	}, nil
}

// abandonArtifact marks the artifact failed and removes any blobs that were
// already uploaded, so no partial artifact is ever restorable
func (c *Coordinator) abandonArtifact(ctx context.Context, artifact *model.BackupArtifact, objects []model.ArtifactObject, cause error) {
	for _, obj := range objects {
		if obj.StorageKey == "" {
			continue
		}
		if err := c.provider.Delete(ctx, obj.StorageKey); err != nil && !stderrors.Is(err, storage.ErrKeyNotFound) {
			c.logger.Warn("Failed to remove orphaned blob",
				zap.String("storage_key", obj.StorageKey),
				zap.Error(err))
		}
	}

	artifact.Status = model.ArtifactStatusFailed
	artifact.ErrorMessage = cause.Error()
	if err := c.backupStore.UpdateArtifact(ctx, artifact); err != nil {
		c.logger.Error("Failed to mark artifact failed",
			zap.String("artifact_id", artifact.ArtifactID),
			zap.Error(err))
	}

	c.emit("backup_failed", map[string]string{
		"artifact_id": artifact.ArtifactID,
		"error":       cause.Error(),
	})
	c.logger.Error("Backup abandoned",
		zap.String("artifact_id", artifact.ArtifactID),
		zap.Error(cause))
}

// ListBackups pages stored artifacts newest first. The metadata store is
// authoritative; provider listings only feed the orphan sweep.
func (c *Coordinator) ListBackups(ctx context.Context, filter store.ArtifactFilter) ([]*model.BackupArtifact, error) {
	return c.backupStore.ListArtifacts(ctx, filter)
}

// RestoreBackup restores one partition's blob from the artifact onto the
// target partition. Downloads are retried with exponential backoff; the
// apply itself swaps in atomically so the partition is never half restored.
func (c *Coordinator) RestoreBackup(ctx context.Context, artifactID, targetPartition string) (*model.RestoreJob, error) {
	artifact, err := c.backupStore.GetArtifact(ctx, artifactID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("artifact", artifactID)
		}
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	if !artifact.Restorable() {
		return nil, errors.InvalidArgument(
			fmt.Sprintf("artifact '%s' is not restorable (status=%s)", artifactID, artifact.Status), nil)
	}
	object, ok := artifact.ObjectFor(targetPartition)
	if !ok {
		return nil, errors.InvalidArgument(
			fmt.Sprintf("artifact '%s' has no blob for partition '%s'", artifactID, targetPartition), nil)
	}

	job := &model.RestoreJob{
		JobID:           uuid.New().String(),
		ArtifactID:      artifactID,
		TargetPartition: targetPartition,
		Status:          model.RestoreStatusPending,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := c.backupStore.CreateRestoreJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create restore job: %w", err)
	}

	if err := c.runRestore(ctx, job, object); err != nil {
		c.finishRestore(ctx, job, model.RestoreStatusFailed, err.Error())
		c.emit("restore_failed", map[string]string{
			"job_id":      job.JobID,
			"artifact_id": artifactID,
			"error":       err.Error(),
		})
		return job, err
	}

	c.finishRestore(ctx, job, model.RestoreStatusDone, "")
	c.emit("restore_complete", map[string]string{
		"job_id":      job.JobID,
		"artifact_id": artifactID,
		"partition":   targetPartition,
	})
	return job, nil
}

// runRestore downloads, verifies and applies one blob
func (c *Coordinator) runRestore(ctx context.Context, job *model.RestoreJob, object model.ArtifactObject) error {
	c.setRestoreStatus(ctx, job, model.RestoreStatusRestoring)

	path, err := c.downloadWithRetry(ctx, job, object)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	snap, ok := c.shardMap.Snapshot().Partition(job.TargetPartition)
	if !ok {
		return errors.NotFound("partition", job.TargetPartition)
	}
	client, err := c.clients.Get(ctx, snap)
	if err != nil {
		return errors.PartitionUnavailable(job.TargetPartition, err)
	}

	stream, err := c.codec.unstage(path)
	if err != nil {
		return fmt.Errorf("failed to open restore stream: %w", err)
	}
	defer stream.Close()

	if err := client.RestoreSnapshot(ctx, stream); err != nil {
		return fmt.Errorf("failed to apply restore: %w", err)
	}

	c.setRestoreStatus(ctx, job, model.RestoreStatusVerifying)
	if err := client.Ping(ctx); err != nil {
		return errors.PartitionUnavailable(job.TargetPartition, err)
	}
	return nil
}

// downloadWithRetry fetches the blob into staging, retrying transient
// failures with exponential backoff. A checksum mismatch is permanent and
// fails immediately.
func (c *Coordinator) downloadWithRetry(ctx context.Context, job *model.RestoreJob, object model.ArtifactObject) (string, error) {
	var path string

	attempt := func() error {
		job.AttemptCount++
		if c.metrics != nil {
			c.metrics.RestoreAttempts.Inc()
		}
		if err := c.backupStore.UpdateRestoreJob(ctx, job); err != nil {
			c.logger.Warn("Failed to persist attempt count",
				zap.String("job_id", job.JobID),
				zap.Error(err))
		}

		body, err := c.provider.Get(ctx, object.StorageKey)
		if err != nil {
			if stderrors.Is(err, storage.ErrKeyNotFound) {
				return backoff.Permanent(errors.CorruptArtifact(job.ArtifactID, object.Checksum, "missing"))
			}
			return err
		}
		defer body.Close()

		f, err := os.CreateTemp(c.cfg.StagingDir, "restore-*.blob")
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create staging file: %w", err))
		}
		path = f.Name()

		h := sha256.New()
		_, err = io.Copy(io.MultiWriter(f, h), body)
		f.Close()
		if err != nil {
			os.Remove(path)
			return err
		}

		actual := hex.EncodeToString(h.Sum(nil))
		if actual != object.Checksum {
			os.Remove(path)
			return backoff.Permanent(errors.CorruptArtifact(job.ArtifactID, object.Checksum, actual))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.cfg.BackoffBase)),
		uint64(c.cfg.MaxRetries-1)), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		var coreErr *errors.CoreError
		if stderrors.As(err, &coreErr) {
			return "", coreErr
		}
		return "", errors.RetryExhausted("artifact download", job.AttemptCount, err)
	}
	return path, nil
}

// VerifyArtifact re-downloads every blob of the artifact and checks it
// against the recorded checksums, promoting the artifact to verified
func (c *Coordinator) VerifyArtifact(ctx context.Context, artifactID string) error {
	artifact, err := c.backupStore.GetArtifact(ctx, artifactID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.NotFound("artifact", artifactID)
		}
		return fmt.Errorf("failed to load artifact: %w", err)
	}
	if !artifact.Restorable() {
		return errors.InvalidArgument(
			fmt.Sprintf("artifact '%s' is not verifiable (status=%s)", artifactID, artifact.Status), nil)
	}

	for _, object := range artifact.Objects {
		body, err := c.provider.Get(ctx, object.StorageKey)
		if err != nil {
			return errors.CorruptArtifact(artifactID, object.Checksum, "missing")
		}
		h := sha256.New()
		_, copyErr := io.Copy(h, body)
		body.Close()
		if copyErr != nil {
			return fmt.Errorf("failed to read blob: %w", copyErr)
		}
		actual := hex.EncodeToString(h.Sum(nil))
		if actual != object.Checksum {
			return errors.CorruptArtifact(artifactID, object.Checksum, actual)
		}
	}

	artifact.Status = model.ArtifactStatusVerified
	if err := c.backupStore.UpdateArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("failed to mark artifact verified: %w", err)
	}
	c.logger.Info("Artifact verified", zap.String("artifact_id", artifactID))
	return nil
}

// CleanupExpired deletes artifacts past the retention policy. Artifacts
// referenced by an in-flight restore are skipped and retried on the next
// sweep. Returns the number of artifacts deleted.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int, error) {
	maxAge := time.Duration(c.cfg.RetentionDays) * 24 * time.Hour
	now := time.Now().UTC()
	deleted := 0
	perSchedule := make(map[string]int)

	var cursor time.Time
	var cursorID string
	for {
		page, err := c.backupStore.ListArtifacts(ctx, store.ArtifactFilter{
			CreatedBefore:   cursor,
			CreatedBeforeID: cursorID,
			Limit:           100,
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to list artifacts: %w", err)
		}
		if len(page) == 0 {
			return deleted, nil
		}

		for _, artifact := range page {
			cursor, cursorID = artifact.CreatedAt, artifact.ArtifactID
			expired := now.Sub(artifact.CreatedAt.UTC()) >= maxAge
			if artifact.Status == model.ArtifactStatusComplete || artifact.Status == model.ArtifactStatusVerified {
				perSchedule[artifact.ScheduleID]++
				if c.cfg.RetentionKeep > 0 && perSchedule[artifact.ScheduleID] > c.cfg.RetentionKeep {
					expired = true
				}
			}
			if !expired {
				continue
			}

			inFlight, err := c.backupStore.CountInFlightRestores(ctx, artifact.ArtifactID)
			if err != nil {
				return deleted, fmt.Errorf("failed to count in-flight restores: %w", err)
			}
			if inFlight > 0 {
				c.logger.Info("Retention skipping artifact with in-flight restore",
					zap.String("artifact_id", artifact.ArtifactID),
					zap.Int("in_flight", inFlight))
				continue
			}

			if err := c.deleteArtifact(ctx, artifact); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
}

// deleteArtifact removes the artifact's blobs and then its record
func (c *Coordinator) deleteArtifact(ctx context.Context, artifact *model.BackupArtifact) error {
	for _, object := range artifact.Objects {
		if err := c.provider.Delete(ctx, object.StorageKey); err != nil && !stderrors.Is(err, storage.ErrKeyNotFound) {
			return fmt.Errorf("failed to delete blob %s: %w", object.StorageKey, err)
		}
	}
	if err := c.backupStore.DeleteArtifact(ctx, artifact.ArtifactID); err != nil {
		return fmt.Errorf("failed to delete artifact record: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RetentionDeletes.Inc()
	}
	c.logger.Info("Artifact deleted by retention",
		zap.String("artifact_id", artifact.ArtifactID),
		zap.String("schedule_id", artifact.ScheduleID),
		zap.Time("created_at", artifact.CreatedAt))
	return nil
}

// SweepOrphans deletes stored blobs no artifact references, reconciling
// storage after interrupted uploads. Returns the number of blobs removed.
func (c *Coordinator) SweepOrphans(ctx context.Context) (int, error) {
	referenced := make(map[string]struct{})
	var cursor time.Time
	var cursorID string
	for {
		page, err := c.backupStore.ListArtifacts(ctx, store.ArtifactFilter{
			CreatedBefore:   cursor,
			CreatedBeforeID: cursorID,
			Limit:           100,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to list artifacts: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, artifact := range page {
			cursor, cursorID = artifact.CreatedAt, artifact.ArtifactID
			for _, object := range artifact.Objects {
				referenced[object.StorageKey] = struct{}{}
			}
		}
	}

	removed := 0
	it := c.provider.List(ctx, "")
	for {
		obj, err := it.Next(ctx)
		if stderrors.Is(err, storage.ErrDone) {
			return removed, nil
		}
		if err != nil {
			return removed, fmt.Errorf("failed to list stored blobs: %w", err)
		}
		if _, ok := referenced[obj.Key]; ok {
			continue
		}
		// Leave very recent blobs alone, an upload may still be in flight
		if time.Since(obj.LastModified) < c.cfg.TriggerWindow {
			continue
		}
		if err := c.provider.Delete(ctx, obj.Key); err != nil && !stderrors.Is(err, storage.ErrKeyNotFound) {
			return removed, fmt.Errorf("failed to delete orphan %s: %w", obj.Key, err)
		}
		c.logger.Info("Orphaned blob removed", zap.String("storage_key", obj.Key))
		removed++
	}
}

// triggerKey derives the dedupe key for the current trigger window
func (c *Coordinator) triggerKey(scheduleID string) string {
	window := time.Now().UTC().Truncate(c.cfg.TriggerWindow).Unix()
	return fmt.Sprintf("backup:%s:%d", scheduleID, window)
}

func (c *Coordinator) setRestoreStatus(ctx context.Context, job *model.RestoreJob, status model.RestoreStatus) {
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	if err := c.backupStore.UpdateRestoreJob(ctx, job); err != nil {
		c.logger.Warn("Failed to persist restore status",
			zap.String("job_id", job.JobID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (c *Coordinator) finishRestore(ctx context.Context, job *model.RestoreJob, status model.RestoreStatus, errorMessage string) {
	job.ErrorMessage = errorMessage
	c.setRestoreStatus(ctx, job, status)
	if c.metrics != nil {
		c.metrics.RestoresTotal.WithLabelValues(string(status)).Inc()
	}
}

func (c *Coordinator) observeBackup(status model.ArtifactStatus, started time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.BackupsTotal.WithLabelValues(string(status)).Inc()
	c.metrics.BackupDuration.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())
}

func (c *Coordinator) emit(outcome string, details map[string]string) {
	if c.sink == nil {
		return
	}
	c.sink.Emit(audit.Event{
		Kind:    audit.KindBackup,
		Outcome: outcome,
		Details: details,
	})
}

// combineChecksums derives the artifact checksum from the per-object
// checksums in partition order
func combineChecksums(objects []model.ArtifactObject) string {
	sorted := make([]model.ArtifactObject, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartitionID < sorted[j].PartitionID })

	h := sha256.New()
	for _, obj := range sorted {
		h.Write([]byte(obj.PartitionID))
		h.Write([]byte{0})
		h.Write([]byte(obj.Checksum))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
